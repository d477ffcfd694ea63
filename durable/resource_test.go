// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"
	"testing"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/internal/session"
	"github.com/relaymcp/relay/internal/workflow"
	"github.com/relaymcp/relay/mcp"
)

func newResourceTestServicer(t *testing.T, register func(engine *mcp.Server, svc *servicer.Servicer)) *servicer.Servicer {
	t.Helper()
	engine := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, nil)
	svc := servicer.New(engine, eventlog.NewMemory(), session.NewMemory(), workflow.NewMemoryStore())
	register(engine, svc)
	return svc
}

func readResourceMessage(t *testing.T, id, uri string) []byte {
	t.Helper()
	paramsData, err := json.Marshal(&mcp.ReadResourceParams{URI: uri})
	if err != nil {
		t.Fatal(err)
	}
	req := &mcp.JSONRPCRequest{ID: mcp.StringID(id), Method: "resources/read", Params: paramsData}
	data, err := mcp.EncodeMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// TestFixedURIResourceHandlerSeesContext confirms a resource registered
// under a concrete, parameter-free URI still receives a durable Context,
// the same as a templated one would.
func TestFixedURIResourceHandlerSeesContext(t *testing.T) {
	var sawWorkflowID string
	svc := newResourceTestServicer(t, func(engine *mcp.Server, svc *servicer.Servicer) {
		AddResource(engine, svc, &mcp.Resource{URI: "config://settings", Name: "settings"},
			func(ctx context.Context, dc *Context, req *mcp.ServerRequest[*mcp.ReadResourceParams]) (*mcp.ReadResourceResult, error) {
				sawWorkflowID = dc.WorkflowID()
				return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "ok"}}}, nil
			})
	})

	msg := readResourceMessage(t, "1", "config://settings")
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sawWorkflowID != "1" {
		t.Fatalf("WorkflowID() = %q, want %q", sawWorkflowID, "1")
	}
}

// TestTemplatedResourceHandlerMatchesAndSeesContext confirms a
// zero-parameter template still matches (the empty-match case a naive
// truthiness check on the matched values would miss) and a
// parameterized one matches the URI it was registered for.
func TestTemplatedResourceHandlerMatchesAndSeesContext(t *testing.T) {
	var gotURIs []string
	svc := newResourceTestServicer(t, func(engine *mcp.Server, svc *servicer.Servicer) {
		err := AddResourceTemplate(engine, svc, &mcp.ResourceTemplate{URITemplate: "template://no-params", Name: "no-params"},
			func(ctx context.Context, dc *Context, req *mcp.ServerRequest[*mcp.ReadResourceParams]) (*mcp.ReadResourceResult, error) {
				gotURIs = append(gotURIs, req.Params.URI)
				return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "ok"}}}, nil
			})
		if err != nil {
			t.Fatalf("AddResourceTemplate (no-params): %v", err)
		}
		err = AddResourceTemplate(engine, svc, &mcp.ResourceTemplate{URITemplate: "data://{key}", Name: "keyed"},
			func(ctx context.Context, dc *Context, req *mcp.ServerRequest[*mcp.ReadResourceParams]) (*mcp.ReadResourceResult, error) {
				gotURIs = append(gotURIs, req.Params.URI)
				return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "ok"}}}, nil
			})
		if err != nil {
			t.Fatalf("AddResourceTemplate (keyed): %v", err)
		}
	})

	for i, uri := range []string{"template://no-params", "data://alpha"} {
		msg := readResourceMessage(t, string(rune('1'+i)), uri)
		if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
			t.Fatalf("HandleMessage(%q): %v", uri, err)
		}
	}
	if len(gotURIs) != 2 || gotURIs[0] != "template://no-params" || gotURIs[1] != "data://alpha" {
		t.Fatalf("handled URIs = %v, want both templates matched in order", gotURIs)
	}
}

// TestUnmatchedResourceURIFails confirms a URI matching no registered
// resource or template still fails, rather than a template over-matching.
func TestUnmatchedResourceURIFails(t *testing.T) {
	svc := newResourceTestServicer(t, func(engine *mcp.Server, svc *servicer.Servicer) {
		if err := AddResourceTemplate(engine, svc, &mcp.ResourceTemplate{URITemplate: "data://{key}", Name: "keyed"},
			func(ctx context.Context, dc *Context, req *mcp.ServerRequest[*mcp.ReadResourceParams]) (*mcp.ReadResourceResult, error) {
				return &mcp.ReadResourceResult{}, nil
			}); err != nil {
			t.Fatalf("AddResourceTemplate: %v", err)
		}
	})

	msg := readResourceMessage(t, "1", "other://nope")
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	var sawError bool
	for _, m := range decodedMessages(t, svc, "sess1", "1") {
		if errMsg, ok := m.(*mcp.JSONRPCError); ok && errMsg.Error.Code == -32002 {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected a resource-not-found error for an unmatched URI")
	}
}
