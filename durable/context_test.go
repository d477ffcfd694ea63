// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/internal/session"
	"github.com/relaymcp/relay/internal/workflow"
	"github.com/relaymcp/relay/mcp"
)

type greetArgs struct {
	Name string `json:"name"`
}

// newTestServicer wires an engine with one durable tool, named by name,
// whose handler is h, the same way a real deployment wires component G
// between the embedded engine and the session servicer.
func newTestServicer(t *testing.T, name string, h ToolHandler[greetArgs, any]) *servicer.Servicer {
	t.Helper()
	engine := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, nil)
	svc := servicer.New(engine, eventlog.NewMemory(), session.NewMemory(), workflow.NewMemoryStore())
	if err := AddTool(engine, svc, &mcp.Tool{Name: name, Description: "test tool"}, h); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	return svc
}

func callToolMessage(t *testing.T, id, name string, args any) []byte {
	t.Helper()
	argsData, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	params := &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(argsData)}
	paramsData, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req := &mcp.JSONRPCRequest{ID: mcp.StringID(id), Method: "tools/call", Params: paramsData}
	data, err := mcp.EncodeMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// decodedMessages replays sessionID/requestID and decodes every stored
// message, for assertions against what an adapter method actually sent.
func decodedMessages(t *testing.T, svc *servicer.Servicer, sessionID, requestID string) []mcp.JSONRPCMessage {
	t.Helper()
	recs, err := svc.Messages(context.Background(), sessionID, requestID)
	if err != nil {
		t.Fatal(err)
	}
	var out []mcp.JSONRPCMessage
	for _, rec := range recs {
		msg, err := mcp.DecodeMessage(rec.Message)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, msg)
	}
	return out
}

func TestReportProgressWithoutTokenFails(t *testing.T) {
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		err := dc.ReportProgress(1, 1, "working")
		if err == nil {
			t.Error("expected ErrNoProgressToken, got nil")
		}
		return &mcp.CallToolResult{}, nil, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestReportProgressEmitsNotification(t *testing.T) {
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		if err := dc.ReportProgress(1, 2, "halfway"); err != nil {
			t.Errorf("ReportProgress: %v", err)
		}
		return &mcp.CallToolResult{}, nil, nil
	})

	params := &mcp.CallToolParams{Name: "greet"}
	params.SetMeta(mcp.Meta{progressTokenMetaKey: "tok-1"})
	argsData, _ := json.Marshal(greetArgs{Name: "Ada"})
	params.Arguments = json.RawMessage(argsData)
	paramsData, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req := &mcp.JSONRPCRequest{ID: mcp.StringID("1"), Method: "tools/call", Params: paramsData}
	data, err := mcp.EncodeMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleMessage(context.Background(), "sess1", data, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	var sawProgress bool
	for _, msg := range decodedMessages(t, svc, "sess1", "1") {
		notif, ok := msg.(*mcp.JSONRPCNotification)
		if !ok || notif.Method != "notifications/progress" {
			continue
		}
		var p mcp.ProgressNotificationParams
		if err := json.Unmarshal(notif.Params, &p); err != nil {
			t.Fatal(err)
		}
		if p.Message != "halfway" || p.Progress != 1 || p.Total != 2 {
			t.Fatalf("unexpected progress params: %#v", p)
		}
		sawProgress = true
	}
	if !sawProgress {
		t.Fatal("expected a notifications/progress message on the request stream")
	}
}

func TestDuplicateAliasWithinInvocationFails(t *testing.T) {
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		if err := dc.SendToolListChanged("tools changed"); err != nil {
			t.Fatalf("first call: %v", err)
		}
		if err := dc.SendToolListChanged("tools changed"); err == nil {
			t.Error("expected duplicate alias error on second identical call, got nil")
		}
		return &mcp.CallToolResult{}, nil, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestWithinLoopDisambiguatesAliases(t *testing.T) {
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		done := dc.WithinLoop("process items")
		defer done()
		for i := 0; i < 3; i++ {
			if err := dc.Info("processing"); err != nil {
				t.Errorf("iteration %d: %v", i, err)
			}
		}
		return &mcp.CallToolResult{}, nil, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	var count int
	for _, msg := range decodedMessages(t, svc, "sess1", "1") {
		if notif, ok := msg.(*mcp.JSONRPCNotification); ok && notif.Method == "notifications/message" {
			count++
		}
	}
	if count != 3 {
		t.Fatalf("got %d log notifications, want 3 (one per loop iteration)", count)
	}
}

func TestAccessTokenAndWorkflowIDVisibleToHandler(t *testing.T) {
	var gotToken, gotID string
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		gotToken = dc.AccessToken()
		gotID = dc.WorkflowID()
		return &mcp.CallToolResult{}, nil, nil
	})

	msg := callToolMessage(t, "req-42", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, "bearer-xyz"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if gotToken != "bearer-xyz" {
		t.Errorf("AccessToken() = %q, want %q", gotToken, "bearer-xyz")
	}
	if gotID != "req-42" {
		t.Errorf("WorkflowID() = %q, want %q", gotID, "req-42")
	}
}

func TestElicitRejectsNonPrimitiveSchema(t *testing.T) {
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		schema := &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"nested": {Type: "object"},
			},
		}
		_, err := dc.Elicit("bad-schema", "need more info", schema)
		if err == nil {
			t.Error("expected an error for a non-primitive schema property, got nil")
		}
		return &mcp.CallToolResult{}, nil, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestEffectValidationDetectsNondeterminism(t *testing.T) {
	EnableEffectValidation(true)
	defer EnableEffectValidation(false)

	calls := 0
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		calls++
		_, err := workflow.AtLeastOnce(ctx, dc.Executor(), "record call count", func(ctx context.Context) (int, error) {
			return calls, nil
		})
		return &mcp.CallToolResult{}, nil, err
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	var sawError bool
	for _, m := range decodedMessages(t, svc, "sess1", "1") {
		resp, ok := m.(*mcp.JSONRPCResponse)
		if !ok {
			continue
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			continue
		}
		if result.IsError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected a tool result with IsError set once effect validation detected nondeterminism")
	}
}

func TestEffectValidationPassesForDeterministicTool(t *testing.T) {
	EnableEffectValidation(true)
	defer EnableEffectValidation(false)

	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		_, err := workflow.AtLeastOnce(ctx, dc.Executor(), "record name", func(ctx context.Context) (string, error) {
			return args.Name, nil
		})
		return &mcp.CallToolResult{}, nil, err
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}
