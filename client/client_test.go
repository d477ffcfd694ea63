// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/internal/server"
	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/internal/session"
	"github.com/relaymcp/relay/internal/workflow"
	"github.com/relaymcp/relay/mcp"
)

type echoArgs struct {
	Text string `json:"text"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, nil)
	err := mcp.AddTool(engine, &mcp.Tool{Name: "echo", Description: "echoes text"},
		func(ctx context.Context, req *mcp.ServerRequest[*mcp.CallToolParamsRaw], args echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: args.Text}}}, nil, nil
		})
	if err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	sessions := session.NewMemory()
	svc := servicer.New(engine, eventlog.NewMemory(), sessions, workflow.NewMemoryStore())
	h := server.New(server.Options{Servicer: svc, Sessions: sessions})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func callToolParams(t *testing.T, name string, args any) *mcp.CallToolParams {
	t.Helper()
	data, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(data)}
}

func TestCallReturnsResult(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, nil)

	resp, err := c.Call(context.Background(), mcp.StringID("1"), "tools/call",
		callToolParams(t, "echo", echoArgs{Text: "hello"}), nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	if text.Text != "hello" {
		t.Errorf("Text = %q, want %q", text.Text, "hello")
	}
	if c.SessionID() == "" {
		t.Error("expected a session id to be recorded after a successful call")
	}
}

func TestCallPropagatesToolError(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, nil)

	_, err := c.Call(context.Background(), mcp.StringID("1"), "tools/call",
		callToolParams(t, "no-such-tool", echoArgs{}), nil)
	if err == nil {
		t.Fatal("expected an error calling an unknown tool, got nil")
	}
}

func TestNotifyDoesNotExpectAResponse(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, nil)

	if err := c.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
}

func TestCallReusesSessionAcrossRequests(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, nil)

	if _, err := c.Call(context.Background(), mcp.StringID("1"), "tools/call",
		callToolParams(t, "echo", echoArgs{Text: "first"}), nil); err != nil {
		t.Fatalf("first Call() error = %v", err)
	}
	sid := c.SessionID()
	if sid == "" {
		t.Fatal("expected a session id after the first call")
	}

	if _, err := c.Call(context.Background(), mcp.StringID("2"), "tools/call",
		callToolParams(t, "echo", echoArgs{Text: "second"}), nil); err != nil {
		t.Fatalf("second Call() error = %v", err)
	}
	if c.SessionID() != sid {
		t.Errorf("session id changed across calls: %q -> %q", sid, c.SessionID())
	}
}
