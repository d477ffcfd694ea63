// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/mcp"
)

func TestAuditRunsFnOnceAndLogsEntry(t *testing.T) {
	var calls int
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		out, err := Audit(ctx, dc, "greet", args, func(ctx context.Context) (string, error) {
			calls++
			return "hello " + args.Name, nil
		})
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		return &mcp.CallToolResult{}, out, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}

	var sawEntry bool
	for _, m := range decodedMessages(t, svc, "sess1", "1") {
		notif, ok := m.(*mcp.JSONRPCNotification)
		if !ok || notif.Method != "notifications/message" {
			continue
		}
		var p mcp.LoggingMessageParams
		if err := json.Unmarshal(notif.Params, &p); err != nil {
			t.Fatal(err)
		}
		if p.Data == "audit: greet" {
			sawEntry = true
		}
	}
	if !sawEntry {
		t.Fatal("expected an audit log notification on the request stream")
	}
}

func TestAuditRecordsFailureWithoutSuppressingIt(t *testing.T) {
	wantErr := errors.New("boom")
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		_, err := Audit(ctx, dc, "greet", args, func(ctx context.Context) (string, error) {
			return "", wantErr
		})
		if err == nil {
			t.Fatal("expected Audit to surface fn's error")
		}
		return &mcp.CallToolResult{IsError: true}, nil, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestAuditDoesNotRerunOnReentry(t *testing.T) {
	var calls int
	svc := newTestServicer(t, "greet", func(ctx context.Context, dc *Context, args greetArgs) (*mcp.CallToolResult, any, error) {
		out, err := Audit(ctx, dc, "greet", args, func(ctx context.Context) (string, error) {
			calls++
			return "hello", nil
		})
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		return &mcp.CallToolResult{}, out, nil
	})

	msg := callToolMessage(t, "1", "greet", greetArgs{Name: "Ada"})
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := svc.HandleMessage(context.Background(), "sess1", msg, ""); err != nil {
		t.Fatalf("second HandleMessage: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times across both deliveries, want 1 (re-delivery of the same request id replays the committed step)", calls)
	}
}
