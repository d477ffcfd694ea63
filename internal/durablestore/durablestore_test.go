// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durablestore

import (
	"context"
	"testing"

	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/mcp"
)

func TestDeriveEventIDResponseUsesOwnID(t *testing.T) {
	resp := &mcp.JSONRPCResponse{ID: mcp.StringID("42")}
	id, err := DeriveEventID("42", resp)
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Fatalf("got %q, want %q", id, "42")
	}
}

func TestDeriveEventIDDeterministicAlias(t *testing.T) {
	params := []byte(`{"progress":0.5,"_meta":{"eventAlias":"progress: 0.5"}}`)
	notif := &mcp.JSONRPCNotification{Method: "notifications/progress", Params: params}

	id1, err := DeriveEventID("req-1", notif)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := DeriveEventID("req-1", notif)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("same (workflow, alias) produced different ids: %q vs %q", id1, id2)
	}

	idOtherWorkflow, err := DeriveEventID("req-2", notif)
	if err != nil {
		t.Fatal(err)
	}
	if idOtherWorkflow == id1 {
		t.Fatalf("different workflows collided on event id %q", id1)
	}
}

func TestDeriveEventIDRebootPassthrough(t *testing.T) {
	params := []byte(`{"_meta":{"rebootEventId":"abc123"}}`)
	notif := &mcp.JSONRPCNotification{Method: "notifications/message", Params: params}
	id, err := DeriveEventID("req-1", notif)
	if err != nil {
		t.Fatal(err)
	}
	if id != "abc123" {
		t.Fatalf("got %q, want %q", id, "abc123")
	}
}

func TestQualifiedEventIDRoundTrip(t *testing.T) {
	q := QualifiedEventID("req-1", "inner")
	req, inner, ok := SplitQualifiedEventID(q)
	if !ok || req != "req-1" || inner != "inner" {
		t.Fatalf("SplitQualifiedEventID(%q) = %q, %q, %v", q, req, inner, ok)
	}
}

func TestPutAndReplayRequest(t *testing.T) {
	ctx := context.Background()
	store := New(eventlog.NewMemory())

	resp := &mcp.JSONRPCResponse{ID: mcp.StringID("1"), Result: []byte(`{"ok":true}`)}
	if err := store.Put(ctx, "sess1", "1", resp, "1", ""); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	var got []string
	err := store.ReplayRequest(cctx, "sess1", "1", "", func(eventID string, msg mcp.JSONRPCMessage) error {
		got = append(got, eventID)
		cancel()
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("ReplayRequest error = %v", err)
	}
	if len(got) != 1 || got[0] != QualifiedEventID("1", "1") {
		t.Fatalf("got %v", got)
	}
}

func TestNormalizeNumbersCoercesIntegralFloats(t *testing.T) {
	in := []byte(`{"progress":1.0,"total":2,"nested":{"x":3.50,"y":4.0}}`)
	out, err := NormalizeNumbers(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"nested":{"x":3.50,"y":4},"progress":1,"total":2}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}
