// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package conformance exercises the durable runtime end to end: a real
// embedded engine, servicer, and (for the HTTP-facing scenarios) front-end,
// wired the same way a deployment would wire them, rather than against any
// single component in isolation.
package conformance

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

// stores bundles the durable collaborators a deployment would back onto
// real storage; tests that simulate a replica restart keep these fixed
// while discarding the engine and servicer built on top of them.
type stores struct {
	log       *eventlog.Memory
	sessions  session.Store
	workflows *workflow.MemoryStore
}

func newStores() *stores {
	return &stores{
		log:       eventlog.NewMemory(),
		sessions:  session.NewMemory(),
		workflows: workflow.NewMemoryStore(),
	}
}

// registerFunc adds whatever tools a scenario needs to a freshly built
// engine, before it's wired to a servicer.
type registerFunc func(engine *mcp.Server, svc *servicer.Servicer)

// newServicer builds a fresh engine and servicer over st, as a new replica
// would after a restart: in-process engine/servicer state is empty, but the
// durable collaborators in st carry forward whatever a previous life wrote.
func newServicer(st *stores, register registerFunc) *servicer.Servicer {
	engine := mcp.NewServer(&mcp.Implementation{Name: "conformance-server", Version: "0.1.0"}, nil)
	svc := servicer.New(engine, st.log, st.sessions, st.workflows)
	if register != nil {
		register(engine, svc)
	}
	return svc
}

func callToolMessage(t *testing.T, id, name string, args any) json.RawMessage {
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

// decodedMessages replays sessionID/requestID's whole durable stream
// (including the non-event audit record of the inbound request itself) and
// decodes every entry, for assertions about exactly what was recorded.
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
