// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package servicer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/relaymcp/relay/internal/durablestore"
	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/mcp"
)

// engineConn is the shared [mcp.Connection] backing one durable session's
// engine session, for the lifetime of the process. Read pulls inbound
// messages the servicer has decided to deliver; Write is engineConn's half
// of send_and_receive, routing an outbound message to its durable stream.
type engineConn struct {
	sessionID string
	inbound   chan mcp.JSONRPCMessage

	closeOnce sync.Once
	closed    chan struct{}

	servicer *Servicer
	session  *engineSession
}

func (c *engineConn) Read(ctx context.Context) (mcp.JSONRPCMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *engineConn) Write(ctx context.Context, msg mcp.JSONRPCMessage) error {
	return c.servicer.handleOutbound(ctx, c.session, msg)
}

func (c *engineConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *engineConn) SessionID() string { return c.sessionID }

// relatedRequestID recovers the client request id the currently executing
// handler is serving, via [mcp.ForRequest]. Outbound traffic with no
// request in flight (an out-of-band list-changed notification, say) is
// attributed to the VSCode aggregate stream directly, since there's no
// per-request stream to route it to.
func relatedRequestID(ctx context.Context) string {
	if id, ok := mcp.ForRequest(ctx); ok {
		return id.String()
	}
	return VSCodeGetStream
}

// handleOutbound is send_and_receive's per-message body: it
// derives the event id, rewrites a server-initiated request's id to
// something the client can answer against, appends to the durable stream,
// duplicates onto the VSCode aggregate stream when warranted, and on a
// terminal response or error releases whatever sendAndReceive call is
// waiting on this request.
func (s *Servicer) handleOutbound(ctx context.Context, es *engineSession, msg mcp.JSONRPCMessage) error {
	var requestID string
	terminal := false

	switch m := msg.(type) {
	case *mcp.JSONRPCResponse:
		requestID = m.ID.String()
		terminal = true
	case *mcp.JSONRPCError:
		requestID = m.ID.String()
		terminal = true
	case *mcp.JSONRPCNotification:
		requestID = relatedRequestID(ctx)
	case *mcp.JSONRPCRequest:
		requestID = relatedRequestID(ctx)
	}

	eventID, err := durablestore.DeriveEventID(requestID, msg)
	if err != nil {
		return err
	}

	if req, ok := msg.(*mcp.JSONRPCRequest); ok {
		original := req.ID
		minted := mcp.StringID(eventID)
		req.ID = minted
		es.rememberWrite(minted.String(), writeMapping{originalID: original, relatedRequestID: requestID})
	}

	// A deterministic eventID (the alias-derived case) can legitimately
	// repeat when a handler re-enters after a crash and re-emits a
	// server-initiated notification or request it already durably sent in
	// a previous life: that's exactly what the alias scheme is for, so a
	// duplicate here means "already recorded," not a failure.
	if err := s.durable.Put(ctx, es.id, requestID, msg, eventID, ""); err != nil && !errors.Is(err, eventlog.ErrDuplicateEventID) {
		return err
	}

	if requestID != VSCodeGetStream {
		if info, ok, err := s.sessions.TryGetClientInfo(ctx, es.id); err == nil && ok && isVSCodeClient(info) {
			if err := s.durable.Put(ctx, es.id, VSCodeGetStream, msg, eventID, requestID); err != nil && !errors.Is(err, eventlog.ErrDuplicateEventID) {
				return err
			}
		}
	}

	if terminal {
		es.markDone(requestID, nil)
	}
	return nil
}
