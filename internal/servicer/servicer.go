// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package servicer implements component E, the session servicer: the brain
// that drives the embedded MCP engine (package mcp) over durable streams
// instead of a live socket.
//
// The original design describes a request_streams map of per-request
// in-memory channel pairs feeding a fresh engine run loop per request. The
// Go engine ([mcp.Server]/[mcp.ServerSession]) instead multiplexes every
// request of a session over one long-lived [mcp.Connection]
// (confirmed by reading ServerSession.run/handle: one goroutine per inbound
// message, sharing a single Connection for the session's lifetime). Rather
// than retrofit that, this package gives the engine its own [mcp.Connection]
// implementation, engineConn, backed by a channel the servicer feeds
// directly; the per-request isolation the original channel-pair design
// gives you falls out of the engine's own goroutine-per-message dispatch,
// and engineConn.Write recovers which client request caused an outbound
// write via [mcp.ForRequest], the same mechanism
// [mcp.StreamableServerTransport.Write] uses internally.
package servicer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/durablestore"
	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/internal/session"
	"github.com/relaymcp/relay/internal/workflow"
	"github.com/relaymcp/relay/mcp"
)

// VSCodeGetStream is the sentinel pseudo request id for the aggregate GET
// stream some clients (Visual Studio Code among them) use to receive all of
// a session's server-to-client traffic over one subscription.
const VSCodeGetStream = "VSCODE_GET"

const notificationInitialized = "notifications/initialized"
const notificationCancelled = "notifications/cancelled"

// Servicer is component E. It owns one engine session per durable session
// id, lazily connecting the embedded [mcp.Server] the first time a message
// arrives for that session.
type Servicer struct {
	engine   *mcp.Server
	log      eventlog.Log
	sessions session.Store
	workflows workflow.Store
	durable  *durablestore.Store

	mu       sync.Mutex
	bySession map[string]*engineSession
}

// New returns a Servicer driving engine over the given durable
// collaborators.
func New(engine *mcp.Server, log eventlog.Log, sessions session.Store, workflows workflow.Store) *Servicer {
	return &Servicer{
		engine:    engine,
		log:       log,
		sessions:  sessions,
		workflows: workflows,
		durable:   durablestore.New(log),
		bySession: make(map[string]*engineSession),
	}
}

// writeMapping remembers, for one server-initiated request, the original
// engine-minted id and the client request that caused it — the
// write_request_ids table. It lives only in process memory: after a
// restart it is gone, and any client response referencing it is logged and
// dropped.
type writeMapping struct {
	originalID        mcp.JSONRPCID
	relatedRequestID  string
}

// inflight tracks one request_id currently being serviced by send_and_receive.
type inflight struct {
	done        chan struct{}
	err         error
	executor    *workflow.Executor
	accessToken string
}

// engineSession is the per-durable-session state the servicer keeps in
// memory: the engine connection and the live bookkeeping send_and_receive
// needs. It is rebuilt empty on process restart; durable state lives in the
// event log, session store, and workflow store, not here.
type engineSession struct {
	id   string
	conn *engineConn
	ss   *mcp.ServerSession

	mu        sync.Mutex
	inflight  map[string]*inflight // requestID (string form) -> inflight
	writeIDs  map[string]writeMapping
}

func (es *engineSession) registerInflight(requestID string, executor *workflow.Executor, accessToken string) *inflight {
	es.mu.Lock()
	defer es.mu.Unlock()
	in := &inflight{done: make(chan struct{}), executor: executor, accessToken: accessToken}
	es.inflight[requestID] = in
	return in
}

func (es *engineSession) markDone(requestID string, err error) {
	es.mu.Lock()
	in, ok := es.inflight[requestID]
	if ok {
		delete(es.inflight, requestID)
	}
	es.mu.Unlock()
	if ok {
		in.err = err
		close(in.done)
	}
}

func (es *engineSession) executorFor(requestID string) (*workflow.Executor, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	in, ok := es.inflight[requestID]
	if !ok {
		return nil, false
	}
	return in.executor, true
}

func (es *engineSession) accessTokenFor(requestID string) (string, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	in, ok := es.inflight[requestID]
	if !ok {
		return "", false
	}
	return in.accessToken, true
}

func (es *engineSession) rememberWrite(mintedEventID string, mapping writeMapping) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.writeIDs[mintedEventID] = mapping
}

func (es *engineSession) takeWrite(mintedEventID string) (writeMapping, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	mapping, ok := es.writeIDs[mintedEventID]
	if ok {
		delete(es.writeIDs, mintedEventID)
	}
	return mapping, ok
}

// getOrCreate returns the engine session for sessionID, connecting a fresh
// [mcp.ServerSession] the first time it's seen by this process.
func (s *Servicer) getOrCreate(ctx context.Context, sessionID string) (*engineSession, error) {
	s.mu.Lock()
	es, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if ok {
		return es, nil
	}

	conn := &engineConn{
		sessionID: sessionID,
		inbound:   make(chan mcp.JSONRPCMessage, 16),
		closed:    make(chan struct{}),
	}
	es = &engineSession{
		id:       sessionID,
		conn:     conn,
		inflight: make(map[string]*inflight),
		writeIDs: make(map[string]writeMapping),
	}
	conn.servicer = s
	conn.session = es

	ss, err := s.engine.Connect(ctx, transportFunc(func(ctx context.Context) (mcp.Connection, error) {
		return conn, nil
	}))
	if err != nil {
		return nil, fmt.Errorf("servicer: connecting engine session %s: %w", sessionID, err)
	}
	es.ss = ss

	s.mu.Lock()
	if existing, ok := s.bySession[sessionID]; ok {
		// Lost the race to another goroutine; use theirs and let ours be
		// garbage collected (the engine session we just created never
		// receives traffic since nothing references its conn).
		s.mu.Unlock()
		return existing, nil
	}
	s.bySession[sessionID] = es
	s.mu.Unlock()
	return es, nil
}

// transportFunc adapts a plain function to [mcp.Transport].
type transportFunc func(ctx context.Context) (mcp.Connection, error)

func (f transportFunc) Connect(ctx context.Context) (mcp.Connection, error) { return f(ctx) }

// HandleMessage is the entry point for one inbound message addressed to
// sessionID, already authenticated (accessToken is carried for component
// H's propagation into the handler-visible envelope and isn't interpreted
// here).
func (s *Servicer) HandleMessage(ctx context.Context, sessionID string, messageBytes []byte, accessToken string) error {
	normalized, err := durablestore.NormalizeNumbers(messageBytes)
	if err != nil {
		return fmt.Errorf("servicer: normalizing inbound message: %w", err)
	}
	msg, err := mcp.DecodeMessage(normalized)
	if err != nil {
		return fmt.Errorf("servicer: decoding inbound message: %w", err)
	}

	es, err := s.getOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *mcp.JSONRPCRequest:
		return s.handleRequest(ctx, es, sessionID, m, accessToken)
	case *mcp.JSONRPCNotification:
		return s.handleNotification(ctx, es, m)
	case *mcp.JSONRPCResponse:
		return s.handleClientResponse(ctx, es, sessionID, m.ID, m)
	case *mcp.JSONRPCError:
		return s.handleClientResponse(ctx, es, sessionID, m.ID, m)
	default:
		return fmt.Errorf("servicer: unrecognized message type %T", msg)
	}
}

func (s *Servicer) handleRequest(ctx context.Context, es *engineSession, sessionID string, req *mcp.JSONRPCRequest, accessToken string) error {
	requestID := req.ID.String()

	if err := s.sessions.StoreStream(ctx, sessionID, requestID); err != nil {
		return fmt.Errorf("servicer: recording stream: %w", err)
	}
	// Store the inbound request itself as a non-event audit record, ahead
	// of any outbound traffic on this stream.
	if err := s.durable.Put(ctx, sessionID, requestID, req, "", ""); err != nil {
		return fmt.Errorf("servicer: recording inbound request: %w", err)
	}

	executor := workflow.New(s.workflows, sessionID, requestID)
	_, err := workflow.AtLeastOnce(ctx, executor, "Send and receive", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.sendAndReceive(ctx, es, executor, sessionID, requestID, req, accessToken)
	})
	return err
}

// sendAndReceive is the Run plus send_and_receive pump: it
// clears any requests left outstanding by a previous life of this request
// (a crash between fences), delivers the inbound request to the shared
// engine connection, and blocks until a terminal response or error for
// requestID has been committed by engineConn.Write.
func (s *Servicer) sendAndReceive(ctx context.Context, es *engineSession, executor *workflow.Executor, sessionID, requestID string, req *mcp.JSONRPCRequest, accessToken string) error {
	if err := s.cancelOutstandingRequests(ctx, es, sessionID, requestID); err != nil {
		return err
	}

	// The engine's dispatch goroutine derives its context from the one
	// given to Server.Connect, not from this call's ctx, so neither the
	// executor nor the caller's access token can ride along as a context
	// value the way idContextKey does. Both are registered here, keyed by
	// request id, and a handler recovers them (via [Servicer.ExecutorFor]
	// and [Servicer.AccessTokenFor], keyed by the same id [mcp.ForRequest]
	// exposes inside the handler) rather than reading them off ctx
	// directly.
	in := es.registerInflight(requestID, executor, accessToken)
	select {
	case es.conn.inbound <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-in.done:
		return in.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelOutstandingRequests finds server-initiated requests on requestID's
// stream with no recorded response and synthesizes a notifications/cancelled
// for each, so a handler re-executing after a crash observes that any
// elicitation or other server-to-client call from its previous life will
// never be answered. The id it cancels is the minted event id last written
// to the client: that's the only id durably recoverable after a restart,
// since write_request_ids itself doesn't survive one.
func (s *Servicer) cancelOutstandingRequests(ctx context.Context, es *engineSession, sessionID, requestID string) error {
	records, err := s.durable.Messages(ctx, sessionID, requestID)
	if err != nil {
		return fmt.Errorf("servicer: reading stream for cancellation recovery: %w", err)
	}

	outstanding := make(map[string]bool)
	for _, rec := range records {
		if rec.EventID == "" {
			continue // the inbound request itself, or a client-response audit record
		}
		normalized, err := durablestore.NormalizeNumbers(rec.Message)
		if err != nil {
			return err
		}
		msg, err := mcp.DecodeMessage(normalized)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *mcp.JSONRPCRequest:
			outstanding[m.ID.String()] = true
		case *mcp.JSONRPCResponse:
			delete(outstanding, m.ID.String())
		case *mcp.JSONRPCError:
			delete(outstanding, m.ID.String())
		}
	}

	for id := range outstanding {
		data, err := json.Marshal(&mcp.CancelledParams{RequestID: id})
		if err != nil {
			return err
		}
		notif := &mcp.JSONRPCNotification{Method: notificationCancelled, Params: data}
		select {
		case es.conn.inbound <- notif:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Servicer) handleNotification(ctx context.Context, es *engineSession, n *mcp.JSONRPCNotification) error {
	if n.Method == notificationInitialized {
		// Handlers are stateless; every request already carries what
		// initialize established, so this is never forwarded.
		return nil
	}
	select {
	case es.conn.inbound <- n:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// handleClientResponse handles a client's response to a server-initiated
// request (an elicitation, typically): it swaps the id that was minted for
// delivery back to the id the engine is actually waiting on. If the mapping
// isn't known — the process restarted since the request was written — the
// response is no longer deliverable: log and drop.
func (s *Servicer) handleClientResponse(ctx context.Context, es *engineSession, sessionID string, mintedID mcp.JSONRPCID, msg mcp.JSONRPCMessage) error {
	mapping, ok := es.takeWrite(mintedID.String())
	if !ok {
		log.Printf("servicer: response to unknown server-initiated request %s for session %s: dropped", mintedID.String(), sessionID)
		return nil
	}

	switch m := msg.(type) {
	case *mcp.JSONRPCResponse:
		m.ID = mapping.originalID
	case *mcp.JSONRPCError:
		m.ID = mapping.originalID
	}

	if err := s.durable.Put(ctx, sessionID, mapping.relatedRequestID, msg, "", ""); err != nil {
		return fmt.Errorf("servicer: recording client response: %w", err)
	}

	select {
	case es.conn.inbound <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ReplayRequest replays requestID's durable stream strictly after
// afterEventID, for component F to serve as Server-Sent Events (including
// VSCodeGetStream as requestID, to serve the aggregate GET stream).
func (s *Servicer) ReplayRequest(ctx context.Context, sessionID, requestID, afterEventID string, fn func(eventID string, msg mcp.JSONRPCMessage) error) error {
	return s.durable.ReplayRequest(ctx, sessionID, requestID, afterEventID, fn)
}

// Messages returns every stored message for requestID's stream, including
// non-event audit records, for diagnostics and tests.
func (s *Servicer) Messages(ctx context.Context, sessionID, requestID string) ([]eventlog.Message, error) {
	return s.durable.Messages(ctx, sessionID, requestID)
}

// ExecutorFor returns the workflow executor bound to requestID's currently
// running handler, for a caller (component G's handler adapter) that
// recovered requestID from [mcp.ForRequest] inside the handler. ok is false
// once the request has completed or if it's unknown to this process.
func (s *Servicer) ExecutorFor(sessionID, requestID string) (*workflow.Executor, bool) {
	s.mu.Lock()
	es, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return es.executorFor(requestID)
}

// AccessTokenFor returns the bearer token the front-end authenticated
// requestID's inbound message with, for a caller that recovered requestID
// from [mcp.ForRequest] inside the handler. ok is false once the request has
// completed or if it's unknown to this process; an empty, ok=true token
// means the deployment has no authentication configured.
func (s *Servicer) AccessTokenFor(sessionID, requestID string) (string, bool) {
	s.mu.Lock()
	es, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return es.accessTokenFor(requestID)
}

// isVSCodeClient is the non-blocking "is this Visual Studio Code" check: it
// never blocks waiting for initialize to complete, so a false result before
// the client has identified itself just means "don't duplicate yet," not an
// error.
func isVSCodeClient(info session.ClientInfo) bool {
	return strings.Contains(strings.ToLower(info.Name), "visual studio code")
}
