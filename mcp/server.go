// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/segmentio/encoding/json"
	"github.com/yosida95/uritemplate/v3"
)

// protocolVersion is the version of the Model Context Protocol this engine
// speaks.
const protocolVersion = "2025-06-18"

// A Transport connects to a logical MCP peer, producing a [Connection] on
// which JSON-RPC messages are exchanged. [NewStreamableServerTransport] and
// [NewStreamableClientTransport] are the transports this module ships.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// A Connection is a bidirectional JSON-RPC message channel bound to one
// logical session.
type Connection interface {
	Read(ctx context.Context) (JSONRPCMessage, error)
	Write(ctx context.Context, msg JSONRPCMessage) error
	Close() error
	SessionID() string
}

// EventStore persists the outgoing messages of a streamable session so a
// disconnected client can resume from the last event it saw. Component D
// (internal/durablestore) is the durable implementation of this interface;
// it is the seam through which the embedded engine is made durable.
type EventStore interface {
	// StoreEvent appends msg to sessionID's outgoing stream and returns the
	// qualified event id under which it can be replayed.
	StoreEvent(ctx context.Context, sessionID string, msg JSONRPCMessage) (string, error)
	// ReplayEventsAfter calls fn once per event appended after afterEventID
	// (exclusive; empty replays from the start), in order.
	ReplayEventsAfter(ctx context.Context, sessionID, afterEventID string, fn func(eventID string, msg JSONRPCMessage) error) error
}

// ServerSessionState is the durable form of a [ServerSession], used by
// [ServerSessionStateStore] to survive process restarts.
type ServerSessionState struct {
	InitializeParams *InitializeParams `json:"initializeParams"`
	LogLevel         LoggingLevel      `json:"logLevel"`
}

// ResourceHandler produces the contents of a registered resource.
type ResourceHandler func(ctx context.Context, req *ServerRequest[*ReadResourceParams]) (*ReadResourceResult, error)

// PromptHandler produces a registered prompt's messages.
type PromptHandler func(ctx context.Context, req *ServerRequest[*GetPromptParams]) (*GetPromptResult, error)

type serverResource struct {
	resource *Resource
	handler  ResourceHandler
}

// serverResourceTemplate associates a parameterized ResourceTemplate with
// its handler and the compiled matcher used to test a concrete URI against
// it.
type serverResourceTemplate struct {
	template *ResourceTemplate
	matcher  *uritemplate.Template
	handler  ResourceHandler
}

// matches reports whether uri satisfies t's template, and is the one place
// that interprets the matcher's result: a zero-parameter template matching a
// URI produces an empty, non-nil [uritemplate.Values], which must still
// count as a match, so this checks for a nil return rather than an empty one.
func (t *serverResourceTemplate) matches(uri string) bool {
	values := t.matcher.Match(uri)
	return values != nil
}

type serverPrompt struct {
	prompt  *Prompt
	handler PromptHandler
}

// ServerOptions configures a [Server].
type ServerOptions struct {
	Instructions string
	Logger       *log.Logger
	SchemaCache  *schemaCache
}

func (o *ServerOptions) logger() *log.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// A Server serves the tools, resources and prompts of one MCP implementation
// to any number of client sessions.
type Server struct {
	impl *Implementation
	opts ServerOptions

	mu                sync.Mutex
	tools             map[string]*serverTool
	resources         map[string]*serverResource
	resourceTemplates map[string]*serverResourceTemplate
	prompts           map[string]*serverPrompt
	sessions          map[*ServerSession]bool
}

// NewServer creates a Server with the given implementation metadata.
func NewServer(impl *Implementation, opts *ServerOptions) *Server {
	s := &Server{
		impl:              impl,
		tools:             make(map[string]*serverTool),
		resources:         make(map[string]*serverResource),
		resourceTemplates: make(map[string]*serverResourceTemplate),
		prompts:           make(map[string]*serverPrompt),
		sessions:          make(map[*ServerSession]bool),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.SchemaCache == nil {
		s.opts.SchemaCache = NewSchemaCache()
	}
	return s
}

// AddRawTool registers a tool with a raw (untyped-argument) handler.
func (s *Server) AddRawTool(t *Tool, h ToolHandler) error {
	st, err := newServerTool(t, h)
	if err != nil {
		return fmt.Errorf("adding tool %q: %w", t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = st
	s.notifyToolsChangedLocked()
	return nil
}

// AddTool registers a tool on s whose arguments and structured result are
// inferred from the handler's type parameters.
func AddTool[In, Out any](s *Server, t *Tool, h TypedToolHandler[In, Out]) error {
	st, err := newTypedServerTool(t, h)
	if err != nil {
		return fmt.Errorf("adding tool %q: %w", t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = st
	s.notifyToolsChangedLocked()
	return nil
}

// RemoveTool removes previously registered tools by name, notifying
// connected sessions of the list change.
func (s *Server) RemoveTool(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.tools, n)
	}
	s.notifyToolsChangedLocked()
}

// AddResource registers a static resource and its content handler.
func (s *Server) AddResource(r *Resource, h ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.URI] = &serverResource{resource: r, handler: h}
	s.notifyResourcesChangedLocked()
}

// AddResourceTemplate registers a parameterized resource: a request whose
// URI isn't registered as an exact [Resource] is matched against every
// template's URI pattern (RFC 6570), in lexical order of the URI template
// strings, and the first match's handler is invoked; registration order is
// not used, and registering the same URI template again replaces it. Returns an error if rt's URI template doesn't
// parse.
func (s *Server) AddResourceTemplate(rt *ResourceTemplate, h ResourceHandler) error {
	matcher, err := uritemplate.New(rt.URITemplate)
	if err != nil {
		return fmt.Errorf("adding resource template %q: %w", rt.URITemplate, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceTemplates[rt.URITemplate] = &serverResourceTemplate{template: rt, matcher: matcher, handler: h}
	s.notifyResourcesChangedLocked()
	return nil
}

// AddPrompt registers a prompt and its handler.
func (s *Server) AddPrompt(p *Prompt, h PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.Name] = &serverPrompt{prompt: p, handler: h}
	s.notifyPromptsChangedLocked()
}

func (s *Server) notifyToolsChangedLocked() {
	s.broadcastLocked(notificationToolListChanged, &ToolListChangedParams{})
}

func (s *Server) notifyResourcesChangedLocked() {
	s.broadcastLocked(notificationResourceListChanged, &ResourceListChangedParams{})
}

func (s *Server) notifyPromptsChangedLocked() {
	s.broadcastLocked(notificationPromptListChanged, &PromptListChangedParams{})
}

func (s *Server) broadcastLocked(method string, params Params) {
	for sess := range s.sessions {
		go func(sess *ServerSession) {
			_ = sess.notify(context.Background(), method, params)
		}(sess)
	}
}

// Connect binds the server to a new transport, returning the resulting
// session once the connection is established. The session's run loop
// executes in a background goroutine until the connection closes.
func (s *Server) Connect(ctx context.Context, t Transport) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ss := &ServerSession{
		server:  s,
		conn:    conn,
		pending: make(map[string]chan *jsonrpcResult),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[ss] = true
	s.mu.Unlock()
	go ss.run(ctx)
	return ss, nil
}

func (s *Server) forgetSession(ss *ServerSession) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
}

// jsonrpcResult is the outcome of a server-initiated request awaiting a
// client response.
type jsonrpcResult struct {
	result json.RawMessage
	err    *JSONRPCErrorValue
}

// A ServerSession is one logical connection between the Server and a client,
// bound to a single [Connection].
type ServerSession struct {
	server *Server
	conn   Connection

	mu               sync.Mutex
	state            SessionState
	initialized      bool
	nextRequestID    atomic.Int64
	pending          map[string]chan *jsonrpcResult
	outstandingMu    sync.Mutex
	outstandingCalls map[string]context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the transport-level session identifier.
func (ss *ServerSession) ID() string { return ss.conn.SessionID() }

// InitializeParams returns the client's initialize params, or nil before
// initialization completes.
func (ss *ServerSession) InitializeParams() *InitializeParams {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.InitializeParams
}

func (ss *ServerSession) run(ctx context.Context) {
	defer ss.server.forgetSession(ss)
	defer close(ss.done)
	for {
		msg, err := ss.conn.Read(ctx)
		if err != nil {
			return
		}
		go ss.handle(ctx, msg)
	}
}

func (ss *ServerSession) handle(ctx context.Context, msg JSONRPCMessage) {
	switch m := msg.(type) {
	case *JSONRPCRequest:
		ctx = context.WithValue(ctx, idContextKey{}, m.ID)
		result, rpcErr := ss.dispatch(ctx, m)
		if rpcErr != nil {
			_ = ss.conn.Write(ctx, &JSONRPCError{ID: m.ID, Error: rpcErr})
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			_ = ss.conn.Write(ctx, &JSONRPCError{ID: m.ID, Error: &JSONRPCErrorValue{Code: -32603, Message: err.Error()}})
			return
		}
		_ = ss.conn.Write(ctx, &JSONRPCResponse{ID: m.ID, Result: data})
	case *JSONRPCNotification:
		ss.dispatchNotification(ctx, m)
	case *JSONRPCResponse:
		ss.resolvePending(m.ID, m.Result, nil)
	case *JSONRPCError:
		ss.resolvePending(m.ID, nil, m.Error)
	}
}

func (ss *ServerSession) resolvePending(id JSONRPCID, result json.RawMessage, rpcErr *JSONRPCErrorValue) {
	ss.mu.Lock()
	ch, ok := ss.pending[id.String()]
	if ok {
		delete(ss.pending, id.String())
	}
	ss.mu.Unlock()
	if ok {
		ch <- &jsonrpcResult{result: result, err: rpcErr}
	}
}

// dispatch handles one incoming JSON-RPC request and returns either a result
// value (to be marshaled as the JSON-RPC "result") or a JSON-RPC error.
func (ss *ServerSession) dispatch(ctx context.Context, req *JSONRPCRequest) (any, *JSONRPCErrorValue) {
	switch req.Method {
	case methodInitialize:
		var p InitializeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		ss.mu.Lock()
		ss.state.InitializeParams = &p
		ss.mu.Unlock()
		return &InitializeResult{
			Capabilities:    ss.server.capabilities(),
			Instructions:    ss.server.opts.Instructions,
			ProtocolVersion: protocolVersion,
			ServerInfo:      ss.server.impl,
		}, nil

	case methodPing:
		return struct{}{}, nil

	case methodListTools:
		var p ListToolsParams
		_ = json.Unmarshal(req.Params, &p)
		return ss.listTools(), nil

	case methodCallTool:
		var p CallToolParamsRaw
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		return ss.callTool(ctx, req.ID, &p)

	case methodListResources:
		return ss.listResources(), nil

	case methodListResourceTemplates:
		return ss.listResourceTemplates(), nil

	case methodReadResource:
		var p ReadResourceParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		return ss.readResource(ctx, req.ID, &p)

	case methodListPrompts:
		return ss.listPrompts(), nil

	case methodGetPrompt:
		var p GetPromptParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		return ss.getPrompt(ctx, req.ID, &p)

	case methodSetLevel:
		var p SetLoggingLevelParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		ss.mu.Lock()
		ss.state.LogLevel = p.Level
		ss.mu.Unlock()
		return struct{}{}, nil

	case methodSubscribe, methodUnsubscribe:
		return struct{}{}, nil

	default:
		return nil, &JSONRPCErrorValue{Code: -32601, Message: "method not found: " + req.Method}
	}
}

func invalidParams(err error) *JSONRPCErrorValue {
	return &JSONRPCErrorValue{Code: -32602, Message: fmt.Sprintf("invalid params: %v", err)}
}

func (ss *ServerSession) dispatchNotification(ctx context.Context, n *JSONRPCNotification) {
	switch n.Method {
	case notificationInitialized:
		ss.mu.Lock()
		ss.initialized = true
		ss.mu.Unlock()
	case notificationCancelled:
		var p CancelledParams
		if err := json.Unmarshal(n.Params, &p); err == nil {
			ss.cancelOutstanding(p.RequestID)
		}
	default:
		// Routed but otherwise unhandled: a notification other than
		// notifications/initialized is forwarded to any handler that cares,
		// but this engine has no local subscribers for it.
	}
}

func (ss *ServerSession) cancelOutstanding(requestID any) {
	id := fmt.Sprintf("%v", requestID)
	ss.outstandingMu.Lock()
	cancel, ok := ss.outstandingCalls[id]
	ss.outstandingMu.Unlock()
	if ok {
		cancel()
	}
}

func (ss *ServerSession) capabilities() *ServerCapabilities { return ss.server.capabilities() }

func (s *Server) capabilities() *ServerCapabilities {
	return &ServerCapabilities{
		Logging:   &LoggingCapabilities{},
		Prompts:   &PromptCapabilities{ListChanged: true},
		Resources: &ResourceCapabilities{ListChanged: true, Subscribe: true},
		Tools:     &ToolCapabilities{ListChanged: true},
	}
}

func (ss *ServerSession) listTools() *ListToolsResult {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	names := make([]string, 0, len(ss.server.tools))
	for n := range ss.server.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	tools := make([]*Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, ss.server.tools[n].tool)
	}
	return &ListToolsResult{Tools: tools}
}

func (ss *ServerSession) listResources() *ListResourcesResult {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	uris := make([]string, 0, len(ss.server.resources))
	for u := range ss.server.resources {
		uris = append(uris, u)
	}
	sort.Strings(uris)
	resources := make([]*Resource, 0, len(uris))
	for _, u := range uris {
		resources = append(resources, ss.server.resources[u].resource)
	}
	return &ListResourcesResult{Resources: resources}
}

func (ss *ServerSession) listResourceTemplates() *ListResourceTemplatesResult {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	uriTemplates := make([]string, 0, len(ss.server.resourceTemplates))
	for u := range ss.server.resourceTemplates {
		uriTemplates = append(uriTemplates, u)
	}
	sort.Strings(uriTemplates)
	templates := make([]*ResourceTemplate, 0, len(uriTemplates))
	for _, u := range uriTemplates {
		templates = append(templates, ss.server.resourceTemplates[u].template)
	}
	return &ListResourceTemplatesResult{ResourceTemplates: templates}
}

func (ss *ServerSession) listPrompts() *ListPromptsResult {
	ss.server.mu.Lock()
	defer ss.server.mu.Unlock()
	names := make([]string, 0, len(ss.server.prompts))
	for n := range ss.server.prompts {
		names = append(names, n)
	}
	sort.Strings(names)
	prompts := make([]*Prompt, 0, len(names))
	for _, n := range names {
		prompts = append(prompts, ss.server.prompts[n].prompt)
	}
	return &ListPromptsResult{Prompts: prompts}
}

func (ss *ServerSession) callTool(ctx context.Context, id JSONRPCID, p *CallToolParamsRaw) (any, *JSONRPCErrorValue) {
	ss.server.mu.Lock()
	st, ok := ss.server.tools[p.Name]
	ss.server.mu.Unlock()
	if !ok {
		return nil, &JSONRPCErrorValue{Code: -32602, Message: "unknown tool: " + p.Name}
	}
	req := &ServerRequest[*CallToolParamsRaw]{Session: ss, Params: p}
	res, err := st.handler(ctx, req)
	if err != nil {
		return nil, &JSONRPCErrorValue{Code: -32603, Message: err.Error()}
	}
	return res, nil
}

func (ss *ServerSession) readResource(ctx context.Context, id JSONRPCID, p *ReadResourceParams) (any, *JSONRPCErrorValue) {
	h, ok := ss.server.resourceHandlerFor(p.URI)
	if !ok {
		return nil, &JSONRPCErrorValue{Code: -32002, Message: "resource not found: " + p.URI}
	}
	req := &ServerRequest[*ReadResourceParams]{Session: ss, Params: p}
	res, err := h(ctx, req)
	if err != nil {
		return nil, &JSONRPCErrorValue{Code: -32603, Message: err.Error()}
	}
	return res, nil
}

// resourceHandlerFor resolves uri against exact resource registrations
// first, falling back to registered templates in lexical order of their
// URI template strings (not registration order); both
// paths hand the handler the same [ServerRequest], so a resource moving
// from a fixed URI to a template (or back) never changes its handler's
// signature.
func (s *Server) resourceHandlerFor(uri string) (ResourceHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.resources[uri]; ok {
		return sr.handler, true
	}
	uriTemplates := make([]string, 0, len(s.resourceTemplates))
	for u := range s.resourceTemplates {
		uriTemplates = append(uriTemplates, u)
	}
	sort.Strings(uriTemplates)
	for _, u := range uriTemplates {
		srt := s.resourceTemplates[u]
		if srt.matches(uri) {
			return srt.handler, true
		}
	}
	return nil, false
}

func (ss *ServerSession) getPrompt(ctx context.Context, id JSONRPCID, p *GetPromptParams) (any, *JSONRPCErrorValue) {
	ss.server.mu.Lock()
	sp, ok := ss.server.prompts[p.Name]
	ss.server.mu.Unlock()
	if !ok {
		return nil, &JSONRPCErrorValue{Code: -32602, Message: "unknown prompt: " + p.Name}
	}
	req := &ServerRequest[*GetPromptParams]{Session: ss, Params: p}
	res, err := sp.handler(ctx, req)
	if err != nil {
		return nil, &JSONRPCErrorValue{Code: -32603, Message: err.Error()}
	}
	return res, nil
}

// notify sends a server-to-client notification.
func (ss *ServerSession) notify(ctx context.Context, method string, params Params) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return ss.conn.Write(ctx, &JSONRPCNotification{Method: method, Params: data})
}

// NotifyProgress sends a notifications/progress message to the client.
func (ss *ServerSession) NotifyProgress(ctx context.Context, p *ProgressNotificationParams) error {
	return ss.notify(ctx, notificationProgress, p)
}

// Log sends a notifications/message log entry to the client. It sends every
// entry; the minimum level a client sets with logging/setLevel is not
// applied here.
func (ss *ServerSession) Log(ctx context.Context, p *LoggingMessageParams) error {
	return ss.notify(ctx, notificationLoggingMessage, p)
}

// NotifyToolListChanged tells this session's client that the tool list
// changed, distinct from [Server]'s server-wide broadcast: a caller that
// already holds a *ServerSession (for example, component G's adapter acting
// on behalf of one in-flight request) can target just that session.
func (ss *ServerSession) NotifyToolListChanged(ctx context.Context, p *ToolListChangedParams) error {
	return ss.notify(ctx, notificationToolListChanged, p)
}

// NotifyResourceListChanged tells this session's client that the resource
// list changed.
func (ss *ServerSession) NotifyResourceListChanged(ctx context.Context, p *ResourceListChangedParams) error {
	return ss.notify(ctx, notificationResourceListChanged, p)
}

// NotifyPromptListChanged tells this session's client that the prompt list
// changed.
func (ss *ServerSession) NotifyPromptListChanged(ctx context.Context, p *PromptListChangedParams) error {
	return ss.notify(ctx, notificationPromptListChanged, p)
}

// callClient issues a server-initiated request and blocks for the response.
// Used by Elicit. The request is registered in outstandingCalls so that a
// notifications/cancelled from the client can abort the wait.
func (ss *ServerSession) callClient(ctx context.Context, method string, params Params, result Result) error {
	id := StringID(fmt.Sprintf("srv-%d", ss.nextRequestID.Add(1)))
	ch := make(chan *jsonrpcResult, 1)
	ss.mu.Lock()
	ss.pending[id.String()] = ch
	ss.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ss.outstandingMu.Lock()
	if ss.outstandingCalls == nil {
		ss.outstandingCalls = make(map[string]context.CancelFunc)
	}
	ss.outstandingCalls[id.String()] = cancel
	ss.outstandingMu.Unlock()
	defer func() {
		ss.outstandingMu.Lock()
		delete(ss.outstandingCalls, id.String())
		ss.outstandingMu.Unlock()
		cancel()
	}()

	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := ss.conn.Write(ctx, &JSONRPCRequest{ID: id, Method: method, Params: data}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		return json.Unmarshal(res.result, result)
	}
}

// Elicit requests additional information from the user via the client.
func (ss *ServerSession) Elicit(ctx context.Context, p *ElicitParams) (*ElicitResult, error) {
	var res ElicitResult
	if err := ss.callClient(ctx, methodElicit, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close terminates the session's connection.
func (ss *ServerSession) Close() error {
	var err error
	ss.closeOnce.Do(func() { err = ss.conn.Close() })
	return err
}

// Wait blocks until the session's run loop exits.
func (ss *ServerSession) Wait() {
	<-ss.done
}

var errSessionClosed = errors.New("mcp: session closed")

// A ServerRequest wraps an incoming Params value with the session it arrived
// on, so that handlers can report progress or send notifications back.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P
}

// A ClientRequest wraps an incoming Params value on the client side,
// delivered from a [ClientSession].
type ClientRequest[P Params] struct {
	Session *ClientSession
	Params  P
}

// A ClientSession is the client-side half of one logical MCP connection.
// It is a thin request/response driver over a [Connection]. The client
// package does not use it: its Client does its own retry and resume over
// HTTP.
type ClientSession struct {
	conn Connection

	mu            sync.Mutex
	pending       map[string]chan *jsonrpcResult
	nextRequestID atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewClientSession creates a ClientSession driving requests over conn.
func NewClientSession(ctx context.Context, conn Connection) *ClientSession {
	cs := &ClientSession{conn: conn, pending: make(map[string]chan *jsonrpcResult), done: make(chan struct{})}
	go cs.run(ctx)
	return cs
}

func (cs *ClientSession) run(ctx context.Context) {
	defer close(cs.done)
	for {
		msg, err := cs.conn.Read(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *JSONRPCResponse:
			cs.resolve(m.ID, m.Result, nil)
		case *JSONRPCError:
			cs.resolve(m.ID, nil, m.Error)
		}
	}
}

func (cs *ClientSession) resolve(id JSONRPCID, result json.RawMessage, rpcErr *JSONRPCErrorValue) {
	cs.mu.Lock()
	ch, ok := cs.pending[id.String()]
	if ok {
		delete(cs.pending, id.String())
	}
	cs.mu.Unlock()
	if ok {
		ch <- &jsonrpcResult{result: result, err: rpcErr}
	}
}

// Call issues a request to the server and decodes its result into result.
func (cs *ClientSession) Call(ctx context.Context, method string, params any, result any) error {
	id := IntID(cs.nextRequestID.Add(1))
	ch := make(chan *jsonrpcResult, 1)
	cs.mu.Lock()
	cs.pending[id.String()] = ch
	cs.mu.Unlock()

	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := cs.conn.Write(ctx, &JSONRPCRequest{ID: id, Method: method, Params: data}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(res.result, result)
	}
}

// Notify sends a notification to the server.
func (cs *ClientSession) Notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return cs.conn.Write(ctx, &JSONRPCNotification{Method: method, Params: data})
}

// Close closes the underlying connection.
func (cs *ClientSession) Close() error {
	var err error
	cs.closeOnce.Do(func() { err = cs.conn.Close() })
	return err
}
