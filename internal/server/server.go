// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package server implements component F: the Streamable-HTTP front-end that
// terminates MCP's POST/GET/DELETE surface over [servicer.Servicer], rather
// than over a live [mcp.Connection] the way [mcp.StreamableHTTPHandler]
// does. It mints and routes sessions, decorates outbound traffic for
// clients (like Visual Studio Code) that read everything off one aggregate
// GET stream, and rate-limits per session.
package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"github.com/relaymcp/relay/auth"
	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/internal/session"
	"github.com/relaymcp/relay/mcp"
)

// SessionIDHeader is the header carrying the MCP session id, per the
// streamable HTTP transport (same header name [mcp.StreamableServerTransport]
// uses).
const SessionIDHeader = "Mcp-Session-Id"

// SessionRefHeaderName is the header the front-end sets on the response to a
// request that minted a new session, naming that session's state record.
// The front-end does not add it to requests and does not forward requests
// to other replicas; nothing in this runtime reads it back.
const SessionRefHeaderName = "X-Mcp-Session-Ref"

// sessionRefPrefix namespaces the session-ref header's value.
const sessionRefPrefix = "rbt.mcp.v1.Session:"

// RoutingHeaderName is stripped from any inbound request before it's treated
// as freshly arrived at this replica: a request missing a session header
// must have any stale routing pin removed so that routing can pick the
// replica that actually owns the newly minted session.
const RoutingHeaderName = "X-Mcp-Route"

// errTerminal signals that a replay loop reached the terminal event for the
// request it was streaming and should stop; it is never surfaced to a
// caller as a real failure.
var errTerminal = errTerminalError{}

type errTerminalError struct{}

func (errTerminalError) Error() string { return "server: terminal event reached" }

// Options configures a [Handler].
type Options struct {
	Servicer *servicer.Servicer
	Sessions session.Store

	// Verifier, if non-nil, is wrapped around every request with
	// [auth.RequireBearerToken]. A nil Verifier means this deployment has no
	// authentication configured.
	Verifier    auth.TokenVerifier
	AuthOptions *auth.RequireBearerTokenOptions

	// RateLimit and RateBurst configure the per-session token bucket; the
	// zero value disables rate limiting.
	RateLimit rate.Limit
	RateBurst int
}

// Handler is an http.Handler serving one MCP endpoint's durable streamable
// transport, backed by a [servicer.Servicer] instead of a live connection.
type Handler struct {
	svc      *servicer.Servicer
	sessions session.Store

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// New returns a Handler built from opts. If opts.Verifier is set, the
// returned http.Handler is wrapped with bearer-token authentication;
// otherwise it serves unauthenticated.
func New(opts Options) http.Handler {
	h := &Handler{
		svc:       opts.Servicer,
		sessions:  opts.Sessions,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: opts.RateLimit,
		rateBurst: opts.RateBurst,
	}
	if opts.Verifier == nil {
		return h
	}
	return auth.RequireBearerToken(opts.Verifier, opts.AuthOptions)(h)
}

func (h *Handler) limiterFor(sessionID string) *rate.Limiter {
	if h.rateLimit <= 0 {
		return nil
	}
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	l, ok := h.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(h.rateLimit, h.rateBurst)
		h.limiters[sessionID] = l
	}
	return l
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		case "*/*":
			jsonOK, streamOK = true, true
		}
	}
	if req.Method == http.MethodGet {
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
			return
		}
	} else if req.Method == http.MethodPost && (!jsonOK || !streamOK) {
		http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
		return
	}

	sessionID, isNew, err := h.resolveSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		http.Error(w, "missing "+SessionIDHeader+" header", http.StatusBadRequest)
		return
	}

	if l := h.limiterFor(sessionID); l != nil && !l.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if isNew {
		w.Header().Set(SessionIDHeader, sessionID)
		w.Header().Set(SessionRefHeaderName, sessionRefPrefix+sessionID)
	}

	accessToken := bearerToken(req)

	switch req.Method {
	case http.MethodPost:
		h.servePOST(w, req, sessionID, accessToken)
	case http.MethodGet:
		h.serveGET(w, req, sessionID)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

// resolveSession applies the session-minting rule: a request
// with no session header gets a fresh UUIDv7 session id, and any routing pin
// it carried is stripped (there being nothing to pin now, since the request
// is being handled fresh). A DELETE with no session header is always an
// error, matching the MCP transport's DELETE semantics.
func (h *Handler) resolveSession(req *http.Request) (sessionID string, isNew bool, err error) {
	if id := req.Header.Get(SessionIDHeader); id != "" {
		return id, false, nil
	}
	if req.Method == http.MethodGet || req.Method == http.MethodDelete {
		return "", false, nil
	}
	req.Header.Del(RoutingHeaderName)
	sid, err := uuid.NewV7()
	if err != nil {
		return "", false, err
	}
	return sid.String(), true, nil
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return h[len(prefix):]
}

// isVSCodeClient reports whether sessionID's recorded client info, if any,
// identifies Visual Studio Code: the one client this runtime special-cases
// to read everything off the aggregate GET stream.
func (h *Handler) isVSCodeClient(ctx context.Context, sessionID string) bool {
	info, ok, err := h.sessions.TryGetClientInfo(ctx, sessionID)
	if err != nil || !ok {
		return false
	}
	return strings.Contains(strings.ToLower(info.Name), "visual studio code")
}

func (h *Handler) recordClientInfoFromInitialize(ctx context.Context, sessionID string, msg mcp.JSONRPCMessage) {
	req, ok := msg.(*mcp.JSONRPCRequest)
	if !ok || req.Method != "initialize" || len(req.Params) == 0 {
		return
	}
	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ClientInfo == nil {
		return
	}
	info := session.ClientInfo{
		Name:    params.ClientInfo.Name,
		Title:   params.ClientInfo.Title,
		Version: params.ClientInfo.Version,
	}
	// StoreClientInfo is populated exactly once; a retried
	// initialize or a race with another goroutine both surface
	// ErrAlreadySet here, which is expected and not an error worth
	// reporting to the client.
	_ = h.sessions.StoreClientInfo(ctx, sessionID, info)
}

// splitBatch decodes a streamable-HTTP POST body into its constituent
// JSON-RPC messages: either a single object or a JSON array of them, per
// the MCP transport's batching allowance.
func splitBatch(data []byte) ([]json.RawMessage, error) {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// vscodeGetStream is the sentinel aggregate-stream request id, shared with
// [servicer.VSCodeGetStream].
const vscodeGetStream = servicer.VSCodeGetStream

// pollBackoff follows the doubling-with-a-cap scheme of
// [session.PollBackoffStart]/Max/Factor, with shorter delays, to wait out
// the brief window between a
// request's stream being minted and it becoming visible for replay.
var (
	pollBackoffStart  = 1 * time.Millisecond
	pollBackoffMax    = 50 * time.Millisecond
	pollBackoffFactor = 2.0
)
