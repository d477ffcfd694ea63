// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package client implements component I: a client for the durable
// streamable-HTTP front-end (component F), following
// [mcp.StreamableClientTransport]'s retry/backoff discipline, but simpler:
// rather than driving a live [mcp.Connection], it speaks directly to the
// durable runtime's replay semantics. A request that disconnects mid-stream
// is resumed not with a `Last-Event-ID` header (the front-end's POST path
// ignores one) but by re-issuing the identical request and skipping every
// event already observed — the durable event log replays the same
// deterministic sequence either way, so this is equivalent to resumption
// without needing the server to support partial POST replay.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/mcp"
)

// Options configures a [Client].
type Options struct {
	HTTPClient *http.Client

	// AccessToken, if non-empty, is sent as a bearer token on every request.
	AccessToken string

	// MaxRetries bounds how many times a request is retried (by re-POSTing
	// it, per this package's doc comment) after a retryable transport
	// failure. Zero means no retries beyond the initial attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; subsequent
	// retries back off exponentially with jitter, the same shape the
	// teacher's client transport uses. Zero defaults to one second.
	InitialBackoff time.Duration
}

// Client is a durable-runtime client bound to one endpoint URL. It is safe
// for concurrent use by multiple goroutines, each issuing its own [Call].
type Client struct {
	url        string
	httpClient *http.Client
	token      string
	maxRetries int
	backoff    time.Duration

	sessionID atomic.Value // string

	mu       sync.Mutex
	lastSeen map[string]string // requestID -> last qualified event id observed
}

// New returns a Client that talks to a durable front-end (component F)
// listening at url.
func New(url string, opts *Options) *Client {
	c := &Client{
		url:        url,
		httpClient: http.DefaultClient,
		backoff:    time.Second,
		lastSeen:   make(map[string]string),
	}
	if opts != nil {
		if opts.HTTPClient != nil {
			c.httpClient = opts.HTTPClient
		}
		c.token = opts.AccessToken
		c.maxRetries = opts.MaxRetries
		if opts.InitialBackoff > 0 {
			c.backoff = opts.InitialBackoff
		}
	}
	c.sessionID.Store("")
	return c
}

// SessionID returns the session id minted by the front-end on this
// client's first request, or "" before any request has completed.
func (c *Client) SessionID() string {
	s, _ := c.sessionID.Load().(string)
	return s
}

// Notify sends a one-way JSON-RPC notification; there is no response or
// event stream to read back.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	_, _, err = c.post(ctx, msg)
	return err
}

// Call sends a JSON-RPC request identified by id and streams back its
// events, invoking onEvent for every server-initiated notification or
// request observed along the way (elicitation, progress, logging, and so
// on), in order, each exactly once even across a reconnect. It blocks until
// the request's terminal response or error arrives, retrying the whole
// request by reconnect-and-reissue on a retryable transport failure.
func (c *Client) Call(ctx context.Context, id mcp.JSONRPCID, method string, params any, onEvent func(mcp.JSONRPCMessage) error) (*mcp.JSONRPCResponse, error) {
	msg, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	requestID := id.String()

	backoff := c.backoff
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attempts++
		resp, terminalErr, err := c.callOnce(ctx, requestID, msg, onEvent)
		if err == nil {
			if terminalErr != nil {
				return nil, terminalErr
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) || attempt == c.maxRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("client: call %s failed after %d attempts: %w", method, attempts, lastErr)
}

// callOnce POSTs msg and reads back its SSE response to completion, or
// returns a transport error. terminalErr, when non-nil alongside a nil
// transport error, is the call's own JSON-RPC error response — not
// retryable, since the server has already durably recorded it.
func (c *Client) callOnce(ctx context.Context, requestID string, msg json.RawMessage, onEvent func(mcp.JSONRPCMessage) error) (resp *mcp.JSONRPCResponse, terminalErr error, err error) {
	body, ct, err := c.post(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	defer body.Close()

	if ct != "text/event-stream" {
		return nil, nil, fmt.Errorf("client: expected text/event-stream response, got %q", ct)
	}

	seen := c.lastSeenFor(requestID)
	skipping := seen != ""

	for evt, scanErr := range mcp.ScanEvents(body) {
		if scanErr != nil {
			if scanErr == io.EOF {
				break
			}
			return nil, nil, fmt.Errorf("client: reading event stream: %w", scanErr)
		}
		if skipping {
			if evt.ID == seen {
				skipping = false
			}
			continue
		}
		c.recordSeen(requestID, evt.ID)

		decoded, err := mcp.DecodeMessage(evt.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("client: decoding event: %w", err)
		}
		switch m := decoded.(type) {
		case *mcp.JSONRPCResponse:
			c.forgetRequest(requestID)
			return m, nil, nil
		case *mcp.JSONRPCError:
			c.forgetRequest(requestID)
			return nil, m.Error, nil
		default:
			if onEvent != nil {
				if err := onEvent(decoded); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return nil, nil, fmt.Errorf("client: event stream for %s closed before a terminal event", requestID)
}

// post issues one POST of msg and returns the response body (caller must
// close it) and its Content-Type.
func (c *Client) post(ctx context.Context, msg json.RawMessage) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msg))
	if err != nil {
		return nil, "", err
	}
	if sid := c.SessionID(); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, "", &httpStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID.Store(sid)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) lastSeenFor(requestID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen[requestID]
}

func (c *Client) recordSeen(requestID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen[requestID] = eventID
}

func (c *Client) forgetRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastSeen, requestID)
}

func encodeRequest(id mcp.JSONRPCID, method string, params any) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return mcp.EncodeMessage(&mcp.JSONRPCRequest{ID: id, Method: method, Params: raw})
}

func encodeNotification(method string, params any) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return mcp.EncodeMessage(&mcp.JSONRPCNotification{Method: method, Params: raw})
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// httpStatusError reports a non-2xx HTTP response, grounded on the
// teacher's identically-named error in [mcp.StreamableClientTransport].
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("client: unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}

// isRetryable reports whether a transport failure is transient enough to
// warrant retrying a request that may not have reached the server at all:
// only a narrow set of HTTP statuses and network timeouts qualify.
func isRetryable(err error) bool {
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
