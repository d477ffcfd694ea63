// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/durablestore"
	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/mcp"
)

// writeSSE writes one server-sent event carrying msg, named "message" with
// id eventID, matching the wire format [mcp.StreamableServerTransport] uses.
func writeSSE(w http.ResponseWriter, eventID string, msg mcp.JSONRPCMessage) error {
	data, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", eventID)
	fmt.Fprintf(&b, "event: message\n")
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// servePOST delivers the request body's JSON-RPC messages to the servicer.
// Requests get their stream replayed back as SSE until each reaches a
// terminal response/error, unless the calling client reads everything off
// the aggregate GET stream instead (the Visual Studio Code special case), in
// which case the POST just dispatches and returns 202 Accepted.
func (h *Handler) servePOST(w http.ResponseWriter, req *http.Request, sessionID, accessToken string) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}
	raws, err := splitBatch(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	dropBody := h.isVSCodeClient(ctx, sessionID)

	var requestIDs []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, raw := range raws {
		msg, err := mcp.DecodeMessage(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed message: %v", err), http.StatusBadRequest)
			return
		}
		h.recordClientInfoFromInitialize(ctx, sessionID, msg)

		jreq, isRequest := msg.(*mcp.JSONRPCRequest)
		if !isRequest {
			// Notifications and client responses to server-initiated
			// requests are delivered and never streamed back.
			if err := h.svc.HandleMessage(ctx, sessionID, raw, accessToken); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			continue
		}

		requestID := jreq.ID.String()
		wg.Add(1)
		go func(raw json.RawMessage) {
			defer wg.Done()
			if err := h.svc.HandleMessage(ctx, sessionID, raw, accessToken); err != nil {
				// The replay loop below observes the terminal error event the
				// servicer itself records, if any; a transport-level failure
				// here (e.g. ctx canceled) just ends the dispatch early.
				return
			}
		}(raw)

		if !dropBody {
			mu.Lock()
			requestIDs = append(requestIDs, requestID)
			mu.Unlock()
		}
	}

	if len(requestIDs) == 0 {
		wg.Wait()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set(SessionIDHeader, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	var streamWG sync.WaitGroup
	for _, requestID := range requestIDs {
		streamWG.Add(1)
		go func(requestID string) {
			defer streamWG.Done()
			h.replayUntilTerminal(ctx, w, &writeMu, sessionID, requestID, "")
		}(requestID)
	}
	streamWG.Wait()
	wg.Wait()
}

// replayUntilTerminal streams requestID's events from afterEventID onward,
// serializing writes through mu since multiple request streams share one
// HTTP response, and stops once it observes that request's terminal
// response or error. It tolerates the brief window in which HandleMessage
// hasn't yet created the stream, backing off the same way
// [session.Store.WaitForClientInfo] does.
func (h *Handler) replayUntilTerminal(ctx context.Context, w http.ResponseWriter, mu *sync.Mutex, sessionID, requestID, afterEventID string) {
	delay := pollBackoffStart
	for {
		err := h.svc.ReplayRequest(ctx, sessionID, requestID, afterEventID, func(eventID string, msg mcp.JSONRPCMessage) error {
			mu.Lock()
			writeErr := writeSSE(w, eventID, msg)
			mu.Unlock()
			if writeErr != nil {
				return writeErr
			}
			switch msg.(type) {
			case *mcp.JSONRPCResponse, *mcp.JSONRPCError:
				return errTerminal
			}
			return nil
		})
		if errors.Is(err, errTerminal) || err == nil {
			return
		}
		if errors.Is(err, eventlog.ErrNoSuchStream) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = time.Duration(float64(delay) * pollBackoffFactor)
			if delay > pollBackoffMax {
				delay = pollBackoffMax
			}
			continue
		}
		return
	}
}

// serveGET serves the aggregate GET stream, always VSCodeGetStream: GET
// exists for clients (Visual Studio Code chief among them) that need one
// persistent stream for all server-to-client traffic.
func (h *Handler) serveGET(w http.ResponseWriter, req *http.Request, sessionID string) {
	ctx := req.Context()
	// A Last-Event-ID from a previous GET on this same aggregate stream is
	// qualified ("VSCODE_GET/<inner>"); the log replays on the inner id
	// alone. Missing Last-Event-ID on a fresh GET still replays from the
	// very start of the aggregate stream, since afterEventID's zero value
	// already means "replay everything".
	var afterEventID string
	if qualified := req.Header.Get("Last-Event-ID"); qualified != "" {
		if _, inner, ok := durablestore.SplitQualifiedEventID(qualified); ok {
			afterEventID = inner
		}
	}

	w.Header().Set(SessionIDHeader, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	delay := pollBackoffStart
	for {
		err := h.svc.ReplayRequest(ctx, sessionID, vscodeGetStream, afterEventID, func(eventID string, msg mcp.JSONRPCMessage) error {
			mu.Lock()
			defer mu.Unlock()
			return writeSSE(w, eventID, msg)
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, eventlog.ErrNoSuchStream) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = time.Duration(float64(delay) * pollBackoffFactor)
			if delay > pollBackoffMax {
				delay = pollBackoffMax
			}
			continue
		}
		return
	}
}
