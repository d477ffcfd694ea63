// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package durablestore implements component D: it adapts the event log
// (component A) to the embedded MCP engine's [mcp.EventStore] contract and
// to the session servicer's (component E) more specific needs, deriving
// qualified event ids and normalizing the integral-float JSON round trip.
package durablestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/eventlog"
	"github.com/relaymcp/relay/mcp"
)

// metaEnvelope is the subset of a notification/request's params this
// package reads to derive a deterministic id, per the convention component
// G (package durable) writes into every server-initiated message it emits:
// an eventAlias unique within the originating workflow, or (on replay of an
// already-durable message) a rebootEventId to pass through unchanged.
type metaEnvelope struct {
	Meta struct {
		EventAlias    string `json:"eventAlias,omitempty"`
		RebootEventID string `json:"rebootEventId,omitempty"`
	} `json:"_meta,omitempty"`
}

// Store adapts an [eventlog.Log] into a durable event store, and
// additionally implements [mcp.EventStore] so it can be wired directly into
// code that only knows the generic engine contract.
type Store struct {
	log eventlog.Log
}

// New returns a Store backed by log.
func New(log eventlog.Log) *Store {
	return &Store{log: log}
}

// StreamID returns the stream identifier for a session/request pair:
// "<session_id>/<request_id>".
func StreamID(sessionID, requestID string) string {
	return sessionID + "/" + requestID
}

// QualifiedEventID returns the external, qualified event id for a request
// id and inner event id: "<request_id>/<inner_event_id>".
func QualifiedEventID(requestID, innerEventID string) string {
	return requestID + "/" + innerEventID
}

// SplitQualifiedEventID splits a qualified event id into its request id and
// inner event id.
func SplitQualifiedEventID(qualified string) (requestID, innerEventID string, ok bool) {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '/' {
			return qualified[:i], qualified[i+1:], true
		}
	}
	return "", "", false
}

// DeriveEventID computes the inner event id for an outbound message bound
// for requestID's stream, applying three rules in order: a response/error's
// own stringified id; an explicit _meta.rebootEventId passthrough; or
// uuid5(workflow-namespace(requestID), eventAlias) for a deterministic
// server-initiated notification/request. Messages with none of the above
// (e.g. a notification forwarded without going through the adapter's alias
// discipline) get a fresh random id.
func DeriveEventID(requestID string, msg mcp.JSONRPCMessage) (string, error) {
	switch m := msg.(type) {
	case *mcp.JSONRPCResponse:
		return m.ID.String(), nil
	case *mcp.JSONRPCError:
		return m.ID.String(), nil
	case *mcp.JSONRPCNotification:
		return deriveFromParams(requestID, m.Params)
	case *mcp.JSONRPCRequest:
		return deriveFromParams(requestID, m.Params)
	default:
		return "", fmt.Errorf("durablestore: unknown message type %T", msg)
	}
}

func deriveFromParams(requestID string, params json.RawMessage) (string, error) {
	if len(params) > 0 {
		var env metaEnvelope
		if err := json.Unmarshal(params, &env); err == nil {
			if env.Meta.RebootEventID != "" {
				return env.Meta.RebootEventID, nil
			}
			if env.Meta.EventAlias != "" {
				return EventUUID(requestID, env.Meta.EventAlias).String(), nil
			}
		}
	}
	return uuid.NewString(), nil
}

// workflowNamespace returns a stable namespace UUID for a workflow
// (session/request pair's request id, which is unique enough for this
// purpose since it's scoped within DeriveEventID's caller to one session).
// Rooting it in a fixed URL namespace keeps uuid5 generation portable
// across implementations that follow the same convention.
func workflowNamespace(requestID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mcp-workflow:"+requestID))
}

// EventUUID deterministically derives the event uuid for a workflow id and
// alias string. Implementations must keep the alias string exactly as given
// so that different deployments interoperate on replay.
func EventUUID(requestID, alias string) uuid.UUID {
	return uuid.NewSHA1(workflowNamespace(requestID), []byte(alias))
}

// Put commits message to requestID's stream under eventID (which may be
// empty for a non-event record), tagging it with relatedRequestID when msg
// is a server-initiated notification or request. It creates the stream if
// this is the first write.
func (s *Store) Put(ctx context.Context, sessionID, requestID string, msg mcp.JSONRPCMessage, eventID, relatedRequestID string) error {
	streamID := StreamID(sessionID, requestID)
	if err := s.log.Create(ctx, streamID, nil); err != nil {
		return err
	}
	data, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.log.Put(ctx, streamID, data, eventID, relatedRequestID)
}

// StoreEvent implements [mcp.EventStore] for generic, single-process
// consumers that don't need to split derivation from commit. sessionID is
// interpreted as a request id: callers that key streams by session alone
// (rather than session+request) should pass a constant per-session pseudo
// request id such as "VSCODE_GET".
func (s *Store) StoreEvent(ctx context.Context, sessionID string, msg mcp.JSONRPCMessage) (string, error) {
	// Here "sessionID" doubles as the stream's request id in the generic,
	// engine-facing contract; see the doc comment above.
	requestID := sessionID
	eventID, err := DeriveEventID(requestID, msg)
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, "", requestID, msg, eventID, ""); err != nil {
		return "", err
	}
	return QualifiedEventID(requestID, eventID), nil
}

// ReplayEventsAfter implements [mcp.EventStore]. It splits the qualified id
// and replays component A's log, decoding and number-normalizing each
// stored message before invoking fn.
func (s *Store) ReplayEventsAfter(ctx context.Context, sessionID, afterQualifiedEventID string, fn func(eventID string, msg mcp.JSONRPCMessage) error) error {
	requestID := sessionID
	afterInner := ""
	if afterQualifiedEventID != "" {
		req, inner, ok := SplitQualifiedEventID(afterQualifiedEventID)
		if !ok {
			return fmt.Errorf("durablestore: malformed qualified event id %q", afterQualifiedEventID)
		}
		requestID = req
		afterInner = inner
	}
	return s.ReplayRequest(ctx, "", requestID, afterInner, fn)
}

// ReplayRequest replays requestID's stream strictly after afterEventID,
// decoding and number-normalizing each stored message, invoking fn with the
// fully qualified event id.
func (s *Store) ReplayRequest(ctx context.Context, sessionID, requestID, afterEventID string, fn func(eventID string, msg mcp.JSONRPCMessage) error) error {
	streamID := StreamID(sessionID, requestID)
	return s.log.Replay(ctx, streamID, afterEventID, func(m eventlog.Message) error {
		normalized, err := NormalizeNumbers(m.Message)
		if err != nil {
			return err
		}
		msg, err := mcp.DecodeMessage(normalized)
		if err != nil {
			return err
		}
		return fn(QualifiedEventID(requestID, m.EventID), msg)
	})
}

// Messages returns every stored message (including non-event records) for
// requestID's stream, used for cancellation recovery
// (cancel_outstanding_requests).
func (s *Store) Messages(ctx context.Context, sessionID, requestID string) ([]eventlog.Message, error) {
	return s.log.Messages(ctx, StreamID(sessionID, requestID))
}

var _ mcp.EventStore = (*Store)(nil)
