// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package eventlog implements component A: an append-only, per-stream
// message log keyed by event id, supporting replay from a last-seen event
// id. It is a typed list plus an index on event id; it has no notion of
// JSON-RPC semantics.
package eventlog

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Message is one stored record within a stream. Only messages with a
// non-empty EventID are events eligible for replay; other messages (e.g. a
// request stored for audit before its stream has any outbound traffic) are
// visible only through [Log.Messages].
type Message struct {
	// Message is the JSON-RPC value, already encoded. Storing it encoded
	// (rather than as a Go value) keeps the log agnostic to the wire
	// schema's evolution and matches how the durable event store (component
	// D) persists it.
	Message json.RawMessage
	// EventID is empty for non-event records.
	EventID string
	// RelatedRequestID ties a server-initiated notification or request
	// back to the inbound request that caused it, when applicable.
	RelatedRequestID string
}

// Log is the durability primitive component A adapts: an append-only,
// keyed message list per stream, with replay and raw read-back.
//
// Implementations must be safe for concurrent use, and Replay must be
// reactive: a caller may keep consuming yielded events after the backlog is
// exhausted, to observe messages appended afterward, until ctx is done or fn
// returns a non-nil error.
type Log interface {
	// Create registers streamID if it does not already exist. It is
	// idempotent: creating an existing stream is a no-op. request, if
	// non-nil, is stored as the originating inbound request for audit.
	Create(ctx context.Context, streamID string, request json.RawMessage) error

	// Put appends message to streamID, which must already exist. eventID
	// may be empty for non-event records. Put does not itself guard
	// against double-delivery; callers that need at-most-once semantics
	// layer a workflow step (component C) around the call.
	Put(ctx context.Context, streamID string, message json.RawMessage, eventID, relatedRequestID string) error

	// Replay returns every event appended to streamID strictly after
	// afterEventID (or every event, if afterEventID is empty), and then
	// (unless ctx is canceled first) continues invoking fn for events
	// appended later, until fn returns a non-nil error or ctx is done.
	Replay(ctx context.Context, streamID, afterEventID string, fn func(Message) error) error

	// Messages returns every stored message for streamID, including
	// non-event records, in append order. Used for audit and for
	// cancellation recovery (finding outstanding server-initiated
	// requests with no recorded response).
	Messages(ctx context.Context, streamID string) ([]Message, error)
}

// ErrNoSuchStream is returned by Put and Replay when streamID was never
// created.
var ErrNoSuchStream = fmt.Errorf("eventlog: no such stream")

// ErrDuplicateEventID is returned by Put when eventID is already present in
// streamID, violating the stream's event-id-uniqueness invariant.
var ErrDuplicateEventID = fmt.Errorf("eventlog: duplicate event id")
