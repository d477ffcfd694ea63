// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements component B: durable per-session metadata —
// the ordered list of stream ids a session owns, and the client info
// learned during initialize.
package session

import (
	"context"
	"fmt"
	"time"
)

// ClientInfo is the subset of the client's initialize params worth
// recording durably, used for VSCode detection and audit.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// State is a session's durable record.
type State struct {
	StreamIDs  []string    `json:"streamIds"`
	ClientInfo *ClientInfo `json:"clientInfo,omitempty"`
}

// ErrAlreadySet is returned by StoreClientInfo when client info has already
// been recorded for this session: it is populated exactly once.
var ErrAlreadySet = fmt.Errorf("session: client info already set")

// Store is the durable collaborator for session state.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the current state of sessionID, creating an empty record
	// if one doesn't exist yet.
	Get(ctx context.Context, sessionID string) (State, error)

	// StoreStream appends streamID to sessionID's owned streams.
	StoreStream(ctx context.Context, sessionID, streamID string) error

	// StoreClientInfo records info for sessionID. Returns ErrAlreadySet if
	// client info was already recorded.
	StoreClientInfo(ctx context.Context, sessionID string, info ClientInfo) error

	// WaitForClientInfo blocks, polling with exponential backoff, until
	// client info is recorded for sessionID or ctx is done. The front-end
	// and the servicer do not call it; their VSCode detection uses
	// TryGetClientInfo.
	WaitForClientInfo(ctx context.Context, sessionID string) (ClientInfo, error)

	// TryGetClientInfo returns the recorded client info without blocking.
	// ok is false if initialize hasn't completed yet. The session servicer
	// uses this (never WaitForClientInfo) to decide whether to duplicate
	// an outbound event onto the VSCode aggregate stream, so that the
	// decision never stalls a request waiting on a client that may never
	// call initialize again.
	TryGetClientInfo(ctx context.Context, sessionID string) (info ClientInfo, ok bool, err error)
}

// PollBackoff is the exponential backoff schedule [WaitForClientInfo]
// implementations should use: starting delay and growth factor, capped.
var (
	PollBackoffStart = 5 * time.Millisecond
	PollBackoffMax   = 200 * time.Millisecond
	PollBackoffFactor = 2.0
)
