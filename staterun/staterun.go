// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package staterun ships one concrete implementation of the external
// state-runtime collaborator the durable runtime depends on for persistence
// and cross-replica routing: durable records in PostgreSQL
// (github.com/lib/pq), idempotent writes via Postgres's own compare-and-set,
// and reactive reads plus routing via Redis (github.com/redis/go-redis/v9)
// pub/sub.
//
// This is a reference/example-grade implementation, not the production
// state runtime itself: it has no consensus protocol, no multi-region
// replication, and no operational hardening beyond what lets the rest of
// this module compile against and be exercised end-to-end by a real
// external collaborator. See DESIGN.md.
package staterun

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Schema is the set of tables this package's [eventlog.Log], [session.Store],
// and [workflow.Store] implementations require, applied once at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id TEXT PRIMARY KEY,
	request   JSONB
);

CREATE TABLE IF NOT EXISTS stream_messages (
	stream_id   TEXT NOT NULL REFERENCES streams(stream_id),
	seq         BIGSERIAL,
	message     JSONB NOT NULL,
	event_id    TEXT NOT NULL DEFAULT '',
	related_request_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (stream_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS stream_messages_event_id
	ON stream_messages (stream_id, event_id)
	WHERE event_id <> '';

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	stream_ids JSONB NOT NULL DEFAULT '[]',
	client_info JSONB
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	session_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     TEXT NOT NULL,
	result     JSONB,
	PRIMARY KEY (session_id, request_id, key)
);
`

// Open opens a PostgreSQL connection pool at databaseURL and applies
// [Schema], following the common "open, ping, and migrate on startup"
// pattern.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("staterun: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("staterun: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("staterun: applying schema: %w", err)
	}
	return db, nil
}
