// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package staterun

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/eventlog"
)

// pollInterval bounds how long a [Log.Replay] reactive wait goes between
// re-checking Postgres even with no pub/sub wakeup, as a defense against a
// missed or dropped Redis notification.
const pollInterval = 2 * time.Second

// Log is a PostgreSQL-backed, Redis-notified implementation of
// [eventlog.Log]. Writes go straight to Postgres; appends publish to a
// per-stream Redis channel so a blocked [Log.Replay] call wakes promptly
// instead of only on its poll interval.
type Log struct {
	db    *sql.DB
	redis *redis.Client
}

// NewLog returns a Log backed by db (already migrated via [Open]) and rdb.
func NewLog(db *sql.DB, rdb *redis.Client) *Log {
	return &Log{db: db, redis: rdb}
}

var _ eventlog.Log = (*Log)(nil)

func streamChannel(streamID string) string { return "staterun:stream:" + streamID }

func (l *Log) Create(ctx context.Context, streamID string, request json.RawMessage) error {
	var reqVal any
	if len(request) > 0 {
		reqVal = []byte(request)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO streams (stream_id, request) VALUES ($1, $2) ON CONFLICT (stream_id) DO NOTHING`,
		streamID, reqVal)
	if err != nil {
		return fmt.Errorf("staterun: creating stream %s: %w", streamID, err)
	}
	return nil
}

func (l *Log) Put(ctx context.Context, streamID string, message json.RawMessage, eventID, relatedRequestID string) error {
	var exists bool
	if err := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM streams WHERE stream_id = $1)`, streamID).Scan(&exists); err != nil {
		return fmt.Errorf("staterun: checking stream %s: %w", streamID, err)
	}
	if !exists {
		return eventlog.ErrNoSuchStream
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO stream_messages (stream_id, message, event_id, related_request_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stream_id, event_id) WHERE event_id <> '' DO NOTHING`,
		streamID, []byte(message), eventID, relatedRequestID)
	if err != nil {
		return fmt.Errorf("staterun: appending to stream %s: %w", streamID, err)
	}
	if eventID != "" {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("staterun: checking append result for stream %s: %w", streamID, err)
		}
		if n == 0 {
			return eventlog.ErrDuplicateEventID
		}
	}

	if err := l.redis.Publish(ctx, streamChannel(streamID), "1").Err(); err != nil {
		// Best-effort: a dropped notification only delays Replay's
		// reactive wakeup until the next poll, it never loses an event.
	}
	return nil
}

type storedMessage struct {
	Seq              int64
	Message          json.RawMessage
	EventID          string
	RelatedRequestID string
}

func (l *Log) rowsAfter(ctx context.Context, streamID string, afterSeq int64) ([]storedMessage, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, message, event_id, related_request_id FROM stream_messages
		 WHERE stream_id = $1 AND seq > $2 ORDER BY seq`,
		streamID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storedMessage
	for rows.Next() {
		var m storedMessage
		if err := rows.Scan(&m.Seq, &m.Message, &m.EventID, &m.RelatedRequestID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *Log) seqForEvent(ctx context.Context, streamID, eventID string) (int64, bool) {
	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT seq FROM stream_messages WHERE stream_id = $1 AND event_id = $2`, streamID, eventID).Scan(&seq)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (l *Log) Replay(ctx context.Context, streamID, afterEventID string, fn func(eventlog.Message) error) error {
	var exists bool
	if err := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM streams WHERE stream_id = $1)`, streamID).Scan(&exists); err != nil {
		return fmt.Errorf("staterun: checking stream %s: %w", streamID, err)
	}
	if !exists {
		return eventlog.ErrNoSuchStream
	}

	var afterSeq int64
	if afterEventID != "" {
		// If afterEventID isn't found, replay from the start rather than
		// erroring — see [eventlog.Memory.Replay]'s identical reasoning.
		if seq, ok := l.seqForEvent(ctx, streamID, afterEventID); ok {
			afterSeq = seq
		}
	}

	sub := l.redis.Subscribe(ctx, streamChannel(streamID))
	defer sub.Close()
	notify := sub.Channel()

	for {
		rows, err := l.rowsAfter(ctx, streamID, afterSeq)
		if err != nil {
			return fmt.Errorf("staterun: replaying stream %s: %w", streamID, err)
		}
		for _, m := range rows {
			afterSeq = m.Seq
			if m.EventID == "" {
				continue
			}
			if err := fn(eventlog.Message{Message: m.Message, EventID: m.EventID, RelatedRequestID: m.RelatedRequestID}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-time.After(pollInterval):
		}
	}
}

func (l *Log) Messages(ctx context.Context, streamID string) ([]eventlog.Message, error) {
	var exists bool
	if err := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM streams WHERE stream_id = $1)`, streamID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("staterun: checking stream %s: %w", streamID, err)
	}
	if !exists {
		return nil, eventlog.ErrNoSuchStream
	}
	rows, err := l.rowsAfter(ctx, streamID, -1)
	if err != nil {
		return nil, fmt.Errorf("staterun: reading stream %s: %w", streamID, err)
	}
	out := make([]eventlog.Message, len(rows))
	for i, m := range rows {
		out[i] = eventlog.Message{Message: m.Message, EventID: m.EventID, RelatedRequestID: m.RelatedRequestID}
	}
	return out, nil
}
