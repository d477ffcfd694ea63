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

	"github.com/relaymcp/relay/internal/session"
)

// Sessions is a PostgreSQL-backed implementation of [session.Store].
// [session.Store.WaitForClientInfo] uses Redis pub/sub to wake promptly
// rather than spinning solely on [session.PollBackoffStart]'s schedule,
// though it still falls back to that schedule as a backstop between
// notifications.
type Sessions struct {
	db    *sql.DB
	redis *redis.Client
}

// NewSessions returns a Sessions store backed by db and rdb.
func NewSessions(db *sql.DB, rdb *redis.Client) *Sessions {
	return &Sessions{db: db, redis: rdb}
}

var _ session.Store = (*Sessions)(nil)

func clientInfoChannel(sessionID string) string { return "staterun:clientinfo:" + sessionID }

func (s *Sessions) Get(ctx context.Context, sessionID string) (session.State, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`, sessionID); err != nil {
		return session.State{}, fmt.Errorf("staterun: ensuring session %s: %w", sessionID, err)
	}

	var streamIDsJSON []byte
	var clientInfoJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_ids, client_info FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&streamIDsJSON, &clientInfoJSON)
	if err != nil {
		return session.State{}, fmt.Errorf("staterun: reading session %s: %w", sessionID, err)
	}

	var state session.State
	if len(streamIDsJSON) > 0 {
		if err := json.Unmarshal(streamIDsJSON, &state.StreamIDs); err != nil {
			return session.State{}, fmt.Errorf("staterun: decoding stream ids for session %s: %w", sessionID, err)
		}
	}
	if len(clientInfoJSON) > 0 {
		var info session.ClientInfo
		if err := json.Unmarshal(clientInfoJSON, &info); err != nil {
			return session.State{}, fmt.Errorf("staterun: decoding client info for session %s: %w", sessionID, err)
		}
		state.ClientInfo = &info
	}
	return state, nil
}

func (s *Sessions) StoreStream(ctx context.Context, sessionID, streamID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`, sessionID); err != nil {
		return fmt.Errorf("staterun: ensuring session %s: %w", sessionID, err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stream_ids = stream_ids || to_jsonb($2::text)
		 WHERE session_id = $1 AND NOT (stream_ids @> to_jsonb($2::text))`,
		sessionID, streamID)
	if err != nil {
		return fmt.Errorf("staterun: recording stream %s for session %s: %w", streamID, sessionID, err)
	}
	return nil
}

func (s *Sessions) StoreClientInfo(ctx context.Context, sessionID string, info session.ClientInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("staterun: encoding client info: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`, sessionID); err != nil {
		return fmt.Errorf("staterun: ensuring session %s: %w", sessionID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET client_info = $2 WHERE session_id = $1 AND client_info IS NULL`,
		sessionID, data)
	if err != nil {
		return fmt.Errorf("staterun: storing client info for session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("staterun: checking client info write for session %s: %w", sessionID, err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("staterun: checking session %s: %w", sessionID, err)
		}
		if exists {
			return session.ErrAlreadySet
		}
		return fmt.Errorf("staterun: session %s does not exist", sessionID)
	}
	if err := s.redis.Publish(ctx, clientInfoChannel(sessionID), "1").Err(); err != nil {
		// Best-effort: a dropped notification only delays WaitForClientInfo's
		// wakeup until its next poll.
	}
	return nil
}

func (s *Sessions) TryGetClientInfo(ctx context.Context, sessionID string) (session.ClientInfo, bool, error) {
	var clientInfoJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT client_info FROM sessions WHERE session_id = $1`, sessionID).Scan(&clientInfoJSON)
	if err == sql.ErrNoRows {
		return session.ClientInfo{}, false, nil
	}
	if err != nil {
		return session.ClientInfo{}, false, fmt.Errorf("staterun: reading client info for session %s: %w", sessionID, err)
	}
	if len(clientInfoJSON) == 0 {
		return session.ClientInfo{}, false, nil
	}
	var info session.ClientInfo
	if err := json.Unmarshal(clientInfoJSON, &info); err != nil {
		return session.ClientInfo{}, false, fmt.Errorf("staterun: decoding client info for session %s: %w", sessionID, err)
	}
	return info, true, nil
}

func (s *Sessions) WaitForClientInfo(ctx context.Context, sessionID string) (session.ClientInfo, error) {
	sub := s.redis.Subscribe(ctx, clientInfoChannel(sessionID))
	defer sub.Close()
	notify := sub.Channel()

	delay := session.PollBackoffStart
	for {
		if info, ok, err := s.TryGetClientInfo(ctx, sessionID); err != nil {
			return session.ClientInfo{}, err
		} else if ok {
			return info, nil
		}

		select {
		case <-ctx.Done():
			return session.ClientInfo{}, ctx.Err()
		case <-notify:
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * session.PollBackoffFactor)
			if delay > session.PollBackoffMax {
				delay = session.PollBackoffMax
			}
		}
	}
}
