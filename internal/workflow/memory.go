// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package workflow

import (
	"context"
	"sync"

	"github.com/segmentio/encoding/json"
)

// MemoryStore is an in-process [Store], useful for tests and single-replica
// deployments. [staterun] ships the durable, Postgres-backed implementation.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]StepRecord // "sessionID/requestID" -> label -> record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]StepRecord)}
}

func scopeKey(sessionID, requestID string) string { return sessionID + "/" + requestID }

func (s *MemoryStore) scopeLocked(sessionID, requestID string) map[string]StepRecord {
	key := scopeKey(sessionID, requestID)
	m, ok := s.records[key]
	if !ok {
		m = make(map[string]StepRecord)
		s.records[key] = m
	}
	return m
}

func (s *MemoryStore) Get(ctx context.Context, sessionID, requestID, key string) (StepRecord, error) {
	if err := ctx.Err(); err != nil {
		return StepRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := s.scopeLocked(sessionID, requestID)
	rec, ok := scope[key]
	if !ok {
		return StepRecord{Status: NotStarted}, nil
	}
	return rec, nil
}

func (s *MemoryStore) CAS(ctx context.Context, sessionID, requestID, key string, from, to StepStatus, result json.RawMessage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := s.scopeLocked(sessionID, requestID)
	cur, ok := scope[key]
	if !ok {
		cur = StepRecord{Status: NotStarted}
	}
	if cur.Status != from {
		return false, nil
	}
	scope[key] = StepRecord{Status: to, Result: result}
	return true, nil
}

func (s *MemoryStore) Commit(ctx context.Context, sessionID, requestID, key string, status StepStatus, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := s.scopeLocked(sessionID, requestID)
	scope[key] = StepRecord{Status: status, Result: result}
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, sessionID, requestID string) (map[string]StepRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := s.scopeLocked(sessionID, requestID)
	out := make(map[string]StepRecord, len(scope))
	for k, v := range scope {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Restore(ctx context.Context, sessionID, requestID string, records map[string]StepRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StepRecord, len(records))
	for k, v := range records {
		out[k] = v
	}
	s.records[scopeKey(sessionID, requestID)] = out
	return nil
}
