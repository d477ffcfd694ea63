// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process [Store], useful for tests and single-replica
// deployments. [staterun] ships the durable, Postgres-backed implementation.
type Memory struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*State
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	m := &Memory{sessions: make(map[string]*State)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) getLocked(sessionID string) *State {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &State{}
		m.sessions[sessionID] = s
	}
	return s
}

func (m *Memory) Get(ctx context.Context, sessionID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(sessionID)
	out := *s
	out.StreamIDs = append([]string(nil), s.StreamIDs...)
	return out, nil
}

func (m *Memory) StoreStream(ctx context.Context, sessionID, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(sessionID)
	for _, id := range s.StreamIDs {
		if id == streamID {
			return nil
		}
	}
	s.StreamIDs = append(s.StreamIDs, streamID)
	return nil
}

func (m *Memory) StoreClientInfo(ctx context.Context, sessionID string, info ClientInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(sessionID)
	if s.ClientInfo != nil {
		return ErrAlreadySet
	}
	info := info
	s.ClientInfo = &info
	m.cond.Broadcast()
	return nil
}

func (m *Memory) TryGetClientInfo(ctx context.Context, sessionID string) (ClientInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return ClientInfo{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(sessionID)
	if s.ClientInfo == nil {
		return ClientInfo{}, false, nil
	}
	return *s.ClientInfo, true, nil
}

func (m *Memory) WaitForClientInfo(ctx context.Context, sessionID string) (ClientInfo, error) {
	delay := PollBackoffStart
	for {
		m.mu.Lock()
		s := m.getLocked(sessionID)
		if s.ClientInfo != nil {
			info := *s.ClientInfo
			m.mu.Unlock()
			return info, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ClientInfo{}, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * PollBackoffFactor)
		if delay > PollBackoffMax {
			delay = PollBackoffMax
		}
	}
}
