// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package eventlog

import (
	"context"
	"sync"

	"github.com/segmentio/encoding/json"
)

// Memory is an in-process [Log], useful for tests and single-replica
// deployments. [staterun] ships the durable, Postgres-backed implementation
// of the same interface.
type Memory struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string]*memStream
}

type memStream struct {
	request  json.RawMessage
	messages []Message
	eventIDs map[string]bool
}

// NewMemory returns an empty Memory log.
func NewMemory() *Memory {
	m := &Memory{streams: make(map[string]*memStream)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Create(ctx context.Context, streamID string, request json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[streamID]; ok {
		return nil
	}
	m.streams[streamID] = &memStream{request: request, eventIDs: make(map[string]bool)}
	return nil
}

func (m *Memory) Put(ctx context.Context, streamID string, message json.RawMessage, eventID, relatedRequestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return ErrNoSuchStream
	}
	if eventID != "" && s.eventIDs[eventID] {
		return ErrDuplicateEventID
	}
	if eventID != "" {
		s.eventIDs[eventID] = true
	}
	s.messages = append(s.messages, Message{
		Message:          message,
		EventID:          eventID,
		RelatedRequestID: relatedRequestID,
	})
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Replay(ctx context.Context, streamID, afterEventID string, fn func(Message) error) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSuchStream
	}

	next := 0
	if afterEventID != "" {
		for i, msg := range s.messages {
			if msg.EventID == afterEventID {
				next = i + 1
				break
			}
		}
		// If afterEventID isn't found (e.g. it belongs to a replica that
		// never reached this one), replay from the start rather than
		// erroring: a subset of "never yields e or earlier" holds
		// vacuously, and dropping events would violate replay
		// monotonicity in the other direction.
	}

	// One watcher goroutine wakes every Wait() when ctx is canceled;
	// stopped via stopWatch before returning so it never outlives the call.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	for {
		for next < len(s.messages) {
			msg := s.messages[next]
			next++
			if msg.EventID == "" {
				continue
			}
			m.mu.Unlock()
			err := fn(msg)
			m.mu.Lock()
			if err != nil {
				m.mu.Unlock()
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			m.mu.Unlock()
			return err
		}
		// sync.Cond.Wait unlocks m.mu while parked and relocks before
		// returning.
		m.cond.Wait()
	}
}

func (m *Memory) Messages(ctx context.Context, streamID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrNoSuchStream
	}
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}
