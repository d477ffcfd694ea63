// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryPutReplay(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	if err := log.Create(ctx, "s1", nil); err != nil {
		t.Fatal(err)
	}
	// Create is idempotent.
	if err := log.Create(ctx, "s1", nil); err != nil {
		t.Fatal(err)
	}

	if err := log.Put(ctx, "s1", []byte(`{"a":1}`), "e1", ""); err != nil {
		t.Fatal(err)
	}
	if err := log.Put(ctx, "s1", []byte(`{"a":2}`), "e2", ""); err != nil {
		t.Fatal(err)
	}

	var got []string
	cctx, cancel := context.WithCancel(ctx)
	err := log.Replay(cctx, "s1", "", func(m Message) error {
		got = append(got, m.EventID)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("Replay error = %v, want context.Canceled", err)
	}
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Fatalf("got %v, want [e1 e2]", got)
	}
}

func TestMemoryReplayAfter(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	log.Create(ctx, "s1", nil)
	log.Put(ctx, "s1", []byte(`{}`), "e1", "")
	log.Put(ctx, "s1", []byte(`{}`), "e2", "")
	log.Put(ctx, "s1", []byte(`{}`), "e3", "")

	cctx, cancel := context.WithCancel(ctx)
	var got []string
	err := log.Replay(cctx, "s1", "e1", func(m Message) error {
		got = append(got, m.EventID)
		if m.EventID == "e3" {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("Replay error = %v", err)
	}
	if len(got) != 2 || got[0] != "e2" || got[1] != "e3" {
		t.Fatalf("got %v, want [e2 e3]", got)
	}
}

func TestMemoryReplayReactive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	log := NewMemory()
	log.Create(ctx, "s1", nil)
	log.Put(ctx, "s1", []byte(`{}`), "e1", "")

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- log.Replay(ctx, "s1", "", func(m Message) error {
			mu.Lock()
			got = append(got, m.EventID)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			return nil
		})
	}()

	// Give the reader a moment to observe the backlog, then append a
	// second event while it's blocked in Wait.
	time.Sleep(20 * time.Millisecond)
	log.Put(context.Background(), "s1", []byte(`{}`), "e2", "")

	if err := <-done; err != context.Canceled {
		t.Fatalf("Replay error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Fatalf("got %v, want [e1 e2]", got)
	}
}

func TestMemoryDuplicateEventID(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	log.Create(ctx, "s1", nil)
	if err := log.Put(ctx, "s1", []byte(`{}`), "e1", ""); err != nil {
		t.Fatal(err)
	}
	if err := log.Put(ctx, "s1", []byte(`{}`), "e1", ""); err != ErrDuplicateEventID {
		t.Fatalf("got %v, want ErrDuplicateEventID", err)
	}
}

func TestMemoryNoSuchStream(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	if err := log.Put(ctx, "missing", []byte(`{}`), "e1", ""); err != ErrNoSuchStream {
		t.Fatalf("got %v, want ErrNoSuchStream", err)
	}
}

func TestMemoryMessagesIncludesNonEvents(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	log.Create(ctx, "s1", []byte(`{"method":"tools/call"}`))
	log.Put(ctx, "s1", []byte(`{"kind":"audit"}`), "", "")
	log.Put(ctx, "s1", []byte(`{"kind":"event"}`), "e1", "")

	msgs, err := log.Messages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].EventID != "" || msgs[1].EventID != "e1" {
		t.Fatalf("got %+v", msgs)
	}
}
