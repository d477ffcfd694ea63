// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestAtLeastOnceRunsOnceThenReplaysValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	calls := 0

	run := func() (int, error) {
		e := New(store, "s1", "r1")
		return AtLeastOnce(ctx, e, "increment", func(context.Context) (int, error) {
			calls++
			return 8, nil
		})
	}

	v1, err := run()
	if err != nil || v1 != 8 {
		t.Fatalf("first run: %v, %v", v1, err)
	}
	v2, err := run()
	if err != nil || v2 != 8 {
		t.Fatalf("second run: %v, %v", v2, err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestAtLeastOnceDoesNotCommitOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	failing := true

	run := func() (int, error) {
		e := New(store, "s1", "r1")
		return AtLeastOnce(ctx, e, "step", func(context.Context) (int, error) {
			if failing {
				return 0, errors.New("boom")
			}
			return 42, nil
		})
	}

	if _, err := run(); err == nil {
		t.Fatal("expected error on first run")
	}
	failing = false
	v, err := run()
	if err != nil || v != 42 {
		t.Fatalf("retry: %v, %v", v, err)
	}
}

func TestAtLeastOnceMarksStartedBeforeRunning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := New(store, "s1", "r1")

	attempted, err := e.Attempted(ctx, "step")
	if err != nil {
		t.Fatal(err)
	}
	if attempted {
		t.Fatal("expected Attempted to be false before the step ever ran")
	}

	var sawStarted bool
	_, err = AtLeastOnce(ctx, e, "step", func(context.Context) (int, error) {
		rec, err := store.Get(ctx, "s1", "r1", "step")
		if err != nil {
			t.Fatal(err)
		}
		sawStarted = rec.Status == Started
		return 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sawStarted {
		t.Fatal("expected the step to be marked Started before fn ran")
	}

	attempted, err = e.Attempted(ctx, "step")
	if err != nil {
		t.Fatal(err)
	}
	if !attempted {
		t.Fatal("expected Attempted to be true once the step has run")
	}
}

func TestAtMostOnceRunsOnceThenReplaysValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	calls := 0

	run := func() (int, error) {
		e := New(store, "s1", "r1")
		return AtMostOnce(ctx, e, "charge", nil, func(context.Context) (int, error) {
			calls++
			return 1, nil
		})
	}

	v1, err := run()
	if err != nil || v1 != 1 {
		t.Fatalf("first run: %v, %v", v1, err)
	}
	v2, err := run()
	if err != nil || v2 != 1 {
		t.Fatalf("second run: %v, %v", v2, err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestAtMostOnceRetryableRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	attempts := 0
	isRetryable := func(err error) bool { return errors.Is(err, errRetryable) }

	run := func() (int, error) {
		e := New(store, "s1", "r1")
		return AtMostOnce(ctx, e, "charge", isRetryable, func(context.Context) (int, error) {
			attempts++
			if attempts < 3 {
				return 0, errRetryable
			}
			return 7, nil
		})
	}

	for i := 0; i < 2; i++ {
		if _, err := run(); !errors.Is(err, errRetryable) {
			t.Fatalf("attempt %d: got %v, want errRetryable", i, err)
		}
	}
	v, err := run()
	if err != nil || v != 7 {
		t.Fatalf("final attempt: %v, %v", v, err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

var errRetryable = errors.New("retryable")

func TestAtMostOnceCrashMidStepFailsPermanently(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Simulate a crash between fence 1 and fence 2: commit Started and
	// never reach Completed.
	if _, err := store.CAS(ctx, "s1", "r1", "charge", NotStarted, Started, nil); err != nil {
		t.Fatal(err)
	}

	e := New(store, "s1", "r1")
	_, err := AtMostOnce(ctx, e, "charge", nil, func(context.Context) (int, error) {
		t.Fatal("fn must not be invoked after a crash mid-step")
		return 0, nil
	})
	var target *AtMostOnceFailedBeforeCompleting
	if !errors.As(err, &target) {
		t.Fatalf("got %v, want *AtMostOnceFailedBeforeCompleting", err)
	}
}

func TestAtMostOnceNonRetryableFailsPermanently(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := New(store, "s1", "r1")

	boom := errors.New("unrecoverable")
	_, err := AtMostOnce(ctx, e, "charge", func(error) bool { return false }, func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}

	_, err = AtMostOnce(ctx, e, "charge", nil, func(context.Context) (int, error) {
		t.Fatal("fn must not be invoked once permanently failed")
		return 0, nil
	})
	var target *AtMostOnceFailedBeforeCompleting
	if !errors.As(err, &target) {
		t.Fatalf("got %v, want *AtMostOnceFailedBeforeCompleting", err)
	}
}

func TestWithinLoopDisambiguatesLabels(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := New(store, "s1", "r1")
	loop := e.WithinLoop("page")

	calls := 0
	for i := 0; i < 3; i++ {
		label := loop.Next()
		if _, err := AtLeastOnce(ctx, e, label, func(context.Context) (int, error) {
			calls++
			return i, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (one per distinct loop label)", calls)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := New(store, "s1", "r1")

	if _, err := AtLeastOnce(ctx, e, "a", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := AtLeastOnce(ctx, e, "b", func(context.Context) (int, error) { return 2, nil }); err != nil {
		t.Fatal(err)
	}

	if err := e.Restore(ctx, snap); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Get(ctx, "s1", "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != NotStarted {
		t.Fatalf("after restore, step %q status = %v, want NotStarted", "b", rec.Status)
	}
}
