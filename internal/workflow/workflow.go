// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package workflow implements component C: the executor that runs a tool
// handler's labeled steps with at-least-once or at-most-once semantics,
// checkpointed through the state runtime so a replica crash mid-step is
// recoverable rather than silently re-executing a side effect.
package workflow

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// StepStatus is the durable state of one labeled step.
type StepStatus string

const (
	NotStarted StepStatus = "not_started"
	Started    StepStatus = "started"
	Completed  StepStatus = "completed"
	Failed     StepStatus = "failed"
)

// StepRecord is the durable checkpoint for one labeled step.
type StepRecord struct {
	Status StepStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Store is the durability primitive the executor checkpoints through: the
// same `idempotently(key).op(...)` compare-and-set mechanism the event log
// uses for writes, scoped to one (session, request)'s labeled steps.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the current record for key, or the zero value with
	// Status NotStarted if the key has never been touched.
	Get(ctx context.Context, sessionID, requestID, key string) (StepRecord, error)

	// CAS atomically transitions key from status `from` to `to`, storing
	// result. It returns ok=false without error if key's current status is
	// not `from` (another execution already moved it) — the caller must
	// re-Get and decide how to proceed.
	CAS(ctx context.Context, sessionID, requestID, key string, from, to StepStatus, result json.RawMessage) (ok bool, err error)

	// Commit unconditionally sets key's record, used by at_least_once
	// (which has no fencing requirement: it only matters that *a* result
	// was recorded, not which execution recorded it first).
	Commit(ctx context.Context, sessionID, requestID, key string, status StepStatus, result json.RawMessage) error

	// Snapshot returns every step record for (sessionID, requestID), keyed
	// by label. Used by effect-validation mode to save a restore point.
	Snapshot(ctx context.Context, sessionID, requestID string) (map[string]StepRecord, error)

	// Restore replaces every step record for (sessionID, requestID) with
	// records, used to rewind the executor between the original and
	// verification runs in effect-validation mode.
	Restore(ctx context.Context, sessionID, requestID string, records map[string]StepRecord) error
}

// AtMostOnceFailedBeforeCompleting is raised by [AtMostOnce] when a prior
// execution of the same labeled step failed non-retryably, or crashed after
// committing Started but before committing Completed. No side effect is
// re-attempted in either case: the step's outcome is permanently unknown or
// permanently failed, and the handler must surface that to its caller.
type AtMostOnceFailedBeforeCompleting struct {
	// Why is the step label that failed.
	Why string
	// Err is the underlying failure, if known (nil when the cause was an
	// unobserved crash rather than a recorded failure).
	Err error
}

func (e *AtMostOnceFailedBeforeCompleting) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed before completing: %v", e.Why, e.Err)
	}
	return fmt.Sprintf("step %q failed before completing (no result recorded)", e.Why)
}

func (e *AtMostOnceFailedBeforeCompleting) Unwrap() error { return e.Err }

// Executor runs a single handler invocation's labeled steps, bound to the
// (session, request) pair whose checkpoints it reads and writes.
type Executor struct {
	store     Store
	sessionID string
	requestID string
}

// New returns an Executor bound to (sessionID, requestID), checkpointing
// through store.
func New(store Store, sessionID, requestID string) *Executor {
	return &Executor{store: store, sessionID: sessionID, requestID: requestID}
}

// AtLeastOnce runs fn, labeled why, unless a prior execution of this step
// (within the same request, across any number of handler retries) already
// completed — in which case it returns the previously recorded value
// without invoking fn. fn's body must therefore be safe to re-run: it is
// typically a sequence of idempotent writes. An error from fn is returned
// unmodified and nothing is committed, so a handler retry re-enters fn.
func AtLeastOnce[T any](ctx context.Context, e *Executor, why string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	rec, err := e.store.Get(ctx, e.sessionID, e.requestID, why)
	if err != nil {
		return zero, err
	}
	if rec.Status == Completed {
		var v T
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			return zero, fmt.Errorf("workflow: decoding completed result of %q: %w", why, err)
		}
		return v, nil
	}
	// Mark the step Started before running fn, purely so Attempted can
	// distinguish a genuine resume from a first-ever entry; unlike
	// AtMostOnce this is not a fence; a crash here still lets a later entry
	// re-run fn.
	if err := e.store.Commit(ctx, e.sessionID, e.requestID, why, Started, nil); err != nil {
		return zero, err
	}

	v, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("workflow: encoding result of %q: %w", why, err)
	}
	if err := e.store.Commit(ctx, e.sessionID, e.requestID, why, Completed, data); err != nil {
		return zero, err
	}
	return v, nil
}

// AtMostOnce runs fn, labeled why, transitioning the step not_started →
// started (commit fence 1) before calling fn, and started → completed
// (commit fence 2) after fn succeeds. retryable reports whether an error fn
// returned should roll the step back to not_started for a later retry to
// re-enter; any other error, and any crash observed between fence 1 and
// fence 2, permanently fails the step (see
// [AtMostOnceFailedBeforeCompleting]).
func AtMostOnce[T any](ctx context.Context, e *Executor, why string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	rec, err := e.store.Get(ctx, e.sessionID, e.requestID, why)
	if err != nil {
		return zero, err
	}

	switch rec.Status {
	case Completed:
		var v T
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			return zero, fmt.Errorf("workflow: decoding completed result of %q: %w", why, err)
		}
		return v, nil
	case Failed:
		return zero, &AtMostOnceFailedBeforeCompleting{Why: why}
	case Started:
		// A previous execution committed fence 1 but never reached fence 2
		// (crash, or is concurrently running — this executor only ever
		// serves one live execution per request, so Started here means a
		// prior life died mid-step).
		return zero, &AtMostOnceFailedBeforeCompleting{Why: why}
	}

	ok, err := e.store.CAS(ctx, e.sessionID, e.requestID, why, NotStarted, Started, nil)
	if err != nil {
		return zero, err
	}
	if !ok {
		// Lost a race with another execution; re-evaluate its outcome.
		return AtMostOnce(ctx, e, why, retryable, fn)
	}

	v, ferr := fn(ctx)
	if ferr == nil {
		data, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("workflow: encoding result of %q: %w", why, err)
		}
		if _, err := e.store.CAS(ctx, e.sessionID, e.requestID, why, Started, Completed, data); err != nil {
			return zero, err
		}
		return v, nil
	}

	if retryable != nil && retryable(ferr) {
		if _, err := e.store.CAS(ctx, e.sessionID, e.requestID, why, Started, NotStarted, nil); err != nil {
			return zero, err
		}
		return zero, ferr
	}
	if _, err := e.store.CAS(ctx, e.sessionID, e.requestID, why, Started, Failed, nil); err != nil {
		return zero, err
	}
	return zero, ferr
}

// Loop disambiguates labeled steps inside a handler's server-side loop: each
// call to Next returns a distinct label derived from the loop's base why,
// so that at_least_once/at_most_once steps inside different iterations
// don't collide.
type Loop struct {
	why string
	n   int
}

// WithinLoop starts a new iteration counter for a loop labeled why.
func (e *Executor) WithinLoop(why string) *Loop {
	return &Loop{why: why}
}

// Next advances the loop's iteration counter and returns the disambiguated
// label to use for this iteration's steps.
func (l *Loop) Next() string {
	l.n++
	return fmt.Sprintf("%s #%d", l.why, l.n)
}

// Attempted reports whether a step labeled why has ever been started by a
// previous life of this request, as opposed to never having run at all. A
// handler can use this to change its behavior on resumption after a crash —
// for example, rewording a user-facing elicitation prompt to say the
// conversation was interrupted.
func (e *Executor) Attempted(ctx context.Context, why string) (bool, error) {
	rec, err := e.store.Get(ctx, e.sessionID, e.requestID, why)
	if err != nil {
		return false, err
	}
	return rec.Status != NotStarted, nil
}

// Snapshot returns the executor's current step records: the mapping from
// step label to status and result. Used by effect-validation mode to save
// a restore point before re-running a handler to detect nondeterminism.
func (e *Executor) Snapshot(ctx context.Context) (map[string]StepRecord, error) {
	return e.store.Snapshot(ctx, e.sessionID, e.requestID)
}

// Restore replaces the executor's step records with a previously captured
// Snapshot, rewinding it so a handler can be safely re-run.
func (e *Executor) Restore(ctx context.Context, records map[string]StepRecord) error {
	return e.store.Restore(ctx, e.sessionID, e.requestID, records)
}

type executorContextKey struct{}

// NewContext returns a copy of ctx carrying e, so that a handler invoked
// further down the call chain can recover its executor via [FromContext].
// The session servicer sets this before dispatching a request into the
// embedded engine.
func NewContext(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, executorContextKey{}, e)
}

// FromContext returns the Executor stored in ctx by [NewContext], if any.
func FromContext(ctx context.Context) (*Executor, bool) {
	e, ok := ctx.Value(executorContextKey{}).(*Executor)
	return e, ok
}
