// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package staterun

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/internal/workflow"
)

// Workflow is a PostgreSQL-backed implementation of [workflow.Store]. Its
// [Workflow.CAS] is the same `idempotently(key).op(...)` primitive the
// event log's Put leans on, here a single conditional UPDATE (falling back
// to an INSERT when the step has never been touched).
type Workflow struct {
	db *sql.DB
}

// NewWorkflow returns a Workflow store backed by db.
func NewWorkflow(db *sql.DB) *Workflow {
	return &Workflow{db: db}
}

var _ workflow.Store = (*Workflow)(nil)

func (w *Workflow) Get(ctx context.Context, sessionID, requestID, key string) (workflow.StepRecord, error) {
	var status string
	var result []byte
	err := w.db.QueryRowContext(ctx,
		`SELECT status, result FROM workflow_steps WHERE session_id = $1 AND request_id = $2 AND key = $3`,
		sessionID, requestID, key).Scan(&status, &result)
	if err == sql.ErrNoRows {
		return workflow.StepRecord{Status: workflow.NotStarted}, nil
	}
	if err != nil {
		return workflow.StepRecord{}, fmt.Errorf("staterun: reading step %s/%s/%s: %w", sessionID, requestID, key, err)
	}
	return workflow.StepRecord{Status: workflow.StepStatus(status), Result: json.RawMessage(result)}, nil
}

func (w *Workflow) CAS(ctx context.Context, sessionID, requestID, key string, from, to workflow.StepStatus, result json.RawMessage) (bool, error) {
	if from == workflow.NotStarted {
		// The row may not exist yet: insert it as `to` only if absent,
		// which is the not_started -> * transition's compare-and-set.
		res, err := w.db.ExecContext(ctx,
			`INSERT INTO workflow_steps (session_id, request_id, key, status, result)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, request_id, key) DO NOTHING`,
			sessionID, requestID, key, string(to), []byte(result))
		if err != nil {
			return false, fmt.Errorf("staterun: inserting step %s/%s/%s: %w", sessionID, requestID, key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}

	res, err := w.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = $4, result = $5
		 WHERE session_id = $1 AND request_id = $2 AND key = $3 AND status = $6`,
		sessionID, requestID, key, string(to), []byte(result), string(from))
	if err != nil {
		return false, fmt.Errorf("staterun: transitioning step %s/%s/%s: %w", sessionID, requestID, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *Workflow) Commit(ctx context.Context, sessionID, requestID, key string, status workflow.StepStatus, result json.RawMessage) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (session_id, request_id, key, status, result)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, request_id, key) DO UPDATE SET status = EXCLUDED.status, result = EXCLUDED.result`,
		sessionID, requestID, key, string(status), []byte(result))
	if err != nil {
		return fmt.Errorf("staterun: committing step %s/%s/%s: %w", sessionID, requestID, key, err)
	}
	return nil
}

func (w *Workflow) Snapshot(ctx context.Context, sessionID, requestID string) (map[string]workflow.StepRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT key, status, result FROM workflow_steps WHERE session_id = $1 AND request_id = $2`,
		sessionID, requestID)
	if err != nil {
		return nil, fmt.Errorf("staterun: snapshotting %s/%s: %w", sessionID, requestID, err)
	}
	defer rows.Close()

	out := make(map[string]workflow.StepRecord)
	for rows.Next() {
		var key, status string
		var result []byte
		if err := rows.Scan(&key, &status, &result); err != nil {
			return nil, err
		}
		out[key] = workflow.StepRecord{Status: workflow.StepStatus(status), Result: json.RawMessage(result)}
	}
	return out, rows.Err()
}

func (w *Workflow) Restore(ctx context.Context, sessionID, requestID string, records map[string]workflow.StepRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("staterun: restoring %s/%s: %w", sessionID, requestID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_steps WHERE session_id = $1 AND request_id = $2`, sessionID, requestID); err != nil {
		return fmt.Errorf("staterun: clearing steps for %s/%s: %w", sessionID, requestID, err)
	}
	for key, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (session_id, request_id, key, status, result) VALUES ($1, $2, $3, $4, $5)`,
			sessionID, requestID, key, string(rec.Status), []byte(rec.Result)); err != nil {
			return fmt.Errorf("staterun: restoring step %s for %s/%s: %w", key, sessionID, requestID, err)
		}
	}
	return tx.Commit()
}
