// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"
	"time"

	"github.com/relaymcp/relay/internal/workflow"
)

// AuditEntry records one durably-logged invocation: what ran, what it was
// given, what it returned, and whether it succeeded.
type AuditEntry struct {
	Name            string  `json:"name"`
	Inputs          any     `json:"inputs,omitempty"`
	Outputs         any     `json:"outputs,omitempty"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Audit runs fn inside a [workflow.AtLeastOnce] step named "audit: name" on
// dc's workflow executor. The step commits fn's result, so a handler
// re-entered after the step completed gets that result back without fn
// running again; a failed fn commits nothing and runs again on re-entry.
// name identifies the audited operation (typically the tool name).
//
// Each run of fn builds an [AuditEntry] (name, inputs, outputs, success,
// error, duration) and sends it to the client as a debug-level log message
// reading "audit: name", with ": error" appended on failure. The AuditEntry
// itself is not committed to any store; only fn's result is.
func Audit[T any](ctx context.Context, dc *Context, name string, inputs any, fn func(context.Context) (T, error)) (T, error) {
	return workflow.AtLeastOnce(ctx, dc.executor, "audit: "+name, func(ctx context.Context) (T, error) {
		start := time.Now()
		out, err := fn(ctx)
		entry := AuditEntry{
			Name:            name,
			Inputs:          inputs,
			Outputs:         out,
			Success:         err == nil,
			DurationSeconds: time.Since(start).Seconds(),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		_ = dc.logAuditEntry(entry)
		return out, err
	})
}

// logAuditEntry best-effort notifies the client of an audit entry at debug
// level; Audit ignores a failure to notify, so it never fails the audited
// call.
func (c *Context) logAuditEntry(entry AuditEntry) error {
	msg := "audit: " + entry.Name
	if !entry.Success {
		msg += ": " + entry.Error
	}
	return c.Debug(msg)
}
