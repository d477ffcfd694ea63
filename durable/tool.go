// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"

	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/mcp"
)

// ToolHandler is a tool handler registered through [AddTool]: alongside the
// plain context.Context it receives a durable [Context] in place of the
// engine's *mcp.ServerRequest, and cannot be mistaken for an engine handler,
// since the two types are distinct — the Go compiler itself rejects a
// handler still written against the non-durable request.
type ToolHandler[In, Out any] func(ctx context.Context, dc *Context, args In) (*mcp.CallToolResult, Out, error)

// AddTool registers a tool on server whose handler runs against a durable
// Context recovered from svc, the same servicer driving server's connection.
// Schema derivation is unaffected: it is inferred from In exactly as
// [mcp.AddTool] does it, since the durable context is not a parameter the
// engine's reflection ever sees.
func AddTool[In, Out any](server *mcp.Server, svc *servicer.Servicer, t *mcp.Tool, h ToolHandler[In, Out]) error {
	wrapped := func(ctx context.Context, req *mcp.ServerRequest[*mcp.CallToolParamsRaw], args In) (*mcp.CallToolResult, Out, error) {
		var zero Out
		dc, err := newContext(ctx, svc, req.Session, req.Params)
		if err != nil {
			return nil, zero, err
		}

		if !EffectValidationEnabled() {
			return h(ctx, dc, args)
		}

		pre, err := dc.executor.Snapshot(ctx)
		if err != nil {
			return nil, zero, err
		}
		result, out, err := h(ctx, dc, args)
		if err != nil {
			return result, out, err
		}
		verifyErr := dc.validateEffects(ctx, pre, func() error {
			_, _, rerunErr := h(ctx, dc, args)
			return rerunErr
		})
		if verifyErr != nil {
			return nil, zero, verifyErr
		}
		return result, out, nil
	}
	return mcp.AddTool(server, t, wrapped)
}
