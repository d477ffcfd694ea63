// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"

	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/mcp"
)

// PromptHandler is a prompt handler registered through [AddPrompt]; it
// receives the durable dc in addition to ctx and the engine's request.
type PromptHandler func(ctx context.Context, dc *Context, req *mcp.ServerRequest[*mcp.GetPromptParams]) (*mcp.GetPromptResult, error)

// AddPrompt registers a prompt on server whose handler runs against a
// durable Context recovered from svc.
func AddPrompt(server *mcp.Server, svc *servicer.Servicer, p *mcp.Prompt, h PromptHandler) {
	server.AddPrompt(p, func(ctx context.Context, req *mcp.ServerRequest[*mcp.GetPromptParams]) (*mcp.GetPromptResult, error) {
		dc, err := newContext(ctx, svc, req.Session, req.Params)
		if err != nil {
			return nil, err
		}
		return h(ctx, dc, req)
	})
}
