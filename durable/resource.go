// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durable

import (
	"context"

	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/mcp"
)

// ResourceHandler is a resource handler registered through [AddResource];
// it receives the durable dc in addition to ctx and the engine's request.
type ResourceHandler func(ctx context.Context, dc *Context, req *mcp.ServerRequest[*mcp.ReadResourceParams]) (*mcp.ReadResourceResult, error)

// AddResource registers a resource on server whose handler runs against a
// durable Context recovered from svc.
func AddResource(server *mcp.Server, svc *servicer.Servicer, r *mcp.Resource, h ResourceHandler) {
	server.AddResource(r, wrapResourceHandler(svc, h))
}

// AddResourceTemplate registers a parameterized resource on server whose
// handler runs against a durable Context recovered from svc. A templated
// resource gets the same context-carrying handler signature a fixed-URI one
// does — there is no separate, context-free code path for the common case
// of a resource with no parameters to fall into.
func AddResourceTemplate(server *mcp.Server, svc *servicer.Servicer, rt *mcp.ResourceTemplate, h ResourceHandler) error {
	return server.AddResourceTemplate(rt, wrapResourceHandler(svc, h))
}

func wrapResourceHandler(svc *servicer.Servicer, h ResourceHandler) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ServerRequest[*mcp.ReadResourceParams]) (*mcp.ReadResourceResult, error) {
		dc, err := newContext(ctx, svc, req.Session, req.Params)
		if err != nil {
			return nil, err
		}
		return h(ctx, dc, req)
	}
}
