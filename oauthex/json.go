// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build mcp_go_client_oauth

package oauthex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// getJSON issues a GET request to urlStr and decodes the JSON response body
// into a value of type T, reading at most maxBytes of the body.
func getJSON[T any](ctx context.Context, c *http.Client, urlStr string, maxBytes int64) (*T, error) {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %s", urlStr, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decoding JSON from %s: %w", urlStr, err)
	}
	return &v, nil
}

// checkURLScheme rejects URLs that aren't plain http(s), guarding against a
// javascript: or data: URL smuggled into a metadata document ending up
// followed or rendered by a client (see the MCP advisory #526 referenced by
// [GetProtectedResourceMetadata]).
func checkURLScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("URL %q has disallowed scheme %q", rawURL, u.Scheme)
	}
}
