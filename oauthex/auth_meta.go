// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements Authorization Server Metadata.
// See https://www.rfc-editor.org/rfc/rfc8414.html.

//go:build mcp_go_client_oauth

package oauthex

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const defaultAuthServerMetadataURI = "/.well-known/oauth-authorization-server"

// AuthServerMeta is the JSON metadata document an authorization server
// exposes at /.well-known/oauth-authorization-server, per RFC 8414 section 2.
type AuthServerMeta struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// GetAuthServerMeta retrieves the authorization server metadata document for
// issuer, using the given client (or the default client if nil), and
// verifies that it requires PKCE with S256, per the MCP authorization
// spec's requirement that clients only talk to servers supporting it.
func GetAuthServerMeta(ctx context.Context, issuer string, c *http.Client) (_ *AuthServerMeta, err error) {
	u := strings.TrimRight(issuer, "/") + defaultAuthServerMetadataURI
	meta, err := getJSON[AuthServerMeta](ctx, c, u, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("GetAuthServerMeta(%q): %w", issuer, err)
	}
	if meta.Issuer != issuer {
		return nil, fmt.Errorf("GetAuthServerMeta(%q): metadata issuer %q does not match", issuer, meta.Issuer)
	}
	if !slices.Contains(meta.CodeChallengeMethodsSupported, "S256") {
		return nil, fmt.Errorf("GetAuthServerMeta(%q): authorization server does not support PKCE (S256)", issuer)
	}
	return meta, nil
}
