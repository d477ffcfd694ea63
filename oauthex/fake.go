// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build mcp_go_client_oauth

package oauthex

import (
	"encoding/json"
	"net/http"
)

// NewFakeMCPServerMux returns a handler that serves a minimal OAuth 2.1
// authorization server metadata document, advertising PKCE (S256) support,
// for use in tests that exercise [GetAuthServerMeta] against an in-process
// server.
func NewFakeMCPServerMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(defaultAuthServerMetadataURI, func(w http.ResponseWriter, r *http.Request) {
		issuer := "https://" + r.Host
		meta := &AuthServerMeta{
			Issuer:                        issuer,
			AuthorizationEndpoint:         issuer + "/authorize",
			TokenEndpoint:                 issuer + "/token",
			ResponseTypesSupported:        []string{"code"},
			GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
			CodeChallengeMethodsSupported: []string{"S256"},
			TokenEndpointAuthMethodsSupported: []string{
				"client_secret_basic",
				"none",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(meta)
	})
	return mux
}
