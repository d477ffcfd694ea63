// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package oauthex implements pieces of the OAuth 2.0 / MCP authorization
// spec that sit outside the core protocol: resource and authorization
// server metadata documents, and the WWW-Authenticate challenge grammar
// clients use to discover them.
package oauthex

// ProtectedResourceMetadata is the JSON document a resource server exposes
// at /.well-known/oauth-protected-resource, per RFC 9728 section 2.
type ProtectedResourceMetadata struct {
	Resource                             string   `json:"resource"`
	AuthorizationServers                 []string `json:"authorization_servers,omitempty"`
	JWKSURI                               string   `json:"jwks_uri,omitempty"`
	ScopesSupported                       []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported                []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported     []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                         string   `json:"resource_name,omitempty"`
	ResourceDocumentation                string   `json:"resource_documentation,omitempty"`
	ResourcePolicyURI                    string   `json:"resource_policy_uri,omitempty"`
	ResourceTOSURI                       string   `json:"resource_tos_uri,omitempty"`
}
