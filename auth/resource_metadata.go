// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"encoding/json"
	"net/http"

	"github.com/relaymcp/relay/oauthex"
)

// ProtectedResourceMetadataHandler returns an http.Handler that serves
// metadata at the well-known resource-server discovery path (RFC 9728
// section 3), letting a client that receives a 401 from [RequireBearerToken]
// find out which authorization servers and scopes this resource accepts.
func ProtectedResourceMetadataHandler(metadata *oauthex.ProtectedResourceMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(metadata); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
