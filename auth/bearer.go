// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// ErrInvalidToken indicates that a bearer token was rejected outright: it was
// malformed, unknown, or revoked.
var ErrInvalidToken = errors.New("invalid token")

// ErrOAuth indicates that the authorization server itself returned an error
// while the verifier was validating the token (for example, a malformed
// introspection response).
var ErrOAuth = errors.New("oauth error")

// TokenInfo describes a verified bearer token.
type TokenInfo struct {
	// Scopes are the OAuth scopes granted to the token.
	Scopes []string
	// Expiration is when the token stops being valid. The zero value is
	// treated as "never verified an expiration", which RequireBearerToken
	// rejects: every token this runtime accepts must carry one.
	Expiration time.Time
	// UserID identifies the subject the token was issued to, if known.
	UserID string
}

// A TokenVerifier validates a bearer token extracted from an incoming
// request, returning the information encoded in it.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configures [RequireBearerToken].
type RequireBearerTokenOptions struct {
	// Scopes lists the OAuth scopes a token must carry, all of them, to pass
	// the middleware.
	Scopes []string
	// ResourceMetadataURL is advertised in the WWW-Authenticate header of
	// rejected requests, per RFC 9728, so that clients can discover how to
	// obtain a usable token.
	ResourceMetadataURL string
}

type tokenInfoContextKey struct{}

// TokenInfoFromContext returns the TokenInfo that [RequireBearerToken]
// attached to ctx, if any.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	ti, ok := ctx.Value(tokenInfoContextKey{}).(*TokenInfo)
	return ti, ok
}

// RequireBearerToken returns HTTP middleware that verifies every incoming
// request carries a valid bearer token with the configured scopes, per the
// MCP authorization spec's resource-server requirements. Requests that fail
// verification get the error status verify chose (401 or 403 for a missing,
// invalid or under-scoped token; 400 or 500 for other failures), plus a
// WWW-Authenticate header pointing at opts.ResourceMetadataURL when that is
// set, and never the client's original token:
// this runtime never passes a client-presented token through to another
// service (see the security best practices' token-passthrough guidance).
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, msg, code := verify(r, verifier, opts)
			if code != 0 {
				if opts != nil && opts.ResourceMetadataURL != "" {
					w.Header().Set("WWW-Authenticate", "Bearer resource_metadata="+opts.ResourceMetadataURL)
				}
				http.Error(w, msg, code)
				return
			}
			ctx := context.WithValue(r.Context(), tokenInfoContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verify extracts and validates the bearer token on r, returning the
// resulting TokenInfo and an empty message/zero code on success, or an error
// message and HTTP status code on failure.
func verify(r *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, "no bearer token", http.StatusUnauthorized
	}

	info, err := verifier(r.Context(), token, r)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidToken):
			return nil, "invalid token", http.StatusUnauthorized
		case errors.Is(err, ErrOAuth):
			return nil, "oauth error", http.StatusBadRequest
		default:
			return nil, fmt.Sprintf("token verification failed: %v", err), http.StatusInternalServerError
		}
	}

	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if info.Expiration.Before(time.Now()) {
		return nil, "token expired", http.StatusUnauthorized
	}

	if opts != nil {
		for _, s := range opts.Scopes {
			if !slices.Contains(info.Scopes, s) {
				return nil, "insufficient scope", http.StatusForbidden
			}
		}
	}

	return info, "", 0
}

// bearerToken extracts the token from a request's Authorization header,
// accepting any casing of the "Bearer" scheme per RFC 6750.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
