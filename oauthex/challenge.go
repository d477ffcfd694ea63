// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build mcp_go_client_oauth

package oauthex

import (
	"fmt"
	"strings"
)

// challenge is one scheme of a parsed WWW-Authenticate header, per RFC 7235
// section 2.1 and RFC 6750 section 3.
type challenge struct {
	Scheme string
	Params map[string]string
}

// ParseWWWAuthenticate parses the values of one or more WWW-Authenticate
// headers into their component challenges. Each header value may itself
// contain multiple comma-separated challenges.
func ParseWWWAuthenticate(headers []string) ([]challenge, error) {
	var cs []challenge
	for _, h := range headers {
		parsed, err := parseChallenges(h)
		if err != nil {
			return nil, fmt.Errorf("parsing WWW-Authenticate header %q: %w", h, err)
		}
		cs = append(cs, parsed...)
	}
	return cs, nil
}

// parseChallenges splits a single header value into its challenges. Each
// challenge begins with an auth-scheme token followed by comma-separated
// auth-param pairs of the form key=value, where value may be a quoted
// string.
func parseChallenges(h string) ([]challenge, error) {
	var cs []challenge
	rest := strings.TrimSpace(h)
	for rest != "" {
		scheme, after, ok := cutToken(rest)
		if !ok {
			return nil, fmt.Errorf("expected auth-scheme at %q", rest)
		}
		c := challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
		rest = strings.TrimSpace(after)
		for rest != "" {
			key, after, ok := cutToken(rest)
			if !ok || !strings.HasPrefix(after, "=") {
				// Not a param; this token starts the next challenge.
				break
			}
			after = after[1:] // drop '='
			var val string
			val, after = cutValue(after)
			c.Params[strings.ToLower(key)] = val
			after = strings.TrimSpace(after)
			if strings.HasPrefix(after, ",") {
				after = strings.TrimSpace(after[1:])
			} else {
				break
			}
			rest = after
		}
		cs = append(cs, c)
		rest = strings.TrimSpace(rest)
	}
	return cs, nil
}

// cutToken extracts a leading RFC 7230 token (letters, digits, and the usual
// punctuation) from s, returning it and the remainder.
func cutToken(s string) (tok, rest string, ok bool) {
	i := 0
	for i < len(s) && isTokenChar(s[i]) {
		i++
	}
	if i == 0 {
		return "", s, false
	}
	return s[:i], s[i:], true
}

func isTokenChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case strings.IndexByte("!#$%&'*+-.^_`|~", b) >= 0:
		return true
	default:
		return false
	}
}

// cutValue extracts a quoted-string or token value from the start of s,
// returning the unquoted value and the remainder.
func cutValue(s string) (val, rest string) {
	if strings.HasPrefix(s, `"`) {
		for i := 1; i < len(s); i++ {
			if s[i] == '\\' && i+1 < len(s) {
				i++
				continue
			}
			if s[i] == '"' {
				return s[1:i], s[i+1:]
			}
		}
		return s[1:], ""
	}
	tok, after, _ := cutToken(s)
	return tok, after
}
