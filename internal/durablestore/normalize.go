// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package durablestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeNumbers rewrites every JSON number in data that has no fractional
// part so it's encoded without one: "1.0" becomes "1". This compensates for
// JSON's equivalence of 1 and 1.0 after a round trip through an encoding
// that distinguishes integers from floats (protobuf, or a Go struct field
// typed int64) — without it, a message re-decoded from the log can fail
// strict validation against a schema that declared the field an integer.
//
// This uses the standard encoding/json decoder in UseNumber mode rather
// than the wire codec (segmentio/encoding/json), because the normalization
// depends on inspecting each number's original textual form before it's
// parsed into a Go float64 — exactly the token-preservation behavior
// json.Number exists for, and not a concern the wire codec's faster,
// allocation-light decoder is designed around.
func NormalizeNumbers(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("durablestore: decoding for number normalization: %w", err)
	}
	normalizeValue(v)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("durablestore: re-encoding after number normalization: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			if n, ok := e.(json.Number); ok {
				x[k] = normalizeNumber(n)
			} else {
				normalizeValue(e)
			}
		}
	case []any:
		for i, e := range x {
			if n, ok := e.(json.Number); ok {
				x[i] = normalizeNumber(n)
			} else {
				normalizeValue(e)
			}
		}
	}
}

// normalizeNumber returns n, a json.Number whose textual form encodes
// without a trailing ".0" when its value is integral, preserved as
// json.Number throughout so large integers don't lose precision by routing
// through float64.
func normalizeNumber(n json.Number) json.Number {
	s := string(n)
	if !strings.Contains(s, ".") && !strings.ContainsAny(s, "eE") {
		// Already a plain integer literal.
		return n
	}
	if _, err := n.Int64(); err == nil {
		// Defensive: Int64 parses base-10 integer text only, so a literal
		// with "." or an exponent ("1.0", "1e0") never gets here and is
		// handled by the float path below.
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.Trunc(f) != f || math.Abs(f) >= 1<<63 {
		return n
	}
	return json.Number(strconv.FormatInt(int64(f), 10))
}
