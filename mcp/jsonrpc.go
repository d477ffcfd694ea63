// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
)

// A JSONRPCMessage is one of [*JSONRPCRequest], [*JSONRPCNotification],
// [*JSONRPCResponse], or [*JSONRPCError].
type JSONRPCMessage interface {
	isJSONRPCMessage()
}

// A JSONRPCID is a JSON-RPC request id: either a string or an integer.
// The zero value is not a valid id; use [JSONRPCID.IsValid] to check.
type JSONRPCID struct {
	s       string
	n       int64
	isStr   bool
	isValid bool
}

// String returns the canonical string form of the id, used to key internal
// maps so that the wire's string/integer ambiguity for the same logical
// request never demultiplexes into two entries.
func (id JSONRPCID) String() string {
	if !id.isValid {
		return ""
	}
	if id.isStr {
		return id.s
	}
	return strconv.FormatInt(id.n, 10)
}

// IsValid reports whether id was ever set.
func (id JSONRPCID) IsValid() bool { return id.isValid }

// StringID returns a string-valued request id.
func StringID(s string) JSONRPCID { return JSONRPCID{s: s, isStr: true, isValid: true} }

// IntID returns an integer-valued request id.
func IntID(n int64) JSONRPCID { return JSONRPCID{n: n, isValid: true} }

func (id JSONRPCID) MarshalJSON() ([]byte, error) {
	if !id.isValid {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.s)
	}
	return json.Marshal(id.n)
}

func (id *JSONRPCID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = StringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = IntID(n)
		return nil
	}
	return fmt.Errorf("invalid JSON-RPC id: %s", data)
}

const jsonrpcVersion = "2.0"

// A JSONRPCRequest is a JSON-RPC request, expecting a response.
type JSONRPCRequest struct {
	ID     JSONRPCID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*JSONRPCRequest) isJSONRPCMessage() {}

// A JSONRPCNotification is a JSON-RPC notification, expecting no response.
type JSONRPCNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*JSONRPCNotification) isJSONRPCMessage() {}

// A JSONRPCResponse is a successful JSON-RPC response.
type JSONRPCResponse struct {
	ID     JSONRPCID       `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (*JSONRPCResponse) isJSONRPCMessage() {}

// A JSONRPCError is a JSON-RPC error response.
type JSONRPCError struct {
	ID    JSONRPCID          `json:"id"`
	Error *JSONRPCErrorValue `json:"error"`
}

func (*JSONRPCError) isJSONRPCMessage() {}

// A JSONRPCErrorValue is the "error" member of a [JSONRPCError].
type JSONRPCErrorValue struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCErrorValue) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// wireEnvelope is used to sniff the shape of an incoming message before
// dispatching to the concrete type, and to marshal outgoing messages with
// the "jsonrpc":"2.0" tag every implementation on the wire expects.
type wireEnvelope struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      *JSONRPCID         `json:"id,omitempty"`
	Method  string             `json:"method,omitempty"`
	Params  json.RawMessage    `json:"params,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *JSONRPCErrorValue `json:"error,omitempty"`
}

// EncodeMessage marshals a JSONRPCMessage to its wire form.
//
// Messages are persisted with the same codec used on the wire
// (github.com/segmentio/encoding/json), so a message read back from the
// durable event log round-trips byte-for-byte through the same decoder that
// validates it (see the number-normalization step in
// durablestore.NormalizeNumbers).
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	env := wireEnvelope{JSONRPC: jsonrpcVersion}
	switch m := msg.(type) {
	case *JSONRPCRequest:
		env.ID = &m.ID
		env.Method = m.Method
		env.Params = m.Params
	case *JSONRPCNotification:
		env.Method = m.Method
		env.Params = m.Params
	case *JSONRPCResponse:
		env.ID = &m.ID
		env.Result = m.Result
	case *JSONRPCError:
		env.ID = &m.ID
		env.Error = m.Error
	default:
		return nil, fmt.Errorf("mcp: unknown message type %T", msg)
	}
	return json.Marshal(env)
}

// DecodeMessage unmarshals data into the concrete JSONRPCMessage it
// represents, dispatching on the presence of "id"/"method"/"error".
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding JSON-RPC message: %w", err)
	}
	switch {
	case env.Error != nil:
		return &JSONRPCError{ID: *env.ID, Error: env.Error}, nil
	case env.ID != nil && env.Method == "":
		return &JSONRPCResponse{ID: *env.ID, Result: env.Result}, nil
	case env.ID != nil:
		return &JSONRPCRequest{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	default:
		return &JSONRPCNotification{Method: env.Method, Params: env.Params}, nil
	}
}

// readBatch decodes either a single JSON-RPC message or a JSON array of
// messages (a "batch"), as accepted by the streamable HTTP POST body.
func readBatch(data []byte) ([]JSONRPCMessage, bool, error) {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, false, err
		}
		msgs := make([]JSONRPCMessage, len(raws))
		for i, r := range raws {
			m, err := DecodeMessage(r)
			if err != nil {
				return nil, false, err
			}
			msgs[i] = m
		}
		return msgs, true, nil
	}
	m, err := DecodeMessage(trimmed)
	if err != nil {
		return nil, false, err
	}
	return []JSONRPCMessage{m}, false, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
