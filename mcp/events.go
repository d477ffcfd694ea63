// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

// event is a server-sent event: a named, identified chunk of data written to
// a streaming HTTP response.
type event struct {
	name string
	id   string
	data []byte
}

// Event is the exported form of a server-sent event, for callers outside
// this package (component I's client) that need to read a text/event-stream
// response without re-implementing the wire parsing.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// ScanEvents parses a text/event-stream body, yielding one [Event] per
// record. The final yielded error is io.EOF on a graceful close.
func ScanEvents(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for evt, err := range scanEvents(r) {
			if !yield(Event{Name: evt.name, ID: evt.id, Data: evt.data}, err) {
				return
			}
		}
	}
}

// writeEvent writes evt to w in the text/event-stream wire format and flushes
// the response, returning the number of bytes written.
func writeEvent(w http.ResponseWriter, evt event) (int, error) {
	var b strings.Builder
	if evt.id != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.id)
	}
	if evt.name != "" {
		fmt.Fprintf(&b, "event: %s\n", evt.name)
	}
	for _, line := range strings.Split(string(evt.data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	n, err := io.WriteString(w, b.String())
	if err != nil {
		return n, err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

// scanEvents parses a text/event-stream body, yielding one event per
// record. The final yielded error is io.EOF on a graceful close.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	return func(yield func(event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		var evt event
		var data strings.Builder
		haveData := false

		flush := func() bool {
			if !haveData {
				return true
			}
			evt.data = []byte(data.String())
			ok := yield(evt, nil)
			evt = event{}
			data.Reset()
			haveData = false
			return ok
		}

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				evt.id = value
			case "event":
				evt.name = value
			case "data":
				if haveData {
					data.WriteString("\n")
				}
				data.WriteString(value)
				haveData = true
			default:
				// ignore comments and unknown fields
			}
		}
		if err := scanner.Err(); err != nil {
			yield(event{}, err)
			return
		}
		if !flush() {
			return
		}
		yield(event{}, io.EOF)
	}
}
