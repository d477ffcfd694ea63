// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// Meta holds the protocol's reserved "_meta" property, present on every
// Params and Result type. It is a map rather than a struct so that unknown
// keys survive a decode/encode round trip undisturbed.
type Meta map[string]any

// GetMeta returns the receiver, satisfying the metaGetter interface for
// types that embed Meta anonymously.
func (m Meta) GetMeta() Meta { return m }

// SetMeta replaces the receiver's contents, satisfying the metaSetter
// interface for types that embed *Meta anonymously.
func (m *Meta) SetMeta(v Meta) { *m = v }

// A Params is a parameter value for a JSON-RPC request or notification.
// All concrete Params types embed Meta and support progress tokens.
type Params interface {
	isParams()
	GetMeta() Meta
	GetProgressToken() any
	SetProgressToken(any)
}

// A Result is a result value for a JSON-RPC request.
type Result interface {
	isResult()
}

const progressTokenKey = "progressToken"

type metaGetter interface{ GetMeta() Meta }
type metaSetter interface{ SetMeta(Meta) }

func getProgressToken(p metaGetter) any {
	m := p.GetMeta()
	if m == nil {
		return nil
	}
	return m[progressTokenKey]
}

func setProgressToken(p any, t any) {
	ms, ok := p.(metaSetter)
	if !ok {
		return
	}
	var m Meta
	if mg, ok := p.(metaGetter); ok && mg.GetMeta() != nil {
		m = mg.GetMeta()
	} else {
		m = Meta{}
	}
	m[progressTokenKey] = t
	ms.SetMeta(m)
}

// Role distinguishes the originator of a piece of content: "user" or
// "assistant".
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IconTheme specifies the theme an icon is designed for.
type IconTheme string

const (
	IconThemeLight IconTheme = "light"
	IconThemeDark  IconTheme = "dark"
)

// Icon provides a visual identifier for a resource, tool, prompt, or
// implementation. Source may be an http(s) URL or a data URI.
type Icon struct {
	Source   string    `json:"src"`
	MIMEType string    `json:"mimeType,omitempty"`
	Sizes    []string  `json:"sizes,omitempty"`
	Theme    IconTheme `json:"theme,omitempty"`
}

// Annotations are optional hints a server attaches to content so a client
// can decide how to use or display it.
type Annotations struct {
	Audience     []Role  `json:"audience,omitempty"`
	LastModified string  `json:"lastModified,omitempty"`
	Priority     float64 `json:"priority,omitempty"`
}

// Implementation describes the name and version of an MCP client or server.
type Implementation struct {
	Name       string `json:"name"`
	Title      string `json:"title,omitempty"`
	Version    string `json:"version"`
	WebsiteURL string `json:"websiteUrl,omitempty"`
	Icons      []Icon `json:"icons,omitempty"`
}
