// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// Protocol types for the durable runtime's embedded MCP engine, scoped to the
// methods that runtime durability actually exercises: initialize, tools,
// resources, prompts, logging, progress, cancellation, elicitation and
// roots/resource/prompt/tool list-changed notifications. Sampling,
// completion and the roots/list request are out of scope: this module never
// acts as the model-calling side of a session.

import (
	"encoding/json"
	"maps"

	"github.com/google/jsonschema-go/jsonschema"
)

// CallToolParams is used by clients to call a tool.
type CallToolParams struct {
	Meta      `json:"_meta,omitempty"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// CallToolParamsRaw is passed to tool handlers on the server. Arguments are
// not yet unmarshaled, so handlers can validate them against a tool schema
// before assigning into a typed value.
type CallToolParamsRaw struct {
	Meta      `json:"_meta,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the server's response to a tool call.
type CallToolResult struct {
	Meta              `json:"_meta,omitempty"`
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`

	// err is the error passed to SetError, visible only on the server.
	err error
}

// SetError sets the error for the tool result, populating Content with the
// error text and setting IsError.
func (r *CallToolResult) SetError(err error) {
	r.Content = []Content{&TextContent{Text: err.Error()}}
	r.IsError = true
	r.err = err
}

// GetError returns the error set with SetError, or nil.
func (r *CallToolResult) GetError() error { return r.err }

func (*CallToolResult) isResult() {}

// UnmarshalJSON handles unmarshalling content into the Content interface.
func (x *CallToolResult) UnmarshalJSON(data []byte) error {
	type res CallToolResult
	var wire struct {
		res
		Content []*wireContent `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var err error
	if wire.res.Content, err = contentsFromWire(wire.Content, nil); err != nil {
		return err
	}
	*x = CallToolResult(wire.res)
	return nil
}

func (x *CallToolParams) isParams()              {}
func (x *CallToolParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *CallToolParams) SetProgressToken(t any) { setProgressToken(x, t) }

func (x *CallToolParamsRaw) isParams()              {}
func (x *CallToolParamsRaw) GetProgressToken() any  { return getProgressToken(x) }
func (x *CallToolParamsRaw) SetProgressToken(t any) { setProgressToken(x, t) }

// CancelledParams notifies that a previously issued request should be
// abandoned.
type CancelledParams struct {
	Meta      `json:"_meta,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID any    `json:"requestId"`
}

func (x *CancelledParams) isParams()              {}
func (x *CancelledParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *CancelledParams) SetProgressToken(t any) { setProgressToken(x, t) }

// RootCapabilities describes a client's support for roots.
type RootCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ElicitationCapabilities describes a client's support for elicitation.
// If neither Form nor URL is set, Form is assumed.
type ElicitationCapabilities struct {
	Form *FormElicitationCapabilities `json:"form,omitempty"`
	URL  *URLElicitationCapabilities  `json:"url,omitempty"`
}

type FormElicitationCapabilities struct{}
type URLElicitationCapabilities struct{}

// ClientCapabilities describes the capabilities a client supports.
type ClientCapabilities struct {
	Experimental map[string]any           `json:"experimental,omitempty"`
	Roots        *RootCapabilities        `json:"roots,omitempty"`
	Elicitation  *ElicitationCapabilities `json:"elicitation,omitempty"`
}

func (c *ClientCapabilities) clone() *ClientCapabilities {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Experimental = maps.Clone(c.Experimental)
	cp.Roots = shallowClone(c.Roots)
	if c.Elicitation != nil {
		e := *c.Elicitation
		e.Form = shallowClone(c.Elicitation.Form)
		e.URL = shallowClone(c.Elicitation.URL)
		cp.Elicitation = &e
	}
	return &cp
}

func shallowClone[T any](x *T) *T {
	if x == nil {
		return nil
	}
	cp := *x
	return &cp
}

type GetPromptParams struct {
	Meta      `json:"_meta,omitempty"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Name      string            `json:"name"`
}

func (x *GetPromptParams) isParams()              {}
func (x *GetPromptParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *GetPromptParams) SetProgressToken(t any) { setProgressToken(x, t) }

// GetPromptResult is the server's response to a prompts/get request.
type GetPromptResult struct {
	Meta        `json:"_meta,omitempty"`
	Description string           `json:"description,omitempty"`
	Messages    []*PromptMessage `json:"messages"`
}

func (*GetPromptResult) isResult() {}

// InitializeParams is sent by the client to initialize the session.
type InitializeParams struct {
	Meta            `json:"_meta,omitempty"`
	Capabilities    *ClientCapabilities `json:"capabilities"`
	ClientInfo      *Implementation     `json:"clientInfo"`
	ProtocolVersion string              `json:"protocolVersion"`
}

func (x *InitializeParams) isParams()              {}
func (x *InitializeParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *InitializeParams) SetProgressToken(t any) { setProgressToken(x, t) }

// InitializeResult is the server's response to an initialize request.
type InitializeResult struct {
	Meta            `json:"_meta,omitempty"`
	Capabilities    *ServerCapabilities `json:"capabilities"`
	Instructions    string              `json:"instructions,omitempty"`
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      *Implementation     `json:"serverInfo"`
}

func (*InitializeResult) isResult() {}

type InitializedParams struct {
	Meta `json:"_meta,omitempty"`
}

func (x *InitializedParams) isParams()              {}
func (x *InitializedParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *InitializedParams) SetProgressToken(t any) { setProgressToken(x, t) }

type ListPromptsParams struct {
	Meta   `json:"_meta,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListPromptsParams) isParams()              {}
func (x *ListPromptsParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ListPromptsParams) SetProgressToken(t any) { setProgressToken(x, t) }
func (x *ListPromptsParams) cursorPtr() *string     { return &x.Cursor }

type ListPromptsResult struct {
	Meta       `json:"_meta,omitempty"`
	NextCursor string    `json:"nextCursor,omitempty"`
	Prompts    []*Prompt `json:"prompts"`
}

func (x *ListPromptsResult) isResult()              {}
func (x *ListPromptsResult) nextCursorPtr() *string { return &x.NextCursor }

type ListResourceTemplatesParams struct {
	Meta   `json:"_meta,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListResourceTemplatesParams) isParams()              {}
func (x *ListResourceTemplatesParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ListResourceTemplatesParams) SetProgressToken(t any) { setProgressToken(x, t) }
func (x *ListResourceTemplatesParams) cursorPtr() *string     { return &x.Cursor }

type ListResourceTemplatesResult struct {
	Meta              `json:"_meta,omitempty"`
	NextCursor        string              `json:"nextCursor,omitempty"`
	ResourceTemplates []*ResourceTemplate `json:"resourceTemplates"`
}

func (x *ListResourceTemplatesResult) isResult()              {}
func (x *ListResourceTemplatesResult) nextCursorPtr() *string { return &x.NextCursor }

type ListResourcesParams struct {
	Meta   `json:"_meta,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListResourcesParams) isParams()              {}
func (x *ListResourcesParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ListResourcesParams) SetProgressToken(t any) { setProgressToken(x, t) }
func (x *ListResourcesParams) cursorPtr() *string     { return &x.Cursor }

type ListResourcesResult struct {
	Meta       `json:"_meta,omitempty"`
	NextCursor string      `json:"nextCursor,omitempty"`
	Resources  []*Resource `json:"resources"`
}

func (x *ListResourcesResult) isResult()              {}
func (x *ListResourcesResult) nextCursorPtr() *string { return &x.NextCursor }

type ListToolsParams struct {
	Meta   `json:"_meta,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

func (x *ListToolsParams) isParams()              {}
func (x *ListToolsParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ListToolsParams) SetProgressToken(t any) { setProgressToken(x, t) }
func (x *ListToolsParams) cursorPtr() *string     { return &x.Cursor }

type ListToolsResult struct {
	Meta       `json:"_meta,omitempty"`
	NextCursor string  `json:"nextCursor,omitempty"`
	Tools      []*Tool `json:"tools"`
}

func (x *ListToolsResult) isResult()              {}
func (x *ListToolsResult) nextCursorPtr() *string { return &x.NextCursor }

// LoggingLevel is the severity of a log message, per RFC-5424 syslog
// severities.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

type LoggingMessageParams struct {
	Meta   `json:"_meta,omitempty"`
	Data   any          `json:"data"`
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
}

func (x *LoggingMessageParams) isParams()              {}
func (x *LoggingMessageParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *LoggingMessageParams) SetProgressToken(t any) { setProgressToken(x, t) }

type PingParams struct {
	Meta `json:"_meta,omitempty"`
}

func (x *PingParams) isParams()              {}
func (x *PingParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *PingParams) SetProgressToken(t any) { setProgressToken(x, t) }

type ProgressNotificationParams struct {
	Meta          `json:"_meta,omitempty"`
	ProgressToken any     `json:"progressToken"`
	Message       string  `json:"message,omitempty"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

func (*ProgressNotificationParams) isParams()                     {}
func (x *ProgressNotificationParams) GetProgressToken() any       { return getProgressToken(x) }
func (x *ProgressNotificationParams) SetProgressToken(t any)      { setProgressToken(x, t) }

// Prompt is a prompt or prompt template that the server offers.
type Prompt struct {
	Meta        `json:"_meta,omitempty"`
	Arguments   []*PromptArgument `json:"arguments,omitempty"`
	Description string            `json:"description,omitempty"`
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Icons       []Icon            `json:"icons,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type PromptListChangedParams struct {
	Meta `json:"_meta,omitempty"`
}

func (x *PromptListChangedParams) isParams()              {}
func (x *PromptListChangedParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *PromptListChangedParams) SetProgressToken(t any) { setProgressToken(x, t) }

// PromptMessage is a message returned as part of a prompt.
type PromptMessage struct {
	Content Content `json:"content"`
	Role    Role    `json:"role"`
}

func (m *PromptMessage) UnmarshalJSON(data []byte) error {
	type msg PromptMessage
	var wire struct {
		msg
		Content *wireContent `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var err error
	if wire.msg.Content, err = contentFromWire(wire.Content, nil); err != nil {
		return err
	}
	*m = PromptMessage(wire.msg)
	return nil
}

type ReadResourceParams struct {
	Meta `json:"_meta,omitempty"`
	URI  string `json:"uri"`
}

func (x *ReadResourceParams) isParams()              {}
func (x *ReadResourceParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ReadResourceParams) SetProgressToken(t any) { setProgressToken(x, t) }

type ReadResourceResult struct {
	Meta     `json:"_meta,omitempty"`
	Contents []*ResourceContents `json:"contents"`
}

func (*ReadResourceResult) isResult() {}

// Resource is a known resource that the server can read.
type Resource struct {
	Meta        `json:"_meta,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Description string       `json:"description,omitempty"`
	MIMEType    string       `json:"mimeType,omitempty"`
	Name        string       `json:"name"`
	Size        int64        `json:"size,omitempty"`
	Title       string       `json:"title,omitempty"`
	URI         string       `json:"uri"`
	Icons       []Icon       `json:"icons,omitempty"`
}

type ResourceListChangedParams struct {
	Meta `json:"_meta,omitempty"`
}

func (x *ResourceListChangedParams) isParams()              {}
func (x *ResourceListChangedParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ResourceListChangedParams) SetProgressToken(t any) { setProgressToken(x, t) }

// ResourceTemplate describes resources available via a URI template.
type ResourceTemplate struct {
	Meta        `json:"_meta,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
	Description string       `json:"description,omitempty"`
	MIMEType    string       `json:"mimeType,omitempty"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	URITemplate string       `json:"uriTemplate"`
	Icons       []Icon       `json:"icons,omitempty"`
}

type RootsListChangedParams struct {
	Meta `json:"_meta,omitempty"`
}

func (x *RootsListChangedParams) isParams()              {}
func (x *RootsListChangedParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *RootsListChangedParams) SetProgressToken(t any) { setProgressToken(x, t) }

type SetLoggingLevelParams struct {
	Meta  `json:"_meta,omitempty"`
	Level LoggingLevel `json:"level"`
}

func (x *SetLoggingLevelParams) isParams()              {}
func (x *SetLoggingLevelParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *SetLoggingLevelParams) SetProgressToken(t any) { setProgressToken(x, t) }

// Tool is a definition for a tool the client can call. newArgs constructs a
// zero value for unmarshalling arguments; it is populated by AddTool/AddTool-
// style registration helpers.
type Tool struct {
	Meta         `json:"_meta,omitempty"`
	Annotations  *ToolAnnotations   `json:"annotations,omitempty"`
	Description  string             `json:"description,omitempty"`
	InputSchema  *jsonschema.Schema `json:"inputSchema"`
	Name         string             `json:"name"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Title        string             `json:"title,omitempty"`
	Icons        []Icon             `json:"icons,omitempty"`

	newArgs func() any
}

// ToolAnnotations describes hints about a tool's behavior. These are hints,
// not guarantees; a client should never make tool-use decisions based on
// annotations received from an untrusted server.
type ToolAnnotations struct {
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	Title           string `json:"title,omitempty"`
}

type ToolListChangedParams struct {
	Meta `json:"_meta,omitempty"`
}

func (x *ToolListChangedParams) isParams()              {}
func (x *ToolListChangedParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ToolListChangedParams) SetProgressToken(t any) { setProgressToken(x, t) }

type SubscribeParams struct {
	Meta `json:"_meta,omitempty"`
	URI  string `json:"uri"`
}

func (x *SubscribeParams) isParams()              {}
func (x *SubscribeParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *SubscribeParams) SetProgressToken(t any) { setProgressToken(x, t) }

type UnsubscribeParams struct {
	Meta `json:"_meta,omitempty"`
	URI  string `json:"uri"`
}

func (x *UnsubscribeParams) isParams()              {}
func (x *UnsubscribeParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *UnsubscribeParams) SetProgressToken(t any) { setProgressToken(x, t) }

// ResourceUpdatedNotificationParams informs the client that a subscribed
// resource has changed and may need to be read again.
type ResourceUpdatedNotificationParams struct {
	Meta `json:"_meta,omitempty"`
	URI  string `json:"uri"`
}

func (x *ResourceUpdatedNotificationParams) isParams()              {}
func (x *ResourceUpdatedNotificationParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ResourceUpdatedNotificationParams) SetProgressToken(t any) { setProgressToken(x, t) }

// ElicitParams is a request from the server to elicit additional information
// from the user via the client.
type ElicitParams struct {
	Meta            `json:"_meta,omitempty"`
	Mode            string `json:"mode"`
	Message         string `json:"message"`
	RequestedSchema any    `json:"requestedSchema,omitempty"`
	URL             string `json:"url,omitempty"`
	ElicitationID   string `json:"elicitationId,omitempty"`
}

func (x *ElicitParams) isParams()              {}
func (x *ElicitParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ElicitParams) SetProgressToken(t any) { setProgressToken(x, t) }

// ElicitResult is the client's response to an elicitation/create request.
type ElicitResult struct {
	Meta    `json:"_meta,omitempty"`
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

func (*ElicitResult) isResult() {}

// ElicitationCompleteParams informs the client that an out-of-band
// elicitation interaction has completed.
type ElicitationCompleteParams struct {
	Meta          `json:"_meta,omitempty"`
	ElicitationID string `json:"elicitationId"`
}

func (x *ElicitationCompleteParams) isParams()              {}
func (x *ElicitationCompleteParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ElicitationCompleteParams) SetProgressToken(t any) { setProgressToken(x, t) }

// LoggingCapabilities describes support for sending log messages.
type LoggingCapabilities struct{}

// PromptCapabilities describes support for prompts.
type PromptCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourceCapabilities describes support for resources.
type ResourceCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ToolCapabilities describes support for tools.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities describes capabilities that a server supports.
type ServerCapabilities struct {
	Experimental map[string]any        `json:"experimental,omitempty"`
	Logging      *LoggingCapabilities  `json:"logging,omitempty"`
	Prompts      *PromptCapabilities   `json:"prompts,omitempty"`
	Resources    *ResourceCapabilities `json:"resources,omitempty"`
	Tools        *ToolCapabilities     `json:"tools,omitempty"`
}

func (c *ServerCapabilities) clone() *ServerCapabilities {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Experimental = maps.Clone(c.Experimental)
	cp.Logging = shallowClone(c.Logging)
	cp.Prompts = shallowClone(c.Prompts)
	cp.Resources = shallowClone(c.Resources)
	cp.Tools = shallowClone(c.Tools)
	return &cp
}

// Method name constants, per the MCP 2025-06-18 wire schema.
const (
	methodCallTool                  = "tools/call"
	notificationCancelled           = "notifications/cancelled"
	methodElicit                    = "elicitation/create"
	notificationElicitationComplete = "notifications/elicitation/complete"
	methodGetPrompt                 = "prompts/get"
	methodInitialize                = "initialize"
	notificationInitialized         = "notifications/initialized"
	methodListPrompts               = "prompts/list"
	methodListResourceTemplates     = "resources/templates/list"
	methodListResources             = "resources/list"
	methodListTools                 = "tools/list"
	notificationLoggingMessage      = "notifications/message"
	methodPing                      = "ping"
	notificationProgress            = "notifications/progress"
	notificationPromptListChanged   = "notifications/prompts/list_changed"
	methodReadResource               = "resources/read"
	notificationResourceListChanged = "notifications/resources/list_changed"
	notificationResourceUpdated     = "notifications/resources/updated"
	notificationRootsListChanged    = "notifications/roots/list_changed"
	methodSetLevel                  = "logging/setLevel"
	methodSubscribe                 = "resources/subscribe"
	notificationToolListChanged     = "notifications/tools/list_changed"
	methodUnsubscribe               = "resources/unsubscribe"
)
