// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package durable implements component G: the adapter that wraps a tool,
// resource, or prompt handler so it also receives a [Context], giving it
// durable, replay-safe access to progress reporting, logging, list-changed
// notifications, and client elicitation.
package durable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/internal/workflow"
	"github.com/relaymcp/relay/mcp"
)

const progressTokenMetaKey = "progressToken"
const eventAliasMetaKey = "eventAlias"

// Context is passed to every handler registered through this package as the
// argument after the plain context.Context: tool handlers get it in place of
// the engine's *mcp.ServerRequest, while resource and prompt handlers get it
// in addition to the request. It
// binds the invocation to its workflow executor (component C) and the
// client's bearer token, and exposes every durable, replayable side effect a
// handler can produce: progress, logging, list-changed notifications, and
// elicitation.
type Context struct {
	ctx         context.Context
	session     *mcp.ServerSession
	executor    *workflow.Executor
	requestID   string
	accessToken string
	progressTok any

	mu          sync.Mutex
	usedAliases map[string]bool
	loop        *workflow.Loop
}

// newContext builds the durable context for one handler invocation. params
// is the inbound request's params value, read only for its _meta.progressToken.
func newContext(ctx context.Context, svc *servicer.Servicer, session *mcp.ServerSession, params mcp.Params) (*Context, error) {
	requestID, ok := mcp.ForRequest(ctx)
	if !ok {
		return nil, errors.New("durable: no in-flight request id in context; handler was not invoked through the session servicer")
	}
	sessionID := session.ID()

	executor, ok := svc.ExecutorFor(sessionID, requestID.String())
	if !ok {
		return nil, fmt.Errorf("durable: no workflow executor registered for request %s", requestID)
	}
	accessToken, _ := svc.AccessTokenFor(sessionID, requestID.String())

	var progressTok any
	if params != nil {
		progressTok = params.GetMeta()[progressTokenMetaKey]
	}

	return &Context{
		ctx:         ctx,
		session:     session,
		executor:    executor,
		requestID:   requestID.String(),
		accessToken: accessToken,
		progressTok: progressTok,
		usedAliases: make(map[string]bool),
	}, nil
}

// WorkflowID returns the durable workflow id backing this invocation — the
// request id that [durablestore.DeriveEventID] namespaces every deterministic
// event alias under.
func (c *Context) WorkflowID() string { return c.requestID }

// AccessToken returns the bearer token the inbound HTTP request carried, or
// "" if this deployment runs without authentication.
func (c *Context) AccessToken() string { return c.accessToken }

// Executor returns the workflow executor backing this invocation, for
// handlers that need at_least_once/at_most_once steps of their own beyond
// what this context exposes directly.
func (c *Context) Executor() *workflow.Executor { return c.executor }

// WithinLoop starts a disambiguation scope for a server-side loop labeled
// why: every report-progress, log, list-changed, or elicit call made before
// the returned function is invoked gets a distinct, iteration-numbered alias.
// Loops do not nest; the returned function restores whatever scope (if any)
// was active before.
func (c *Context) WithinLoop(why string) func() {
	c.mu.Lock()
	prev := c.loop
	c.loop = c.executor.WithinLoop(why)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.loop = prev
		c.mu.Unlock()
	}
}

// aliasFor disambiguates base against the active loop scope, if any, and
// rejects a base+scope combination already used by this invocation.
func (c *Context) aliasFor(base string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	alias := base
	if c.loop != nil {
		alias = base + " " + c.loop.Next()
	}
	if c.usedAliases[alias] {
		return "", fmt.Errorf("durable: duplicate event alias %q within one invocation", alias)
	}
	c.usedAliases[alias] = true
	return alias, nil
}

// ReportProgress emits a notifications/progress message for the current
// request. It fails with [mcp.ErrNoProgressToken] if the client's original
// request carried no progress token, matching [mcp.ServerRequest.Progress]'s
// behavior. The event alias is derived from progress, total, and message, so
// identical calls are deduplicated on replay while distinct ones (a
// monotonically increasing progress value, say) are not.
func (c *Context) ReportProgress(progress, total float64, message string) error {
	if c.progressTok == nil {
		return mcp.ErrNoProgressToken
	}
	alias, err := c.aliasFor(fmt.Sprintf("report_progress: progress=%v total=%v message=%q", progress, total, message))
	if err != nil {
		return err
	}
	p := &mcp.ProgressNotificationParams{
		ProgressToken: c.progressTok,
		Progress:      progress,
		Total:         total,
		Message:       message,
	}
	p.SetMeta(mcp.Meta{eventAliasMetaKey: alias})
	return c.session.NotifyProgress(c.ctx, p)
}

// Log emits a notifications/message log entry at level, optionally
// attributed to loggerName.
func (c *Context) Log(level mcp.LoggingLevel, message, loggerName string) error {
	alias, err := c.aliasFor(fmt.Sprintf("log: level=%s logger=%q message=%q", level, loggerName, message))
	if err != nil {
		return err
	}
	p := &mcp.LoggingMessageParams{Level: level, Data: message, Logger: loggerName}
	p.SetMeta(mcp.Meta{eventAliasMetaKey: alias})
	return c.session.Log(c.ctx, p)
}

func (c *Context) Debug(message string) error   { return c.Log(mcp.LoggingLevelDebug, message, "") }
func (c *Context) Info(message string) error    { return c.Log(mcp.LoggingLevelInfo, message, "") }
func (c *Context) Warning(message string) error { return c.Log(mcp.LoggingLevelWarning, message, "") }
func (c *Context) Error(message string) error   { return c.Log(mcp.LoggingLevelError, message, "") }

// SendToolListChanged tells the client its cached tool list is stale, for a
// reason named by why; why becomes part of the notification's event alias
// (in its _meta), which is how repeated calls are told apart.
func (c *Context) SendToolListChanged(why string) error {
	alias, err := c.aliasFor("send_tool_list_changed: " + why)
	if err != nil {
		return err
	}
	p := &mcp.ToolListChangedParams{}
	p.SetMeta(mcp.Meta{eventAliasMetaKey: alias})
	return c.session.NotifyToolListChanged(c.ctx, p)
}

// SendResourceListChanged tells the client its cached resource list is stale.
func (c *Context) SendResourceListChanged(why string) error {
	alias, err := c.aliasFor("send_resource_list_changed: " + why)
	if err != nil {
		return err
	}
	p := &mcp.ResourceListChangedParams{}
	p.SetMeta(mcp.Meta{eventAliasMetaKey: alias})
	return c.session.NotifyResourceListChanged(c.ctx, p)
}

// SendPromptListChanged tells the client its cached prompt list is stale.
func (c *Context) SendPromptListChanged(why string) error {
	alias, err := c.aliasFor("send_prompt_list_changed: " + why)
	if err != nil {
		return err
	}
	p := &mcp.PromptListChangedParams{}
	p.SetMeta(mcp.Meta{eventAliasMetaKey: alias})
	return c.session.NotifyPromptListChanged(c.ctx, p)
}

// Elicit asks the client's user for additional information, identified
// within this invocation by alias. schema must describe only primitive
// (string, number, integer, boolean) properties. The round trip runs inside
// [workflow.AtLeastOnce], so its result is durably recorded once per alias:
// a handler re-entered after the answer was recorded recovers it without
// prompting the user again, while one re-entered before that re-issues the
// request. If this is a
// genuine re-entry (the prior life issued the request but never recorded an
// answer), message is prefixed to tell the user the conversation restarted.
func (c *Context) Elicit(alias, message string, schema *jsonschema.Schema) (*mcp.ElicitResult, error) {
	if err := validatePrimitiveSchema(schema); err != nil {
		return nil, err
	}
	fullAlias, err := c.aliasFor("elicit: " + alias)
	if err != nil {
		return nil, err
	}
	stepKey := "Send request, wait for result: " + fullAlias

	attempted, err := c.executor.Attempted(c.ctx, stepKey)
	if err != nil {
		return nil, err
	}
	prompt := message
	if attempted {
		prompt = "Sorry, we got disconnected and need to try again: " + message
	}

	return workflow.AtLeastOnce(c.ctx, c.executor, stepKey, func(ctx context.Context) (*mcp.ElicitResult, error) {
		p := &mcp.ElicitParams{Message: prompt, RequestedSchema: schema}
		p.SetMeta(mcp.Meta{eventAliasMetaKey: fullAlias})
		return c.session.Elicit(ctx, p)
	})
}

var effectValidation atomic.Bool

// EnableEffectValidation turns effect-validation mode on or off, process-wide. When on, every tool handler registered through
// [AddTool] is, after a successful run, rewound to its pre-run checkpoint and
// invoked a second time; a step that records a different result (or a new
// step that didn't exist before) the second time means the handler isn't
// safe to replay, and the original call fails instead of returning. Resource
// and prompt handlers are not validated.
func EnableEffectValidation(enabled bool) { effectValidation.Store(enabled) }

// EffectValidationEnabled reports whether effect-validation mode is on.
func EffectValidationEnabled() bool { return effectValidation.Load() }

// validateEffects rewinds the executor to pre (a checkpoint captured before
// the handler's first run), invokes rerun, and compares the resulting step
// records to after (captured once the first run completed). The executor is
// always left at after, win or lose: validation is diagnostic, it must never
// change what a successful call actually committed.
func (c *Context) validateEffects(ctx context.Context, pre map[string]workflow.StepRecord, rerun func() error) error {
	after, err := c.executor.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := c.executor.Restore(ctx, pre); err != nil {
		return err
	}
	c.mu.Lock()
	c.usedAliases = make(map[string]bool)
	c.mu.Unlock()

	rerunErr := rerun()
	verified, snapErr := c.executor.Snapshot(ctx)
	if restoreErr := c.executor.Restore(ctx, after); restoreErr != nil {
		return restoreErr
	}
	if snapErr != nil {
		return snapErr
	}
	if rerunErr != nil {
		return fmt.Errorf("durable: effect validation rerun failed: %w", rerunErr)
	}
	if !stepsEqual(after, verified) {
		return errors.New("durable: effect validation detected nondeterministic side effects")
	}
	return nil
}

func stepsEqual(a, b map[string]workflow.StepRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || v.Status != w.Status || !bytes.Equal(v.Result, w.Result) {
			return false
		}
	}
	return true
}

// validatePrimitiveSchema rejects any elicitation schema that isn't a flat
// object of primitive-typed properties.
func validatePrimitiveSchema(schema *jsonschema.Schema) error {
	if schema == nil {
		return errors.New("durable: elicit requires a non-nil schema")
	}
	if schema.Type != "" && schema.Type != "object" {
		return fmt.Errorf("durable: elicit schema must be an object, got %q", schema.Type)
	}
	for name, prop := range schema.Properties {
		switch prop.Type {
		case "string", "number", "integer", "boolean":
		default:
			return fmt.Errorf("durable: elicit schema property %q has non-primitive type %q", name, prop.Type)
		}
	}
	return nil
}
