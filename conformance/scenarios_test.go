// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package conformance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"

	"github.com/relaymcp/relay/auth"
	"github.com/relaymcp/relay/durable"
	"github.com/relaymcp/relay/internal/server"
	"github.com/relaymcp/relay/internal/servicer"
	"github.com/relaymcp/relay/internal/session"
	"github.com/relaymcp/relay/internal/workflow"
	"github.com/relaymcp/relay/mcp"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

// TestToolCallSurvivesReplicaRestart exercises a handler that crashes after
// recording a durable side effect and reporting progress, but before
// returning to the engine: a second replica, sharing only the durable event
// log, session store, and workflow store, re-delivers the identical request
// and must observe the already-committed side effect exactly once, the
// already-sent progress notification exactly once (deduplicated by its
// deterministic event id), and exactly one terminal response.
func TestToolCallSurvivesReplicaRestart(t *testing.T) {
	st := newStores()

	var sumsMu sync.Mutex
	sums := make(map[string]int)
	var calls int

	reached := make(chan struct{})
	// forever never closes: replica A's handler goroutine, once blocked on
	// it, never resumes — simulating a crash rather than a call that
	// eventually unwinds and races replica B for the same durable writes.
	forever := make(chan struct{})
	callCtx, cancelCall := context.WithCancel(context.Background())

	registerAdd := func(block bool) registerFunc {
		return func(engine *mcp.Server, svc *servicer.Servicer) {
			h := func(ctx context.Context, dc *durable.Context, args addArgs) (*mcp.CallToolResult, any, error) {
				key := fmt.Sprintf("%d + %d", args.A, args.B)
				sum, err := workflow.AtLeastOnce(ctx, dc.Executor(), "store sum", func(context.Context) (int, error) {
					calls++
					sumsMu.Lock()
					sums[key] = args.A + args.B
					sumsMu.Unlock()
					return args.A + args.B, nil
				})
				if err != nil {
					return nil, nil, err
				}
				if err := dc.ReportProgress(0.5, 1, "halfway"); err != nil {
					return nil, nil, err
				}
				if block {
					close(reached)
					<-forever
					panic("unreachable")
				}
				text := strconv.Itoa(sum)
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil, nil
			}
			if err := durable.AddTool(engine, svc, &mcp.Tool{Name: "add", Description: "adds two numbers"}, h); err != nil {
				t.Fatalf("AddTool: %v", err)
			}
		}
	}

	svcA := newServicer(st, registerAdd(true))

	msg := callToolMessageWithMeta(t, "1", "add", addArgs{A: 5, B: 3}, mcp.Meta{"progressToken": "pt-1"})

	done := make(chan error, 1)
	go func() {
		done <- svcA.HandleMessage(callCtx, "sessA", msg, "")
	}()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("replica A never reached the blocking point")
	}

	// The caller gives up on replica A (its own context expires) while the
	// handler goroutine itself stays stuck on forever, exactly as it would
	// after a real crash: no further durable writes are possible from it.
	cancelCall()
	if err := <-done; err == nil {
		t.Fatal("expected replica A's HandleMessage to fail once its caller gave up, simulating a crash")
	}

	svcB := newServicer(st, registerAdd(false))
	if err := svcB.HandleMessage(context.Background(), "sessA", msg, ""); err != nil {
		t.Fatalf("replica B HandleMessage: %v", err)
	}

	sumsMu.Lock()
	got := sums["5 + 3"]
	n := len(sums)
	sumsMu.Unlock()
	if n != 1 || got != 8 {
		t.Fatalf("sums = %v, want exactly one entry {\"5 + 3\": 8}", sums)
	}
	if calls != 1 {
		t.Fatalf("store-sum step ran %d times, want 1 (replica B must reuse the committed result)", calls)
	}

	msgs := decodedMessages(t, svcB, "sessA", "1")
	var progressCount, responseCount int
	var finalResult mcp.CallToolResult
	for _, m := range msgs {
		switch mm := m.(type) {
		case *mcp.JSONRPCNotification:
			if mm.Method == "notifications/progress" {
				progressCount++
			}
		case *mcp.JSONRPCResponse:
			responseCount++
			if err := json.Unmarshal(mm.Result, &finalResult); err != nil {
				t.Fatalf("decoding final result: %v", err)
			}
		}
	}
	if progressCount != 1 {
		t.Fatalf("got %d notifications/progress events, want exactly 1 (replica B's repeat report must be deduplicated)", progressCount)
	}
	if responseCount != 1 {
		t.Fatalf("got %d terminal responses, want exactly 1", responseCount)
	}
	if finalResult.IsError {
		t.Fatalf("final result is an error: %+v", finalResult.Content)
	}
	if len(finalResult.Content) != 1 {
		t.Fatalf("final result content = %v, want one text block", finalResult.Content)
	}
	text, ok := finalResult.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "8" {
		t.Fatalf("final result content = %v, want TextContent \"8\"", finalResult.Content[0])
	}
}

// TestAtMostOnceChargeNotReplayedAfterCrashMidStep pre-seeds a workflow
// record showing a prior life committed fence 1 (Started) for an at-most-once
// step but never reached fence 2 (Completed) — simulating a crash between
// charging a payment processor and recording that it succeeded. A single
// re-delivery must never invoke the charge again, and must surface the
// permanent failure as a tool-level error, not a transport error.
func TestAtMostOnceChargeNotReplayedAfterCrashMidStep(t *testing.T) {
	st := newStores()

	var charged int
	register := func(engine *mcp.Server, svc *servicer.Servicer) {
		h := func(ctx context.Context, dc *durable.Context, args addArgs) (*mcp.CallToolResult, any, error) {
			_, err := workflow.AtMostOnce(ctx, dc.Executor(), "charge", nil, func(context.Context) (int, error) {
				charged++
				return 1, nil
			})
			if err != nil {
				return nil, nil, err
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "charged"}}}, nil, nil
		}
		if err := durable.AddTool(engine, svc, &mcp.Tool{Name: "charge", Description: "charges a card"}, h); err != nil {
			t.Fatalf("AddTool: %v", err)
		}
	}

	ctx := context.Background()
	if _, err := st.workflows.CAS(ctx, "sessB", "1", "charge", workflow.NotStarted, workflow.Started, nil); err != nil {
		t.Fatalf("pre-seeding crash-mid-step state: %v", err)
	}

	svc := newServicer(st, register)
	msg := callToolMessage(t, "1", "charge", addArgs{A: 1, B: 1})
	if err := svc.HandleMessage(ctx, "sessB", msg, ""); err != nil {
		t.Fatalf("HandleMessage returned a transport-level error, want the failure embedded in the tool result: %v", err)
	}

	if charged != 0 {
		t.Fatalf("charge ran %d times, want 0 (the step must not be replayed after a crash mid-step)", charged)
	}

	var sawError bool
	for _, m := range decodedMessages(t, svc, "sessB", "1") {
		resp, ok := m.(*mcp.JSONRPCResponse)
		if !ok {
			continue
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatal(err)
		}
		if result.IsError {
			sawError = true
			if len(result.Content) == 0 {
				t.Fatal("expected error content describing the failed step")
			}
			text, ok := result.Content[0].(*mcp.TextContent)
			if !ok || !strings.Contains(text.Text, "charge") {
				t.Fatalf("error content = %v, want it to mention the failed step %q", result.Content, "charge")
			}
		}
	}
	if !sawError {
		t.Fatal("expected the terminal response to carry IsError, got none")
	}
}

// waitForElicitRequest replays sessionID/requestID until a
// elicitation/create request is observed, using the durable stream's
// blocking replay instead of polling or sleeping.
func waitForElicitRequest(t *testing.T, svc *servicer.Servicer, sessionID, requestID string) *mcp.JSONRPCRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var found *mcp.JSONRPCRequest
	err := svc.ReplayRequest(ctx, sessionID, requestID, "", func(eventID string, msg mcp.JSONRPCMessage) error {
		req, ok := msg.(*mcp.JSONRPCRequest)
		if ok && req.Method == "elicitation/create" {
			found = req
			return errStopReplay
		}
		return nil
	})
	if err != nil && err != errStopReplay {
		t.Fatalf("waiting for elicitation/create: %v", err)
	}
	if found == nil {
		t.Fatal("elicitation/create request never appeared on the stream")
	}
	return found
}

var errStopReplay = fmt.Errorf("conformance: stop replay")

// TestElicitReentryPrefixesMessageAfterDisconnect pre-seeds the elicit
// step's workflow record as Started — a previous life asked the user a
// question and crashed before recording an answer — and checks that a fresh
// entry rewords the prompt to say the conversation was interrupted, then
// completes normally once answered.
func TestElicitReentryPrefixesMessageAfterDisconnect(t *testing.T) {
	st := newStores()

	register := func(engine *mcp.Server, svc *servicer.Servicer) {
		h := func(ctx context.Context, dc *durable.Context, args addArgs) (*mcp.CallToolResult, any, error) {
			res, err := dc.Elicit("confirm", "Shall I proceed?", &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"ok": {Type: "boolean"},
				},
			})
			if err != nil {
				return nil, nil, err
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: res.Action}}}, nil, nil
		}
		if err := durable.AddTool(engine, svc, &mcp.Tool{Name: "confirm-op", Description: "asks before proceeding"}, h); err != nil {
			t.Fatalf("AddTool: %v", err)
		}
	}

	ctx := context.Background()
	stepKey := "Send request, wait for result: elicit: confirm"
	if _, err := st.workflows.CAS(ctx, "sessC", "1", stepKey, workflow.NotStarted, workflow.Started, nil); err != nil {
		t.Fatalf("pre-seeding a prior, unanswered elicitation: %v", err)
	}

	svc := newServicer(st, register)
	msg := callToolMessage(t, "1", "confirm-op", addArgs{A: 1, B: 1})

	done := make(chan error, 1)
	go func() { done <- svc.HandleMessage(ctx, "sessC", msg, "") }()

	req := waitForElicitRequest(t, svc, "sessC", "1")
	var params mcp.ElicitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decoding elicit params: %v", err)
	}
	const wantPrefix = "Sorry, we got disconnected and need to try again: "
	if !strings.HasPrefix(params.Message, wantPrefix) {
		t.Fatalf("elicit message = %q, want prefix %q", params.Message, wantPrefix)
	}

	result := &mcp.ElicitResult{Action: "accept", Content: map[string]any{"ok": true}}
	resultData, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	answer := &mcp.JSONRPCResponse{ID: req.ID, Result: resultData}
	answerData, err := mcp.EncodeMessage(answer)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.HandleMessage(ctx, "sessC", answerData, ""); err != nil {
		t.Fatalf("delivering elicit answer: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never completed after the elicitation was answered")
	}

	var responseCount int
	for _, m := range decodedMessages(t, svc, "sessC", "1") {
		if _, ok := m.(*mcp.JSONRPCResponse); ok {
			responseCount++
		}
	}
	if responseCount != 1 {
		t.Fatalf("got %d terminal responses, want exactly 1", responseCount)
	}
}

// TestBearerRejectionBeforeAnyStreamCreated checks that a POST with no
// Authorization header is rejected before the front-end ever mints a
// session, when the deployment requires bearer auth.
func TestBearerRejectionBeforeAnyStreamCreated(t *testing.T) {
	st := newStores()
	svc := newServicer(st, nil)

	verifier := func(ctx context.Context, token string, r *http.Request) (*auth.TokenInfo, error) {
		return &auth.TokenInfo{Scopes: []string{"read"}, Expiration: time.Now().Add(time.Hour)}, nil
	}
	h := server.New(server.Options{Servicer: svc, Sessions: st.sessions, Verifier: verifier})

	body := callToolMessage(t, "1", "whatever", addArgs{})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if sid := rec.Header().Get(server.SessionIDHeader); sid != "" {
		t.Fatalf("session id %q minted for a rejected request, want none", sid)
	}
}

// TestToolRejectsInsufficientScope checks a handler that enforces its own,
// narrower scope requirement (beyond whatever the bearer middleware already
// checked): the HTTP layer accepts the token (it carries "read", which is
// all the middleware itself requires), but the tool handler rejects it for
// lacking "admin", surfacing as a normal result with IsError set rather than
// an HTTP-level failure.
func TestToolRejectsInsufficientScope(t *testing.T) {
	st := newStores()
	var sideEffect bool
	register := func(engine *mcp.Server, svc *servicer.Servicer) {
		h := func(ctx context.Context, dc *durable.Context, args addArgs) (*mcp.CallToolResult, any, error) {
			info, ok := auth.TokenInfoFromContext(ctx)
			hasAdmin := ok && containsString(info.Scopes, "admin")
			if !hasAdmin {
				return nil, nil, fmt.Errorf("missing required scope %q", "admin")
			}
			sideEffect = true
			return &mcp.CallToolResult{}, nil, nil
		}
		if err := durable.AddTool(engine, svc, &mcp.Tool{Name: "admin-op", Description: "requires admin"}, h); err != nil {
			t.Fatalf("AddTool: %v", err)
		}
	}
	svc := newServicer(st, register)

	verifier := func(ctx context.Context, token string, r *http.Request) (*auth.TokenInfo, error) {
		return &auth.TokenInfo{Scopes: []string{"read"}, Expiration: time.Now().Add(time.Hour)}, nil
	}
	h := server.New(server.Options{Servicer: svc, Sessions: st.sessions, Verifier: verifier})

	body := callToolMessage(t, "1", "admin-op", addArgs{})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (the tool's own check, not the middleware, should reject this)", rec.Code, http.StatusOK)
	}

	var result mcp.CallToolResult
	found := false
	for evt, scanErr := range mcp.ScanEvents(rec.Body) {
		if scanErr != nil {
			break
		}
		decoded, err := mcp.DecodeMessage(evt.Data)
		if err != nil {
			t.Fatal(err)
		}
		resp, ok := decoded.(*mcp.JSONRPCResponse)
		if !ok {
			continue
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatal(err)
		}
		found = true
	}
	if !found {
		t.Fatal("no terminal response observed on the event stream")
	}
	if !result.IsError {
		t.Fatal("expected IsError, got a successful result")
	}
	if len(result.Content) == 0 {
		t.Fatal("expected error content")
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok || !strings.Contains(text.Text, "admin") {
		t.Fatalf("error content = %v, want it to mention the missing scope %q", result.Content, "admin")
	}
	if sideEffect {
		t.Fatal("handler's side effect ran despite the scope check failing")
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// TestVSCodeAggregateStreamCarriesFullSequence checks that a client
// identified as Visual Studio Code gets both the initialize and the tool
// call responses on the aggregate GET stream, and that its POST bodies are
// dropped (the
// one-GET-stream special case), rather than needing a per-request SSE
// stream of its own.
func TestVSCodeAggregateStreamCarriesFullSequence(t *testing.T) {
	sessions := session.NewMemory()
	engine := mcp.NewServer(&mcp.Implementation{Name: "conformance-server", Version: "0.1.0"}, nil)
	svc := servicer.New(engine, newStores().log, sessions, workflow.NewMemoryStore())
	err := mcp.AddTool(engine, &mcp.Tool{Name: "echo", Description: "echoes text"},
		func(ctx context.Context, req *mcp.ServerRequest[*mcp.CallToolParamsRaw], args addArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil, nil
		})
	if err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	h := server.New(server.Options{Servicer: svc, Sessions: sessions})
	ts := httptest.NewServer(h)
	defer ts.Close()

	client := ts.Client()

	initParams := &mcp.InitializeParams{
		ProtocolVersion: "2025-06-18",
		ClientInfo:      &mcp.Implementation{Name: "Visual Studio Code", Version: "1.0.0"},
	}
	paramsData, err := json.Marshal(initParams)
	if err != nil {
		t.Fatal(err)
	}
	initReq := &mcp.JSONRPCRequest{ID: mcp.StringID("init"), Method: "initialize", Params: paramsData}
	initData, err := mcp.EncodeMessage(initReq)
	if err != nil {
		t.Fatal(err)
	}

	sessionID := postMessage(t, client, ts.URL, "", initData)
	if sessionID == "" {
		t.Fatal("expected a session id to be minted by the initialize call")
	}

	toolMsg := callToolMessage(t, "1", "echo", addArgs{A: 1, B: 1})
	status, body := postRaw(t, client, ts.URL, sessionID, toolMsg)
	if status != http.StatusAccepted {
		t.Fatalf("tool-call POST status = %d, want %d (VSCode's POST body must be dropped)", status, http.StatusAccepted)
	}
	if len(body) != 0 {
		t.Fatalf("tool-call POST body = %q, want empty", body)
	}

	getReq, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	getReq.Header.Set("Accept", "text/event-stream")
	getReq.Header.Set("Mcp-Session-Id", sessionID)
	getCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	getResp, err := client.Do(getReq.WithContext(getCtx))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()

	var sawInit, sawToolResult bool
	for evt, scanErr := range mcp.ScanEvents(getResp.Body) {
		if scanErr != nil {
			break
		}
		decoded, err := mcp.DecodeMessage(evt.Data)
		if err != nil {
			t.Fatal(err)
		}
		resp, ok := decoded.(*mcp.JSONRPCResponse)
		if !ok {
			continue
		}
		switch resp.ID.String() {
		case "init":
			sawInit = true
		case "1":
			sawToolResult = true
			var result mcp.CallToolResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				t.Fatal(err)
			}
			if result.IsError {
				t.Fatalf("tool result is an error: %+v", result.Content)
			}
		}
		if sawInit && sawToolResult {
			break
		}
	}
	if !sawInit {
		t.Fatal("initialize's response never appeared on the aggregate GET stream")
	}
	if !sawToolResult {
		t.Fatal("tool call's response never appeared on the aggregate GET stream")
	}
}

// postMessage POSTs msg as sessionID (or fresh, if empty) and returns the
// session id the server assigns or confirms.
func postMessage(t *testing.T, client *http.Client, url, sessionID string, msg json.RawMessage) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(msg)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	for range mcp.ScanEvents(resp.Body) {
		// drain to completion so the server-side handler goroutine finishes
		// before the next request is issued.
	}
	return resp.Header.Get("Mcp-Session-Id")
}

// postRaw POSTs msg as sessionID and returns the raw status and body,
// without assuming an event-stream response (used for VSCode's dropped
// POST bodies).
func postRaw(t *testing.T, client *http.Client, url, sessionID string, msg json.RawMessage) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(msg)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func callToolMessageWithMeta(t *testing.T, id, name string, args any, meta mcp.Meta) json.RawMessage {
	t.Helper()
	argsData, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	params := &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(argsData)}
	params.SetMeta(meta)
	paramsData, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req := &mcp.JSONRPCRequest{ID: mcp.StringID(id), Method: "tools/call", Params: paramsData}
	data, err := mcp.EncodeMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
