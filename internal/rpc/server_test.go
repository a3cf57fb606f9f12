package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/mitosis"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/internal/sessions"
	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/internal/tools"
	"github.com/masclabs/masc/pkg/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	engine := coord.New(store, coord.Options{})
	if _, err := engine.Init(ctx, "test"); err != nil {
		t.Fatalf("init: %v", err)
	}
	router := tools.NewRouter(tools.RouterOptions{
		Engine:   engine,
		Sessions: sessions.NewManager(ctx, store),
		Auth:     auth.New(store),
		Limiter:  ratelimit.New(),
		Cell:     mitosis.New(ctx, store, mitosis.Options{Node: "test-node"}),
	})
	return NewServer(router, engine, "test")
}

func call(t *testing.T, s *Server, raw string) *protocol.Response {
	t.Helper()
	out := s.Handle(context.Background(), []byte(raw))
	if out == nil {
		return nil
	}
	var resp protocol.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode response %q: %v", out, err)
	}
	return &resp
}

func TestParseError(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{not json`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeParseError {
		t.Fatalf("expected -32700, got %+v", resp.Error)
	}
}

func TestRejectsWrongVersion(t *testing.T) {
	s := newTestServer(t)
	for _, raw := range []string{
		`{"id":1,"method":"tools/list"}`,
		`{"jsonrpc":"1.0","id":1,"method":"tools/list"}`,
	} {
		resp := call(t, s, raw)
		if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
			t.Errorf("%s: expected -32600, got %+v", raw, resp.Error)
		}
	}
}

func TestRejectsBadID(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":{"a":1},"method":"tools/list"}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("expected -32600 for object id, got %+v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"no/such"}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", resp.Error)
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	s := newTestServer(t)
	if out := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); out != nil {
		t.Fatalf("notification should produce no response, got %s", out)
	}
}

func TestInitializeNormalizesVersion(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"x","version":"0.1"}}}`)
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	b, _ := json.Marshal(resp.Result)
	var result protocol.InitializeResult
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != protocol.LatestMCPVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, protocol.LatestMCPVersion)
	}
	if result.ServerInfo.Name != "masc" {
		t.Errorf("server name = %q", result.ServerInfo.Name)
	}
}

func TestToolsListAndCall(t *testing.T) {
	s := newTestServer(t)

	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("tools/list: %+v", resp.Error)
	}
	b, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(b), `"join"`) || !strings.Contains(string(b), `"claim_next"`) {
		t.Fatalf("catalogue missing tools: %s", b)
	}

	resp = call(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"join","arguments":{"agent_name":"alice"}}}`)
	if resp.Error != nil {
		t.Fatalf("tools/call join: %+v", resp.Error)
	}
	b, _ = json.Marshal(resp.Result)
	var result protocol.ToolResult
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if result.IsError {
		t.Fatalf("join failed: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, coord.Nickname("alice")) {
		t.Errorf("join result missing nickname: %s", result.Content[0].Text)
	}
}

func TestToolsCallErrorsAreResults(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"claim","arguments":{"agent_name":"alice","task_id":"T99"}}}`)
	if resp.Error != nil {
		t.Fatalf("tool errors must be results, got protocol error %+v", resp.Error)
	}
	b, _ := json.Marshal(resp.Result)
	var result protocol.ToolResult
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected isError for missing task")
	}
}

func TestToolsCallMissingName(t *testing.T) {
	s := newTestServer(t)
	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected -32602, got %+v", resp.Error)
	}
}

func TestResources(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp := call(t, s, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if resp.Error != nil {
		t.Fatalf("resources/list: %+v", resp.Error)
	}
	b, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(b), "masc://status") {
		t.Fatalf("resource list missing status: %s", b)
	}

	// Seed some messages through the engine directly.
	for i := 0; i < 3; i++ {
		if _, err := s.engine.Broadcast(ctx, "seed", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}

	resp = call(t, s, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"masc://messages?limit=2"}}`)
	if resp.Error != nil {
		t.Fatalf("resources/read: %+v", resp.Error)
	}
	b, _ = json.Marshal(resp.Result)
	var read struct {
		Contents []protocol.ResourceContents `json:"contents"`
	}
	if err := json.Unmarshal(b, &read); err != nil {
		t.Fatalf("decode contents: %v", err)
	}
	if len(read.Contents) != 1 {
		t.Fatalf("contents = %d entries", len(read.Contents))
	}
	var payload struct {
		Messages []coord.Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(read.Contents[0].Text), &payload); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(payload.Messages) != 2 {
		t.Errorf("limit=2 returned %d messages", len(payload.Messages))
	}

	resp = call(t, s, `{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"masc://bogus"}}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected -32602 for unknown resource, got %+v", resp.Error)
	}
}

func TestReadWindow(t *testing.T) {
	tests := []struct {
		query string
		since int64
		limit int
	}{
		{"", 0, 50},
		{"since_seq=7", 7, 50},
		{"since_seq=7&limit=3", 7, 3},
		{"limit=0", 0, 50},
		{"limit=abc", 0, 50},
	}
	for _, tt := range tests {
		since, limit := readWindow(tt.query)
		if since != tt.since || limit != tt.limit {
			t.Errorf("readWindow(%q) = (%d, %d), want (%d, %d)", tt.query, since, limit, tt.since, tt.limit)
		}
	}
}
