package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/mitosis"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/internal/sessions"
	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/pkg/protocol"
)

func newTestRouter(t *testing.T, authEnabled bool) (*Router, storage.Backend) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	engine := coord.New(store, coord.Options{})
	if _, err := engine.Init(ctx, "test"); err != nil {
		t.Fatalf("init: %v", err)
	}
	r := NewRouter(RouterOptions{
		Engine:      engine,
		Sessions:    sessions.NewManager(ctx, store),
		Auth:        auth.New(store),
		AuthEnabled: authEnabled,
		Limiter:     ratelimit.New(),
		Cell:        mitosis.New(ctx, store, mitosis.Options{Node: "test-node"}),
	})
	return r, store
}

func decodeResult(t *testing.T, res *Result) map[string]any {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Text), &out); err != nil {
		t.Fatalf("decode result %q: %v", res.Text, err)
	}
	return out
}

func TestUnknownTool(t *testing.T) {
	r, _ := newTestRouter(t, false)
	res := r.Call(context.Background(), "no_such_tool", nil)
	if !res.IsError {
		t.Fatal("expected error for unknown tool")
	}
	if !strings.Contains(res.Text, "tools/list") {
		t.Errorf("expected recovery hint, got %q", res.Text)
	}
}

func TestBroadcastAutoJoins(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()

	res := r.Call(ctx, protocol.ToolBroadcast, map[string]any{
		"agent_name": "alice",
		"content":    "hello room",
	})
	msg := decodeResult(t, res)
	if msg["from"] != coord.Nickname("alice") {
		t.Errorf("from = %v, want %s", msg["from"], coord.Nickname("alice"))
	}

	list := r.Call(ctx, protocol.ToolListAgents, map[string]any{"agent_name": "alice"})
	if list.IsError {
		t.Fatalf("list_agents: %s", list.Text)
	}
	if !strings.Contains(list.Text, coord.Nickname("alice")) {
		t.Error("broadcast should have auto-joined the sender")
	}
}

func TestTaskLifecycleThroughRouter(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()
	args := func(extra map[string]any) map[string]any {
		m := map[string]any{"agent_name": "worker1"}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	added := decodeResult(t, r.Call(ctx, protocol.ToolAddTask, args(map[string]any{
		"title":    "ship it",
		"priority": float64(5),
	})))
	task := added["task"].(map[string]any)
	if task["id"] != "T1" {
		t.Fatalf("task id = %v, want T1", task["id"])
	}
	if added["version"].(float64) != 1 {
		t.Fatalf("version = %v, want 1", added["version"])
	}

	claimed := decodeResult(t, r.Call(ctx, protocol.ToolClaimNext, args(nil)))
	ct := claimed["task"].(map[string]any)
	status := ct["status"].(map[string]any)
	if status["state"] != coord.TaskClaimed {
		t.Fatalf("state = %v, want claimed", status["state"])
	}

	decodeResult(t, r.Call(ctx, protocol.ToolStartTask, args(map[string]any{"task_id": "T1"})))
	done := decodeResult(t, r.Call(ctx, protocol.ToolDone, args(map[string]any{
		"task_id": "T1",
		"notes":   "shipped",
	})))
	dt := done["task"].(map[string]any)
	if dt["status"].(map[string]any)["state"] != coord.TaskDone {
		t.Fatalf("final state = %v, want done", dt["status"])
	}
}

func TestVersionConflictThroughRouter(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()

	decodeResult(t, r.Call(ctx, protocol.ToolAddTask, map[string]any{
		"agent_name": "worker1",
		"title":      "contended",
	}))
	res := r.Call(ctx, protocol.ToolClaim, map[string]any{
		"agent_name":       "worker1",
		"task_id":          "T1",
		"expected_version": float64(99),
	})
	if !res.IsError {
		t.Fatal("expected version conflict")
	}
	if !strings.Contains(res.Text, "version conflict") {
		t.Errorf("message = %q, want version conflict", res.Text)
	}
}

func TestPausedRoomRejectsWrites(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()

	// Join first so pause does not hide the auto-join path.
	if res := r.Call(ctx, protocol.ToolJoin, map[string]any{"agent_name": "alice"}); res.IsError {
		t.Fatalf("join: %s", res.Text)
	}
	if res := r.Call(ctx, protocol.ToolPause, map[string]any{"agent_name": "admin1", "reason": "maintenance"}); res.IsError {
		t.Fatalf("pause: %s", res.Text)
	}

	res := r.Call(ctx, protocol.ToolBroadcast, map[string]any{
		"agent_name": "alice",
		"content":    "anyone there?",
	})
	if !res.IsError || !strings.Contains(res.Text, "paused") {
		t.Fatalf("expected paused rejection, got %q", res.Text)
	}

	// Resume is an admin tool and must work while paused.
	if res := r.Call(ctx, protocol.ToolResume, map[string]any{"agent_name": "admin1"}); res.IsError {
		t.Fatalf("resume: %s", res.Text)
	}
	if res := r.Call(ctx, protocol.ToolBroadcast, map[string]any{
		"agent_name": "alice",
		"content":    "back again",
	}); res.IsError {
		t.Fatalf("broadcast after resume: %s", res.Text)
	}
}

func TestAuthGatesCalls(t *testing.T) {
	r, _ := newTestRouter(t, true)
	ctx := context.Background()

	res := r.Call(ctx, protocol.ToolListAgents, map[string]any{"agent_name": "alice"})
	if !res.IsError {
		t.Fatal("expected unauthorized without a credential")
	}

	token, _, err := r.auth.Issue(ctx, "alice", coord.RoleReader, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res := r.Call(ctx, protocol.ToolListAgents, map[string]any{
		"agent_name": "alice",
		"token":      token,
	}); res.IsError {
		t.Fatalf("read with reader token: %s", res.Text)
	}

	// Readers cannot mutate the backlog.
	res = r.Call(ctx, protocol.ToolAddTask, map[string]any{
		"agent_name": "alice",
		"token":      token,
		"title":      "not allowed",
	})
	if !res.IsError {
		t.Fatal("expected reader to be forbidden from add_task")
	}
}

func TestRateLimitSurfacesWait(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()

	if res := r.Call(ctx, protocol.ToolJoin, map[string]any{"agent_name": "chatty"}); res.IsError {
		t.Fatalf("join: %s", res.Text)
	}

	var limited *Result
	for i := 0; i < 30; i++ {
		res := r.Call(ctx, protocol.ToolBroadcast, map[string]any{
			"agent_name": "chatty",
			"content":    "spam",
		})
		if res.IsError {
			limited = res
			break
		}
	}
	if limited == nil {
		t.Fatal("expected rate limit to trip")
	}
	if !strings.Contains(limited.Text, "rate limit") {
		t.Errorf("message = %q, want rate limit", limited.Text)
	}
}

func TestJoinGate(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()

	res := r.Call(ctx, protocol.ToolOpenPortal, map[string]any{
		"agent_name": "ghost",
		"target":     "nobody",
	})
	// The write pipeline auto-joins ghost, but the target does not exist.
	if !res.IsError {
		t.Fatal("expected error for missing portal target")
	}
}

func TestMementoMoriThroughRouter(t *testing.T) {
	r, _ := newTestRouter(t, false)
	ctx := context.Background()

	res := decodeResult(t, r.Call(ctx, protocol.ToolMementoMori, map[string]any{
		"agent_name": "alice",
		"ratio":      0.2,
	}))
	if res["status"] != "continue" {
		t.Errorf("status = %v, want continue", res["status"])
	}

	bad := r.Call(ctx, protocol.ToolMementoMori, map[string]any{
		"agent_name": "alice",
		"ratio":      1.5,
	})
	if !bad.IsError {
		t.Fatal("expected error for out-of-range ratio")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r, _ := newTestRouter(t, false)
	list := r.Registry().List()
	if len(list) < 30 {
		t.Fatalf("catalogue too small: %d tools", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Fatalf("catalogue not sorted at %q >= %q", list[i-1].Name, list[i].Name)
		}
	}
}
