package coord

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJoinIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a1, err := e.Join(ctx, "ada", JoinParams{AgentType: "coder"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if a1.Name == "ada" {
		t.Fatalf("nickname %q should differ from the base name", a1.Name)
	}
	if a1.Role != RoleWorker {
		t.Fatalf("default role = %q", a1.Role)
	}

	a2, err := e.Join(ctx, "ada", JoinParams{})
	if err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	if a2.Name != a1.Name {
		t.Fatalf("nickname changed: %q -> %q", a1.Name, a2.Name)
	}

	agents, err := e.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %+v, want exactly one record", agents)
	}

	st, _ := e.State(ctx)
	if len(st.ActiveAgents) != 1 || st.ActiveAgents[0] != a1.Name {
		t.Fatalf("active agents = %v", st.ActiveAgents)
	}
}

func TestJoinRejectsBadNames(t *testing.T) {
	e := newTestEngine(t)
	for _, name := range []string{"", "a b", "x/y", "-lead"} {
		if _, err := e.Join(context.Background(), name, JoinParams{}); !errors.Is(err, ErrInvalidAgentName) {
			t.Errorf("Join(%q) err = %v, want ErrInvalidAgentName", name, err)
		}
	}
}

func TestNicknameDeterministic(t *testing.T) {
	if Nickname("ada") != Nickname("ada") {
		t.Fatal("nickname not stable")
	}
	if Nickname("ada") == Nickname("bob") {
		t.Fatal("distinct bases collided")
	}
}

func TestLeave(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Join(ctx, "ada", JoinParams{})
	if err := e.Leave(ctx, a.Name); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := e.Leave(ctx, a.Name); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("second Leave err = %v", err)
	}
	st, _ := e.State(ctx)
	if len(st.ActiveAgents) != 0 {
		t.Fatalf("active agents = %v", st.ActiveAgents)
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Join(ctx, "ada", JoinParams{})
	later := e.now().Add(30 * time.Second)
	e.now = func() time.Time { return later }

	if err := e.Heartbeat(ctx, a.Name); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ := e.GetAgent(ctx, a.Name)
	if !got.LastSeen.Equal(later) {
		t.Fatalf("last_seen = %v, want %v", got.LastSeen, later)
	}

	if err := e.Heartbeat(ctx, "nobody"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("unknown heartbeat err = %v", err)
	}
}

func TestSweepZombies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	stale, _ := e.Join(ctx, "stale", JoinParams{})
	if ok, err := e.Locks().Acquire(ctx, "file:foo", stale.Name, time.Hour); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}

	// Fresh agent joins after the clock moves past the zombie threshold.
	base := e.now()
	e.now = func() time.Time { return base.Add(DefaultZombieThreshold + time.Minute) }
	fresh, _ := e.Join(ctx, "fresh", JoinParams{})

	removed, err := e.SweepZombies(ctx)
	if err != nil {
		t.Fatalf("SweepZombies: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale.Name {
		t.Fatalf("removed = %v", removed)
	}

	st, _ := e.State(ctx)
	if len(st.ActiveAgents) != 1 || st.ActiveAgents[0] != fresh.Name {
		t.Fatalf("active agents = %v", st.ActiveAgents)
	}

	// The zombie's lock is free again.
	if ok, err := e.Locks().Acquire(ctx, "file:foo", fresh.Name, time.Hour); err != nil || !ok {
		t.Fatalf("re-acquire after sweep = %v, %v", ok, err)
	}

	events, _ := e.GetEvents(ctx, 0, 0)
	var sawLeave bool
	for _, ev := range events {
		if ev.Type == "agent_leave" && ev.Agent == stale.Name {
			sawLeave = true
		}
	}
	if !sawLeave {
		t.Fatal("no agent_leave event for the swept zombie")
	}
}
