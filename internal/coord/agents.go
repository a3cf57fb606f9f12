package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/masclabs/masc/pkg/protocol"
)

// JoinParams carries the optional fields of a join request.
type JoinParams struct {
	AgentType    string
	Role         string
	Capabilities []string
	PID          int
	Host         string
	TTY          string
	Worktree     string
}

// Join registers an agent under its server-assigned nickname. Re-joining the
// same base name is idempotent and refreshes last_seen.
func (e *Engine) Join(ctx context.Context, baseName string, p JoinParams) (Agent, error) {
	if !validAgentName(baseName) {
		return Agent{}, fmt.Errorf("%w: %q", ErrInvalidAgentName, baseName)
	}
	if _, err := e.State(ctx); err != nil {
		return Agent{}, err
	}
	if p.Role == "" {
		p.Role = RoleWorker
	}

	nick := Nickname(baseName)
	now := e.now()
	created := false
	var agent Agent
	err := e.store.AtomicUpdate(ctx, agentPrefix+nick, func(old *string) (string, error) {
		if old != nil {
			if err := json.Unmarshal([]byte(*old), &agent); err != nil {
				return "", fmt.Errorf("decode agent %s: %w", nick, err)
			}
			agent.LastSeen = now
		} else {
			created = true
			agent = Agent{
				Name:         nick,
				AgentType:    p.AgentType,
				Role:         p.Role,
				Status:       AgentActive,
				Capabilities: p.Capabilities,
				JoinedAt:     now,
				LastSeen:     now,
				PID:          p.PID,
				Host:         p.Host,
				TTY:          p.TTY,
				Worktree:     p.Worktree,
			}
		}
		raw, err := json.Marshal(agent)
		if err != nil {
			return "", fmt.Errorf("encode agent %s: %w", nick, err)
		}
		return string(raw), nil
	})
	if err != nil {
		return Agent{}, err
	}

	if _, err := e.updateState(ctx, func(st *RoomState) error {
		for _, n := range st.ActiveAgents {
			if n == nick {
				return nil
			}
		}
		st.ActiveAgents = append(st.ActiveAgents, nick)
		sort.Strings(st.ActiveAgents)
		return nil
	}); err != nil {
		return Agent{}, err
	}

	if created {
		e.appendEvent(ctx, protocol.EventAgentJoin, nick, map[string]any{"role": agent.Role})
		slog.Info("coord.agent.join", "agent", nick, "role", agent.Role)
	}
	return agent, nil
}

// Leave removes an agent's record and active-set entry.
func (e *Engine) Leave(ctx context.Context, name string) error {
	deleted, err := e.store.Delete(ctx, agentPrefix+name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if _, err := e.updateState(ctx, func(st *RoomState) error {
		st.ActiveAgents = removeString(st.ActiveAgents, name)
		return nil
	}); err != nil {
		return err
	}
	e.appendEvent(ctx, protocol.EventAgentLeave, name, nil)
	slog.Info("coord.agent.leave", "agent", name)
	return nil
}

// Heartbeat refreshes the agent's persisted last_seen.
func (e *Engine) Heartbeat(ctx context.Context, name string) error {
	now := e.now()
	return e.store.AtomicUpdate(ctx, agentPrefix+name, func(old *string) (string, error) {
		if old == nil {
			return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
		}
		var a Agent
		if err := json.Unmarshal([]byte(*old), &a); err != nil {
			return "", fmt.Errorf("decode agent %s: %w", name, err)
		}
		a.LastSeen = now
		raw, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode agent %s: %w", name, err)
		}
		return string(raw), nil
	})
}

// SetAgentStatus updates the agent's advertised status.
func (e *Engine) SetAgentStatus(ctx context.Context, name, status string) error {
	return e.store.AtomicUpdate(ctx, agentPrefix+name, func(old *string) (string, error) {
		if old == nil {
			return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
		}
		var a Agent
		if err := json.Unmarshal([]byte(*old), &a); err != nil {
			return "", fmt.Errorf("decode agent %s: %w", name, err)
		}
		a.Status = status
		a.LastSeen = e.now()
		raw, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode agent %s: %w", name, err)
		}
		return string(raw), nil
	})
}

// GetAgent reads one agent record.
func (e *Engine) GetAgent(ctx context.Context, name string) (Agent, error) {
	raw, ok, err := e.store.Get(ctx, agentPrefix+name)
	if err != nil {
		return Agent{}, err
	}
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	var a Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Agent{}, fmt.Errorf("decode agent %s: %w", name, err)
	}
	return a, nil
}

// ListAgents returns all registered agents sorted by name.
func (e *Engine) ListAgents(ctx context.Context) ([]Agent, error) {
	entries, err := e.store.GetAll(ctx, agentPrefix)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(entries))
	for _, ent := range entries {
		var a Agent
		if err := json.Unmarshal([]byte(ent.Value), &a); err != nil {
			slog.Warn("coord.agent.decode_failed", "key", ent.Key, "error", err)
			continue
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// SweepZombies removes agents whose last heartbeat is older than the
// threshold, releases their locks, and emits agent_leave events. Returns the
// removed names.
func (e *Engine) SweepZombies(ctx context.Context) ([]string, error) {
	agents, err := e.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := e.now().Add(-e.zombieThreshold)
	var removed []string
	for _, a := range agents {
		if !a.LastSeen.Before(cutoff) {
			continue
		}
		if _, err := e.store.Delete(ctx, agentPrefix+a.Name); err != nil {
			return removed, err
		}
		if _, err := e.updateState(ctx, func(st *RoomState) error {
			st.ActiveAgents = removeString(st.ActiveAgents, a.Name)
			return nil
		}); err != nil {
			return removed, err
		}
		released, err := e.locks.ReleaseOwnedBy(ctx, a.Name)
		if err != nil {
			slog.Warn("coord.sweep.lock_release_failed", "agent", a.Name, "error", err)
		}
		e.appendEvent(ctx, protocol.EventAgentLeave, a.Name, map[string]any{"reason": "zombie"})
		slog.Info("coord.sweep.zombie_removed", "agent", a.Name, "locks_released", released)
		removed = append(removed, a.Name)
	}
	return removed, nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
