// Package sessions tracks per-agent runtime state: last activity, the
// listening flag, and queued direct deliveries. Sessions are persisted under
// sessions:<name> on register/unregister so a restarted server restores its
// active set.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/masclabs/masc/internal/storage"
)

const sessionPrefix = "sessions:"

// Session is the runtime state for one registered agent.
type Session struct {
	Agent        string    `json:"agent"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
	Listening    bool      `json:"listening"`
	LastSeenSeq  int64     `json:"last_seen_seq"`
	Pending      []string  `json:"pending,omitempty"`
}

// Manager handles session lifecycle, persistence, and lookup.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    storage.Backend
	now      func() time.Time
}

// NewManager builds a manager and restores previously persisted sessions.
func NewManager(ctx context.Context, store storage.Backend) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		now:      time.Now,
	}
	m.restore(ctx)
	return m
}

func (m *Manager) restore(ctx context.Context) {
	entries, err := m.store.GetAll(ctx, sessionPrefix)
	if err != nil {
		slog.Warn("sessions.restore_failed", "error", err)
		return
	}
	for _, ent := range entries {
		var s Session
		if err := json.Unmarshal([]byte(ent.Value), &s); err != nil {
			slog.Warn("sessions.restore_decode_failed", "key", ent.Key, "error", err)
			continue
		}
		m.sessions[s.Agent] = &s
	}
	if len(m.sessions) > 0 {
		slog.Info("sessions.restored", "count", len(m.sessions))
	}
}

// Register creates (or refreshes) the session for an agent and persists it.
func (m *Manager) Register(ctx context.Context, agent string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[agent]
	if !ok {
		s = &Session{Agent: agent, RegisteredAt: m.now()}
		m.sessions[agent] = s
	}
	s.LastActivity = m.now()
	snapshot := *s
	m.mu.Unlock()

	if err := m.persist(ctx, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Unregister drops the session and its persisted record.
func (m *Manager) Unregister(ctx context.Context, agent string) error {
	m.mu.Lock()
	delete(m.sessions, agent)
	m.mu.Unlock()
	if _, err := m.store.Delete(ctx, sessionPrefix+agent); err != nil {
		return err
	}
	return nil
}

// Touch records activity on an existing session. Unknown agents are ignored.
func (m *Manager) Touch(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[agent]; ok {
		s.LastActivity = m.now()
	}
}

// SetListening flips the listening flag and persists the session.
func (m *Manager) SetListening(ctx context.Context, agent string, listening bool) error {
	m.mu.Lock()
	s, ok := m.sessions[agent]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no session for %s", agent)
	}
	s.Listening = listening
	s.LastActivity = m.now()
	snapshot := *s
	m.mu.Unlock()
	return m.persist(ctx, &snapshot)
}

// Enqueue appends a pending delivery for a listening agent.
func (m *Manager) Enqueue(agent, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[agent]; ok && s.Listening {
		s.Pending = append(s.Pending, payload)
	}
}

// Drain returns and clears the pending queue.
func (m *Manager) Drain(agent string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agent]
	if !ok || len(s.Pending) == 0 {
		return nil
	}
	out := s.Pending
	s.Pending = nil
	return out
}

// Get returns a copy of the agent's session.
func (m *Manager) Get(agent string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agent]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Active returns the registered agent names.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Agent, err)
	}
	return m.store.Set(ctx, sessionPrefix+s.Agent, string(raw))
}
