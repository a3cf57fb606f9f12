package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/masclabs/masc/internal/storage"
	"github.com/masclabs/masc/pkg/protocol"
)

// Storage keys owned by the engine.
const (
	stateKey      = "state"
	backlogKey    = "backlog"
	archiveKey    = "backlog:archive"
	agentPrefix   = "agents:"
	messagePrefix = "messages:"
	eventPrefix   = "events:"
	portalPrefix  = "portals:"
)

// DefaultZombieThreshold is how long an agent may go without a heartbeat
// before the sweep treats it as gone.
const DefaultZombieThreshold = 5 * time.Minute

// Options tunes an Engine.
type Options struct {
	ZombieThreshold time.Duration
}

// Engine is the coordination state engine. All room state lives in the
// backend; the engine is safe for concurrent use.
type Engine struct {
	store storage.Backend
	seq   *Sequences
	locks *LockManager
	now   func() time.Time

	zombieThreshold time.Duration

	mu          sync.Mutex
	subscribers []func(Message)

	// wake is signalled when a message lands so waiters poll early.
	wake chan struct{}
}

// New builds an engine over the backend.
func New(store storage.Backend, opts Options) *Engine {
	if opts.ZombieThreshold <= 0 {
		opts.ZombieThreshold = DefaultZombieThreshold
	}
	return &Engine{
		store:           store,
		seq:             NewSequences(store),
		locks:           NewLockManager(store),
		now:             time.Now,
		zombieThreshold: opts.ZombieThreshold,
		wake:            make(chan struct{}, 1),
	}
}

// Locks exposes the lock manager facade.
func (e *Engine) Locks() *LockManager { return e.locks }

// Store exposes the underlying backend for read-only views.
func (e *Engine) Store() storage.Backend { return e.store }

// Init creates the room state document. A second init fails.
func (e *Engine) Init(ctx context.Context, mode string) (RoomState, error) {
	now := e.now()
	st := RoomState{
		ProtocolVersion: protocol.ProtocolVersion,
		StartedAt:       now,
		LastUpdated:     now,
		ActiveAgents:    []string{},
		Mode:            mode,
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return RoomState{}, fmt.Errorf("encode room state: %w", err)
	}
	ok, err := e.store.SetIfAbsent(ctx, stateKey, string(raw))
	if err != nil {
		return RoomState{}, err
	}
	if !ok {
		return RoomState{}, ErrAlreadyInitialized
	}
	slog.Info("coord.room.init", "mode", mode)
	return st, nil
}

// Reset rewrites the room to a fresh state: agent records, backlog, and the
// lock index are cleared; message and event logs are preserved as history.
func (e *Engine) Reset(ctx context.Context, by string) (RoomState, error) {
	if _, err := e.State(ctx); err != nil {
		return RoomState{}, err
	}
	keys, err := e.store.ListKeys(ctx, agentPrefix)
	if err != nil {
		return RoomState{}, err
	}
	for _, k := range keys {
		if _, err := e.store.Delete(ctx, k); err != nil {
			return RoomState{}, err
		}
	}
	for _, k := range []string{backlogKey, archiveKey, lockIndexKey} {
		if _, err := e.store.Delete(ctx, k); err != nil {
			return RoomState{}, err
		}
	}

	now := e.now()
	st := RoomState{
		ProtocolVersion: protocol.ProtocolVersion,
		StartedAt:       now,
		LastUpdated:     now,
		ActiveAgents:    []string{},
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return RoomState{}, fmt.Errorf("encode room state: %w", err)
	}
	if err := e.store.Set(ctx, stateKey, string(raw)); err != nil {
		return RoomState{}, err
	}
	e.appendEvent(ctx, protocol.EventRoomReset, by, nil)
	slog.Info("coord.room.reset", "by", by)
	return st, nil
}

// Pause marks the room paused. Mutating tools are refused until resume.
func (e *Engine) Pause(ctx context.Context, by, reason string) (RoomState, error) {
	st, err := e.updateState(ctx, func(st *RoomState) error {
		now := e.now()
		st.Paused = true
		st.PausedBy = by
		st.PausedAt = &now
		st.PauseReason = reason
		return nil
	})
	if err != nil {
		return RoomState{}, err
	}
	e.appendEvent(ctx, protocol.EventRoomPause, by, map[string]any{"reason": reason})
	return st, nil
}

// Resume clears a pause.
func (e *Engine) Resume(ctx context.Context, by string) (RoomState, error) {
	st, err := e.updateState(ctx, func(st *RoomState) error {
		st.Paused = false
		st.PausedBy = ""
		st.PausedAt = nil
		st.PauseReason = ""
		return nil
	})
	if err != nil {
		return RoomState{}, err
	}
	e.appendEvent(ctx, protocol.EventRoomResume, by, nil)
	return st, nil
}

// State reads the room state document.
func (e *Engine) State(ctx context.Context) (RoomState, error) {
	raw, ok, err := e.store.Get(ctx, stateKey)
	if err != nil {
		return RoomState{}, err
	}
	if !ok {
		return RoomState{}, ErrNotInitialized
	}
	var st RoomState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return RoomState{}, fmt.Errorf("decode room state: %w", err)
	}
	return st, nil
}

// CheckWritable fails when the room is missing or paused.
func (e *Engine) CheckWritable(ctx context.Context) error {
	st, err := e.State(ctx)
	if err != nil {
		return err
	}
	if st.Paused {
		return ErrRoomPaused
	}
	return nil
}

// updateState applies fn to the room state document under atomic update.
func (e *Engine) updateState(ctx context.Context, fn func(*RoomState) error) (RoomState, error) {
	var out RoomState
	err := e.store.AtomicUpdate(ctx, stateKey, func(old *string) (string, error) {
		if old == nil {
			return "", ErrNotInitialized
		}
		var st RoomState
		if err := json.Unmarshal([]byte(*old), &st); err != nil {
			return "", fmt.Errorf("decode room state: %w", err)
		}
		if err := fn(&st); err != nil {
			return "", err
		}
		st.LastUpdated = e.now()
		raw, err := json.Marshal(st)
		if err != nil {
			return "", fmt.Errorf("encode room state: %w", err)
		}
		out = st
		return string(raw), nil
	})
	if err != nil {
		return RoomState{}, err
	}
	return out, nil
}

// appendEvent writes one audit record and advances the room's event high
// water mark. Event failures never fail the operation that produced them.
func (e *Engine) appendEvent(ctx context.Context, typ, agent string, payload map[string]any) Event {
	ev := Event{
		Seq:       e.seq.NextEvent(ctx),
		Type:      typ,
		Agent:     agent,
		Payload:   payload,
		Timestamp: e.now(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("coord.event.encode_failed", "type", typ, "error", err)
		return ev
	}
	if err := e.store.Set(ctx, fmt.Sprintf("%s%06d", eventPrefix, ev.Seq), string(raw)); err != nil {
		slog.Warn("coord.event.write_failed", "type", typ, "seq", ev.Seq, "error", err)
		return ev
	}
	if _, err := e.updateState(ctx, func(st *RoomState) error {
		if ev.Seq > st.EventSeq {
			st.EventSeq = ev.Seq
		}
		return nil
	}); err != nil {
		slog.Debug("coord.event.state_bump_failed", "seq", ev.Seq, "error", err)
	}
	if _, err := e.store.Publish(ctx, protocol.ChannelEvents, string(raw)); err != nil {
		if !errors.Is(err, storage.ErrBackendNotSupported) {
			slog.Debug("coord.event.publish_failed", "seq", ev.Seq, "error", err)
		}
	}
	return ev
}

// GetEvents returns events with seq > sinceSeq, ascending, at most limit
// (0 means no limit).
func (e *Engine) GetEvents(ctx context.Context, sinceSeq int64, limit int) ([]Event, error) {
	entries, err := e.store.GetAll(ctx, eventPrefix)
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, ent := range entries {
		var ev Event
		if err := json.Unmarshal([]byte(ent.Value), &ev); err != nil {
			slog.Warn("coord.event.decode_failed", "key", ent.Key, "error", err)
			continue
		}
		if ev.Seq > sinceSeq {
			events = append(events, ev)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
