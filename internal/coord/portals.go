package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/masclabs/masc/pkg/protocol"
)

func portalKey(from, target string) string {
	return portalPrefix + from + ":" + target
}

// OpenPortal authorizes direct messages between from and target. Both
// directions are created; re-opening an open portal fails.
func (e *Engine) OpenPortal(ctx context.Context, from, target string) (Portal, error) {
	if _, err := e.GetAgent(ctx, target); err != nil {
		return Portal{}, err
	}
	existing, ok, err := e.getPortal(ctx, from, target)
	if err != nil {
		return Portal{}, err
	}
	if ok && existing.Status == PortalOpen {
		return Portal{}, &PortalAlreadyOpenError{Agent: from, Target: target}
	}

	now := e.now()
	forward := Portal{From: from, Target: target, Status: PortalOpen, OpenedAt: now}
	reverse := Portal{From: target, Target: from, Status: PortalOpen, OpenedAt: now}
	if err := e.setPortal(ctx, forward); err != nil {
		return Portal{}, err
	}
	if err := e.setPortal(ctx, reverse); err != nil {
		return Portal{}, err
	}
	e.appendEvent(ctx, protocol.EventPortalOpen, from, map[string]any{"target": target})
	slog.Info("coord.portal.open", "from", from, "target", target)
	return forward, nil
}

// ClosePortal marks both directions closed. The records stay for history.
func (e *Engine) ClosePortal(ctx context.Context, from, target string) error {
	p, ok, err := e.getPortal(ctx, from, target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrPortalNotOpen, from, target)
	}
	if p.Status == PortalClosed {
		return fmt.Errorf("%w: %s -> %s", ErrPortalClosed, from, target)
	}
	for _, pair := range [][2]string{{from, target}, {target, from}} {
		q, ok, err := e.getPortal(ctx, pair[0], pair[1])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		q.Status = PortalClosed
		if err := e.setPortal(ctx, q); err != nil {
			return err
		}
	}
	e.appendEvent(ctx, protocol.EventPortalClose, from, map[string]any{"target": target})
	return nil
}

// ListPortals returns every portal record sorted by key.
func (e *Engine) ListPortals(ctx context.Context) ([]Portal, error) {
	entries, err := e.store.GetAll(ctx, portalPrefix)
	if err != nil {
		return nil, err
	}
	portals := make([]Portal, 0, len(entries))
	for _, ent := range entries {
		var p Portal
		if err := json.Unmarshal([]byte(ent.Value), &p); err != nil {
			slog.Warn("coord.portal.decode_failed", "key", ent.Key, "error", err)
			continue
		}
		portals = append(portals, p)
	}
	return portals, nil
}

// RecordPortalTask bumps the task counter on a portal after a direct
// message. Missing portals are ignored.
func (e *Engine) RecordPortalTask(ctx context.Context, from, target string) {
	p, ok, err := e.getPortal(ctx, from, target)
	if err != nil || !ok {
		return
	}
	p.TaskCount++
	if err := e.setPortal(ctx, p); err != nil {
		slog.Debug("coord.portal.count_update_failed", "from", from, "target", target, "error", err)
	}
}

func (e *Engine) portalIsOpen(ctx context.Context, from, target string) (bool, error) {
	p, ok, err := e.getPortal(ctx, from, target)
	if err != nil {
		return false, err
	}
	return ok && p.Status == PortalOpen, nil
}

func (e *Engine) getPortal(ctx context.Context, from, target string) (Portal, bool, error) {
	raw, ok, err := e.store.Get(ctx, portalKey(from, target))
	if err != nil || !ok {
		return Portal{}, false, err
	}
	var p Portal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Portal{}, false, fmt.Errorf("decode portal: %w", err)
	}
	return p, true, nil
}

func (e *Engine) setPortal(ctx context.Context, p Portal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode portal: %w", err)
	}
	return e.store.Set(ctx, portalKey(p.From, p.Target), string(raw))
}
