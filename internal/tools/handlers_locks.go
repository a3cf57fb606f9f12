package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

const defaultLockTTL = 60 * time.Second

func (r *Router) lockTools() []Descriptor {
	return []Descriptor{
		{
			Name:        protocol.ToolAcquireLock,
			Description: "Acquire an advisory lock on a resource key.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":  stringProp("Caller"),
				"key":         stringProp("Resource key to lock"),
				"ttl_seconds": intProp("Lock lifetime, default 60"),
			}, "key"),
			Permission: auth.PermLock,
			Category:   ratelimit.General,
			Write:      true,
			Handler:    r.handleAcquireLock,
		},
		{
			Name:        protocol.ToolReleaseLock,
			Description: "Release a lock held by the caller.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Caller"),
				"key":        stringProp("Resource key to unlock"),
			}, "key"),
			Permission: auth.PermLock,
			Category:   ratelimit.General,
			Write:      true,
			Handler:    r.handleReleaseLock,
		},
		{
			Name:        protocol.ToolExtendLock,
			Description: "Extend the TTL of a lock held by the caller.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":  stringProp("Caller"),
				"key":         stringProp("Resource key"),
				"ttl_seconds": intProp("New lifetime from now, default 60"),
			}, "key"),
			Permission: auth.PermLock,
			Category:   ratelimit.General,
			Write:      true,
			Handler:    r.handleExtendLock,
		},
		{
			Name:        protocol.ToolListLocks,
			Description: "List currently held locks.",
			InputSchema: objectSchema(nil, ""),
			Permission:  auth.PermRead,
			Category:    ratelimit.General,
			Handler:     r.handleListLocks,
		},
	}
}

func lockTTL(args map[string]any) time.Duration {
	if secs := argInt(args, "ttl_seconds", 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultLockTTL
}

func (r *Router) handleAcquireLock(ctx context.Context, req *Request) *Result {
	key, err := requireString(req.Args, "key")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	ok, err := r.engine.Locks().Acquire(ctx, key, req.Agent, lockTTL(req.Args))
	if err != nil {
		return renderError(err)
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("lock %q is held by another agent", key))
	}
	return JSONResult(map[string]any{"key": key, "owner": req.Agent, "acquired": true})
}

func (r *Router) handleReleaseLock(ctx context.Context, req *Request) *Result {
	key, err := requireString(req.Args, "key")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	ok, err := r.engine.Locks().Release(ctx, key, req.Agent)
	if err != nil {
		return renderError(err)
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("lock %q is not held by %s", key, req.Agent))
	}
	return NewResult(fmt.Sprintf("released %s", key))
}

func (r *Router) handleExtendLock(ctx context.Context, req *Request) *Result {
	key, err := requireString(req.Args, "key")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	ok, err := r.engine.Locks().Extend(ctx, key, lockTTL(req.Args), req.Agent)
	if err != nil {
		return renderError(err)
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("lock %q is not held by %s", key, req.Agent))
	}
	return NewResult(fmt.Sprintf("extended %s", key))
}

func (r *Router) handleListLocks(ctx context.Context, req *Request) *Result {
	locks, err := r.engine.Locks().List(ctx)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"locks": locks, "count": len(locks)})
}
