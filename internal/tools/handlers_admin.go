package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

func (r *Router) adminTools() []Descriptor {
	return []Descriptor{
		{
			Name:        protocol.ToolStatus,
			Description: "Room overview: state, agents, backlog, locks.",
			InputSchema: objectSchema(nil, ""),
			Permission:  auth.PermRead,
			Category:    ratelimit.General,
			Handler:     r.handleStatus,
		},
		{
			Name:        protocol.ToolGetEvents,
			Description: "Read room events after a sequence number.",
			InputSchema: objectSchema(map[string]any{
				"since_seq": intProp("Return events with seq greater than this"),
				"limit":     intProp("Maximum events to return"),
			}, ""),
			Permission: auth.PermRead,
			Category:   ratelimit.General,
			Handler:    r.handleGetEvents,
		},
		{
			Name:        protocol.ToolInit,
			Description: "Initialize the room. Fails if already initialized.",
			InputSchema: objectSchema(map[string]any{
				"mode": stringProp("Room mode label, default standard"),
			}, ""),
			Permission: auth.PermAdmin,
			Category:   ratelimit.General,
			Write:      true,
			Admin:      true,
			Handler:    r.handleInit,
		},
		{
			Name:        protocol.ToolReset,
			Description: "Reset the room: drop agents, backlog, and locks. Keeps history.",
			InputSchema: objectSchema(map[string]any{"agent_name": stringProp("Caller")}, ""),
			Permission:  auth.PermAdmin,
			Category:    ratelimit.General,
			Write:       true,
			Admin:       true,
			Handler:     r.handleReset,
		},
		{
			Name:        protocol.ToolPause,
			Description: "Pause the room; write tools are rejected until resume.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Caller"),
				"reason":     stringProp("Why the room is paused"),
			}, ""),
			Permission: auth.PermAdmin,
			Category:   ratelimit.General,
			Write:      true,
			Admin:      true,
			Handler:    r.handlePause,
		},
		{
			Name:        protocol.ToolResume,
			Description: "Resume a paused room.",
			InputSchema: objectSchema(map[string]any{"agent_name": stringProp("Caller")}, ""),
			Permission:  auth.PermAdmin,
			Category:    ratelimit.General,
			Write:       true,
			Admin:       true,
			Handler:     r.handleResume,
		},
		{
			Name:        protocol.ToolTokenIssue,
			Description: "Issue a credential for an agent. The token is shown once.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":  stringProp("Caller"),
				"for_agent":   stringProp("Agent the credential is for"),
				"role":        stringProp("reader, worker, or admin"),
				"ttl_seconds": intProp("Optional expiry; zero means no expiry"),
			}, "for_agent"),
			Permission: auth.PermAdmin,
			Category:   ratelimit.General,
			Admin:      true,
			Handler:    r.handleTokenIssue,
		},
		{
			Name:        protocol.ToolTokenRevoke,
			Description: "Revoke an agent's credential.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Caller"),
				"for_agent":  stringProp("Agent whose credential is revoked"),
			}, "for_agent"),
			Permission: auth.PermAdmin,
			Category:   ratelimit.General,
			Admin:      true,
			Handler:    r.handleTokenRevoke,
		},
	}
}

func (r *Router) handleStatus(ctx context.Context, req *Request) *Result {
	state, err := r.engine.State(ctx)
	if err != nil {
		return renderError(err)
	}
	agents, err := r.engine.ListAgents(ctx)
	if err != nil {
		return renderError(err)
	}
	backlog, err := r.engine.GetBacklog(ctx)
	if err != nil {
		return renderError(err)
	}
	locks, err := r.engine.Locks().List(ctx)
	if err != nil {
		return renderError(err)
	}
	pending := 0
	for _, t := range backlog.Tasks {
		if !t.Status.Terminal() {
			pending++
		}
	}
	return JSONResult(map[string]any{
		"room":            state,
		"agents":          agents,
		"backlog_version": backlog.Version,
		"tasks_total":     len(backlog.Tasks),
		"tasks_pending":   pending,
		"locks":           locks,
	})
}

func (r *Router) handleGetEvents(ctx context.Context, req *Request) *Result {
	since := int64(argInt(req.Args, "since_seq", 0))
	limit := argInt(req.Args, "limit", 50)
	events, err := r.engine.GetEvents(ctx, since, limit)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"events": events, "count": len(events)})
}

func (r *Router) handleInit(ctx context.Context, req *Request) *Result {
	mode := argString(req.Args, "mode")
	if mode == "" {
		mode = "standard"
	}
	state, err := r.engine.Init(ctx, mode)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(state)
}

func (r *Router) handleReset(ctx context.Context, req *Request) *Result {
	state, err := r.engine.Reset(ctx, req.Agent)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(state)
}

func (r *Router) handlePause(ctx context.Context, req *Request) *Result {
	state, err := r.engine.Pause(ctx, req.Agent, argString(req.Args, "reason"))
	if err != nil {
		return renderError(err)
	}
	return JSONResult(state)
}

func (r *Router) handleResume(ctx context.Context, req *Request) *Result {
	state, err := r.engine.Resume(ctx, req.Agent)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(state)
}

func (r *Router) handleTokenIssue(ctx context.Context, req *Request) *Result {
	forAgent, err := requireString(req.Args, "for_agent")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	role := argString(req.Args, "role")
	if role == "" {
		role = coord.RoleWorker
	}
	var ttl time.Duration
	if secs := argInt(req.Args, "ttl_seconds", 0); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	token, cred, err := r.auth.Issue(ctx, forAgent, role, ttl)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{
		"token":      token,
		"agent":      cred.AgentName,
		"role":       cred.Role,
		"expires_at": cred.ExpiresAt,
		"note":       "store this token now; only its hash is kept",
	})
}

func (r *Router) handleTokenRevoke(ctx context.Context, req *Request) *Result {
	forAgent, err := requireString(req.Args, "for_agent")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	removed, err := r.auth.Revoke(ctx, forAgent)
	if err != nil {
		return renderError(err)
	}
	if !removed {
		return ErrorResult(fmt.Sprintf("no credential found for %s", forAgent))
	}
	return NewResult(fmt.Sprintf("revoked credential for %s", forAgent))
}
