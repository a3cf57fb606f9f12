package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/mitosis"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/internal/sessions"
	"github.com/masclabs/masc/internal/telemetry"
)

// Router runs every tool call through the fixed pipeline: resolve agent,
// authorize, rate-limit, auto-heartbeat and auto-join for write tools, the
// join gate, then the handler.
type Router struct {
	registry *Registry
	engine   *coord.Engine
	sessions *sessions.Manager
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	cell     *mitosis.Controller
	tracer   trace.Tracer

	authEnabled bool

	// fallbackAgent names callers that never supply agent_name.
	fallbackAgent string
}

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	Engine      *coord.Engine
	Sessions    *sessions.Manager
	Auth        *auth.Service
	AuthEnabled bool
	Limiter     *ratelimit.Limiter
	Cell        *mitosis.Controller
}

// NewRouter builds the router and registers the full tool catalogue.
func NewRouter(opts RouterOptions) *Router {
	r := &Router{
		registry:      NewRegistry(),
		engine:        opts.Engine,
		sessions:      opts.Sessions,
		auth:          opts.Auth,
		authEnabled:   opts.AuthEnabled,
		limiter:       opts.Limiter,
		cell:          opts.Cell,
		tracer:        telemetry.Tracer(),
		fallbackAgent: "agent-" + uuid.NewString()[:8],
	}
	r.registry.AddTable("agents", r.agentTools())
	r.registry.AddTable("messages", r.messageTools())
	r.registry.AddTable("tasks", r.taskTools())
	r.registry.AddTable("locks", r.lockTools())
	r.registry.AddTable("portals", r.portalTools())
	r.registry.AddTable("admin", r.adminTools())
	r.registry.AddTable("mitosis", r.mitosisTools())
	return r
}

// Registry exposes the tool catalogue for tools/list.
func (r *Router) Registry() *Registry { return r.registry }

// Call dispatches one tool invocation.
func (r *Router) Call(ctx context.Context, name string, args map[string]any) *Result {
	if args == nil {
		args = map[string]any{}
	}
	desc, ok := r.registry.Lookup(name)
	if !ok {
		return ErrorResult(fmt.Sprintf(
			"unknown tool %q; use tools/list for the catalogue (common tools: join, broadcast, add_task, claim_next, status)", name))
	}

	base := r.resolveAgent(args)
	nick := coord.Nickname(base)
	ctx, span := r.tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("agent.name", nick),
	))
	defer span.End()

	result := r.dispatch(ctx, desc, &Request{Agent: nick, BaseName: base, Args: args})
	if result.IsError {
		span.SetStatus(codes.Error, result.Text)
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		slog.Debug("tools.call_failed", "tool", name, "agent", nick, "error", result.Text)
	}
	return result
}

func (r *Router) dispatch(ctx context.Context, desc Descriptor, req *Request) *Result {
	// Auth first, rate limit second.
	req.Role = coord.RoleWorker
	if r.authEnabled {
		token := argString(req.Args, "token")
		cred, err := r.auth.Authorize(ctx, req.BaseName, token, desc.Permission)
		if err != nil {
			return renderError(err)
		}
		req.Role = cred.Role
	}
	if err := r.limiter.Allow(req.Agent, req.Role, desc.Category); err != nil {
		return renderError(err)
	}

	r.cell.RecordActivity(ctx, desc.Category == ratelimit.TaskOps)
	r.sessions.Touch(req.Agent)

	if desc.Write && !desc.Admin {
		if err := r.engine.CheckWritable(ctx); err != nil {
			return renderError(err)
		}
		// Auto-heartbeat; unknown agents are auto-joined.
		if err := r.engine.Heartbeat(ctx, req.Agent); err != nil {
			if !errors.Is(err, coord.ErrAgentNotFound) {
				return renderError(err)
			}
			if _, err := r.engine.Join(ctx, req.BaseName, coord.JoinParams{Role: req.Role}); err != nil {
				return renderError(err)
			}
			if _, err := r.sessions.Register(ctx, req.Agent); err != nil {
				return renderError(err)
			}
		}
	}
	if desc.JoinRequired {
		if _, err := r.engine.GetAgent(ctx, req.Agent); err != nil {
			if errors.Is(err, coord.ErrAgentNotFound) {
				return ErrorResult(fmt.Sprintf("agent %s has not joined; call join first", req.BaseName)).WithError(err)
			}
			return renderError(err)
		}
	}

	return desc.Handler(ctx, req)
}

// resolveAgent picks the caller's base name: explicit argument, an
// unambiguous active session, then the per-process fallback.
func (r *Router) resolveAgent(args map[string]any) string {
	if name := argString(args, "agent_name"); name != "" {
		return coord.BaseName(name)
	}
	if active := r.sessions.Active(); len(active) == 1 {
		return coord.BaseName(active[0])
	}
	return r.fallbackAgent
}
