package tools

import (
	"context"
	"fmt"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

func (r *Router) agentTools() []Descriptor {
	return []Descriptor{
		{
			Name:        protocol.ToolJoin,
			Description: "Join the room; returns the assigned nickname.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":   stringProp("Requested base name"),
				"agent_type":   stringProp("Free-form agent type"),
				"role":         stringProp("reader, worker, or admin"),
				"capabilities": arrayProp("Capability tags"),
			}, "agent_name"),
			Permission: auth.PermJoin,
			Category:   ratelimit.General,
			Handler:    r.handleJoin,
		},
		{
			Name:        protocol.ToolLeave,
			Description: "Leave the room and drop the session.",
			InputSchema: objectSchema(map[string]any{"agent_name": stringProp("Agent name")}, ""),
			Permission:  auth.PermJoin,
			Category:    ratelimit.General,
			Handler:     r.handleLeave,
		},
		{
			Name:        protocol.ToolHeartbeat,
			Description: "Refresh the agent's liveness timestamp.",
			InputSchema: objectSchema(map[string]any{"agent_name": stringProp("Agent name")}, ""),
			Permission:  auth.PermJoin,
			Category:    ratelimit.General,
			Handler:     r.handleHeartbeat,
		},
		{
			Name:        protocol.ToolListAgents,
			Description: "List registered agents.",
			InputSchema: objectSchema(nil, ""),
			Permission:  auth.PermRead,
			Category:    ratelimit.General,
			Handler:     r.handleListAgents,
		},
		{
			Name:         protocol.ToolListen,
			Description:  "Mark the agent as listening for deliveries.",
			InputSchema:  objectSchema(map[string]any{"agent_name": stringProp("Agent name")}, ""),
			Permission:   auth.PermMessage,
			Category:     ratelimit.Broadcast,
			Write:        true,
			JoinRequired: true,
			Handler:      r.handleListen,
		},
		{
			Name:         protocol.ToolUnlisten,
			Description:  "Stop listening for deliveries.",
			InputSchema:  objectSchema(map[string]any{"agent_name": stringProp("Agent name")}, ""),
			Permission:   auth.PermMessage,
			Category:     ratelimit.General,
			Write:        true,
			JoinRequired: true,
			Handler:      r.handleUnlisten,
		},
	}
}

func (r *Router) handleJoin(ctx context.Context, req *Request) *Result {
	agent, err := r.engine.Join(ctx, req.BaseName, coord.JoinParams{
		AgentType:    argString(req.Args, "agent_type"),
		Role:         argString(req.Args, "role"),
		Capabilities: argStrings(req.Args, "capabilities"),
		PID:          argInt(req.Args, "pid", 0),
		Host:         argString(req.Args, "host"),
		TTY:          argString(req.Args, "tty"),
		Worktree:     argString(req.Args, "worktree"),
	})
	if err != nil {
		return renderError(err)
	}
	if _, err := r.sessions.Register(ctx, agent.Name); err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{
		"nickname": agent.Name,
		"role":     agent.Role,
		"status":   agent.Status,
	})
}

func (r *Router) handleLeave(ctx context.Context, req *Request) *Result {
	if err := r.engine.Leave(ctx, req.Agent); err != nil {
		return renderError(err)
	}
	if err := r.sessions.Unregister(ctx, req.Agent); err != nil {
		return renderError(err)
	}
	r.limiter.Reset(req.Agent)
	return NewResult(fmt.Sprintf("%s left the room", req.Agent))
}

func (r *Router) handleHeartbeat(ctx context.Context, req *Request) *Result {
	if err := r.engine.Heartbeat(ctx, req.Agent); err != nil {
		return renderError(err)
	}
	r.sessions.Touch(req.Agent)
	return NewResult("ok")
}

func (r *Router) handleListAgents(ctx context.Context, req *Request) *Result {
	agents, err := r.engine.ListAgents(ctx)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(agents)
}

func (r *Router) handleListen(ctx context.Context, req *Request) *Result {
	if err := r.sessions.SetListening(ctx, req.Agent, true); err != nil {
		return renderError(err)
	}
	if err := r.engine.SetAgentStatus(ctx, req.Agent, coord.AgentListening); err != nil {
		return renderError(err)
	}
	return NewResult("listening")
}

func (r *Router) handleUnlisten(ctx context.Context, req *Request) *Result {
	if err := r.sessions.SetListening(ctx, req.Agent, false); err != nil {
		return renderError(err)
	}
	if err := r.engine.SetAgentStatus(ctx, req.Agent, coord.AgentActive); err != nil {
		return renderError(err)
	}
	return NewResult("stopped listening")
}

// Schema builders shared by the handler tables.

func objectSchema(props map[string]any, required string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{"type": "object", "properties": props}
	if required != "" {
		s["required"] = []string{required}
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func numberProp(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func arrayProp(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}
