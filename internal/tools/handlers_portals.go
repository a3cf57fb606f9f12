package tools

import (
	"context"
	"fmt"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

func (r *Router) portalTools() []Descriptor {
	return []Descriptor{
		{
			Name:        protocol.ToolOpenPortal,
			Description: "Open a bidirectional direct-message channel to another agent.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Caller"),
				"target":     stringProp("Target agent nickname"),
			}, "target"),
			Permission:   auth.PermPortal,
			Category:     ratelimit.General,
			Write:        true,
			JoinRequired: true,
			Handler:      r.handleOpenPortal,
		},
		{
			Name:        protocol.ToolClosePortal,
			Description: "Close a portal previously opened to another agent.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Caller"),
				"target":     stringProp("Target agent nickname"),
			}, "target"),
			Permission:   auth.PermPortal,
			Category:     ratelimit.General,
			Write:        true,
			JoinRequired: true,
			Handler:      r.handleClosePortal,
		},
		{
			Name:        protocol.ToolListPortals,
			Description: "List portals and their status.",
			InputSchema: objectSchema(nil, ""),
			Permission:  auth.PermRead,
			Category:    ratelimit.General,
			Handler:     r.handleListPortals,
		},
	}
}

func (r *Router) handleOpenPortal(ctx context.Context, req *Request) *Result {
	target, err := requireString(req.Args, "target")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	p, err := r.engine.OpenPortal(ctx, req.Agent, target)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(p)
}

func (r *Router) handleClosePortal(ctx context.Context, req *Request) *Result {
	target, err := requireString(req.Args, "target")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if err := r.engine.ClosePortal(ctx, req.Agent, target); err != nil {
		return renderError(err)
	}
	return NewResult(fmt.Sprintf("portal %s -> %s closed", req.Agent, target))
}

func (r *Router) handleListPortals(ctx context.Context, req *Request) *Result {
	portals, err := r.engine.ListPortals(ctx)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"portals": portals, "count": len(portals)})
}
