package tools

import (
	"context"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/mitosis"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

func (r *Router) mitosisTools() []Descriptor {
	return []Descriptor{
		{
			Name: protocol.ToolMementoMori,
			Description: "Report the context-usage ratio; prepares or executes a " +
				"handoff when thresholds are crossed.",
			InputSchema: objectSchema(map[string]any{
				"agent_name":   stringProp("Caller"),
				"ratio":        numberProp("Context usage ratio between 0 and 1"),
				"full_context": stringProp("Working state to distill into DNA"),
				"current_task": stringProp("What the agent is working on"),
			}, "ratio"),
			Permission: auth.PermJoin,
			Category:   ratelimit.General,
			Handler:    r.handleMementoMori,
		},
		{
			Name:        protocol.ToolMitosisStatus,
			Description: "Report cell state for this node and the fleet.",
			InputSchema: objectSchema(nil, ""),
			Permission:  auth.PermRead,
			Category:    ratelimit.General,
			Handler:     r.handleMitosisStatus,
		},
	}
}

func (r *Router) handleMementoMori(ctx context.Context, req *Request) *Result {
	ratio := argFloat(req.Args, "ratio", -1)
	if ratio < 0 || ratio > 1 {
		return ErrorResult("ratio must be a number between 0 and 1")
	}
	res, err := r.cell.MementoMori(ctx,
		ratio,
		argString(req.Args, "full_context"),
		argString(req.Args, "current_task"),
		nil)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(res)
}

func (r *Router) handleMitosisStatus(ctx context.Context, req *Request) *Result {
	fleet, err := mitosis.FleetStatus(ctx, r.engine.Store())
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{
		"cell":  r.cell.Cell(),
		"fleet": fleet,
	})
}
