package tools

import (
	"context"
	"time"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/ratelimit"
	"github.com/masclabs/masc/pkg/protocol"
)

const defaultWaitTimeout = 30 * time.Second

func (r *Router) messageTools() []Descriptor {
	return []Descriptor{
		{
			Name:        protocol.ToolBroadcast,
			Description: "Post a message to the room; @name mentions are indexed.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Sender"),
				"content":    stringProp("Message body"),
			}, "content"),
			Permission: auth.PermMessage,
			Category:   ratelimit.Broadcast,
			Write:      true,
			Handler:    r.handleBroadcast,
		},
		{
			Name:        protocol.ToolSend,
			Description: "Send a direct message through an open portal.",
			InputSchema: objectSchema(map[string]any{
				"agent_name": stringProp("Sender"),
				"to":         stringProp("Recipient nickname"),
				"content":    stringProp("Message body"),
			}, "to"),
			Permission: auth.PermMessage,
			Category:   ratelimit.Broadcast,
			Write:      true,
			Handler:    r.handleSend,
		},
		{
			Name:        protocol.ToolGetMessages,
			Description: "Read messages after a sequence number, oldest first.",
			InputSchema: objectSchema(map[string]any{
				"since_seq": intProp("Return messages with seq greater than this"),
				"limit":     intProp("Maximum messages to return"),
			}, ""),
			Permission: auth.PermRead,
			Category:   ratelimit.General,
			Handler:    r.handleGetMessages,
		},
		{
			Name:        protocol.ToolWaitForMessage,
			Description: "Block until a new message arrives or the timeout expires.",
			InputSchema: objectSchema(map[string]any{
				"since_seq":       intProp("Wait for messages with seq greater than this"),
				"timeout_seconds": intProp("How long to wait before returning empty"),
			}, ""),
			Permission: auth.PermRead,
			Category:   ratelimit.General,
			Handler:    r.handleWaitForMessage,
		},
	}
}

func (r *Router) handleBroadcast(ctx context.Context, req *Request) *Result {
	content, err := requireString(req.Args, "content")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	msg, err := r.engine.Broadcast(ctx, req.Agent, content)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(msg)
}

func (r *Router) handleSend(ctx context.Context, req *Request) *Result {
	to, err := requireString(req.Args, "to")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	content, err := requireString(req.Args, "content")
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	msg, err := r.engine.Send(ctx, req.Agent, to, content)
	if err != nil {
		return renderError(err)
	}
	r.engine.RecordPortalTask(ctx, req.Agent, to)
	return JSONResult(msg)
}

func (r *Router) handleGetMessages(ctx context.Context, req *Request) *Result {
	since := int64(argInt(req.Args, "since_seq", 0))
	limit := argInt(req.Args, "limit", 50)
	msgs, err := r.engine.GetMessages(ctx, since, limit)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"messages": msgs, "count": len(msgs)})
}

func (r *Router) handleWaitForMessage(ctx context.Context, req *Request) *Result {
	since := int64(argInt(req.Args, "since_seq", 0))
	timeout := defaultWaitTimeout
	if secs := argInt(req.Args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	msgs, err := r.engine.WaitForMessage(ctx, since, timeout)
	if err != nil {
		return renderError(err)
	}
	return JSONResult(map[string]any{"messages": msgs, "count": len(msgs)})
}
