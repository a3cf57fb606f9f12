// Package rpc serves the MASC JSON-RPC 2.0 surface over stdio and HTTP.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/masclabs/masc/internal/coord"
	"github.com/masclabs/masc/internal/tools"
	"github.com/masclabs/masc/pkg/protocol"
)

// Server dispatches decoded JSON-RPC requests to the tool router and the
// resource readers. It is safe for concurrent use.
type Server struct {
	router  *tools.Router
	engine  *coord.Engine
	version string

	initialized atomic.Bool
}

// NewServer wires the RPC surface.
func NewServer(router *tools.Router, engine *coord.Engine, version string) *Server {
	return &Server{router: router, engine: engine, version: version}
}

// Handle processes one raw JSON-RPC message and returns the encoded
// response, or nil for notifications.
func (s *Server) Handle(ctx context.Context, raw []byte) []byte {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(protocol.NewErrorResponse(nil, protocol.CodeParseError, "parse error: invalid JSON"))
	}
	if req.JSONRPC != "2.0" {
		return encode(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, `missing or wrong "jsonrpc" version`))
	}
	if !req.ValidID() {
		return encode(protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, "id must be a string, number, or null"))
	}

	resp := s.dispatch(ctx, &req)
	if req.IsNotification() {
		return nil
	}
	return encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(req)
	case protocol.MethodInitialized, protocol.MethodNotificationsInit:
		return protocol.NewResponse(req.ID, map[string]any{})
	case protocol.MethodToolsList:
		return s.handleToolsList(req)
	case protocol.MethodToolsCall:
		return s.handleToolsCall(ctx, req)
	case protocol.MethodResourcesList:
		return s.handleResourcesList(req)
	case protocol.MethodResourcesRead:
		return s.handleResourcesRead(ctx, req)
	case protocol.MethodResourcesTemplates:
		return protocol.NewResponse(req.ID, map[string]any{"resourceTemplates": []any{}})
	case protocol.MethodPromptsList:
		return protocol.NewResponse(req.ID, map[string]any{"prompts": []any{}})
	default:
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) handleInitialize(req *protocol.Request) *protocol.Response {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "invalid initialize params")
		}
	}
	s.initialized.Store(true)
	slog.Info("rpc.initialize",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"offered_protocol", params.ProtocolVersion)
	return protocol.NewResponse(req.ID, protocol.InitializeResult{
		ProtocolVersion: protocol.LatestMCPVersion,
		ServerInfo:      protocol.ServerInfo{Name: "masc", Version: s.version},
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		Instructions: "MASC coordination room. Call join first, then use the task, message, lock, and portal tools.",
	})
}

func (s *Server) handleToolsList(req *protocol.Request) *protocol.Response {
	descs := s.router.Registry().List()
	out := make([]protocol.ToolDescriptor, 0, len(descs))
	for _, d := range descs {
		out = append(out, protocol.ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return protocol.NewResponse(req.ID, map[string]any{"tools": out})
}

// toolsCallParams is the tools/call params payload.
type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "tools/call requires a tool name")
	}
	result := s.router.Call(ctx, params.Name, params.Arguments)
	return protocol.NewResponse(req.ID, protocol.TextResult(result.Text, result.IsError))
}

// Room resources exposed under the masc:// scheme.
var resourceCatalogue = []protocol.ResourceDescriptor{
	{URI: protocol.URIScheme + "status", Name: "Room status", Description: "Room state, agents, backlog, and locks", MimeType: "application/json"},
	{URI: protocol.URIScheme + "agents", Name: "Agents", Description: "Registered agents", MimeType: "application/json"},
	{URI: protocol.URIScheme + "tasks", Name: "Backlog", Description: "Shared task backlog", MimeType: "application/json"},
	{URI: protocol.URIScheme + "messages", Name: "Messages", Description: "Room messages; supports since_seq and limit query params", MimeType: "application/json"},
	{URI: protocol.URIScheme + "events", Name: "Events", Description: "Room events; supports since_seq and limit query params", MimeType: "application/json"},
	{URI: protocol.URIScheme + "schema", Name: "Schema", Description: "Protocol and tool catalogue summary", MimeType: "application/json"},
}

func (s *Server) handleResourcesList(req *protocol.Request) *protocol.Response {
	return protocol.NewResponse(req.ID, map[string]any{"resources": resourceCatalogue})
}

// resourcesReadParams is the resources/read params payload.
type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesRead(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "resources/read requires a uri")
	}
	text, err := s.readResource(ctx, params.URI)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	return protocol.NewResponse(req.ID, map[string]any{
		"contents": []protocol.ResourceContents{{
			URI:      params.URI,
			MimeType: "application/json",
			Text:     text,
		}},
	})
}

func (s *Server) readResource(ctx context.Context, uri string) (string, error) {
	if !strings.HasPrefix(uri, protocol.URIScheme) {
		return "", fmt.Errorf("unsupported uri scheme in %q", uri)
	}
	rest := strings.TrimPrefix(uri, protocol.URIScheme)
	name, query, _ := strings.Cut(rest, "?")
	since, limit := readWindow(query)

	var v any
	switch name {
	case "status":
		state, err := s.engine.State(ctx)
		if err != nil {
			return "", err
		}
		agents, err := s.engine.ListAgents(ctx)
		if err != nil {
			return "", err
		}
		v = map[string]any{"room": state, "agents": agents}
	case "agents":
		agents, err := s.engine.ListAgents(ctx)
		if err != nil {
			return "", err
		}
		v = map[string]any{"agents": agents}
	case "tasks":
		b, err := s.engine.GetBacklog(ctx)
		if err != nil {
			return "", err
		}
		v = b
	case "messages":
		msgs, err := s.engine.GetMessages(ctx, since, limit)
		if err != nil {
			return "", err
		}
		v = map[string]any{"messages": msgs}
	case "events":
		events, err := s.engine.GetEvents(ctx, since, limit)
		if err != nil {
			return "", err
		}
		v = map[string]any{"events": events}
	case "schema":
		v = map[string]any{
			"protocol_version": protocol.ProtocolVersion,
			"mcp_version":      protocol.LatestMCPVersion,
			"tool_count":       len(s.router.Registry().List()),
			"resources":        resourceCatalogue,
		}
	default:
		return "", fmt.Errorf("unknown resource %q", name)
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode resource: %w", err)
	}
	return string(out), nil
}

// readWindow parses since_seq and limit from a resource query string.
func readWindow(query string) (int64, int) {
	since, limit := int64(0), 50
	if query == "" {
		return since, limit
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return since, limit
	}
	if v, err := strconv.ParseInt(values.Get("since_seq"), 10, 64); err == nil {
		since = v
	}
	if v, err := strconv.Atoi(values.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	return since, limit
}

func encode(resp *protocol.Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error("rpc.encode_failed", "error", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"encoding failure"}}`)
	}
	return out
}
