package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrUnknownTool reports a tool name outside the oak_* set.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// ToolInfo describes one tool for the relay's register frame.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Tools lists the registered tool surface.
func (s *Server) Tools() []ToolInfo {
	return []ToolInfo{
		{Name: "oak_search", Description: "Semantic search over indexed code, memories and plans"},
		{Name: "oak_fetch", Description: "Fetch file content by path and line range"},
		{Name: "oak_remember", Description: "Store a durable observation"},
		{Name: "oak_plans", Description: "List recorded implementation plans"},
		{Name: "oak_memories", Description: "Browse stored memories"},
	}
}

// CallTool dispatches a named tool with raw JSON arguments and returns
// the structured output. The relay client serves remote calls through
// it without an MCP transport in between.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	switch name {
	case "oak_search":
		return dispatch(ctx, s.oakSearch, args)
	case "oak_fetch":
		return dispatch(ctx, s.oakFetch, args)
	case "oak_remember":
		return dispatch(ctx, s.oakRemember, args)
	case "oak_plans":
		return dispatch(ctx, s.oakPlans, args)
	case "oak_memories":
		return dispatch(ctx, s.oakMemories, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

func dispatch[In, Out any](
	ctx context.Context,
	h func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error),
	args json.RawMessage,
) (json.RawMessage, error) {
	var in In
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	_, out, err := h(ctx, nil, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
