package server

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tripleyak/web-perception-mcp/kit"
)

// RegisterMCP registers the five web-agent tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerTool(srv, &mcp.Tool{
		Name:        ToolSessionCreate,
		Description: "Create a browser session: launch, navigate to the target URL, and return the initial state snapshot.",
		InputSchema: kit.InputSchema(map[string]any{
			"target_url":      map[string]any{"type": "string", "description": "URL to open (http/https, max 2048 chars)"},
			"viewport":        map[string]any{"type": "object", "description": "Optional viewport {width, height}"},
			"capture_profile": map[string]any{"type": "string", "enum": []string{"adaptive", "dom_only", "frames_only"}},
			"policy_mode":     map[string]any{"type": "string", "enum": []string{"model_owns_action", "deterministic"}},
			"max_steps":       map[string]any{"type": "integer", "minimum": 1, "maximum": 50000},
			"max_duration_ms": map[string]any{"type": "integer", "minimum": 1000},
			"capture":         map[string]any{"type": "object", "description": "Capture overrides incl. max_frames [1,64]"},
			"confidence_gate": map[string]any{"type": "object", "properties": map[string]any{"min_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1}}},
			"max_frame_budget_ms": map[string]any{"type": "integer", "minimum": 1, "maximum": 60000},
		}, []string{"target_url"}),
	})

	s.registerTool(srv, &mcp.Tool{
		Name:        ToolStep,
		Description: "Execute one action in a session and return the post-action state packet.",
		InputSchema: kit.InputSchema(map[string]any{
			"session_id":           map[string]any{"type": "string"},
			"action":               map[string]any{"type": "string", "enum": []string{"navigate", "click", "hover", "type", "press", "scroll", "drag", "wait", "wait_for"}},
			"selector":             map[string]any{"type": "string"},
			"url":                  map[string]any{"type": "string"},
			"text":                 map[string]any{"type": "string"},
			"key":                  map[string]any{"type": "string"},
			"x":                    map[string]any{"type": "number"},
			"y":                    map[string]any{"type": "number"},
			"delta_x":              map[string]any{"type": "number"},
			"delta_y":              map[string]any{"type": "number"},
			"timeout_ms":           map[string]any{"type": "integer", "minimum": 50, "maximum": 120000},
			"max_actions_per_step": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
			"capture":              map[string]any{"type": "object"},
		}, []string{"session_id", "action"}),
	})

	s.registerTool(srv, &mcp.Tool{
		Name:        ToolSnapshot,
		Description: "Build a state packet for a session honoring the include flags literally.",
		InputSchema: kit.InputSchema(map[string]any{
			"session_id":      map[string]any{"type": "string"},
			"include_dom":     map[string]any{"type": "boolean"},
			"include_ax":      map[string]any{"type": "boolean"},
			"include_network": map[string]any{"type": "boolean"},
			"include_frames":  map[string]any{"type": "boolean"},
			"max_frames":      map[string]any{"type": "integer", "minimum": 1, "maximum": 64},
		}, []string{"session_id"}),
	})

	s.registerTool(srv, &mcp.Tool{
		Name:        ToolSessionStop,
		Description: "Stop a session; preserve=false deletes its replay trace.",
		InputSchema: kit.InputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"preserve":   map[string]any{"type": "boolean"},
		}, []string{"session_id"}),
	})

	s.registerTool(srv, &mcp.Tool{
		Name:        ToolReplay,
		Description: "Load replay events for a trace, optionally bounded by inclusive event indices.",
		InputSchema: kit.InputSchema(map[string]any{
			"trace_id": map[string]any{"type": "string"},
			"start":    map[string]any{"type": "integer", "minimum": 1},
			"end":      map[string]any{"type": "integer", "minimum": 1},
		}, []string{"trace_id"}),
	})
}

func (s *Service) registerTool(srv *mcp.Server, tool *mcp.Tool) {
	name := tool.Name

	endpoint := func(ctx context.Context, req any) (any, error) {
		args, _ := req.(json.RawMessage)
		return s.Dispatch(ctx, name, args)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: req.Params.Arguments}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
