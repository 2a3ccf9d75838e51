package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/replay"
)

var testMCPImpl = &mcp.Implementation{Name: "webagent-test", Version: "0.1.0"}

func mcpSession(t *testing.T) (*mcp.ClientSession, *fakeOps, *replay.Store) {
	t.Helper()
	ops := newFakeOps()
	store := replay.NewStore(t.TempDir(), nil)
	svc := NewService(ops, store, nil, guard.URLRules{}, nil)

	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, ops, store
}

func TestMCP_ListTools(t *testing.T) {
	session, _, _ := mcpSession(t)

	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		ToolSessionCreate: false,
		ToolStep:          false,
		ToolSnapshot:      false,
		ToolSessionStop:   false,
		ToolReplay:        false,
	}
	for _, tool := range res.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("tool %s not registered", name)
		}
	}
}

func TestMCP_ReplayRoundTrip(t *testing.T) {
	session, _, store := mcpSession(t)
	for i := 1; i <= 3; i++ {
		if err := store.Append("t1", replay.Event{Type: replay.EventStep, Index: i, At: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolReplay,
		Arguments: map[string]any{"trace_id": "t1"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %+v", result.Content)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}

	var rr ReplayResult
	if err := json.Unmarshal([]byte(tc.Text), &rr); err != nil {
		t.Fatal(err)
	}
	if rr.Total != 3 || rr.TraceID != "t1" {
		t.Fatalf("replay: %+v", rr)
	}
}

func TestMCP_ValidationErrorSurfacesAsToolError(t *testing.T) {
	session, ops, _ := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolSessionCreate,
		Arguments: map[string]any{"target_url": "ftp://nope.com"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error")
	}
	if len(result.Content) == 0 {
		t.Fatal("expected error content")
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	if !strings.Contains(tc.Text, guard.CodeInvalidScheme) {
		t.Fatalf("error: %s", tc.Text)
	}
	if len(ops.created) != 0 {
		t.Fatal("validation failure must not reach the manager")
	}
}
