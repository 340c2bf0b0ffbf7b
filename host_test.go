package mcp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-host"
)

// newHostServer builds a mock transport/server pair answering the list
// methods with fixed inventories.
func newHostServer(tools []mcp.Tool, resources []mcp.Resource, prompts []mcp.Prompt) (*mockTransport, *mockServer) {
	transport := newMockTransport()
	server := newMockServer(transport, allCaps())
	server.setHandler("tools/list", func(mcp.JSONRPCMessage) (any, *mcp.JSONRPCError) {
		return mcp.ListToolsResult{Tools: tools}, nil
	})
	server.setHandler("resources/list", func(mcp.JSONRPCMessage) (any, *mcp.JSONRPCError) {
		return mcp.ListResourcesResult{Resources: resources}, nil
	})
	server.setHandler("prompts/list", func(mcp.JSONRPCMessage) (any, *mcp.JSONRPCError) {
		return mcp.ListPromptResult{Prompts: prompts}, nil
	})
	return transport, server
}

func TestHostAggregation(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	alphaTransport, _ := newHostServer(
		[]mcp.Tool{{Name: "search"}, {Name: "fetch"}},
		[]mcp.Resource{{URI: "file:///a", Name: "a"}},
		[]mcp.Prompt{{Name: "summarize"}},
	)
	betaTransport, _ := newHostServer(
		[]mcp.Tool{{Name: "search"}}, // same name on another connection is fine
		nil,
		nil,
	)

	if _, err := host.Connect(context.Background(), "alpha", alphaTransport); err != nil {
		t.Fatalf("failed to connect alpha: %v", err)
	}
	if _, err := host.Connect(context.Background(), "beta", betaTransport); err != nil {
		t.Fatalf("failed to connect beta: %v", err)
	}

	tools := host.AvailableTools()
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3: %+v", len(tools), tools)
	}
	byConn := map[string]int{}
	for _, tool := range tools {
		byConn[tool.ConnectionID]++
	}
	if byConn["alpha"] != 2 || byConn["beta"] != 1 {
		t.Errorf("got tool spread %v", byConn)
	}

	if got := len(host.AvailableResources()); got != 1 {
		t.Errorf("got %d resources, want 1", got)
	}
	if got := len(host.AvailablePrompts()); got != 1 {
		t.Errorf("got %d prompts, want 1", got)
	}

	conns := host.Connections()
	if len(conns) != 2 || conns[0].ID() != "alpha" || conns[1].ID() != "beta" {
		t.Errorf("got connections %v", conns)
	}
}

func TestHostDuplicateConnectionID(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	transport, _ := newHostServer(nil, nil, nil)
	if _, err := host.Connect(context.Background(), "dup", transport); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	other, _ := newHostServer(nil, nil, nil)
	if _, err := host.Connect(context.Background(), "dup", other); err == nil {
		t.Error("expected error for duplicate connection id")
	}
}

func TestHostToolFilter(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	transport, _ := newHostServer(
		[]mcp.Tool{{Name: "db_read"}, {Name: "db_delete"}, {Name: "search"}},
		nil, nil,
	)

	_, err := host.Connect(context.Background(), "filtered", transport,
		mcp.WithToolFilter(nil, []string{"*_delete"}))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	tools := host.AvailableTools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2: %+v", len(tools), tools)
	}
	for _, tool := range tools {
		if tool.Tool.Name == "db_delete" {
			t.Error("denied tool leaked through the filter")
		}
	}
}

func TestHostRefreshOnListChanged(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	transport, server := newHostServer([]mcp.Tool{{Name: "one"}}, nil, nil)

	conn, err := host.Connect(context.Background(), "changing", transport)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if got := len(conn.Tools()); got != 1 {
		t.Fatalf("got %d tools after connect, want 1", got)
	}

	// The server grows a tool and announces the change.
	server.setHandler("tools/list", func(mcp.JSONRPCMessage) (any, *mcp.JSONRPCError) {
		return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "one"}, {Name: "two"}}}, nil
	})

	transport.deliver(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	waitFor(t, "tool cache refresh", func() bool {
		return len(conn.Tools()) == 2
	})
}

func TestHostCallToolUpdatesActivity(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	transport, server := newHostServer([]mcp.Tool{{Name: "echo"}}, nil, nil)
	server.setHandler("tools/call", func(mcp.JSONRPCMessage) (any, *mcp.JSONRPCError) {
		return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "ok"}}}, nil
	})

	conn, err := host.Connect(context.Background(), "worker", transport)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	before := conn.LastActivity()
	time.Sleep(20 * time.Millisecond)

	result, err := host.CallTool(context.Background(), "worker", mcp.CallToolParams{Name: "echo"})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Errorf("got result %+v", result)
	}

	if !conn.LastActivity().After(before) {
		t.Error("activity timestamp not updated by a successful call")
	}

	if _, err := host.CallTool(context.Background(), "missing", mcp.CallToolParams{Name: "echo"}); err == nil {
		t.Error("expected error for unknown connection")
	}
}

func TestHostInactiveConnections(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	transport, _ := newHostServer(nil, nil, nil)
	if _, err := host.Connect(context.Background(), "idle", transport); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if got := len(host.InactiveConnections(time.Hour)); got != 0 {
		t.Errorf("got %d inactive connections, want 0", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := len(host.InactiveConnections(time.Millisecond)); got != 1 {
		t.Errorf("got %d inactive connections, want 1", got)
	}
}

func TestHostFailedConnections(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	healthy, _ := newHostServer(nil, nil, nil)
	doomed, _ := newHostServer(nil, nil, nil)

	if _, err := host.Connect(context.Background(), "healthy", healthy); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if _, err := host.Connect(context.Background(), "doomed", doomed); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	doomed.fail(errors.New("wire snapped"))

	waitFor(t, "failed connection to surface", func() bool {
		failed := host.FailedConnections()
		return len(failed) == 1 && failed[0].ID() == "doomed"
	})
}

func TestHostConnectionsSupporting(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	full, _ := newHostServer(nil, nil, nil)

	bareTransport := newMockTransport()
	_ = newMockServer(bareTransport, mcp.ServerCapabilities{})

	if _, err := host.Connect(context.Background(), "full", full); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if _, err := host.Connect(context.Background(), "bare", bareTransport); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	for _, feature := range []string{"tools", "resources", "prompts", "logging"} {
		conns := host.ConnectionsSupporting(feature)
		if len(conns) != 1 || conns[0].ID() != "full" {
			t.Errorf("feature %s: got %d connections", feature, len(conns))
		}
	}
}

func TestHostDisconnect(t *testing.T) {
	host := mcp.NewHost(mcp.Info{Name: "test-host", Version: "0.1.0"})
	defer host.Close()

	transport, _ := newHostServer([]mcp.Tool{{Name: "gone"}}, nil, nil)
	conn, err := host.Connect(context.Background(), "temp", transport)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if err := host.Disconnect("temp"); err != nil {
		t.Fatalf("failed to disconnect: %v", err)
	}

	if _, ok := host.Connection("temp"); ok {
		t.Error("connection still present after disconnect")
	}
	if got := len(host.AvailableTools()); got != 0 {
		t.Errorf("got %d tools after disconnect, want 0", got)
	}
	if got := conn.Status(); got != mcp.StateDisconnected {
		t.Errorf("got status %s, want disconnected", got)
	}

	if err := host.Disconnect("temp"); err == nil {
		t.Error("expected error for unknown connection")
	}
}
