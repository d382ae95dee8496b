package agent

import (
	"context"
	"strings"
	"testing"
)

func TestRegistryExecuteUnknownTool(t *testing.T) {
	registry := NewToolRegistry()
	result := registry.Execute(context.Background(), "nope", nil)
	if result.Success {
		t.Fatal("unknown tool must fail")
	}
	if !strings.Contains(result.Error, "Unknown tool") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestRegistryExecuteValidatesRequiredArgs(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&echoTool{})

	result := registry.Execute(context.Background(), "echo", map[string]any{})
	if result.Success {
		t.Fatal("missing required arg must fail validation")
	}
	if !strings.Contains(result.Error, "Invalid arguments") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestRegistryExecuteSuccess(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&echoTool{})

	result := registry.Execute(context.Background(), "echo", map[string]any{"text": "ping"})
	if !result.Success {
		t.Fatalf("execute failed: %s", result.Error)
	}
	if result.Output != "echo: ping" {
		t.Fatalf("output = %q", result.Output)
	}
}

func TestRegistryListAndUnregister(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&echoTool{})

	tools := registry.List()
	if len(tools) != 1 || tools[0].Name() != "echo" {
		t.Fatalf("tools = %v", tools)
	}

	registry.Unregister("echo")
	if len(registry.List()) != 0 {
		t.Fatal("unregister did not remove the tool")
	}
}

func TestToolResultMessage(t *testing.T) {
	ok := &ToolResult{Success: true, Output: "fine"}
	if ok.Message() != "fine" {
		t.Fatalf("success message = %q", ok.Message())
	}
	bad := &ToolResult{Error: "boom"}
	if bad.Message() != "Error: boom" {
		t.Fatalf("failure message = %q", bad.Message())
	}
}
