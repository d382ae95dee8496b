// Package tools wires the builtin tool set into an agent registry.
package tools

import (
	"github.com/haasonsaas/dispatch/internal/agent"
	"github.com/haasonsaas/dispatch/internal/tools/exec"
	"github.com/haasonsaas/dispatch/internal/tools/files"
)

// RegisterBuiltin registers the baseline filesystem and shell tools into the
// registry, creating one when nil is passed.
func RegisterBuiltin(registry *agent.ToolRegistry) *agent.ToolRegistry {
	if registry == nil {
		registry = agent.NewToolRegistry()
	}
	registry.Register(&files.ReadTool{})
	registry.Register(&files.ListTool{})
	registry.Register(&files.SearchTool{})
	registry.Register(&files.WriteTool{})
	registry.Register(&files.InfoTool{})
	registry.Register(&exec.RunTool{})
	return registry
}
