// Package files provides the filesystem tools exposed to agents: reading,
// listing, searching, writing, and inspecting files.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/dispatch/internal/agent"
)

const defaultMaxLines = 500

// ReadTool reads a file and returns numbered lines.
type ReadTool struct{}

var _ agent.Tool = (*ReadTool)(nil)

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read the contents of a file. Returns numbered lines."
}

func (t *ReadTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
			"max_lines": map[string]any{
				"type":        "integer",
				"description": "Maximum lines to read (default 500)",
			},
		},
		"required": []string{"path"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		MaxLines int    `json:"max_lines"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.Errorf("Invalid parameters: %v", err), nil
	}
	if input.MaxLines <= 0 {
		input.MaxLines = defaultMaxLines
	}

	path, err := filepath.Abs(input.Path)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return agent.Errorf("File not found: %s", input.Path), nil
	}
	if info.IsDir() {
		return agent.Errorf("Not a file: %s", input.Path), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	total := len(lines)
	truncated := total > input.MaxLines
	if truncated {
		lines = lines[:input.MaxLines]
	}

	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%5d | %s\n", i+1, line)
	}
	output := strings.TrimSuffix(b.String(), "\n")
	if truncated {
		output += fmt.Sprintf("\n\n... (truncated at %d lines, %d total)", input.MaxLines, total)
	}

	return &agent.ToolResult{
		Success: true,
		Output:  output,
		Metadata: map[string]any{
			"path":      path,
			"lines":     len(lines),
			"truncated": truncated,
		},
	}, nil
}
