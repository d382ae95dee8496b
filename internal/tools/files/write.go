package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/haasonsaas/dispatch/internal/agent"
)

// WriteTool writes content to a file, creating parent directories as needed.
type WriteTool struct{}

var _ agent.Tool = (*WriteTool)(nil)

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write content to a file. Creates parent directories if needed."
}

func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to write to",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.Errorf("Invalid parameters: %v", err), nil
	}

	path, err := filepath.Abs(input.Path)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return agent.Errorf("%v", err), nil
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return agent.Errorf("%v", err), nil
	}

	return agent.Successf(
		map[string]any{"path": path, "bytes": len(input.Content)},
		"Wrote %d bytes to %s", len(input.Content), path,
	), nil
}
