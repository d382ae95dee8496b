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

// InfoTool reports metadata about a file or directory.
type InfoTool struct{}

var _ agent.Tool = (*InfoTool)(nil)

func (t *InfoTool) Name() string { return "get_file_info" }

func (t *InfoTool) Description() string {
	return "Get metadata about a file or directory (size, dates, type)."
}

func (t *InfoTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to inspect",
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

func (t *InfoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.Errorf("Invalid parameters: %v", err), nil
	}

	path, err := filepath.Abs(input.Path)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return agent.Errorf("Path not found: %s", input.Path), nil
	}

	kind := "file"
	if st.IsDir() {
		kind = "directory"
	}
	info := map[string]any{
		"path":       path,
		"name":       filepath.Base(path),
		"type":       kind,
		"size_bytes": st.Size(),
		"modified":   st.ModTime().Format("2006-01-02T15:04:05"),
	}
	if !st.IsDir() {
		info["extension"] = filepath.Ext(path)
		info["size_human"] = humanSize(st.Size())
	}

	keys := []string{"path", "name", "type", "size_bytes", "modified", "extension", "size_human"}
	var lines []string
	for _, k := range keys {
		if v, ok := info[k]; ok {
			lines = append(lines, fmt.Sprintf("  %s: %v", k, v))
		}
	}
	return &agent.ToolResult{
		Success:  true,
		Output:   strings.Join(lines, "\n"),
		Metadata: info,
	}, nil
}

func humanSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}
