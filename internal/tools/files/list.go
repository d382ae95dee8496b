package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/dispatch/internal/agent"
)

const maxListEntries = 200

// ListTool lists directory contents with an optional glob pattern.
type ListTool struct{}

var _ agent.Tool = (*ListTool)(nil)

func (t *ListTool) Name() string { return "list_directory" }

func (t *ListTool) Description() string {
	return "List files and directories. Supports glob patterns."
}

func (t *ListTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path (default '.')",
			},
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern filter (default '*')",
			},
		},
		"required": []string{},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.Errorf("Invalid parameters: %v", err), nil
	}
	if input.Path == "" {
		input.Path = "."
	}
	if input.Pattern == "" {
		input.Pattern = "*"
	}

	dir, err := filepath.Abs(input.Path)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return agent.Errorf("Directory not found: %s", input.Path), nil
	}
	if !info.IsDir() {
		return agent.Errorf("Not a directory: %s", input.Path), nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, input.Pattern))
	if err != nil {
		return agent.Errorf("Invalid glob pattern: %v", err), nil
	}
	sort.Strings(matches)

	var lines []string
	for i, entry := range matches {
		if i >= maxListEntries {
			break
		}
		st, err := os.Stat(entry)
		if err != nil {
			continue
		}
		kind := "FILE"
		size := ""
		if st.IsDir() {
			kind = "DIR "
		} else {
			size = fmt.Sprintf(" (%d bytes)", st.Size())
		}
		lines = append(lines, fmt.Sprintf("  %s  %s%s", kind, filepath.Base(entry), size))
	}

	total := len(matches)
	header := fmt.Sprintf("Directory: %s\n%d entries", dir, total)
	if total > maxListEntries {
		header += fmt.Sprintf(" (showing first %d)", maxListEntries)
	}

	return &agent.ToolResult{
		Success:  true,
		Output:   header + "\n" + strings.Join(lines, "\n"),
		Metadata: map[string]any{"path": dir, "count": total},
	}, nil
}
