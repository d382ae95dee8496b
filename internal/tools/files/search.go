package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/dispatch/internal/agent"
)

const (
	maxSearchMatches = 100
	maxSearchFiles   = 500
	maxSearchSize    = 1_000_000
)

// SearchTool greps file contents for a regex pattern.
type SearchTool struct{}

var _ agent.Tool = (*SearchTool)(nil)

func (t *SearchTool) Name() string { return "search_files" }

func (t *SearchTool) Description() string {
	return "Search file contents using a regex pattern. Like grep -rn."
}

func (t *SearchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Root directory to search (default '.')",
			},
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regex pattern to search for",
			},
			"file_glob": map[string]any{
				"type":        "string",
				"description": "Glob to filter files (e.g. '*.go')",
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		Pattern  string `json:"pattern"`
		FileGlob string `json:"file_glob"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.Errorf("Invalid parameters: %v", err), nil
	}
	if input.Path == "" {
		input.Path = "."
	}
	if input.FileGlob == "" {
		input.FileGlob = "*"
	}

	root, err := filepath.Abs(input.Path)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}
	if _, err := os.Stat(root); err != nil {
		return agent.Errorf("Path not found: %s", input.Path), nil
	}

	regex, err := regexp.Compile("(?i)" + input.Pattern)
	if err != nil {
		return agent.Errorf("Invalid regex: %v", err), nil
	}

	var matches []string
	filesSearched := 0

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if entry.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(input.FileGlob, entry.Name()); !ok {
			return nil
		}
		if filesSearched >= maxSearchFiles || len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}

		info, err := entry.Info()
		if err != nil || info.Size() > maxSearchSize {
			return nil
		}
		filesSearched++

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		for i, line := range strings.Split(string(data), "\n") {
			if regex.MatchString(line) {
				matches = append(matches, fmt.Sprintf("  %s:%d  %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxSearchMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return agent.Errorf("%v", walkErr), nil
	}

	header := fmt.Sprintf("Searched %d files for /%s/", filesSearched, input.Pattern)
	if len(matches) == 0 {
		return &agent.ToolResult{Success: true, Output: header + "\nNo matches found."}, nil
	}
	output := header + fmt.Sprintf("\n%d matches:\n", len(matches)) + strings.Join(matches, "\n")
	return &agent.ToolResult{
		Success:  true,
		Output:   output,
		Metadata: map[string]any{"matches": len(matches)},
	}, nil
}
