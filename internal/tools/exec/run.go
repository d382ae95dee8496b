// Package exec provides the shell execution tool exposed to agents.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/dispatch/internal/agent"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputChars = 20_000
)

// blockedPatterns are substrings that disqualify a command outright.
var blockedPatterns = []string{"rm -rf /", "mkfs", "dd if=", ":(){", "fork bomb"}

// RunTool executes shell commands with a timeout and captured output.
type RunTool struct{}

var _ agent.Tool = (*RunTool)(nil)

func (t *RunTool) Name() string { return "run_command" }

func (t *RunTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *RunTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory (default '.')",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 30)",
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *RunTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return agent.Errorf("Invalid parameters: %v", err), nil
	}
	if input.Cwd == "" {
		input.Cwd = "."
	}
	timeout := defaultTimeout
	if input.Timeout > 0 {
		timeout = time.Duration(input.Timeout) * time.Second
	}

	cwd, err := filepath.Abs(input.Cwd)
	if err != nil {
		return agent.Errorf("%v", err), nil
	}
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return agent.Errorf("Working directory not found: %s", input.Cwd), nil
	}

	lower := strings.ToLower(input.Command)
	for _, pattern := range blockedPatterns {
		if strings.Contains(lower, pattern) {
			return agent.Errorf("Blocked dangerous command pattern: %s", pattern), nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(runCtx, "sh", "-c", input.Command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return agent.Errorf("Command timed out after %ds", int(timeout.Seconds())), nil
	}

	stdoutText := strings.TrimSpace(stdout.String())
	stderrText := strings.TrimSpace(stderr.String())
	if len(stdoutText) > maxOutputChars {
		stdoutText = stdoutText[:maxOutputChars] + "\n... (truncated)"
	}

	output := stdoutText
	if stderrText != "" {
		if output != "" {
			output += "\n\nSTDERR:\n" + stderrText
		} else {
			output = "STDERR:\n" + stderrText
		}
	}
	if output == "" {
		output = "(no output)"
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *osexec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return agent.Errorf("%v", runErr), nil
		}
	}

	result := &agent.ToolResult{
		Success:  exitCode == 0,
		Output:   output,
		Metadata: map[string]any{"return_code": exitCode},
	}
	if exitCode != 0 {
		result.Error = stderrText
		if result.Error == "" {
			result.Error = cmd.ProcessState.String()
		}
	}
	return result, nil
}
