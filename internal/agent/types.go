// Package agent implements the backend-agnostic tool calling layer and the
// ReAct loop that drives it: a registry of schema-described tools, wire
// formatters for each LLM dialect, and a loop that alternates between model
// calls and tool execution until the model stops asking for tools.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one chat message in the shape the backend wire format expects.
// Native dialects use role/content plus dialect-specific fields (tool_calls,
// tool_call_id, ...); the generic dialect only ever uses role and content.
type Message map[string]any

// Response is a decoded backend reply. The loop reads it through a
// dialect-agnostic union; formatters know the dialect-specific parts.
type Response map[string]any

// SendFunc is the injected primitive that performs one chat call against a
// backend. It must honor ctx cancellation and deadlines. tools is whatever
// the formatter produced, or nil when tool schemas ride in the system prompt.
type SendFunc func(ctx context.Context, messages []Message, tools any) (Response, error)

// Tool is a named, schema-described function callable by the model.
type Tool interface {
	// Name returns the tool name used in tool calls.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. User-level failures are reported through the
	// result, never as an error; the returned error is reserved for broken
	// invariants.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message renders the result as the string the model sees.
func (r *ToolResult) Message() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// Errorf builds a failed result.
func Errorf(format string, args ...any) *ToolResult {
	return &ToolResult{Error: fmt.Sprintf(format, args...)}
}

// Successf builds a successful result with optional metadata.
func Successf(metadata map[string]any, format string, args ...any) *ToolResult {
	return &ToolResult{
		Success:  true,
		Output:   fmt.Sprintf(format, args...),
		Metadata: metadata,
	}
}

// ParsedToolCall is a tool invocation extracted from a model response.
type ParsedToolCall struct {
	// ID is the dialect's call id when the wire format carries one.
	ID string

	Name      string
	Arguments map[string]any
}

// Formatter adapts the tool registry to one LLM wire dialect.
type Formatter interface {
	// FormatTools converts tools to the dialect's schema value. The generic
	// dialect returns a string to be spliced into the system prompt; native
	// dialects return a slice passed to the backend as-is.
	FormatTools(tools []Tool) any

	// ParseToolCalls extracts tool calls from a backend response.
	ParseToolCalls(resp Response) []ParsedToolCall

	// FormatToolResult shapes one tool result as the message the dialect
	// expects back.
	FormatToolResult(call ParsedToolCall, result string) Message
}
