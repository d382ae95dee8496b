// Package toolconv adapts the tool registry to the wire dialects spoken by
// the supported backends: Ollama native, OpenAI native, Claude native, and a
// generic text fallback for models without tool support.
package toolconv

import (
	"encoding/json"

	"github.com/haasonsaas/dispatch/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAITools converts internal tool definitions to OpenAI function schema.
// Both the OpenAI and Ollama chat dialects accept this shape.
func ToOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// OpenAIFormatter speaks the OpenAI chat-completions function calling dialect.
type OpenAIFormatter struct{}

var _ agent.Formatter = (*OpenAIFormatter)(nil)

// FormatTools returns the tools in OpenAI function schema.
func (f *OpenAIFormatter) FormatTools(tools []agent.Tool) any {
	return ToOpenAITools(tools)
}

// ParseToolCalls extracts tool calls from choices[0].message.tool_calls.
// String-encoded arguments are JSON-decoded, falling back to an empty map.
func (f *OpenAIFormatter) ParseToolCalls(resp agent.Response) []agent.ParsedToolCall {
	var calls []agent.ParsedToolCall
	choices, ok := resp["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	for _, rawChoice := range choices[:1] {
		choice, ok := rawChoice.(map[string]any)
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		for _, rawCall := range asSlice(message["tool_calls"]) {
			tc, ok := rawCall.(map[string]any)
			if !ok {
				continue
			}
			fn, ok := tc["function"].(map[string]any)
			if !ok {
				continue
			}
			name, _ := fn["name"].(string)
			if name == "" {
				continue
			}
			calls = append(calls, agent.ParsedToolCall{
				ID:        stringField(tc, "id"),
				Name:      name,
				Arguments: decodeArguments(fn["arguments"]),
			})
		}
	}
	return calls
}

// FormatToolResult shapes a tool result as an OpenAI tool-role message.
func (f *OpenAIFormatter) FormatToolResult(call agent.ParsedToolCall, result string) agent.Message {
	return agent.Message{
		"role":         "tool",
		"tool_call_id": call.ID,
		"content":      result,
	}
}
