package toolconv

import (
	"encoding/json"

	"github.com/haasonsaas/dispatch/internal/agent"
)

// OllamaFormatter speaks the Ollama /api/chat native tool dialect. The tool
// schema shape matches OpenAI's, so it reuses the same conversion.
type OllamaFormatter struct{}

var _ agent.Formatter = (*OllamaFormatter)(nil)

// FormatTools returns the tools in the function schema Ollama accepts.
func (f *OllamaFormatter) FormatTools(tools []agent.Tool) any {
	return ToOpenAITools(tools)
}

// ParseToolCalls extracts tool calls from message.tool_calls. Arguments
// arrive either as an object or as a JSON string depending on the model.
func (f *OllamaFormatter) ParseToolCalls(resp agent.Response) []agent.ParsedToolCall {
	message, ok := resp["message"].(map[string]any)
	if !ok {
		return nil
	}
	var calls []agent.ParsedToolCall
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
	return calls
}

// FormatToolResult shapes a tool result as an Ollama tool-role message.
func (f *OllamaFormatter) FormatToolResult(call agent.ParsedToolCall, result string) agent.Message {
	return agent.Message{
		"role":    "tool",
		"content": result,
	}
}

// decodeArguments accepts either a decoded object or a JSON string. Bad JSON
// degrades to an empty map so the tool sees a validation error instead of
// the loop crashing.
func decodeArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var args map[string]any
		if err := json.Unmarshal([]byte(v), &args); err != nil || args == nil {
			return map[string]any{}
		}
		return args
	case json.RawMessage:
		var args map[string]any
		if err := json.Unmarshal(v, &args); err != nil || args == nil {
			return map[string]any{}
		}
		return args
	default:
		return map[string]any{}
	}
}

func asSlice(raw any) []any {
	s, _ := raw.([]any)
	return s
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
