package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/haasonsaas/dispatch/internal/agent"
)

// ToAnthropicTools converts internal tools to Anthropic tool definitions.
func ToAnthropicTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param, err := ToAnthropicTool(tool)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single tool to an Anthropic tool definition.
func ToAnthropicTool(tool agent.Tool) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
	}
	toolParam.OfTool.Description = anthropic.String(tool.Description())
	return toolParam, nil
}

// ClaudeFormatter speaks the Anthropic Messages API tool_use dialect.
type ClaudeFormatter struct{}

var _ agent.Formatter = (*ClaudeFormatter)(nil)

// FormatTools returns the tools as Anthropic tool definitions. A tool whose
// schema fails to convert is dropped rather than failing the whole run.
func (f *ClaudeFormatter) FormatTools(tools []agent.Tool) any {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param, err := ToAnthropicTool(tool)
		if err != nil {
			continue
		}
		result = append(result, param)
	}
	return result
}

// ParseToolCalls extracts tool_use blocks from the response content.
func (f *ClaudeFormatter) ParseToolCalls(resp agent.Response) []agent.ParsedToolCall {
	var calls []agent.ParsedToolCall
	for _, raw := range asSlice(resp["content"]) {
		block, ok := raw.(map[string]any)
		if !ok || block["type"] != "tool_use" {
			continue
		}
		name := stringField(block, "name")
		if name == "" {
			continue
		}
		args, _ := block["input"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, agent.ParsedToolCall{
			ID:        stringField(block, "id"),
			Name:      name,
			Arguments: args,
		})
	}
	return calls
}

// FormatToolResult shapes a tool result as a tool_result content block.
func (f *ClaudeFormatter) FormatToolResult(call agent.ParsedToolCall, result string) agent.Message {
	return agent.Message{
		"type":        "tool_result",
		"tool_use_id": call.ID,
		"content":     result,
	}
}
