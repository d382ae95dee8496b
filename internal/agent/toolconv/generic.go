package toolconv

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/dispatch/internal/agent"
)

// GenericFormatter is the fallback for models without native tool support.
// Tool descriptions are spliced into the system prompt, and tool calls are
// parsed from <tool_call>{json}</tool_call> blocks in the response text.
type GenericFormatter struct{}

var _ agent.Formatter = (*GenericFormatter)(nil)

var toolCallPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// FormatTools returns a tool manual string for the system prompt.
func (f *GenericFormatter) FormatTools(tools []agent.Tool) any {
	var b strings.Builder
	b.WriteString("You have access to the following tools. To use a tool, output a " +
		"<tool_call> block with a JSON object containing 'name' and 'arguments'.\n\n" +
		"Available tools:\n")

	for _, tool := range tools {
		fmt.Fprintf(&b, "\n  %s: %s\n", tool.Name(), tool.Description())

		var schema struct {
			Properties map[string]struct {
				Description string `json:"description"`
			} `json:"properties"`
			Required []string `json:"required"`
		}
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil || len(schema.Properties) == 0 {
			continue
		}
		required := make(map[string]bool, len(schema.Required))
		for _, name := range schema.Required {
			required[name] = true
		}
		b.WriteString("  Parameters:\n")
		for _, name := range sortedKeys(schema.Properties) {
			suffix := ""
			if required[name] {
				suffix = " (required)"
			}
			fmt.Fprintf(&b, "    - %s: %s%s\n", name, schema.Properties[name].Description, suffix)
		}
	}

	b.WriteString("\nExample tool call:\n" +
		`<tool_call>{"name": "read_file", "arguments": {"path": "src/main.go"}}</tool_call>` + "\n\n" +
		"After receiving tool results, continue your analysis. " +
		"You may call multiple tools in sequence.")
	return b.String()
}

// ParseToolCalls extracts <tool_call> blocks from the response text.
// Blocks with invalid JSON are skipped.
func (f *GenericFormatter) ParseToolCalls(resp agent.Response) []agent.ParsedToolCall {
	text := ""
	switch message := resp["message"].(type) {
	case map[string]any:
		text, _ = message["content"].(string)
	case string:
		text = message
	}
	if text == "" {
		text, _ = resp["response"].(string)
	}

	var calls []agent.ParsedToolCall
	for _, match := range toolCallPattern.FindAllStringSubmatch(text, -1) {
		var payload struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(match[1]), &payload); err != nil {
			continue
		}
		if payload.Name == "" {
			continue
		}
		if payload.Arguments == nil {
			payload.Arguments = map[string]any{}
		}
		calls = append(calls, agent.ParsedToolCall{
			Name:      payload.Name,
			Arguments: payload.Arguments,
		})
	}
	return calls
}

// FormatToolResult wraps the result in a <tool_result> block on a user
// message, since the model has no tool role in this dialect.
func (f *GenericFormatter) FormatToolResult(call agent.ParsedToolCall, result string) agent.Message {
	return agent.Message{
		"role":    "user",
		"content": fmt.Sprintf("<tool_result name=%q>\n%s\n</tool_result>", call.Name, result),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
