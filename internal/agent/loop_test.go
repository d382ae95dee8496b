package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/dispatch/pkg/models"
)

type echoTool struct {
	calls []map[string]any
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("%v", err), nil
	}
	var args map[string]any
	json.Unmarshal(params, &args)
	t.calls = append(t.calls, args)
	return &ToolResult{Success: true, Output: "echo: " + input.Text}, nil
}

// scriptedFormatter parses tool calls out of a canned "tool_calls" field the
// tests plant in responses.
type scriptedFormatter struct{}

func (f *scriptedFormatter) FormatTools(tools []Tool) any { return []any{} }

func (f *scriptedFormatter) ParseToolCalls(resp Response) []ParsedToolCall {
	raw, ok := resp["test_tool_calls"].([]ParsedToolCall)
	if !ok {
		return nil
	}
	return raw
}

func (f *scriptedFormatter) FormatToolResult(call ParsedToolCall, result string) Message {
	return Message{"role": "tool", "content": result}
}

func textResponse(text string) Response {
	return Response{"message": map[string]any{"content": text}}
}

func TestLoopCompletesWithoutTools(t *testing.T) {
	sends := 0
	send := func(ctx context.Context, messages []Message, tools any) (Response, error) {
		sends++
		return textResponse("all done"), nil
	}

	loop := NewLoop(NewToolRegistry(), &scriptedFormatter{}, send, LoopConfig{})
	result, err := loop.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sends != 1 {
		t.Fatalf("expected exactly 1 send, got %d", sends)
	}
	if result.StoppedReason != "complete" {
		t.Fatalf("stopped_reason = %q, want complete", result.StoppedReason)
	}
	if result.Response != "all done" {
		t.Fatalf("response = %q", result.Response)
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %d", len(result.ToolCalls))
	}
	if result.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", result.Iterations)
	}
}

func TestLoopExecutesToolsThenCompletes(t *testing.T) {
	tool := &echoTool{}
	registry := NewToolRegistry()
	registry.Register(tool)

	sends := 0
	send := func(ctx context.Context, messages []Message, tools any) (Response, error) {
		sends++
		if sends == 1 {
			resp := textResponse("using a tool")
			resp["test_tool_calls"] = []ParsedToolCall{
				{Name: "echo", Arguments: map[string]any{"text": "hi"}},
			}
			return resp, nil
		}
		// Second send must see the assistant message plus a tool message.
		if len(messages) != 4 {
			t.Fatalf("second send got %d messages, want 4", len(messages))
		}
		if messages[2]["role"] != "assistant" {
			t.Fatalf("messages[2] role = %v, want assistant", messages[2]["role"])
		}
		if messages[3]["role"] != "tool" {
			t.Fatalf("messages[3] role = %v, want tool", messages[3]["role"])
		}
		if got := messages[3]["content"]; got != "echo: hi" {
			t.Fatalf("tool message content = %v", got)
		}
		return textResponse("final answer"), nil
	}

	loop := NewLoop(registry, &scriptedFormatter{}, send, LoopConfig{SystemPrompt: "sys"})
	result, err := loop.Run(context.Background(), "do it")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Response != "final answer" {
		t.Fatalf("response = %q", result.Response)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ToolName != "echo" {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	if !result.ToolCalls[0].Success {
		t.Fatal("tool call should have succeeded")
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", result.Iterations)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	tool := &echoTool{}
	registry := NewToolRegistry()
	registry.Register(tool)

	const limit = 4
	sends := 0
	send := func(ctx context.Context, messages []Message, tools any) (Response, error) {
		sends++
		resp := textResponse("still working")
		resp["test_tool_calls"] = []ParsedToolCall{
			{Name: "echo", Arguments: map[string]any{"text": "again"}},
		}
		return resp, nil
	}

	loop := NewLoop(registry, &scriptedFormatter{}, send, LoopConfig{MaxIterations: limit})
	result, err := loop.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sends != limit {
		t.Fatalf("sends = %d, want exactly %d", sends, limit)
	}
	if result.StoppedReason != "max_iterations" {
		t.Fatalf("stopped_reason = %q, want max_iterations", result.StoppedReason)
	}
	if result.Response != "still working" {
		t.Fatalf("response = %q", result.Response)
	}
	if result.Iterations != limit {
		t.Fatalf("iterations = %d, want %d", result.Iterations, limit)
	}
}

func TestLoopObserverPanicSwallowed(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&echoTool{})

	sends := 0
	send := func(ctx context.Context, messages []Message, tools any) (Response, error) {
		sends++
		if sends == 1 {
			resp := textResponse("")
			resp["test_tool_calls"] = []ParsedToolCall{
				{Name: "echo", Arguments: map[string]any{"text": "x"}},
			}
			return resp, nil
		}
		return textResponse("done"), nil
	}

	loop := NewLoop(registry, &scriptedFormatter{}, send, LoopConfig{
		OnToolCall: func(models.ToolCallEvent) { panic("observer bug") },
	})
	result, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.StoppedReason != "complete" {
		t.Fatalf("stopped_reason = %q", result.StoppedReason)
	}
}

func TestLoopGenericManualRidesSystemPrompt(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&echoTool{})

	var gotTools any = "sentinel"
	var firstMessages []Message
	send := func(ctx context.Context, messages []Message, tools any) (Response, error) {
		gotTools = tools
		firstMessages = messages
		return textResponse("done"), nil
	}

	manualFormatter := &manualOnlyFormatter{}
	loop := NewLoop(registry, manualFormatter, send, LoopConfig{SystemPrompt: "base prompt"})
	if _, err := loop.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if gotTools != nil {
		t.Fatalf("tools should be nil for the generic dialect, got %v", gotTools)
	}
	system, _ := firstMessages[0]["content"].(string)
	if !strings.Contains(system, "base prompt") || !strings.Contains(system, "TOOL MANUAL") {
		t.Fatalf("system prompt missing manual: %q", system)
	}
}

type manualOnlyFormatter struct{}

func (f *manualOnlyFormatter) FormatTools(tools []Tool) any { return "TOOL MANUAL" }
func (f *manualOnlyFormatter) ParseToolCalls(resp Response) []ParsedToolCall {
	return nil
}
func (f *manualOnlyFormatter) FormatToolResult(call ParsedToolCall, result string) Message {
	return Message{"role": "user", "content": result}
}

func TestPruneContext(t *testing.T) {
	long := strings.Repeat("x", 2000)
	messages := []Message{
		{"role": "system", "content": long},
		{"role": "user", "content": long},
		{"role": "assistant", "content": long},
	}
	for range keepRecent {
		messages = append(messages, Message{"role": "tool", "content": long})
	}

	pruned := pruneContext(messages)
	if len(pruned) != len(messages) {
		t.Fatalf("pruning must not drop messages: %d != %d", len(pruned), len(messages))
	}

	// System message is verbatim.
	if got := pruned[0]["content"].(string); len(got) != 2000 {
		t.Fatalf("system message was truncated to %d chars", len(got))
	}

	// Middle messages are truncated with the marker.
	for i := 1; i < len(pruned)-keepRecent; i++ {
		content := pruned[i]["content"].(string)
		if !strings.HasSuffix(content, "... [truncated]") {
			t.Fatalf("message %d not truncated: %d chars", i, len(content))
		}
		if len(content) >= 2000 {
			t.Fatalf("message %d still full length", i)
		}
	}

	// The last keepRecent messages stay verbatim.
	for i := len(pruned) - keepRecent; i < len(pruned); i++ {
		if got := pruned[i]["content"].(string); len(got) != 2000 {
			t.Fatalf("protected message %d truncated to %d chars", i, len(got))
		}
	}

	// Originals are untouched.
	for i, msg := range messages {
		if len(msg["content"].(string)) != 2000 {
			t.Fatalf("original message %d mutated", i)
		}
	}
}

func TestPruneContextShortConversationUntouched(t *testing.T) {
	long := strings.Repeat("y", 5000)
	messages := []Message{
		{"role": "system", "content": long},
		{"role": "user", "content": long},
	}
	pruned := pruneContext(messages)
	for i := range pruned {
		if len(pruned[i]["content"].(string)) != 5000 {
			t.Fatalf("short conversation message %d truncated", i)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{
			name: "ollama chat",
			resp: Response{"message": map[string]any{"content": "hi"}},
			want: "hi",
		},
		{
			name: "generate style",
			resp: Response{"response": "raw"},
			want: "raw",
		},
		{
			name: "openai",
			resp: Response{"choices": []any{
				map[string]any{"message": map[string]any{"content": "choice text"}},
			}},
			want: "choice text",
		},
		{
			name: "claude blocks",
			resp: Response{"content": []any{
				map[string]any{"type": "text", "text": "one"},
				map[string]any{"type": "tool_use", "name": "x"},
				map[string]any{"type": "text", "text": "two"},
			}},
			want: "one\ntwo",
		},
		{
			name: "empty",
			resp: Response{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.resp); got != tt.want {
				t.Fatalf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
