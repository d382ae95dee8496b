package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
)

const (
	// DefaultMaxIterations bounds the number of send/execute rounds.
	DefaultMaxIterations = 10

	// keepRecent messages at the tail of the conversation are never pruned.
	keepRecent = 6

	// maxResultChars caps intermediate message content during pruning.
	maxResultChars = 800
)

// LoopConfig configures an agent loop run.
type LoopConfig struct {
	// MaxIterations limits send/execute rounds. Default: 10.
	MaxIterations int

	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string

	// OnToolCall fires after each executed tool call. Panics are swallowed;
	// the loop never depends on observers.
	OnToolCall func(models.ToolCallEvent)

	// Logger receives structured progress logs. Nil disables logging.
	Logger *slog.Logger
}

// Result is the final outcome of an agent loop run.
type Result struct {
	Response        string
	ToolCalls       []models.ToolCallEvent
	Iterations      int
	TotalDurationMS float64
	StoppedReason   string // "complete" or "max_iterations"
}

// Loop is a ReAct-style driver: it sends the conversation to a backend,
// executes any tool calls the model returns, appends the results, and
// repeats until the model stops calling tools or the iteration cap is hit.
type Loop struct {
	registry  *ToolRegistry
	formatter Formatter
	send      SendFunc
	config    LoopConfig
}

// NewLoop creates a loop over the given registry, dialect formatter, and
// send primitive.
func NewLoop(registry *ToolRegistry, formatter Formatter, send SendFunc, config LoopConfig) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Loop{
		registry:  registry,
		formatter: formatter,
		send:      send,
		config:    config,
	}
}

// Run executes the loop for one user message.
func (l *Loop) Run(ctx context.Context, userMessage string) (*Result, error) {
	start := time.Now()

	formatted := l.formatter.FormatTools(l.registry.List())

	messages := make([]Message, 0, 8)
	system := l.config.SystemPrompt
	if manual, ok := formatted.(string); ok {
		// Generic dialect: tool manual rides in the system prompt and no
		// tools value is passed to the backend.
		if system != "" {
			system = system + "\n\n" + manual
		} else {
			system = manual
		}
		formatted = nil
	}
	if system != "" {
		messages = append(messages, Message{"role": "system", "content": system})
	}
	messages = append(messages, Message{"role": "user", "content": userMessage})

	var events []models.ToolCallEvent
	finalResponse := ""
	lastText := ""
	iteration := 0
	stopped := ""

	for iteration < l.config.MaxIterations {
		iteration++

		resp, err := l.send(ctx, pruneContext(messages), formatted)
		if err != nil {
			return nil, err
		}

		lastText = ExtractText(resp)
		calls := l.formatter.ParseToolCalls(resp)

		if len(calls) == 0 {
			finalResponse = lastText
			stopped = "complete"
			break
		}

		messages = append(messages, buildAssistantMessage(resp, lastText))

		for _, call := range calls {
			t0 := time.Now()
			result := l.registry.Execute(ctx, call.Name, call.Arguments)
			duration := float64(time.Since(t0)) / float64(time.Millisecond)

			event := models.ToolCallEvent{
				Iteration:  iteration,
				ToolName:   call.Name,
				Arguments:  call.Arguments,
				Success:    result.Success,
				DurationMS: duration,
			}
			events = append(events, event)
			l.notify(event)

			if l.config.Logger != nil {
				l.config.Logger.Debug("tool executed",
					"tool", call.Name,
					"success", result.Success,
					"duration_ms", duration,
					"iteration", iteration)
			}

			messages = append(messages, l.formatter.FormatToolResult(call, result.Message()))
		}
	}

	if stopped == "" {
		stopped = "max_iterations"
		finalResponse = lastText
		if finalResponse == "" {
			finalResponse = "(agent reached maximum iterations)"
		}
	}

	return &Result{
		Response:        finalResponse,
		ToolCalls:       events,
		Iterations:      iteration,
		TotalDurationMS: float64(time.Since(start)) / float64(time.Millisecond),
		StoppedReason:   stopped,
	}, nil
}

func (l *Loop) notify(event models.ToolCallEvent) {
	if l.config.OnToolCall == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && l.config.Logger != nil {
			l.config.Logger.Warn("tool call observer panicked", "panic", r)
		}
	}()
	l.config.OnToolCall(event)
}

// pruneContext bounds conversation growth before each send. The system
// message and the last keepRecent messages stay verbatim; anything in
// between with string content over maxResultChars is truncated. Trimmed
// messages are copies; the caller's slice is never mutated.
func pruneContext(messages []Message) []Message {
	if len(messages) <= keepRecent+2 {
		return messages
	}
	protectedTail := len(messages) - keepRecent
	pruned := make([]Message, 0, len(messages))
	for i, msg := range messages {
		if i == 0 || i >= protectedTail {
			pruned = append(pruned, msg)
			continue
		}
		content, ok := msg["content"].(string)
		if ok && len(content) > maxResultChars {
			trimmed := make(Message, len(msg))
			for k, v := range msg {
				trimmed[k] = v
			}
			trimmed["content"] = content[:maxResultChars] + " ... [truncated]"
			pruned = append(pruned, trimmed)
			continue
		}
		pruned = append(pruned, msg)
	}
	return pruned
}

// ExtractText pulls the visible assistant text out of a backend response,
// regardless of dialect: Ollama chat, generate-style, OpenAI, or Claude.
func ExtractText(resp Response) string {
	if message, ok := resp["message"].(map[string]any); ok {
		if content, ok := message["content"].(string); ok && content != "" {
			return content
		}
	}

	if text, ok := resp["response"].(string); ok && text != "" {
		return text
	}

	if choices, ok := resp["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content
				}
			}
		}
	}

	if blocks, ok := resp["content"].([]any); ok {
		text := ""
		for _, raw := range blocks {
			block, ok := raw.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if t, ok := block["text"].(string); ok {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		}
		return text
	}

	return ""
}

// buildAssistantMessage mirrors the model output back into the conversation.
// Native tool_calls fields are preserved so the backend sees its own calls.
func buildAssistantMessage(resp Response, text string) Message {
	if message, ok := resp["message"].(map[string]any); ok {
		if _, has := message["tool_calls"]; has {
			msg := Message{"role": "assistant"}
			for k, v := range message {
				msg[k] = v
			}
			return msg
		}
	}
	return Message{"role": "assistant", "content": text}
}
