package toolconv

import (
	"strings"

	"github.com/haasonsaas/dispatch/internal/agent"
)

// ForBackend returns the formatter for a backend type name. Unknown types
// get the generic text fallback.
func ForBackend(backendType string) agent.Formatter {
	switch strings.ToLower(strings.TrimSpace(backendType)) {
	case "ollama":
		return &OllamaFormatter{}
	case "openai":
		return &OpenAIFormatter{}
	case "claude", "anthropic":
		return &ClaudeFormatter{}
	default:
		return &GenericFormatter{}
	}
}
