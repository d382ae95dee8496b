package instance

import (
	"strings"

	modelcat "github.com/haasonsaas/dispatch/internal/models"
)

// knownToolFamilies matches models that speak native tool calling even when
// the static catalog has no entry for them.
var knownToolFamilies = []string{
	"qwen2.5", "qwen2:", "devstral", "mistral-nemo",
	"llama3.1", "llama3.2", "llama3.3",
	"command-r", "firefunction", "hermes",
}

// ModelSupportsTools reports whether a model can drive native tool calling,
// checking its catalog profile first and name-family heuristics second.
func ModelSupportsTools(model string) bool {
	if profile := modelcat.LookupProfile(model); profile != nil {
		return profile.SupportsToolCalling()
	}
	lower := strings.ToLower(model)
	for _, family := range knownToolFamilies {
		if strings.Contains(lower, family) {
			return true
		}
	}
	return false
}
