// Package router scores (model, backend) pairs for analyzed tasks and
// feeds execution outcomes back into future decisions.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/analyzer"
	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/models"
)

// Scoring weights across the four axes; they sum to 1.0.
const (
	capabilityWeight = 0.40
	qualityWeight    = 0.25
	speedWeight      = 0.20
	contextWeight    = 0.15
)

// outcomeWindow bounds the retained history per (model, task type).
const outcomeWindow = 100

// hardcodedFallback is the model of last resort when nothing is installed.
const hardcodedFallback = "qwen2.5:7b"

// Alternative is a runner-up candidate in a routing decision.
type Alternative struct {
	Model   string  `json:"model"`
	Score   float64 `json:"score"`
	Backend string  `json:"backend,omitempty"`
}

// Decision is the outcome of routing one analyzed task.
type Decision struct {
	Model        string        `json:"model"`
	BackendName  string        `json:"backend_name,omitempty"`
	Score        float64       `json:"score"`
	Reason       string        `json:"reason"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// Outcome records how one routed execution went.
type Outcome struct {
	Model       string
	TaskType    string
	Success     bool
	DurationMS  float64
	BackendName string
	Timestamp   time.Time
}

// Options tune a single routing call.
type Options struct {
	// PreferSpeed biases scoring towards faster models.
	PreferSpeed bool

	// PreferredModels get a flat score boost, in priority order.
	PreferredModels []string

	// FallbackModel is used when no candidate matches the analysis.
	FallbackModel string
}

// Router selects the best (model, backend) pair for a task analysis.
type Router struct {
	registry *models.Registry
	manager  *backend.Manager
	logger   *slog.Logger

	mu       sync.Mutex
	outcomes map[string]map[string][]Outcome
}

// New builds a router over the model registry and backend manager.
func New(registry *models.Registry, manager *backend.Manager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		manager:  manager,
		logger:   logger,
		outcomes: make(map[string]map[string][]Outcome),
	}
}

// Route picks a (model, backend) pair for the analysis. It never fails:
// when no candidate matches it falls back to the configured fallback model,
// then any installed model, then a hard-coded default.
func (r *Router) Route(ctx context.Context, analysis analyzer.Analysis, opts Options) Decision {
	minQuality := models.ToolCallingGood
	if analysis.Complexity == analyzer.Simple {
		minQuality = models.ToolCallingBasic
	}

	candidates := r.registry.BestModelsFor(ctx, analysis.Tags, minQuality, opts.PreferSpeed)
	if len(candidates) == 0 {
		return r.fallbackDecision(ctx, opts)
	}

	type scored struct {
		score   float64
		model   *models.Installed
		backend string
	}
	var ranked []scored

	for _, candidate := range candidates {
		profile := candidate.Profile
		if profile == nil {
			continue
		}

		score := r.scoreModel(profile, analysis, opts.PreferSpeed)
		for _, preferred := range opts.PreferredModels {
			if candidate.Name == preferred {
				score += 20
				break
			}
		}
		score += r.performanceAdjustment(candidate.Name, string(analysis.TaskType))

		bestBackend, backendBonus := r.scoreBackends(candidate.Backends)
		score += backendBonus

		ranked = append(ranked, scored{score: score, model: candidate, backend: bestBackend})
	}

	if len(ranked) == 0 {
		return r.fallbackDecision(ctx, opts)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	best := ranked[0]
	var alternatives []Alternative
	for _, alt := range ranked[1:] {
		if len(alternatives) == 3 {
			break
		}
		alternatives = append(alternatives, Alternative{
			Model:   alt.model.Name,
			Score:   round2(alt.score),
			Backend: alt.backend,
		})
	}

	return Decision{
		Model:        best.model.Name,
		BackendName:  best.backend,
		Score:        round2(best.score),
		Reason:       explainChoice(best.model, analysis, best.backend),
		Alternatives: alternatives,
	}
}

func (r *Router) fallbackDecision(ctx context.Context, opts Options) Decision {
	if opts.FallbackModel != "" {
		backendName := ""
		if snap, ok := r.manager.BestForModel(opts.FallbackModel); ok {
			backendName = snap.Name
		}
		return Decision{
			Model:       opts.FallbackModel,
			BackendName: backendName,
			Reason:      "fallback (no matching models found)",
		}
	}

	installed := r.registry.InstalledModels(ctx)
	if len(installed) > 0 {
		first := installed[0]
		backendName, _ := r.scoreBackends(first.Backends)
		return Decision{
			Model:       first.Name,
			BackendName: backendName,
			Reason:      "default (no matching models)",
		}
	}

	return Decision{
		Model:  hardcodedFallback,
		Reason: "hardcoded fallback (no models found)",
	}
}

// scoreModel rates a model for the analysis across the four weighted axes
// plus the additive bonuses.
func (r *Router) scoreModel(profile *models.Profile, analysis analyzer.Analysis, preferSpeed bool) float64 {
	score := 0.0

	if len(profile.TaskTags) > 0 && len(analysis.Tags) > 0 {
		matching := 0
		for _, tag := range analysis.Tags {
			if profile.HasTag(tag) {
				matching++
			}
		}
		total := len(analysis.Tags)
		if total < 1 {
			total = 1
		}
		score += float64(matching) / float64(total) * 100 * capabilityWeight
	}

	score += float64(profile.QualityRating) * 10 * qualityWeight

	speedMult := speedWeight
	if preferSpeed {
		speedMult *= 2
	}
	score += float64(profile.SpeedRating) * 10 * speedMult

	if analysis.Complexity == analyzer.Complex {
		switch {
		case profile.ContextWindow >= 32768:
			score += 100 * contextWeight
		case profile.ContextWindow >= 16384:
			score += 50 * contextWeight
		}
	} else {
		score += 50 * contextWeight
	}

	switch profile.ToolCalling {
	case models.ToolCallingExcellent:
		score += 15
	case models.ToolCallingGood:
		score += 10
	case models.ToolCallingBasic:
		score += 5
	}

	if analysis.Complexity == analyzer.Complex && profile.QualityRating >= 8 {
		score += 10
	}
	if analysis.Complexity == analyzer.Simple && profile.SpeedRating >= 8 {
		score += 10
	}

	return score
}

// scoreBackends picks the best available backend hosting the model and
// returns its bonus, floored at zero.
func (r *Router) scoreBackends(backendNames []string) (string, float64) {
	if r.manager == nil || len(backendNames) == 0 {
		if len(backendNames) > 0 {
			return backendNames[0], 0
		}
		return "", 0
	}

	bestName := ""
	bestBonus := -100.0

	for _, name := range backendNames {
		snap, ok := r.manager.Snapshot(name)
		if !ok || !snap.IsAvailable() {
			continue
		}

		bonus := float64(snap.Priority) * 5
		bonus -= snap.LoadRatio() * 15
		if snap.AvgLatencyMS > 0 {
			switch {
			case snap.AvgLatencyMS < 5000:
				bonus += 5
			case snap.AvgLatencyMS < 15000:
				// neutral
			default:
				bonus -= 5
			}
		}
		if total := snap.TotalCompleted + snap.TotalErrors; total > 5 {
			errorRate := float64(snap.TotalErrors) / float64(total)
			bonus -= errorRate * 20
		}

		if bonus > bestBonus {
			bestBonus = bonus
			bestName = name
		}
	}

	if bestBonus < 0 {
		bestBonus = 0
	}
	return bestName, bestBonus
}

// performanceAdjustment shifts the score by measured success once at least
// three outcomes exist for the (model, task type) pair.
func (r *Router) performanceAdjustment(model, taskType string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcomes := r.outcomes[model][taskType]
	if len(outcomes) < 3 {
		return 0
	}
	recent := outcomes
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	successes := 0
	for _, o := range recent {
		if o.Success {
			successes++
		}
	}
	successRate := float64(successes) / float64(len(recent))
	return (successRate - 0.5) * 20
}

// RecordOutcome appends an execution outcome to the bounded window for the
// (model, task type) pair.
func (r *Router) RecordOutcome(model, taskType string, success bool, durationMS float64, backendName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.outcomes[model]
	if !ok {
		byType = make(map[string][]Outcome)
		r.outcomes[model] = byType
	}
	window := append(byType[taskType], Outcome{
		Model:       model,
		TaskType:    taskType,
		Success:     success,
		DurationMS:  durationMS,
		BackendName: backendName,
		Timestamp:   time.Now(),
	})
	if len(window) > outcomeWindow {
		window = window[len(window)-outcomeWindow:]
	}
	byType[taskType] = window

	r.logger.Info("routing outcome recorded",
		"model", model, "task_type", taskType, "success", success, "backend", backendName)
}

// Stats reports per-(model, task type) totals, success rates, and average
// durations.
func (r *Router) Stats() map[string]map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]map[string]map[string]any)
	for model, byType := range r.outcomes {
		modelStats := make(map[string]map[string]any)
		for taskType, outcomes := range byType {
			if len(outcomes) == 0 {
				continue
			}
			successes := 0
			totalDuration := 0.0
			for _, o := range outcomes {
				if o.Success {
					successes++
				}
				totalDuration += o.DurationMS
			}
			modelStats[taskType] = map[string]any{
				"total":           len(outcomes),
				"success_rate":    round3(float64(successes) / float64(len(outcomes))),
				"avg_duration_ms": round1(totalDuration / float64(len(outcomes))),
			}
		}
		if len(modelStats) > 0 {
			stats[model] = modelStats
		}
	}
	return stats
}

func explainChoice(candidate *models.Installed, analysis analyzer.Analysis, backendName string) string {
	profile := candidate.Profile
	if profile == nil {
		return fmt.Sprintf("selected %s (no profile)", candidate.Name)
	}

	parts := []string{fmt.Sprintf("%s tool calling", profile.ToolCalling)}
	var matching []string
	for _, tag := range analysis.Tags {
		if profile.HasTag(tag) {
			matching = append(matching, tag)
		}
	}
	if len(matching) > 0 {
		parts = append(parts, "matches tags: "+strings.Join(matching, ", "))
	}
	parts = append(parts,
		fmt.Sprintf("quality=%d/10", profile.QualityRating),
		fmt.Sprintf("speed=%d/10", profile.SpeedRating))
	if backendName != "" {
		parts = append(parts, "backend="+backendName)
	}
	return strings.Join(parts, "; ")
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
