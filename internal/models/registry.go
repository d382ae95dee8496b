package models

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/config"
)

// refreshInterval throttles backend discovery sweeps.
const refreshInterval = 60 * time.Second

// Installed merges a discovered model with its static profile.
type Installed struct {
	Name      string   `json:"name"`
	SizeBytes int64    `json:"size_bytes"`
	Backends  []string `json:"backends"`
	Profile   *Profile `json:"-"`
}

// Registry discovers the set of installed models across backends and merges
// the result with the static capability catalog.
type Registry struct {
	manager *backend.Manager
	client  *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	installed   map[string]*Installed
	lastRefresh time.Time
	interval    time.Duration
}

// NewRegistry builds a registry over the backend manager.
func NewRegistry(manager *backend.Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		manager:   manager,
		client:    &http.Client{},
		logger:    logger,
		installed: make(map[string]*Installed),
		interval:  refreshInterval,
	}
}

// Refresh queries every enabled ollama backend concurrently and rebuilds the
// installed set. Sweeps are throttled to the refresh interval unless forced.
func (r *Registry) Refresh(ctx context.Context, force bool) {
	r.mu.Lock()
	if !force && time.Since(r.lastRefresh) < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	type discovery struct {
		backendName string
		models      []backend.CatalogModel
	}

	snaps := r.manager.Snapshots()
	results := make(chan discovery, len(snaps))
	var wg sync.WaitGroup
	for _, snap := range snaps {
		if snap.Type != config.BackendOllama || !snap.Enabled {
			continue
		}
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			found, err := backend.FetchCatalog(ctx, r.client, url)
			if err != nil {
				r.logger.Warn("model discovery failed", "backend", name, "error", err)
				return
			}
			results <- discovery{backendName: name, models: found}
		}(snap.Name, snap.URL)
	}
	wg.Wait()
	close(results)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed = make(map[string]*Installed)
	for d := range results {
		for _, model := range d.models {
			r.mergeLocked(model, d.backendName)
		}
	}
	r.logger.Info("model registry refreshed", "count", len(r.installed))
}

// mergeLocked folds one discovered model in, appending the backend when the
// model is already known.
func (r *Registry) mergeLocked(model backend.CatalogModel, backendName string) {
	if existing, ok := r.installed[model.Name]; ok {
		for _, b := range existing.Backends {
			if b == backendName {
				return
			}
		}
		existing.Backends = append(existing.Backends, backendName)
		return
	}
	r.installed[model.Name] = &Installed{
		Name:      model.Name,
		SizeBytes: model.Size,
		Backends:  []string{backendName},
		Profile:   LookupProfile(model.Name),
	}
}

// InstalledModels returns every discovered model, sorted by name.
func (r *Registry) InstalledModels(ctx context.Context) []*Installed {
	r.Refresh(ctx, false)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Installed, 0, len(r.installed))
	for _, m := range r.installed {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolCapableModels returns models whose profile marks tool calling at
// basic or better, plus heuristic matches on known tool-capable families.
func (r *Registry) ToolCapableModels(ctx context.Context) []*Installed {
	var out []*Installed
	seen := map[string]bool{}
	for _, m := range r.InstalledModels(ctx) {
		if m.Profile != nil && m.Profile.SupportsToolCalling() {
			out = append(out, m)
			seen[m.Name] = true
		}
	}
	for _, m := range r.InstalledModels(ctx) {
		if seen[m.Name] {
			continue
		}
		lower := strings.ToLower(m.Name)
		for _, family := range toolCapableFamilies {
			if strings.Contains(lower, family) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// BestModelsFor ranks installed models for a task. Models whose tool calling
// is below minQuality are filtered out; the rest are scored by tool calling
// level, tag overlap, quality, speed (weighted up when preferSpeed), and
// context window, best first.
func (r *Registry) BestModelsFor(ctx context.Context, taskTags []string, minQuality ToolCallingQuality, preferSpeed bool) []*Installed {
	type scored struct {
		score float64
		model *Installed
	}
	var ranked []scored

	minLevel := minQuality.Level()
	for _, m := range r.InstalledModels(ctx) {
		profile := m.Profile
		if profile == nil {
			continue
		}
		level := profile.ToolCalling.Level()
		if level < minLevel {
			continue
		}
		score := float64(level)

		matching := 0
		for _, tag := range taskTags {
			if profile.HasTag(tag) {
				matching++
			}
		}
		score += float64(matching) * 10

		score += float64(profile.QualityRating) * 3
		if preferSpeed {
			score += float64(profile.SpeedRating) * 4
		} else {
			score += float64(profile.SpeedRating)
		}

		if profile.ContextWindow >= 32768 {
			score += 5
		}
		if profile.ContextWindow >= 128000 {
			score += 5
		}

		ranked = append(ranked, scored{score: score, model: m})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	out := make([]*Installed, len(ranked))
	for i, s := range ranked {
		out[i] = s.model
	}
	return out
}

// BackendsForModel returns which backends host a model, trying an exact
// name first, then a base-name partial match.
func (r *Registry) BackendsForModel(ctx context.Context, name string) []string {
	r.Refresh(ctx, false)
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.installed[name]; ok {
		return append([]string(nil), m.Backends...)
	}
	base := strings.SplitN(name, ":", 2)[0]
	keys := make([]string, 0, len(r.installed))
	for key := range r.installed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.Contains(key, base) {
			return append([]string(nil), r.installed[key].Backends...)
		}
	}
	return nil
}

// IsInstalled reports whether a model (or its base-name family) is present.
func (r *Registry) IsInstalled(ctx context.Context, name string) bool {
	return len(r.BackendsForModel(ctx, name)) > 0
}

// Stats summarizes the registry for status endpoints.
func (r *Registry) Stats(ctx context.Context) map[string]any {
	installed := r.InstalledModels(ctx)
	toolCapable := len(r.ToolCapableModels(ctx))

	var totalSize int64
	profiled := 0
	backends := map[string]bool{}
	for _, m := range installed {
		totalSize += m.SizeBytes
		if m.Profile != nil {
			profiled++
		}
		for _, b := range m.Backends {
			backends[b] = true
		}
	}
	return map[string]any{
		"total_installed":  len(installed),
		"with_profiles":    profiled,
		"tool_capable":     toolCapable,
		"total_size_gb":    float64(totalSize) / (1 << 30),
		"static_profiles":  CatalogSize(),
		"backends_queried": len(backends),
	}
}
