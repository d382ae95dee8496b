// Package backend tracks inference endpoints: health, concurrency budgets,
// latency, and model discovery. The manager is the single authority for
// slot accounting; acquire and release are atomic under one lock.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/config"
)

// Health is the probe-derived status of a backend.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

const (
	// healthInterval is the period of the background health loop.
	healthInterval = 30 * time.Second

	// probeTimeout is the hard deadline for one catalog probe.
	probeTimeout = 10 * time.Second
)

// state is the runtime record for one endpoint. All mutable fields are
// guarded by the manager's lock.
type state struct {
	cfg              config.BackendEndpoint
	health           Health
	activeRequests   int
	totalCompleted   int64
	totalErrors      int64
	avgLatencyMS     float64
	lastCheck        time.Time
	lastError        string
	discoveredModels []string
	client           *http.Client
}

func (s *state) availableSlots() int {
	slots := s.cfg.MaxConcurrent - s.activeRequests
	if slots < 0 {
		return 0
	}
	return slots
}

func (s *state) isAvailable() bool {
	return s.cfg.Enabled &&
		(s.health == HealthHealthy || s.health == HealthUnknown) &&
		s.availableSlots() > 0
}

func (s *state) loadRatio() float64 {
	if s.cfg.MaxConcurrent == 0 {
		return 1.0
	}
	return float64(s.activeRequests) / float64(s.cfg.MaxConcurrent)
}

// Snapshot is a point-in-time copy of a backend's state, safe to read
// without holding the manager lock.
type Snapshot struct {
	Name             string             `json:"name"`
	Type             config.BackendType `json:"type"`
	URL              string             `json:"url"`
	Health           Health             `json:"health"`
	Enabled          bool               `json:"enabled"`
	ConfiguredModels []string           `json:"configured_models"`
	DiscoveredModels []string           `json:"discovered_models"`
	MaxConcurrent    int                `json:"max_concurrent"`
	ActiveRequests   int                `json:"active_requests"`
	AvailableSlots   int                `json:"available_slots"`
	TotalCompleted   int64              `json:"total_completed"`
	TotalErrors      int64              `json:"total_errors"`
	AvgLatencyMS     float64            `json:"avg_latency_ms"`
	Priority         int                `json:"priority"`
	LastCheck        time.Time          `json:"last_check,omitzero"`
	LastError        string             `json:"last_error,omitempty"`
}

// IsAvailable reports whether the backend could accept work at snapshot time.
func (s Snapshot) IsAvailable() bool {
	return s.Enabled &&
		(s.Health == HealthHealthy || s.Health == HealthUnknown) &&
		s.AvailableSlots > 0
}

// LoadRatio is active requests over capacity.
func (s Snapshot) LoadRatio() float64 {
	if s.MaxConcurrent == 0 {
		return 1.0
	}
	return float64(s.ActiveRequests) / float64(s.MaxConcurrent)
}

// HasModel matches a model against the configured and discovered sets,
// exactly or on the colon-stripped base name.
func (s Snapshot) HasModel(model string) bool {
	base := strings.SplitN(model, ":", 2)[0]
	for _, set := range [][]string{s.ConfiguredModels, s.DiscoveredModels} {
		for _, m := range set {
			if model == m || strings.SplitN(m, ":", 2)[0] == base {
				return true
			}
		}
	}
	return false
}

// Manager holds the enabled backends and runs their health loop.
type Manager struct {
	mu       sync.Mutex
	backends map[string]*state
	logger   *slog.Logger

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager builds a manager over the enabled endpoints.
func NewManager(endpoints []config.BackendEndpoint, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		backends: make(map[string]*state),
		logger:   logger,
		interval: healthInterval,
	}
	for _, cfg := range endpoints {
		if !cfg.Enabled {
			continue
		}
		m.backends[cfg.Name] = &state{
			cfg:    cfg,
			health: HealthUnknown,
			client: &http.Client{},
		}
	}
	return m
}

// Start runs an initial health sweep and launches the periodic loop.
func (m *Manager) Start(ctx context.Context) {
	m.checkAll(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.checkAll(loopCtx)
			}
		}
	}()
	m.logger.Info("backend manager started", "backends", m.Names())
}

// Stop cancels the health loop and closes pooled connections.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.backends {
		s.client.CloseIdleConnections()
	}
	m.logger.Info("backend manager stopped")
}

// Names returns the managed backend names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquire atomically checks availability and claims a slot. It returns
// false when the backend is unknown, unhealthy, disabled, or saturated.
func (m *Manager) Acquire(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.backends[name]
	if !ok || !s.isAvailable() {
		return false
	}
	s.activeRequests++
	return true
}

// Release returns a slot and records the outcome. Latency feeds an
// exponential moving average (alpha = 0.3).
func (m *Manager) Release(name string, success bool, latencyMS float64, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.backends[name]
	if !ok {
		return
	}
	if s.activeRequests > 0 {
		s.activeRequests--
	}
	if success {
		s.totalCompleted++
	} else {
		s.totalErrors++
		s.lastError = errMsg
	}
	if latencyMS > 0 {
		const alpha = 0.3
		s.avgLatencyMS = alpha*latencyMS + (1-alpha)*s.avgLatencyMS
	}
}

// Snapshot returns the current state of one backend.
func (m *Manager) Snapshot(name string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.backends[name]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(s), true
}

// Snapshots returns the state of every backend, sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.backends))
	for _, s := range m.backends {
		out = append(out, m.snapshotLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) snapshotLocked(s *state) Snapshot {
	return Snapshot{
		Name:             s.cfg.Name,
		Type:             s.cfg.Type,
		URL:              s.cfg.URL,
		Health:           s.health,
		Enabled:          s.cfg.Enabled,
		ConfiguredModels: append([]string(nil), s.cfg.Models...),
		DiscoveredModels: append([]string(nil), s.discoveredModels...),
		MaxConcurrent:    s.cfg.MaxConcurrent,
		ActiveRequests:   s.activeRequests,
		AvailableSlots:   s.availableSlots(),
		TotalCompleted:   s.totalCompleted,
		TotalErrors:      s.totalErrors,
		AvgLatencyMS:     s.avgLatencyMS,
		Priority:         s.cfg.Priority,
		LastCheck:        s.lastCheck,
		LastError:        s.lastError,
	}
}

// Available returns snapshots of backends that can accept work now,
// optionally filtered to those hosting a model.
func (m *Manager) Available(model string) []Snapshot {
	var out []Snapshot
	for _, snap := range m.Snapshots() {
		if !snap.IsAvailable() {
			continue
		}
		if model != "" && !snap.HasModel(model) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// BestForModel picks the available backend hosting the model with the
// highest priority, breaking ties by load.
func (m *Manager) BestForModel(model string) (Snapshot, bool) {
	candidates := m.Available(model)
	if len(candidates) == 0 {
		return Snapshot{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LoadRatio() < candidates[j].LoadRatio()
	})
	return candidates[0], true
}

// URLFor returns the configured URL of a backend.
func (m *Manager) URLFor(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.backends[name]
	if !ok {
		return "", false
	}
	return s.cfg.URL, true
}

// ── health checking ──────────────────────────────────────────────

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.Lock()
	targets := make([]*state, 0, len(m.backends))
	for _, s := range m.backends {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *state) {
			defer wg.Done()
			m.checkBackend(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (m *Manager) checkBackend(ctx context.Context, s *state) {
	m.mu.Lock()
	cfg := s.cfg
	client := s.client
	m.mu.Unlock()

	if cfg.Type != config.BackendOllama {
		// API backends have no catalog endpoint to probe; an API key is
		// the only readiness signal available.
		m.mu.Lock()
		if cfg.APIKey != "" {
			s.health = HealthHealthy
		} else {
			s.health = HealthUnknown
		}
		s.lastCheck = time.Now()
		m.mu.Unlock()
		return
	}

	models, err := FetchCatalog(ctx, client, cfg.URL)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.lastCheck = time.Now()
	if err != nil {
		s.health = HealthUnhealthy
		s.lastError = err.Error()
		m.logger.Warn("backend health check failed", "backend", cfg.Name, "error", err)
		return
	}
	names := make([]string, len(models))
	for i, model := range models {
		names[i] = model.Name
	}
	s.discoveredModels = names
	s.health = HealthHealthy
	m.logger.Debug("backend healthy", "backend", cfg.Name, "models", len(names))
}

// CatalogModel is one entry from a backend's model catalog.
type CatalogModel struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FetchCatalog probes a backend's catalog endpoint with the standard probe
// timeout and returns the installed models.
func FetchCatalog(ctx context.Context, client *http.Client, baseURL string) ([]CatalogModel, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Models []CatalogModel `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return payload.Models, nil
}
