package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/dispatch/internal/analyzer"
	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/models"
)

func catalogServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"models": []map[string]any{}}
		list := payload["models"].([]map[string]any)
		for _, name := range names {
			list = append(list, map[string]any{"name": name, "size": 1})
		}
		payload["models"] = list
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func setup(t *testing.T, endpoints []config.BackendEndpoint) (*Router, *backend.Manager, *models.Registry) {
	t.Helper()
	manager := backend.NewManager(endpoints, nil)
	registry := models.NewRegistry(manager, nil)
	registry.Refresh(context.Background(), true)
	return New(registry, manager, nil), manager, registry
}

func reviewAnalysis() analyzer.Analysis {
	return analyzer.Analysis{
		TaskType:   analyzer.TypeCodeReview,
		Complexity: analyzer.Moderate,
		Tags:       []string{"code_review"},
	}
}

func TestRoutePicksToolCapableMatchingModel(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b", "gemma2:9b")
	router, _, _ := setup(t, []config.BackendEndpoint{{
		Name: "local", Type: config.BackendOllama, URL: server.URL,
		MaxConcurrent: 2, Priority: 1, Enabled: true,
	}})

	decision := router.Route(context.Background(), reviewAnalysis(), Options{})
	if decision.Model != "qwen2.5:7b" {
		t.Fatalf("model = %s", decision.Model)
	}
	if decision.BackendName != "local" {
		t.Fatalf("backend = %s", decision.BackendName)
	}
	if decision.Score <= 0 {
		t.Fatalf("score = %v", decision.Score)
	}
	if decision.Reason == "" {
		t.Fatal("reason should be populated")
	}
}

func TestRoutePreferredModelBoost(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b", "devstral:24b")
	router, _, _ := setup(t, []config.BackendEndpoint{{
		Name: "local", Type: config.BackendOllama, URL: server.URL,
		MaxConcurrent: 2, Enabled: true,
	}})

	baseline := router.Route(context.Background(), reviewAnalysis(), Options{})
	preferred := router.Route(context.Background(), reviewAnalysis(), Options{
		PreferredModels: []string{"devstral:24b"},
	})
	if preferred.Model != "devstral:24b" {
		t.Fatalf("preferred model lost: %s (baseline was %s)", preferred.Model, baseline.Model)
	}
}

func TestRouteHistoryAdjustment(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b", "devstral:24b")
	router, _, _ := setup(t, []config.BackendEndpoint{{
		Name: "local", Type: config.BackendOllama, URL: server.URL,
		MaxConcurrent: 2, Enabled: true,
	}})

	baseline := router.Route(context.Background(), reviewAnalysis(), Options{})
	if baseline.Model != "qwen2.5:7b" {
		t.Fatalf("baseline model = %s", baseline.Model)
	}

	// Three failures unlock the history adjustment and sink the winner.
	for range 3 {
		router.RecordOutcome("qwen2.5:7b", string(analyzer.TypeCodeReview), false, 1000, "local")
	}
	adjusted := router.Route(context.Background(), reviewAnalysis(), Options{})
	if adjusted.Model != "devstral:24b" {
		t.Fatalf("model after failures = %s", adjusted.Model)
	}
}

func TestRouteBackendSelection(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b")
	serverB := catalogServer(t, "qwen2.5:7b")
	router, manager, _ := setup(t, []config.BackendEndpoint{
		{Name: "low", Type: config.BackendOllama, URL: server.URL, MaxConcurrent: 2, Priority: 0, Enabled: true},
		{Name: "high", Type: config.BackendOllama, URL: serverB.URL, MaxConcurrent: 2, Priority: 4, Enabled: true},
	})

	decision := router.Route(context.Background(), reviewAnalysis(), Options{})
	if decision.BackendName != "high" {
		t.Fatalf("backend = %s, want high", decision.BackendName)
	}

	// Saturate the preferred backend; routing moves to the other one.
	manager.Acquire("high")
	manager.Acquire("high")
	decision = router.Route(context.Background(), reviewAnalysis(), Options{})
	if decision.BackendName != "low" {
		t.Fatalf("backend after saturation = %s, want low", decision.BackendName)
	}
}

func TestRouteFallbackChain(t *testing.T) {
	empty := catalogServer(t)
	router, _, _ := setup(t, []config.BackendEndpoint{{
		Name: "local", Type: config.BackendOllama, URL: empty.URL,
		MaxConcurrent: 1, Enabled: true,
	}})

	withFallback := router.Route(context.Background(), reviewAnalysis(), Options{FallbackModel: "phi3:mini"})
	if withFallback.Model != "phi3:mini" {
		t.Fatalf("fallback model = %s", withFallback.Model)
	}
	if withFallback.Reason != "fallback (no matching models found)" {
		t.Fatalf("reason = %q", withFallback.Reason)
	}

	bare := router.Route(context.Background(), reviewAnalysis(), Options{})
	if bare.Model != hardcodedFallback {
		t.Fatalf("hardcoded fallback = %s", bare.Model)
	}
}

func TestRouteDefaultsToInstalledModel(t *testing.T) {
	// Only a model with no tool support is installed; the candidate list is
	// empty at min quality "good", so routing falls back to any installed.
	server := catalogServer(t, "gemma2:9b")
	router, _, _ := setup(t, []config.BackendEndpoint{{
		Name: "local", Type: config.BackendOllama, URL: server.URL,
		MaxConcurrent: 1, Enabled: true,
	}})

	decision := router.Route(context.Background(), reviewAnalysis(), Options{})
	if decision.Model != "gemma2:9b" {
		t.Fatalf("model = %s", decision.Model)
	}
	if decision.Reason != "default (no matching models)" {
		t.Fatalf("reason = %q", decision.Reason)
	}
}

func TestRouteAlternativesCapped(t *testing.T) {
	server := catalogServer(t,
		"qwen2.5:7b", "devstral:24b", "llama3.1:8b", "llama3.3:70b", "mistral-nemo:12b")
	router, _, _ := setup(t, []config.BackendEndpoint{{
		Name: "local", Type: config.BackendOllama, URL: server.URL,
		MaxConcurrent: 2, Enabled: true,
	}})

	decision := router.Route(context.Background(), reviewAnalysis(), Options{})
	if len(decision.Alternatives) != 3 {
		t.Fatalf("alternatives = %d, want 3", len(decision.Alternatives))
	}
	for _, alt := range decision.Alternatives {
		if alt.Model == decision.Model {
			t.Fatal("winner listed as its own alternative")
		}
	}
}

func TestOutcomeWindowBounded(t *testing.T) {
	router := New(models.NewRegistry(backend.NewManager(nil, nil), nil), nil, nil)
	for range outcomeWindow + 50 {
		router.RecordOutcome("m", "general", true, 100, "local")
	}
	router.mu.Lock()
	size := len(router.outcomes["m"]["general"])
	router.mu.Unlock()
	if size != outcomeWindow {
		t.Fatalf("window = %d, want %d", size, outcomeWindow)
	}
}

func TestStatsAggregation(t *testing.T) {
	router := New(models.NewRegistry(backend.NewManager(nil, nil), nil), nil, nil)
	router.RecordOutcome("m", "debugging", true, 100, "local")
	router.RecordOutcome("m", "debugging", false, 300, "local")

	stats := router.Stats()
	pair := stats["m"]["debugging"]
	if pair["total"].(int) != 2 {
		t.Fatalf("total = %v", pair["total"])
	}
	if pair["success_rate"].(float64) != 0.5 {
		t.Fatalf("success_rate = %v", pair["success_rate"])
	}
	if pair["avg_duration_ms"].(float64) != 200 {
		t.Fatalf("avg_duration_ms = %v", pair["avg_duration_ms"])
	}
}
