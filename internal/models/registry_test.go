package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/config"
)

func catalogServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	type model struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Models []model `json:"models"`
		}{}
		for _, name := range names {
			payload.Models = append(payload.Models, model{Name: name, Size: 4 << 30})
		}
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func managerFor(urls map[string]string) *backend.Manager {
	var endpoints []config.BackendEndpoint
	for name, url := range urls {
		endpoints = append(endpoints, config.BackendEndpoint{
			Name:          name,
			Type:          config.BackendOllama,
			URL:           url,
			MaxConcurrent: 1,
			Enabled:       true,
		})
	}
	return backend.NewManager(endpoints, nil)
}

func TestLookupProfileTiers(t *testing.T) {
	if p := LookupProfile("qwen2.5"); p == nil || p.Name != "qwen2.5" {
		t.Fatalf("exact lookup = %+v", p)
	}
	if p := LookupProfile("qwen2.5:14b"); p == nil || p.Name != "qwen2.5" {
		t.Fatalf("base lookup = %+v", p)
	}
	if p := LookupProfile("devstral:24b-q4"); p == nil || p.Name != "devstral" {
		t.Fatalf("tagged lookup = %+v", p)
	}
	if p := LookupProfile("totally-unknown-model"); p != nil {
		t.Fatalf("unknown model got profile %+v", p)
	}
}

func TestRefreshMergesBackends(t *testing.T) {
	serverA := catalogServer(t, "qwen2.5:7b", "gemma2:9b")
	serverB := catalogServer(t, "qwen2.5:7b", "devstral:24b")
	manager := managerFor(map[string]string{"a": serverA.URL, "b": serverB.URL})

	registry := NewRegistry(manager, nil)
	registry.Refresh(context.Background(), true)

	installed := registry.InstalledModels(context.Background())
	if len(installed) != 3 {
		t.Fatalf("installed = %d models", len(installed))
	}

	backends := registry.BackendsForModel(context.Background(), "qwen2.5:7b")
	if len(backends) != 2 {
		t.Fatalf("qwen2.5:7b backends = %v", backends)
	}

	if !registry.IsInstalled(context.Background(), "devstral") {
		t.Fatal("base-name install check failed")
	}
	if registry.IsInstalled(context.Background(), "mixtral") {
		t.Fatal("mixtral is not installed")
	}
}

func TestToolCapableModels(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b", "gemma2:9b", "qwen2:72b-custom")
	manager := managerFor(map[string]string{"local": server.URL})

	registry := NewRegistry(manager, nil)
	registry.Refresh(context.Background(), true)

	capable := registry.ToolCapableModels(context.Background())
	names := map[string]bool{}
	for _, m := range capable {
		names[m.Name] = true
	}
	if !names["qwen2.5:7b"] {
		t.Fatal("qwen2.5 should be tool capable via profile")
	}
	if !names["qwen2:72b-custom"] {
		t.Fatal("qwen2: family should be tool capable via heuristic")
	}
	if names["gemma2:9b"] {
		t.Fatal("gemma2 has tool calling none")
	}
}

func TestBestModelsForFiltersAndRanks(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b", "gemma2:9b", "llama3.2:3b")
	manager := managerFor(map[string]string{"local": server.URL})

	registry := NewRegistry(manager, nil)
	registry.Refresh(context.Background(), true)

	ranked := registry.BestModelsFor(context.Background(), []string{"code_review"}, ToolCallingGood, false)
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	// gemma2 (tool calling none) is filtered by the good threshold.
	for _, m := range ranked {
		if m.Name == "gemma2:9b" {
			t.Fatal("gemma2 should be filtered below min quality")
		}
	}
	// qwen2.5 matches the code_review tag and has excellent tool calling.
	if ranked[0].Name != "qwen2.5:7b" {
		t.Fatalf("top model = %s", ranked[0].Name)
	}
}

func TestRefreshThrottled(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	}))
	t.Cleanup(server.Close)

	manager := managerFor(map[string]string{"local": server.URL})
	registry := NewRegistry(manager, nil)

	registry.Refresh(context.Background(), true)
	registry.Refresh(context.Background(), false) // throttled, no new call
	if calls != 1 {
		t.Fatalf("catalog calls = %d, want 1", calls)
	}
	registry.Refresh(context.Background(), true) // forced
	if calls != 2 {
		t.Fatalf("catalog calls = %d, want 2", calls)
	}
}

func TestStats(t *testing.T) {
	server := catalogServer(t, "qwen2.5:7b")
	manager := managerFor(map[string]string{"local": server.URL})
	registry := NewRegistry(manager, nil)

	stats := registry.Stats(context.Background())
	if stats["total_installed"].(int) != 1 {
		t.Fatalf("stats = %v", stats)
	}
	if stats["static_profiles"].(int) != CatalogSize() {
		t.Fatalf("static_profiles = %v", stats["static_profiles"])
	}
}
