package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Swarm.MaxInstances != 10 {
		t.Fatalf("max_instances = %d", cfg.Swarm.MaxInstances)
	}
	if cfg.Swarm.DefaultTaskTimeout() != 300*time.Second {
		t.Fatalf("default timeout = %v", cfg.Swarm.DefaultTaskTimeout())
	}
	if len(cfg.Swarm.Backends) != 1 || cfg.Swarm.Backends[0].Name != "local" {
		t.Fatalf("synthesized backends = %+v", cfg.Swarm.Backends)
	}
	if !cfg.Swarm.Models.AutoSelect {
		t.Fatal("auto_select should default on")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Swarm.MaxInstances != 10 {
		t.Fatalf("max_instances = %d", cfg.Swarm.MaxInstances)
	}
}

func TestLoadParsesBackends(t *testing.T) {
	path := writeConfig(t, `
swarm:
  max_instances: 4
  backends:
    - name: workstation
      type: ollama
      url: http://10.0.0.5:11434
      models: [qwen2.5:14b]
      max_concurrent: 3
      priority: 2
    - name: disabled-one
      type: ollama
      url: http://10.0.0.6:11434
      enabled: false
api:
  port: 9000
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Swarm.Backends) != 2 {
		t.Fatalf("backends = %+v", cfg.Swarm.Backends)
	}
	first := cfg.Swarm.Backends[0]
	if first.Name != "workstation" || first.MaxConcurrent != 3 || first.Priority != 2 {
		t.Fatalf("first backend = %+v", first)
	}
	if !first.Enabled {
		t.Fatal("enabled should default to true when omitted")
	}
	if cfg.Swarm.Backends[1].Enabled {
		t.Fatal("explicit enabled: false must stick")
	}
	if cfg.API.Port != 9000 || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("DISPATCH_TEST_URL", "http://envhost:11434")
	path := writeConfig(t, `
swarm:
  backends:
    - name: env-backend
      type: ollama
      url: ${DISPATCH_TEST_URL}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Swarm.Backends[0].URL != "http://envhost:11434" {
		t.Fatalf("url = %q", cfg.Swarm.Backends[0].URL)
	}
}

func TestSynthesizedClaudeBackend(t *testing.T) {
	path := writeConfig(t, `
swarm:
  backend: claude
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Swarm.Backends) != 1 {
		t.Fatalf("backends = %+v", cfg.Swarm.Backends)
	}
	if cfg.Swarm.Backends[0].Type != BackendClaude || cfg.Swarm.Backends[0].MaxConcurrent != 2 {
		t.Fatalf("backend = %+v", cfg.Swarm.Backends[0])
	}
}
