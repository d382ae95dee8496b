// Package config loads and validates the orchestrator configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendType identifies the wire dialect a backend speaks.
type BackendType string

const (
	BackendClaude BackendType = "claude"
	BackendOllama BackendType = "ollama"
	BackendOpenAI BackendType = "openai"
)

// BackendEndpoint describes a single inference endpoint.
type BackendEndpoint struct {
	// Name is the unique identifier used everywhere else in the system.
	Name string `yaml:"name"`

	// Type selects the dialect: claude, ollama, or openai.
	Type BackendType `yaml:"type"`

	// URL is the base URL of the endpoint.
	URL string `yaml:"url"`

	// Models lists models advertised in config; discovery may add more.
	Models []string `yaml:"models"`

	// APIKey authenticates remote backends.
	APIKey string `yaml:"api_key"`

	// MaxConcurrent caps in-flight requests against this endpoint.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Priority biases backend selection; higher is preferred.
	Priority int `yaml:"priority"`

	Enabled bool `yaml:"enabled"`
}

// UnmarshalYAML decodes an endpoint with enabled defaulting to true, so a
// backend is only disabled when the config says so explicitly.
func (b *BackendEndpoint) UnmarshalYAML(value *yaml.Node) error {
	type plain BackendEndpoint
	tmp := plain{Enabled: true}
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*b = BackendEndpoint(tmp)
	return nil
}

// ModelsConfig holds model selection preferences.
type ModelsConfig struct {
	// Preferred models in priority order; the router boosts these.
	Preferred []string `yaml:"preferred"`

	// Fallback is used when no candidate matches an analysis.
	Fallback string `yaml:"fallback"`

	// AutoSelect lets the router pick the best model per task.
	AutoSelect bool `yaml:"auto_select"`
}

// SwarmConfig configures the orchestrator core.
type SwarmConfig struct {
	MaxInstances   int               `yaml:"max_instances"`
	DefaultTimeout int               `yaml:"default_timeout"` // seconds
	WorkspaceRoot  string            `yaml:"workspace_root"`
	Backend        BackendType       `yaml:"backend"`
	OllamaURL      string            `yaml:"ollama_url"`
	OllamaModel    string            `yaml:"ollama_model"`
	Models         ModelsConfig      `yaml:"models"`
	Backends       []BackendEndpoint `yaml:"backends"`
}

// DefaultTaskTimeout returns the default per-task timeout as a duration.
func (c SwarmConfig) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Second
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	EnableWebSocket bool   `yaml:"enable_websocket"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Config is the root configuration document.
type Config struct {
	Swarm   SwarmConfig   `yaml:"swarm"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	cfg.normalize()
	return cfg
}

// defaults returns the base configuration without backend synthesis, so a
// loaded file can still override the legacy single-backend fields.
func defaults() *Config {
	return &Config{
		Swarm: SwarmConfig{
			MaxInstances:   10,
			DefaultTimeout: 300,
			WorkspaceRoot:  ".",
			Backend:        BackendOllama,
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "devstral:24b",
			Models: ModelsConfig{
				Preferred:  []string{"qwen2.5:14b", "devstral:24b"},
				Fallback:   "qwen2.5:7b",
				AutoSelect: true,
			},
		},
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            8765,
			EnableWebSocket: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, expanding ${ENV} references before decoding.
// A missing path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize applies defaults and synthesizes a backend entry from the legacy
// single-backend fields when the backends list is empty.
func (c *Config) normalize() {
	if c.Swarm.MaxInstances <= 0 {
		c.Swarm.MaxInstances = 10
	}
	if c.Swarm.DefaultTimeout <= 0 {
		c.Swarm.DefaultTimeout = 300
	}
	if c.Swarm.WorkspaceRoot == "" {
		c.Swarm.WorkspaceRoot = "."
	}
	if c.Swarm.Backend == "" {
		c.Swarm.Backend = BackendOllama
	}
	if c.Swarm.OllamaURL == "" {
		c.Swarm.OllamaURL = "http://localhost:11434"
	}

	if len(c.Swarm.Backends) == 0 {
		switch c.Swarm.Backend {
		case BackendOllama:
			c.Swarm.Backends = []BackendEndpoint{{
				Name:          "local",
				Type:          BackendOllama,
				URL:           c.Swarm.OllamaURL,
				Models:        []string{c.Swarm.OllamaModel},
				MaxConcurrent: 1,
				Enabled:       true,
			}}
		default:
			c.Swarm.Backends = []BackendEndpoint{{
				Name:          string(c.Swarm.Backend),
				Type:          c.Swarm.Backend,
				Models:        []string{string(c.Swarm.Backend)},
				MaxConcurrent: 2,
				Enabled:       true,
			}}
		}
	}
	for i := range c.Swarm.Backends {
		if c.Swarm.Backends[i].MaxConcurrent <= 0 {
			c.Swarm.Backends[i].MaxConcurrent = 1
		}
		if c.Swarm.Backends[i].Type == "" {
			c.Swarm.Backends[i].Type = BackendOllama
		}
	}
}
