package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks configuration that must stop the process before it serves traffic.
var ErrConfiguration = goerr.New("configuration error")

// Config contains runtime configuration for memory-mesh.
type Config struct {
	ServerName              string          `yaml:"server_name"`
	DBPath                  string          `yaml:"db_path"`
	LogLevel                string          `yaml:"log_level"`
	Embedding               EmbeddingConfig `yaml:"embedding_provider"`
	Backends                []BackendConfig `yaml:"backends"`
	PerBackendTimeoutMS     int             `yaml:"per_backend_timeout_ms"`
	TotalOperationTimeoutMS int             `yaml:"total_operation_timeout_ms"`
	DefaultLimit            int             `yaml:"default_limit"`
	DefaultGetAllLimit      int             `yaml:"default_get_all_limit"`
	TombstoneRetentionHours int             `yaml:"tombstone_retention_hours"`
	SweepIntervalSeconds    int             `yaml:"sweep_interval_seconds"`
	HTTP                    HTTPConfig      `yaml:"http"`
}

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Name       string `yaml:"name"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
}

// HTTPConfig controls the optional JSON API.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config populated with safe defaults. The default
// backends run in-process so a fresh install works without external services.
func Default() Config {
	return Config{
		ServerName: "memory-mesh",
		DBPath:     filepath.Join(userHomeDir(), ".memory-mesh", "catalog.db"),
		LogLevel:   "info",
		Embedding: EmbeddingConfig{
			Name:       ProviderOllama,
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Backends: []BackendConfig{
			{
				Name:    "vectors",
				Kind:    KindChromem,
				Weight:  1.0,
				Chromem: &ChromemConnection{Collection: "memories"},
			},
			{
				Name:   "hot",
				Kind:   KindCache,
				Weight: 0.5,
				Cache:  &CacheConnection{MaxItems: 10000},
			},
		},
		PerBackendTimeoutMS:     5000,
		TotalOperationTimeoutMS: 15000,
		DefaultLimit:            10,
		DefaultGetAllLimit:      100,
		TombstoneRetentionHours: 168,
		SweepIntervalSeconds:    300,
		HTTP:                    HTTPConfig{Addr: "127.0.0.1:8765"},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, goerr.Wrap(err, "read config", goerr.V("path", path))
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return cfg, goerr.Wrap(ErrConfiguration, "parse config yaml", goerr.V("path", path), goerr.V("cause", err.Error()))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity. Every failure wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return invalid("server_name must not be empty")
	}
	if c.DBPath == "" {
		return invalid("db_path must not be empty")
	}
	if c.PerBackendTimeoutMS <= 0 {
		return invalid("per_backend_timeout_ms must be > 0")
	}
	if c.TotalOperationTimeoutMS <= 0 {
		return invalid("total_operation_timeout_ms must be > 0")
	}
	if c.DefaultLimit <= 0 {
		return invalid("default_limit must be > 0")
	}
	if c.DefaultGetAllLimit <= 0 {
		return invalid("default_get_all_limit must be > 0")
	}
	if c.TombstoneRetentionHours <= 0 {
		return invalid("tombstone_retention_hours must be > 0")
	}
	if c.SweepIntervalSeconds <= 0 {
		return invalid("sweep_interval_seconds must be > 0")
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		return invalid("http.addr must not be empty when http is enabled")
	}
	if err := c.Embedding.validate(); err != nil {
		return err
	}
	if len(c.Backends) == 0 {
		return invalid("at least one backend must be configured")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.validate(); err != nil {
			return goerr.Wrap(err, "invalid backend", goerr.V("index", i), goerr.V("backend", b.Name))
		}
		if _, dup := seen[b.Name]; dup {
			return invalid("backend names must be unique", goerr.V("backend", b.Name))
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// PerBackendTimeout returns the per-adapter deadline.
func (c Config) PerBackendTimeout() time.Duration {
	return time.Duration(c.PerBackendTimeoutMS) * time.Millisecond
}

// TotalOperationTimeout returns the deadline for one facade call.
func (c Config) TotalOperationTimeout() time.Duration {
	return time.Duration(c.TotalOperationTimeoutMS) * time.Millisecond
}

// Weights maps backend names to their ranking weight.
func (c Config) Weights() map[string]float64 {
	out := make(map[string]float64, len(c.Backends))
	for _, b := range c.Backends {
		out[b.Name] = b.Weight
	}
	return out
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

func (e EmbeddingConfig) validate() error {
	switch e.Name {
	case ProviderOpenAI, ProviderOllama:
	case "":
		return invalid("embedding_provider.name must not be empty")
	default:
		return invalid("unknown embedding provider", goerr.V("name", e.Name))
	}
	if strings.TrimSpace(e.Model) == "" {
		return invalid("embedding_provider.model must not be empty")
	}
	if e.Dimensions <= 0 {
		return invalid("embedding_provider.dimensions must be > 0")
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	for _, b := range c.Backends {
		if b.Chromem != nil {
			b.Chromem.Path = ExpandPath(b.Chromem.Path)
		}
	}
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func invalid(msg string, opts ...goerr.Option) error {
	return goerr.Wrap(ErrConfiguration, msg, opts...)
}
