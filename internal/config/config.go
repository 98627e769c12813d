// Package config holds all muse configuration. A single immutable Config
// value is built at startup (file + environment overrides) and passed to
// every component by parameter; no component reads the environment itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all muse configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace directory holding memory.db, semantic.db and the
	// identity documents.
	WorkspacePath string `yaml:"workspace_path"`

	// IANA timezone used for schedule evaluation. Storage is always UTC.
	Timezone string `yaml:"timezone"`

	// Memory subsystem configuration
	Memory MemoryConfig `yaml:"memory"`

	// Task orchestrator configuration
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Semantic store configuration
	Semantic SemanticConfig `yaml:"semantic"`

	// Identity store configuration
	Identity IdentityConfig `yaml:"identity"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Name:          "muse",
		Version:       "1.0.0",
		WorkspacePath: filepath.Join(home, ".muse"),
		Timezone:      "Local",
		Memory:        DefaultMemoryConfig(),
		Scheduler:     DefaultSchedulerConfig(),
		Semantic:      DefaultSemanticConfig(),
		Identity:      DefaultIdentityConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if ws := os.Getenv("MUSE_WORKSPACE"); ws != "" {
		c.WorkspacePath = ws
	}
	if tz := os.Getenv("MUSE_TIMEZONE"); tz != "" {
		c.Timezone = tz
	}
	if v := os.Getenv("MUSE_BUFFER_SIZE"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Memory.BufferSize = n
		}
	}
	if v := os.Getenv("MUSE_SCHEDULER_TICK_SECONDS"); v != "" {
		if n, err := parseInt(v); err == nil && n > 0 {
			c.Scheduler.TickSeconds = n
		}
	}
	if v := os.Getenv("MUSE_TEMPLATE_TIMEOUT_SECONDS"); v != "" {
		if n, err := parseInt(v); err == nil && n > 0 {
			c.Scheduler.TemplateTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MUSE_OLLAMA_ENDPOINT"); v != "" {
		c.Semantic.OllamaEndpoint = v
	}
	if v := os.Getenv("MUSE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Location resolves the configured timezone, falling back to time.Local on
// unknown zone names. Scheduling is local-zone; storage is UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// MemoryDBPath returns the path to the tabular store.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.WorkspacePath, "memory.db")
}

// SemanticDBPath returns the path to the semantic store.
func (c *Config) SemanticDBPath() string {
	return filepath.Join(c.WorkspacePath, "semantic.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path not configured")
	}
	if c.Memory.BufferSize < 0 {
		return fmt.Errorf("buffer_size must be >= 0 (0 = stateless)")
	}
	if c.Scheduler.MaxWorkers < 1 || c.Scheduler.MaxWorkers > 8 {
		return fmt.Errorf("scheduler max_workers must be in [1,8], got %d", c.Scheduler.MaxWorkers)
	}
	return nil
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
}

// DefaultConfigPath returns the default path to the muse config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".muse", "config.yaml")
	}
	return filepath.Join(home, ".muse", "config.yaml")
}
