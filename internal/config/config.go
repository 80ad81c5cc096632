// Package config loads forest configuration from .forest/config.yaml with
// defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forest configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Heartbeat scheduler
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Withering decay model
	Withering WitheringConfig `yaml:"withering"`

	// Dynamic tree expansion
	Expansion ExpansionConfig `yaml:"expansion"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// LLM generation collaborator
	LLM LLMConfig `yaml:"llm"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HeartbeatConfig configures the session heartbeat scheduler.
type HeartbeatConfig struct {
	Interval string `yaml:"interval"` // tick interval, e.g. "30s"
	Model    string `yaml:"model"`    // "thread" or "queue"
}

// WitheringConfig configures the withering decay model.
// Idle coefficients are per journey path; goals decay at GoalFactor of the
// task rate.
type WitheringConfig struct {
	IdleCoeffStructured float64 `yaml:"idle_coeff_structured"`
	IdleCoeffBlended    float64 `yaml:"idle_coeff_blended"`
	IdleCoeffOpen       float64 `yaml:"idle_coeff_open"`
	GoalFactor          float64 `yaml:"goal_factor"`
	CompletionRelief    float64 `yaml:"completion_relief"`
}

// ExpansionConfig configures dynamic branch expansion.
type ExpansionConfig struct {
	// Completions of a phase's descendants before expand_now latches.
	CompletionThreshold int `yaml:"completion_threshold"`
}

// StorageConfig configures the sqlite stores.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LLMConfig configures the generation collaborator.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Embedding model for the semantic memory store
	EmbeddingModel string `yaml:"embedding_model"`
}

// LoggingConfig configures category logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forest",
		Version: "1.0.0",

		Heartbeat: HeartbeatConfig{
			Interval: "30s",
			Model:    "thread",
		},

		Withering: WitheringConfig{
			IdleCoeffStructured: 0.10,
			IdleCoeffBlended:    0.06,
			IdleCoeffOpen:       0.03,
			GoalFactor:          0.5,
			CompletionRelief:    0.10,
		},

		Expansion: ExpansionConfig{
			CompletionThreshold: 3,
		},

		Storage: StorageConfig{
			DatabasePath: ".forest/forest.db",
		},

		LLM: LLMConfig{
			Provider:       "gemini",
			Model:          "gemini-3-flash-preview",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Timeout:        "120s",
			EmbeddingModel: "gemini-embedding-001",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
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
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if key := os.Getenv("FOREST_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if path := os.Getenv("FOREST_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if interval := os.Getenv("FOREST_HEARTBEAT_INTERVAL"); interval != "" {
		c.Heartbeat.Interval = interval
	}
	if model := os.Getenv("FOREST_HEARTBEAT_MODEL"); model != "" {
		c.Heartbeat.Model = model
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.Heartbeat.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// LLMTimeout returns the LLM timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// IdleCoeff returns the per-path idle withering coefficient.
// Unknown paths fall back to the structured coefficient.
func (c *Config) IdleCoeff(path string) float64 {
	switch path {
	case "blended":
		return c.Withering.IdleCoeffBlended
	case "open":
		return c.Withering.IdleCoeffOpen
	default:
		return c.Withering.IdleCoeffStructured
	}
}
