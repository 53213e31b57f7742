// Package config loads chatcore configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all chatcore configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Session behavior
	Session SessionConfig `yaml:"session"`

	// Local persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model transport.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int32   `yaml:"max_tokens"`
}

// SessionConfig configures per-session engine behavior.
type SessionConfig struct {
	// History entry count at which compaction is suggested. Zero disables
	// the automatic trigger; manual compaction always works.
	CompactionThreshold int `yaml:"compaction_threshold"`

	// DebugMode attaches generation metadata to completed turns.
	DebugMode bool `yaml:"debug_mode"`
}

// StorageConfig configures the SQLite archive.
type StorageConfig struct {
	// DatabasePath locates the archive db. Empty disables archiving.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures per-category file logging.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.7,
			MaxTokens:   8192,
		},
		Session: SessionConfig{
			CompactionThreshold: 40,
		},
		Storage: StorageConfig{
			DatabasePath: "data/chatcore.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   ".chatcore",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist. Environment variables override file values.
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

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets the environment win for secrets and debug knobs.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("CHATCORE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if os.Getenv("CHATCORE_DEBUG") == "1" {
		c.Logging.Debug = true
		c.Session.DebugMode = true
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or llm.api_key)")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}
	if c.Session.CompactionThreshold < 0 {
		return fmt.Errorf("compaction threshold must be >= 0")
	}
	return nil
}
