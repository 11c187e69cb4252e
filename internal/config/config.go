package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the engine service configuration
type Config struct {
	// Data directory for the sqlite database and entity definitions
	DataDir string `json:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database"`

	// Entity definition loading
	Entities EntitiesConfig `json:"entities"`

	// Engine execution limits
	Engine EngineConfig `json:"engine"`

	// Status stream server
	Stream StreamConfig `json:"stream"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging"`

	// Scheduled triggers
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// DatabaseConfig holds sqlite store configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// EntitiesConfig controls the entity definition file loader
type EntitiesConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// EngineConfig holds run coordinator defaults. Per-entity governance
// overrides these where set.
type EngineConfig struct {
	MaxRecursionDepth int   `json:"max_recursion_depth"`
	DefaultTimeoutMs  int64 `json:"default_timeout_ms"`
}

// StreamConfig holds the websocket status stream server configuration
type StreamConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level"`
	File      string `json:"file"`
	Pretty    bool   `json:"pretty"`
	Redaction bool   `json:"redaction"`
}

// ScheduleConfig declares a cron-style trigger for an entity
type ScheduleConfig struct {
	EntityID string                 `json:"entity_id"`
	Cron     string                 `json:"cron"`
	Input    map[string]interface{} `json:"input,omitempty"`
}

// Default returns the default configuration rooted at dataDir.
func Default(dataDir string) Config {
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".arbor")
		} else {
			dataDir = ".arbor"
		}
	}

	return Config{
		DataDir:  dataDir,
		Database: DatabaseConfig{Path: filepath.Join(dataDir, "arbor.db")},
		Entities: EntitiesConfig{Dir: filepath.Join(dataDir, "entities"), Watch: true},
		Engine: EngineConfig{
			MaxRecursionDepth: 10,
			DefaultTimeoutMs:  120000,
		},
		Stream:  StreamConfig{Enabled: true, Host: "127.0.0.1", Port: 8787},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Logging: LoggingConfig{Level: "info", Pretty: true, Redaction: true},
	}
}

// Validate checks the configuration for invalid values
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Engine.MaxRecursionDepth <= 0 {
		return fmt.Errorf("max_recursion_depth must be positive, got: %d", c.Engine.MaxRecursionDepth)
	}
	if c.Engine.DefaultTimeoutMs < 0 {
		return fmt.Errorf("default_timeout_ms must be non-negative, got: %d", c.Engine.DefaultTimeoutMs)
	}
	if c.Stream.Enabled && (c.Stream.Port <= 0 || c.Stream.Port > 65535) {
		return fmt.Errorf("invalid stream port: %d", c.Stream.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	for i, s := range c.Schedules {
		if s.EntityID == "" {
			return fmt.Errorf("schedule %d: entity_id is required", i)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedule %d: cron expression is required", i)
		}
	}
	return nil
}

// String returns the configuration as indented JSON with no secrets included
func (c Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config<marshal error: %v>", err)
	}
	return string(data)
}
