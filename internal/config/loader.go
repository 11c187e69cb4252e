package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads configuration from the given JSON file, layering .env and
// environment overrides on top of defaults. A missing config file is not an
// error; defaults apply.
func Load(path string) (Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	cfg := Default(os.Getenv("ARBOR_DATA_DIR"))

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARBOR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ARBOR_ENTITIES_DIR"); v != "" {
		cfg.Entities.Dir = v
	}
	if v := os.Getenv("ARBOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARBOR_STREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Stream.Port = port
		}
	}
	if v := os.Getenv("ARBOR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("ARBOR_MAX_RECURSION_DEPTH"); v != "" {
		if depth, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRecursionDepth = depth
		}
	}
}
