package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default("/tmp/arbor-test")

	assert.Equal(t, "/tmp/arbor-test", cfg.DataDir)
	assert.Equal(t, filepath.Join("/tmp/arbor-test", "arbor.db"), cfg.Database.Path)
	assert.Equal(t, 10, cfg.Engine.MaxRecursionDepth)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("should apply defaults when file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Engine.MaxRecursionDepth)
	})

	t.Run("should merge config file over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "arbor.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"database": {"path": "/tmp/custom.db"},
			"engine": {"max_recursion_depth": 4, "default_timeout_ms": 5000}
		}`), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
		assert.Equal(t, 4, cfg.Engine.MaxRecursionDepth)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("ARBOR_DB_PATH", "/tmp/env.db")
		t.Setenv("ARBOR_MAX_RECURSION_DEPTH", "3")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
		assert.Equal(t, 3, cfg.Engine.MaxRecursionDepth)
	})

	t.Run("should reject malformed config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"zero recursion depth", func(c *Config) { c.Engine.MaxRecursionDepth = 0 }, "max_recursion_depth"},
		{"negative timeout", func(c *Config) { c.Engine.DefaultTimeoutMs = -1 }, "default_timeout_ms"},
		{"bad stream port", func(c *Config) { c.Stream.Port = 70000 }, "stream port"},
		{"schedule without cron", func(c *Config) {
			c.Schedules = []ScheduleConfig{{EntityID: "e1"}}
		}, "cron expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("/tmp/arbor-test")
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
