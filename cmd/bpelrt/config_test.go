package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at a temp dir and clears the BPELRT_* variables the
// tests read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"BPELRT_LISTEN_ADDR", "BPELRT_BASE_URL", "BPELRT_DB_PATH", "BPELRT_LOG_LEVEL",
		"BPELRT_WORKERS", "BPELRT_PROCESS_DIR", "BPELRT_MCP", "BPELRT_METRICS",
		"BPELRT_TRACING", "BPELRT_OTLP_ENDPOINT", "BPELRT_CRON_INTERVAL", "BPELRT_ENDPOINTS",
	} {
		t.Setenv(k, "")
	}
	return home
}

func writeSettings(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, filepath.Join(home, ".bpelrt", "bpelrt.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, "sse", cfg.MCP)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "none", cfg.Tracing)
	assert.Equal(t, 60, cfg.CronInterval)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	isolate(t)
	path := writeSettings(t, map[string]any{
		"listen_addr": "127.0.0.1:9000",
		"workers":     4,
		"metrics":     false,
		"endpoints":   map[string]string{"inventory": "http://inv:8080"},
		"schedules": []map[string]any{{
			"id": "nightly", "process": "report", "operation": "run", "cron": "0 2 * * *",
			"message": map[string]any{"day": "today"},
		}},
	})

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.BaseURL)
	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.Metrics)
	assert.Equal(t, "http://inv:8080", cfg.Endpoints["inventory"])
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].ID)
	assert.JSONEq(t, `{"day":"today"}`, string(cfg.Schedules[0].Message))
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	isolate(t)
	path := writeSettings(t, map[string]any{"log_level": "warn", "workers": 4})
	t.Setenv("BPELRT_LOG_LEVEL", "debug")
	t.Setenv("BPELRT_WORKERS", "8")
	t.Setenv("BPELRT_METRICS", "0")
	t.Setenv("BPELRT_ENDPOINTS", "a=http://a:1, b=http://b:2,broken")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Workers)
	assert.False(t, cfg.Metrics)
	assert.Equal(t, map[string]string{"a": "http://a:1", "b": "http://b:2"}, cfg.Endpoints)
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := loadConfig(path)
	assert.ErrorContains(t, err, "parse")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mcp", func(c *Config) { c.MCP = "websocket" }, "mcp must be"},
		{"tracing", func(c *Config) { c.Tracing = "jaeger" }, "tracing must be"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers must be positive"},
		{"schedule", func(c *Config) { c.Schedules = []Schedule{{ID: "x", Process: "p"}} }, "schedule 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.validate(), tt.want)
		})
	}
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	t.Run("identical", func(t *testing.T) {
		d := diffConfigs(old, old)
		assert.False(t, d.LogLevelChanged)
		assert.False(t, d.ProcessDirChanged)
		assert.Empty(t, d.RestartNeeded)
	})

	t.Run("hot fields", func(t *testing.T) {
		next := old
		next.LogLevel = "debug"
		next.ProcessDir = "/srv/processes"
		d := diffConfigs(old, next)
		assert.True(t, d.LogLevelChanged)
		assert.True(t, d.ProcessDirChanged)
		assert.Empty(t, d.RestartNeeded)
	})

	t.Run("restart fields", func(t *testing.T) {
		next := old
		next.ListenAddr = ":5000"
		next.Workers = 2
		next.Endpoints = map[string]string{"svc": "http://x"}
		next.Schedules = []Schedule{{ID: "a", Process: "p", Operation: "op", Cron: "@hourly"}}
		d := diffConfigs(old, next)
		assert.Equal(t, []string{"listen_addr", "workers", "endpoints", "schedules"}, d.RestartNeeded)
	})
}
