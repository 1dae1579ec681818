package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Config holds all bpelrt configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string            `json:"listen_addr"`
	BaseURL      string            `json:"base_url"`
	DBPath       string            `json:"db_path"`
	LogLevel     string            `json:"log_level"`
	Workers      int               `json:"workers"`
	ProcessDir   string            `json:"process_dir"`
	MCP          string            `json:"mcp"` // "sse", "stdio" or "off"
	Metrics      bool              `json:"metrics"`
	Tracing      string            `json:"tracing"` // "none", "stdout" or "otlp"
	OTLPEndpoint string            `json:"otlp_endpoint"`
	CronInterval int               `json:"cron_interval_seconds"`
	Endpoints    map[string]string `json:"endpoints"`
	Schedules    []Schedule        `json:"schedules"`
}

// Schedule starts instances of a process on a cron expression by sending
// Message to an instance-creating operation.
type Schedule struct {
	ID          string          `json:"id"`
	Process     string          `json:"process"`
	PartnerLink string          `json:"partner_link"`
	Operation   string          `json:"operation"`
	Cron        string          `json:"cron"`
	Message     json.RawMessage `json:"message,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(bpelrtDir(), "bpelrt.db"),
		LogLevel:     "info",
		Workers:      16,
		MCP:          "sse",
		Metrics:      true,
		Tracing:      "none",
		OTLPEndpoint: "localhost:4317",
		CronInterval: 60,
	}
}

func bpelrtDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bpelrt"
	}
	return filepath.Join(home, ".bpelrt")
}

func settingsPath() string {
	return filepath.Join(bpelrtDir(), "settings.json")
}

// loadConfig layers settings.json and BPELRT_* env vars over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("BPELRT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BPELRT_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("BPELRT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BPELRT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BPELRT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("BPELRT_PROCESS_DIR"); v != "" {
		cfg.ProcessDir = v
	}
	if v := os.Getenv("BPELRT_MCP"); v != "" {
		cfg.MCP = v
	}
	if v := os.Getenv("BPELRT_METRICS"); v != "" {
		cfg.Metrics = v == "true" || v == "1"
	}
	if v := os.Getenv("BPELRT_TRACING"); v != "" {
		cfg.Tracing = v
	}
	if v := os.Getenv("BPELRT_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("BPELRT_CRON_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CronInterval = n
		}
	}
	// BPELRT_ENDPOINTS is a comma-separated list of service=address pairs.
	if v := os.Getenv("BPELRT_ENDPOINTS"); v != "" {
		if cfg.Endpoints == nil {
			cfg.Endpoints = make(map[string]string)
		}
		for pair := range strings.SplitSeq(v, ",") {
			if svc, addr, ok := strings.Cut(strings.TrimSpace(pair), "="); ok {
				cfg.Endpoints[svc] = addr
			}
		}
	}

	cfg.finish()
	return cfg, nil
}

// finish derives the fields that default from others.
func (c *Config) finish() {
	if c.BaseURL == "" {
		host := c.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.BaseURL = "http://" + host
	}
}

func (c Config) validate() error {
	switch c.MCP {
	case "sse", "stdio", "off":
	default:
		return fmt.Errorf("mcp must be sse, stdio or off, got %q", c.MCP)
	}
	switch c.Tracing {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing must be none, stdout or otlp, got %q", c.Tracing)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	for i, sc := range c.Schedules {
		if sc.ID == "" || sc.Process == "" || sc.Operation == "" || sc.Cron == "" {
			return fmt.Errorf("schedule %d: id, process, operation and cron are required", i)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged   bool
	ProcessDirChanged bool
	RestartNeeded     []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ProcessDir != new.ProcessDir {
		d.ProcessDirChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.Workers != new.Workers {
		d.RestartNeeded = append(d.RestartNeeded, "workers")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	if old.Metrics != new.Metrics {
		d.RestartNeeded = append(d.RestartNeeded, "metrics")
	}
	if old.Tracing != new.Tracing || old.OTLPEndpoint != new.OTLPEndpoint {
		d.RestartNeeded = append(d.RestartNeeded, "tracing")
	}
	if old.CronInterval != new.CronInterval {
		d.RestartNeeded = append(d.RestartNeeded, "cron_interval_seconds")
	}
	if !maps.Equal(old.Endpoints, new.Endpoints) {
		d.RestartNeeded = append(d.RestartNeeded, "endpoints")
	}
	if !slices.EqualFunc(old.Schedules, new.Schedules, sameSchedule) {
		d.RestartNeeded = append(d.RestartNeeded, "schedules")
	}
	return d
}

func sameSchedule(a, b Schedule) bool {
	return a.ID == b.ID && a.Process == b.Process && a.PartnerLink == b.PartnerLink &&
		a.Operation == b.Operation && a.Cron == b.Cron && string(a.Message) == string(b.Message)
}
