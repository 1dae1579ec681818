package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/bpelrt/internal/logging"
)

// cli carries the state shared by every command.
type cli struct {
	configPath string
	logLevel   string
	dbPath     string

	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:   "bpelrt",
		Short: "WS-BPEL process runtime",
		Long: `bpelrt executes WS-BPEL 2.0 processes written in YAML.

Processes exchange messages with partners over HTTP or in-process, keep
their state in libSQL and are managed over HTTP or MCP.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "settings file (default ~/.bpelrt/settings.json)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "database path")

	root.AddCommand(newRunCommand(c))
	root.AddCommand(newValidateCommand(c))
	root.AddCommand(newDiagramCommand(c))
	root.AddCommand(newServeCommand(c))
	root.AddCommand(newVersionCommand())
	return root
}

// setup resolves the configuration and builds the logger. Logs go to w so
// that stdout stays free for command output and the MCP stdio transport.
func (c *cli) setup(w io.Writer) error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}
	c.applyFlags(&cfg)
	if err := cfg.validate(); err != nil {
		return err
	}
	c.cfg = cfg

	level, _ := parseLevel(cfg.LogLevel)
	c.level.Set(level)
	c.logger = slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.level}),
	))
	return nil
}

func (c *cli) applyFlags(cfg *Config) {
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
}
