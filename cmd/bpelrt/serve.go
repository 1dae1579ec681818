package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/bpelrt/internal/httpapi"
	"github.com/rendis/bpelrt/internal/scheduler"
	"github.com/rendis/bpelrt/internal/store"
	bpelmcp "github.com/rendis/bpelrt/pkg/mcp"
	"github.com/rendis/bpelrt/pkg/schema"
)

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the process server",
		Long: `Serve restores stored deployments, deploys process_dir and serves the
management API, metrics and MCP until interrupted. SIGHUP reloads the
settings file: log_level and process_dir apply at once, other changes
need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c)
		},
	}
	return cmd
}

func serve(ctx context.Context, c *cli) (err error) {
	cfg := c.cfg
	logger := c.logger

	a, err := newApp(ctx, cfg, logger, appOptions{metrics: cfg.Metrics, tracing: cfg.Tracing != "none"})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.close(context.Background()))
	}()

	if err := a.restore(ctx); err != nil {
		return fmt.Errorf("restore deployments: %w", err)
	}
	if cfg.ProcessDir != "" {
		n, err := a.deployDir(ctx, cfg.ProcessDir)
		if err != nil {
			return err
		}
		logger.Info("deployed processes", "dir", cfg.ProcessDir, "count", n)
	}

	sched := scheduler.NewScheduler(a.store, a.engine, logger,
		scheduler.WithInterval(time.Duration(cfg.CronInterval)*time.Second))
	if err := syncSchedules(ctx, a.store, sched, cfg.Schedules); err != nil {
		return err
	}
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed cron recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, sched.Stop())
	}()

	mcpSrv := bpelmcp.NewBPELServer(bpelmcp.Deps{
		Engine: a.engine,
		Loader: a.loader,
		Hub:    a.hub,
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewServer(httpapi.Deps{
		Engine: a.engine,
		Loader: a.loader,
		Hub:    a.hub,
		Logger: logger,
	}).Handler())
	if cfg.Metrics {
		mux.Handle("/metrics", a.metrics.Handler())
	}
	if cfg.MCP == "sse" {
		mux.Handle(bpelmcp.SSEBasePath+"/", mcpSrv.SSEHandler(cfg.BaseURL))
	}
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL, "mcp", cfg.MCP)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.MCP != "off" {
		g.Go(func() error { return mcpSrv.Watch(gctx) })
	}
	if cfg.MCP == "stdio" {
		g.Go(func() error { return mcpSrv.Serve(gctx) })
	}
	g.Go(func() error {
		c.watchReload(gctx, a)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// syncSchedules stores the configured schedules. A schedule whose stored
// job no longer matches is replaced; unchanged jobs keep their run history.
func syncSchedules(ctx context.Context, st store.Store, sched *scheduler.Scheduler, schedules []Schedule) error {
	for _, sc := range schedules {
		existing, err := st.GetCronJob(ctx, sc.ID)
		var serr *schema.Error
		switch {
		case err == nil:
			if matchesJob(sc, existing) {
				continue
			}
			if err := st.DeleteCronJob(ctx, sc.ID); err != nil {
				return fmt.Errorf("schedule %s: %w", sc.ID, err)
			}
		case errors.As(err, &serr) && serr.Code == schema.ErrCodeNotFound:
		default:
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}

		if err := sched.AddJob(ctx, &store.CronJob{
			ID:             sc.ID,
			Process:        sc.Process,
			PartnerLink:    sc.PartnerLink,
			Operation:      sc.Operation,
			CronExpression: sc.Cron,
			Message:        sc.Message,
			Enabled:        true,
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
	}
	return nil
}

func matchesJob(sc Schedule, job *store.CronJob) bool {
	return job.Process == sc.Process && job.PartnerLink == sc.PartnerLink &&
		job.Operation == sc.Operation && job.CronExpression == sc.Cron &&
		string(job.Message) == string(sc.Message)
}

// watchReload re-reads the settings file on SIGHUP until ctx is done.
func (c *cli) watchReload(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			c.reload(ctx, a)
		}
	}
}

func (c *cli) reload(ctx context.Context, a *app) {
	next, err := loadConfig(c.configPath)
	if err == nil {
		c.applyFlags(&next)
		err = next.validate()
	}
	if err != nil {
		c.logger.Error("reload failed", "error", err)
		return
	}

	d := diffConfigs(c.cfg, next)
	if d.LogLevelChanged {
		level, _ := parseLevel(next.LogLevel)
		c.level.Set(level)
		c.logger.Info("log level changed", "level", next.LogLevel)
	}
	if d.ProcessDirChanged && next.ProcessDir != "" {
		n, err := a.deployDir(ctx, next.ProcessDir)
		if err != nil {
			c.logger.Error("redeploy failed", "dir", next.ProcessDir, "error", err)
			return
		}
		c.logger.Info("deployed processes", "dir", next.ProcessDir, "count", n)
	}
	for _, field := range d.RestartNeeded {
		c.logger.Warn("setting changed; restart to apply", "field", field)
	}

	c.cfg.LogLevel = next.LogLevel
	c.cfg.ProcessDir = next.ProcessDir
}
