package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/internal/expressions"
	"github.com/rendis/bpelrt/internal/extensions"
	"github.com/rendis/bpelrt/internal/metrics"
	"github.com/rendis/bpelrt/internal/partners"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/internal/streaming"
	"github.com/rendis/bpelrt/internal/validation"
)

// app is the wired runtime behind run and serve.
type app struct {
	logger  *slog.Logger
	store   *store.LibSQLStore
	engine  *engine.Engine
	loader  *deploy.Loader
	hub     *streaming.MemoryHub
	metrics *metrics.Metrics
	tracer  *sdktrace.TracerProvider
}

type appOptions struct {
	metrics bool
	tracing bool
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{logger: logger, hub: streaming.NewMemoryHub(256)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close(context.Background()))
			a = nil
		}
	}()

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return a, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if a.store, err = store.NewLibSQLStore("file:" + cfg.DBPath); err != nil {
		return a, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return a, fmt.Errorf("migrate: %w", err)
	}

	exprs, err := expressions.DefaultRegistry()
	if err != nil {
		return a, fmt.Errorf("expression languages: %w", err)
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = opts.metrics
	a.metrics = metrics.New(mcfg)

	exts, err := extensions.NewDefaultRegistry()
	if err != nil {
		return a, fmt.Errorf("extensions: %w", err)
	}

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithHub(a.hub),
	}
	for _, ext := range exts.All() {
		engOpts = append(engOpts, engine.WithExtension(extensions.QName(ext), ext))
	}
	if opts.tracing {
		if a.tracer, err = newTracerProvider(ctx, cfg); err != nil {
			return a, err
		}
		engOpts = append(engOpts, engine.WithTracerProvider(a.tracer))
	}

	ecfg := engine.DefaultConfig()
	ecfg.Workers = cfg.Workers
	ecfg.Endpoints = cfg.Endpoints
	a.engine = engine.New(ecfg, a.store, exprs, partners.NewRegistry(logger), engOpts...)

	validator, err := validation.NewProcessValidator(exprs, a.engine)
	if err != nil {
		return a, fmt.Errorf("process validator: %w", err)
	}
	a.loader = deploy.NewLoader(deploy.WithValidator(validator), deploy.WithLogger(logger))
	return a, nil
}

// deployFile loads and deploys one process document.
func (a *app) deployFile(ctx context.Context, path string) (*deploy.File, error) {
	f, err := a.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Deploy(ctx, f.Process, f.Source); err != nil {
		return nil, fmt.Errorf("deploy %s: %w", path, err)
	}
	return f, nil
}

// deployDir deploys every process document in dir.
func (a *app) deployDir(ctx context.Context, dir string) (int, error) {
	files, err := a.loader.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := a.engine.Deploy(ctx, f.Process, f.Source); err != nil {
			return 0, fmt.Errorf("deploy %s: %w", f.Path, err)
		}
	}
	return len(files), nil
}

// restore redeploys the processes saved by earlier runs. Documents that no
// longer compile are skipped.
func (a *app) restore(ctx context.Context) error {
	deps, err := a.store.ListDeployments(ctx)
	if err != nil {
		return err
	}
	for _, d := range deps {
		proc, err := a.loader.Load(d.Source)
		if err != nil {
			a.logger.Warn("stored process no longer compiles", "process", d.Process, "error", err)
			continue
		}
		if err := a.engine.Deploy(ctx, proc, d.Source); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	if a.engine != nil {
		err = multierr.Append(err, a.engine.Close(ctx))
	}
	if a.tracer != nil {
		err = multierr.Append(err, a.tracer.Shutdown(ctx))
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}
