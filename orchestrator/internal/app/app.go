// Package app assembles the orchestrator from configuration: store, audit
// trail and its subscribers, runner, gateway and HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/alert"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/audit"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/bus"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/config"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/gateway"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/guardrail"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/httpserver"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/metrics"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/runner"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/store"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/tasks"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/telemetry"
)

type Options struct {
	// DB selects the Postgres store; nil keeps jobs in memory.
	DB *sql.DB
	// Crew runs CGO campaigns. Defaults to tasks.StubCrew.
	Crew tasks.Crew
	// Logger overrides every component logger.
	Logger *log.Logger
	Now    func() time.Time
	// TraceWriter receives spans when tracing to stdout is enabled.
	TraceWriter io.Writer
}

type App struct {
	Store      store.Store
	Bus        *bus.Bus
	Trail      *audit.Trail
	Guardrails *guardrail.Engine
	Metrics    *metrics.Sink
	Alerts     *alert.Sink
	Runner     *runner.Runner
	Gateway    *gateway.Gateway
	Dispatcher *tasks.Dispatcher
	Server     *httpserver.Server

	telemetry *telemetry.Provider
	closers   []func() error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{}

	if opts.DB != nil {
		pg := store.NewPGStore(opts.DB)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.Store = pg
	} else {
		a.Store = store.NewMemoryStore()
	}

	a.Bus = bus.New(bus.Config{HandlerTimeout: cfg.HandlerTimeout, Logger: opts.Logger})
	a.Trail = audit.NewTrail(audit.Config{HistoryLimit: cfg.HistoryLimit, Bus: a.Bus, Now: opts.Now})
	for _, u := range append(audit.DefaultCUnits(), cfg.Catalog.CUnits...) {
		if err := a.Trail.RegisterCUnit(u); err != nil {
			return nil, fmt.Errorf("register c_unit %s: %w", u.ID, err)
		}
	}

	a.Guardrails = guardrail.NewEngine(a.Trail, guardrail.Config{Logger: opts.Logger})
	for _, g := range guardrail.Defaults() {
		if err := a.Guardrails.Register(g); err != nil {
			return nil, err
		}
	}
	if err := a.Guardrails.RegisterSpecs(cfg.Catalog.Guardrails); err != nil {
		return nil, err
	}
	a.Trail.Subscribe("guardrail", a.Guardrails.Handle)

	a.Metrics = metrics.NewSink()
	a.Trail.Subscribe("metrics", a.Metrics.Handle)

	notifiers := make([]alert.Notifier, 0, len(cfg.Alerts))
	for _, d := range cfg.Alerts {
		n, err := alert.NewWebhookNotifier(alert.WebhookConfig{Destination: d, Retries: 2})
		if err != nil {
			return nil, fmt.Errorf("alert destination %s: %w", d.Name, err)
		}
		notifiers = append(notifiers, n)
	}
	a.Alerts = alert.NewSink(alert.SinkConfig{Notifiers: notifiers, Rate: cfg.AlertRate, Burst: cfg.AlertBurst, Logger: opts.Logger})
	if a.Alerts.Enabled() {
		a.Trail.Subscribe("alert", a.Alerts.Handle)
	}

	if len(cfg.KafkaBrokers) > 0 {
		k, err := audit.NewKafkaSink(audit.KafkaSinkConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, err
		}
		a.Trail.Subscribe("kafka", k.Handle)
		a.closers = append(a.closers, k.Close)
	}
	if cfg.S3Bucket != "" {
		s3a, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, err
		}
		a.Trail.Subscribe("s3", s3a.Handle)
	}

	tp, err := telemetry.Init(ctx, telemetry.Config{Exporter: cfg.TraceExporter, Endpoint: cfg.OTLPEndpoint, Writer: opts.TraceWriter})
	if err != nil {
		return nil, err
	}
	a.telemetry = tp

	a.Runner = runner.New(a.Store, a.Trail, runner.Config{
		SLOThreshold:   cfg.SLOThreshold,
		MaxConcurrency: cfg.MaxConcurrency,
		Observer:       a.Metrics,
		Tracer:         tp.Tracer,
		Now:            opts.Now,
		Logger:         opts.Logger,
	})

	a.Dispatcher = tasks.NewDispatcher()
	a.Gateway = gateway.New(a.Store, a.Runner, a.Trail, gateway.Config{Logger: opts.Logger})
	a.Gateway.Register(models.CGOUnit, tasks.Campaign{Crew: opts.Crew, Now: opts.Now})
	a.Gateway.Register(models.A2AUnit, a.Dispatcher)

	a.Server = httpserver.New(httpserver.Config{
		A2ASecret: cfg.A2ASecret,
		JWTSecret: cfg.JWTSecret,
		Logger:    opts.Logger,
	}, a.Gateway, a.Store, a.Trail, a.Guardrails, a.Metrics.Handler())
	return a, nil
}

func (a *App) Handler() http.Handler { return a.Server.Router() }

// Close waits for running jobs, drains pending audit events and releases
// sinks. It is safe to call once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Runner.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runner: %w", err))
	}
	if err := a.Bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
