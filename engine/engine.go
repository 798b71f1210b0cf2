// Package engine wires the fetchq subsystems together: bus, rules,
// profiles, fetch engine registry, queue manager, scheduler, and the
// observability collector. It sits above all subsystem packages and
// below the application layer; cmd/fetchqd builds one Engine and runs
// it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/gateway"
	"github.com/mediaflow/fetchq/job"
	mw "github.com/mediaflow/fetchq/middleware"
	"github.com/mediaflow/fetchq/observability"
	"github.com/mediaflow/fetchq/profile"
	"github.com/mediaflow/fetchq/queue"
	"github.com/mediaflow/fetchq/rules"
	"github.com/mediaflow/fetchq/schedule"
	"github.com/mediaflow/fetchq/store/memory"
)

// Engine owns every subsystem and their start/stop ordering.
type Engine struct {
	cfg    fetchq.Config
	logger *slog.Logger

	store     job.Store
	bus       *bus.Bus
	rules     *rules.Engine
	profiles  *profile.Manager
	registry  *fetcher.Registry
	queue     *queue.Manager
	scheduler *schedule.Scheduler
	collector *observability.Collector
	gateway   *gateway.Server

	mws []mw.Middleware

	rulesPath   string
	profilesDir string

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the job store. Defaults to the in-memory store.
func WithStore(s job.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithLogger sets the logger for all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithMiddleware appends middleware to the fetch execution chain,
// after the default stack.
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, mws...) }
}

// WithRulesFile loads rules from the given YAML file during Build.
func WithRulesFile(path string) Option {
	return func(eng *Engine) { eng.rulesPath = path }
}

// WithProfilesDir loads profile YAML files from dir during Build.
func WithProfilesDir(dir string) Option {
	return func(eng *Engine) { eng.profilesDir = dir }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware and the observability collector use this provider
// instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine from the config. Fetch engines must be
// registered on Registry() before Start.
func Build(cfg fetchq.Config, opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	logger := eng.logger

	if eng.store == nil {
		eng.store = memory.New()
	}

	eng.bus = bus.New(logger, bus.WithHistorySize(cfg.EventHistorySize))
	eng.rules = rules.New(logger, eng.bus)
	eng.profiles = profile.NewManager(logger)
	eng.registry = fetcher.NewRegistry(logger)
	eng.collector = eng.buildCollector()
	eng.gateway = gateway.NewServer(eng.bus, gateway.WithLogger(logger))

	if eng.rulesPath != "" {
		if err := eng.rules.Load(eng.rulesPath); err != nil {
			return nil, fmt.Errorf("engine: load rules: %w", err)
		}
	}
	if eng.profilesDir != "" {
		if err := eng.profiles.LoadDir(eng.profilesDir); err != nil {
			return nil, fmt.Errorf("engine: load profiles: %w", err)
		}
	}

	// Default middleware stack: recover → tracing → metrics → logging
	// → timeout, with caller middleware appended.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		eng.buildTracing(),
		eng.buildMetrics(),
		mw.Logging(logger),
		mw.Timeout(logger, cfg.MaxJobRuntime),
	}
	allMws := append(defaultMws, eng.mws...)

	eng.queue = queue.NewManager(cfg, logger, eng.bus, eng.registry,
		queue.WithStore(eng.store),
		queue.WithRules(eng.rules),
		queue.WithMiddleware(allMws...),
	)
	eng.scheduler = schedule.New(logger, eng.bus, eng.queue)

	return eng, nil
}

func (eng *Engine) buildTracing() mw.Middleware {
	if eng.tracerProvider != nil {
		return mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/mediaflow/fetchq"))
	}
	return mw.Tracing()
}

func (eng *Engine) buildMetrics() mw.Middleware {
	if eng.meterProvider != nil {
		return mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/mediaflow/fetchq"))
	}
	return mw.Metrics()
}

func (eng *Engine) buildCollector() *observability.Collector {
	if eng.meterProvider != nil {
		return observability.NewWithMeter(eng.bus, eng.logger,
			eng.meterProvider.Meter("github.com/mediaflow/fetchq"))
	}
	return observability.New(eng.bus, eng.logger)
}

// Start brings the subsystems up: store connectivity check, metrics
// collector, queue recovery + dispatch loop, then the scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}
	if err := eng.store.Migrate(ctx); err != nil {
		return fmt.Errorf("engine: store migrate: %w", err)
	}

	if err := eng.collector.Start(ctx); err != nil {
		return fmt.Errorf("engine: start collector: %w", err)
	}
	if err := eng.queue.Start(ctx); err != nil {
		return fmt.Errorf("engine: start queue: %w", err)
	}
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("engine: start scheduler: %w", err)
	}

	eng.logger.Info("engine started",
		slog.Int("concurrency", eng.cfg.Concurrency),
		slog.Int64("bandwidth_budget", eng.cfg.BandwidthBudget),
	)
	return nil
}

// Stop shuts the subsystems down in reverse order. Errors are
// collected, not short-circuited, so every subsystem gets its chance
// to stop.
func (eng *Engine) Stop(ctx context.Context) error {
	var errs []error

	if err := eng.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := eng.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop queue: %w", err))
	}
	eng.gateway.Shutdown()
	if err := eng.collector.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop collector: %w", err))
	}
	eng.bus.Close()
	if err := eng.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	eng.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Queue returns the queue manager.
func (eng *Engine) Queue() *queue.Manager { return eng.queue }

// Bus returns the event bus.
func (eng *Engine) Bus() *bus.Bus { return eng.bus }

// Rules returns the rules engine.
func (eng *Engine) Rules() *rules.Engine { return eng.rules }

// Profiles returns the profile manager.
func (eng *Engine) Profiles() *profile.Manager { return eng.profiles }

// Registry returns the fetch engine registry.
func (eng *Engine) Registry() *fetcher.Registry { return eng.registry }

// Scheduler returns the recurring-fetch scheduler.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// Gateway returns the WebSocket event feed handler.
func (eng *Engine) Gateway() *gateway.Server { return eng.gateway }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.store }
