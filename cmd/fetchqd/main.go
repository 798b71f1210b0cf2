// Command fetchqd runs the fetchq orchestration daemon: the queue
// manager, rules engine, scheduler, and the WebSocket event feed, with
// fetch engines supplied as external commands in the config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mediaflow/fetchq/engine"
	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/job"
	"github.com/mediaflow/fetchq/schedule"
	redisstore "github.com/mediaflow/fetchq/store/redis"
	"github.com/mediaflow/fetchq/store/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to fetchqd.yaml")
		listenAddr = flag.String("listen", "", "listen address (overrides config)")
	)
	flag.Parse()

	if err := run(*configPath, *listenAddr); err != nil {
		slog.Error("fetchqd terminated", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	qcfg := cfg.queueConfig()
	eng, err := engine.Build(qcfg,
		engine.WithLogger(logger),
		engine.WithStore(store),
		engine.WithRulesFile(cfg.RulesFile),
		engine.WithProfilesDir(cfg.ProfilesDir),
	)
	if err != nil {
		return err
	}

	if err := registerEngines(eng, cfg, logger); err != nil {
		return err
	}
	if err := registerSchedules(eng, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", eng.Gateway())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Store().Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("fetchqd listening", slog.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), qcfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
		return eng.Stop(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

func openStore(cfg *fileConfig, logger *slog.Logger) (job.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return nil, nil // engine falls back to the in-memory store
	case "sqlite":
		if cfg.Store.Path == "" {
			return nil, fmt.Errorf("store.path is required for the sqlite backend")
		}
		return sqlite.Open(cfg.Store.Path, sqlite.WithLogger(logger))
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		var opts []redisstore.Option
		opts = append(opts, redisstore.WithLogger(logger))
		if cfg.Store.Redis.TTL > 0 {
			opts = append(opts, redisstore.WithTTL(cfg.Store.Redis.TTL))
		}
		return redisstore.New(client, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func registerEngines(eng *engine.Engine, cfg *fileConfig, logger *slog.Logger) error {
	if len(cfg.Engines) == 0 {
		return fmt.Errorf("no fetch engines configured")
	}
	for _, ec := range cfg.Engines {
		f, err := newExecFetcher(ec, cfg.OutputDir, eng.Profiles(), logger)
		if err != nil {
			return err
		}
		var opts []fetcher.EngineOption
		if ec.RateLimit > 0 {
			opts = append(opts, fetcher.WithRateLimit(
				rate.Every(time.Minute/time.Duration(ec.RateLimit)), 1))
		}
		if err := eng.Registry().Register(ec.Name, ec.URLPattern, f, opts...); err != nil {
			return fmt.Errorf("register engine %q: %w", ec.Name, err)
		}
	}
	return nil
}

func registerSchedules(eng *engine.Engine, cfg *fileConfig) error {
	for _, sc := range cfg.Schedules {
		_, err := eng.Scheduler().Add(schedule.Entry{
			Name:      sc.Name,
			Expr:      sc.Expr,
			SourceURL: sc.URL,
			Profile:   sc.Profile,
			Priority:  sc.Priority,
			Enabled:   sc.enabled(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
