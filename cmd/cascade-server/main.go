// cascade-server runs the orchestration engine as a service: Postgres
// store, definition cache, HTTP action runner, delay worker and the REST
// API, wired from configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cascadehq/cascade/pkg/actions"
	"github.com/cascadehq/cascade/pkg/api"
	"github.com/cascadehq/cascade/pkg/cache"
	"github.com/cascadehq/cascade/pkg/config"
	"github.com/cascadehq/cascade/pkg/delay"
	"github.com/cascadehq/cascade/pkg/engine"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cascade-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := observability.NewStandardLoggerWithLevel("cascade", logLevel(cfg.Logging.Level))
	metrics := observability.NewNoopMetricsClient()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writeDB, err := openDB(cfg.Database.DSN, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = writeDB.Close() }()

	readDB := writeDB
	if cfg.Database.ReadDSN != cfg.Database.DSN {
		readDB, err = openDB(cfg.Database.ReadDSN, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = readDB.Close() }()
	}

	if cfg.Database.Migrate {
		if err := store.RunMigrations(writeDB.DB); err != nil {
			return err
		}
		logger.Info("Migrations applied", nil)
	}

	st := store.NewPostgresStore(writeDB, readDB, logger, observability.StartSpan, metrics)

	defCache, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	if defCache != nil {
		defer func() { _ = defCache.Close() }()
	}

	resolver := engine.NewStoreResolver(st, defCache, logger)

	// Wiring order: the engine needs the runner, the HTTP runner needs the
	// engine's Deliver. The local runner handles std.* actions; everything
	// else goes over HTTP.
	var eng *engine.Engine
	httpRunner := actions.NewHTTPRunner(actions.HTTPRunnerConfig{
		RequestTimeout:   cfg.Actions.HTTPTimeout,
		RatePerSecond:    cfg.Actions.RatePerSecond,
		RateBurst:        cfg.Actions.RateBurst,
		BreakerFailures:  cfg.Actions.BreakerFailures,
		BreakerResetTime: cfg.Actions.BreakerReset,
		MaxBodyBytes:     4 << 20,
	}, func(ctx context.Context, actionExecID uuid.UUID, success bool, result interface{}, errorInfo string) error {
		return eng.Deliver(ctx, actionExecID, success, result, errorInfo)
	}, logger)

	local := actions.NewLocalRunner(logger)
	runner := actions.NewMuxRunner(local)
	runner.Route("std.http", httpRunner)

	eng = engine.New(st, runner, resolver, logger, metrics, observability.StartSpan)

	worker := delay.NewWorker(st, eng, delay.Config{
		Interval:  cfg.Delay.Interval,
		BatchSize: cfg.Delay.BatchSize,
	}, logger, metrics)
	worker.Start(ctx)
	defer worker.Stop()

	server := api.NewServer(eng, st, defCache, api.Config{
		ListenAddress:   cfg.API.ListenAddress,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, logger, metrics)

	return server.Run(ctx)
}

func openDB(dsn string, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	near, err := cache.NewLRUCache(cfg.Cache.LRUSize)
	if err != nil {
		return nil, err
	}
	if !cfg.Redis.Enabled {
		return near, nil
	}
	redisCfg := cache.DefaultRedisConfig()
	redisCfg.Address = cfg.Redis.Address
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	far, err := cache.NewRedisCache(ctx, redisCfg, "cascade")
	if err != nil {
		return nil, err
	}
	return cache.NewLayered(near, far), nil
}

func logLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.LogLevelDebug
	case "warn":
		return observability.LogLevelWarn
	case "error":
		return observability.LogLevelError
	default:
		return observability.LogLevelInfo
	}
}
