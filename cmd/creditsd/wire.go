package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/credits"
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/extension"
	"github.com/xraph/credits/observability"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	mongostore "github.com/xraph/credits/store/mongo"
	mysqlstore "github.com/xraph/credits/store/mysql"
	pgstore "github.com/xraph/credits/store/postgres"
	sqlitestore "github.com/xraph/credits/store/sqlite"
)

type app struct {
	cfg      config
	logger   *slog.Logger
	ext      *extension.Extension
	store    store.Store
	redis    *redis.Client
	registry *prometheus.Registry
}

func (a *app) ledger() *credits.Ledger { return a.ext.Engine() }

// wire builds the process graph from cfg. The caller owns the returned
// app and must call close.
func wire(ctx context.Context, cfg config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg, logOut),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = s

	opts := []extension.Option{
		extension.WithStore(s),
		extension.WithConfig(cfg.Credits),
		extension.WithPlugin(observability.NewMetricsExtension(
			observability.NewPrometheusFactory(a.registry, ""))),
		extension.WithPlugin(audithook.New(audithook.SlogRecorder(a.logger),
			audithook.WithLogger(a.logger))),
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		opts = append(opts, extension.WithRedis(a.redis))
	}

	ext, err := extension.Assemble(a.logger, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.ext = ext
	return a, nil
}

func openStore(ctx context.Context, cfg config) (store.Store, error) {
	switch cfg.Store {
	case "sqlite":
		return sqlitestore.Open(ctx, cfg.SQLitePath)
	case "postgres":
		return pgstore.Open(ctx, cfg.PostgresDSN)
	case "mysql":
		return mysqlstore.Open(cfg.MySQLDSN)
	case "mongo":
		return mongostore.Open(ctx, cfg.MongoURI)
	default:
		return memory.New(), nil
	}
}

// close releases connections not owned by the ledger. The store is
// closed by Ledger.Stop.
func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func newLogger(cfg config, out io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
