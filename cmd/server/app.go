package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"caepi/internal/certificate/fetcher"
	"caepi/internal/certificate/service"
	"caepi/internal/certificate/store"
	"caepi/internal/platform/config"
	"caepi/internal/platform/logger"
	"caepi/internal/platform/metrics"
	"caepi/internal/platform/redis"
)

// app holds the wired dependencies shared by every subcommand.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	store       store.Store
	coordinator *service.Coordinator
	service     *service.Service
	closers     []io.Closer
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.With("app_env", cfg.Server.AppEnv)
	a := &app{cfg: cfg, logger: log, closers: []io.Closer{logCloser}}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.store, err = a.buildStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FeedPath()), 0o750); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create feed directory: %w", err)
	}
	f := fetcher.New(fetcher.Config{
		Host:        cfg.FTP.Host,
		Dir:         cfg.FTP.Dir,
		Archive:     cfg.FTP.Archive,
		FeedPath:    cfg.FeedPath(),
		DialTimeout: cfg.FTP.DialTimeout,
	}, log.With("component", "fetcher"))

	a.coordinator = service.NewCoordinator(f, a.store, cfg.Cache.Timeout,
		service.WithCoordinatorLogger(log.With("component", "coordinator")),
		service.WithCoordinatorMetrics(a.metrics),
	)
	a.service = service.New(a.coordinator, a.store,
		service.WithLogger(log.With("component", "certificates")),
		service.WithMetrics(a.metrics),
	)

	log.Info("application wired",
		"cache_backend", cfg.CacheBackend(),
		"cache_timeout", cfg.Cache.Timeout.String(),
		"ftp_host", cfg.FTP.Host,
		"feed_path", cfg.FeedPath(),
	)
	return a, nil
}

func (a *app) buildStore(ctx context.Context) (store.Store, error) {
	backend := a.cfg.CacheBackend()
	if backend == config.BackendNone {
		return store.NopStore{}, nil
	}

	storeLog := a.logger.With("component", "cache", "backend", backend)
	codec := store.SelectEncoding(store.Encoding(a.cfg.Cache.Encoding), a.cfg.Cache.Compression, storeLog)

	switch backend {
	case config.BackendRedis:
		client, err := redis.New(ctx, a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client)
		rs, err := store.NewRedisStore(client.Client, a.cfg.Cache.Timeout, codec, storeLog)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return rs, nil
	default:
		fs, err := store.NewFileStore(a.cfg.Cache.Dir, a.cfg.Cache.FileName, a.cfg.Cache.Timeout, codec, storeLog)
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		return fs, nil
	}
}

// Close releases resources in reverse acquisition order. The logger is
// closed last so shutdown messages still reach every sink.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
