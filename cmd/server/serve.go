package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"caepi/internal/certificate/handler"
	"caepi/internal/platform/httpserver"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled refresh loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.logger

	r := chi.NewRouter()
	handler.New(a.service, log.With("component", "http"), a.metrics, cfg.Server.AdminToken, cfg.Server.Version).Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	srv := httpserver.New(cfg.Server, r)

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		a.coordinator.Run(runCtx, cfg.Refresh.Interval, cfg.Refresh.WarmOnStart)
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting caepi", "addr", cfg.Server.Addr, "version", cfg.Server.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case serveErr = <-errCh:
		log.Error("server error", "error", serveErr)
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		serveErr = errors.Join(serveErr, err)
	}
	wg.Wait()
	log.Info("server stopped")
	return serveErr
}
