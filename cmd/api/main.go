package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"corvus_analytics/pkg/api"
	"corvus_analytics/pkg/app"
	"corvus_analytics/pkg/core/config"
	"corvus_analytics/pkg/core/logger"
)

func main() {
	configPath := flag.String("config", "config/corvus.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitLogger("info").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Deps{
			Store:          a.Store,
			Registry:       a.Registry,
			Hierarchy:      a.Hierarchy,
			Resolver:       a.Resolver,
			Ingestor:       a.Ingestor,
			Gate:           a.Gate,
			Engine:         a.Engine,
			Log:            log,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", "addr", cfg.ListenAddr, "base_currency", cfg.BaseCurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	}
}
