// Package app wires the services from a Config. Both the API server and
// the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"corvus_analytics/pkg/core/analysis"
	"corvus_analytics/pkg/core/approval"
	"corvus_analytics/pkg/core/archive"
	"corvus_analytics/pkg/core/audit"
	"corvus_analytics/pkg/core/config"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/ingest"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/normalize"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"
)

type App struct {
	Config    config.Config
	Store     store.Store
	Audit     audit.Sink
	Archive   archive.Archive
	Registry  *registry.Registry
	Hierarchy *hierarchy.Hierarchy
	Resolver  *mapping.Resolver
	Ingestor  *ingest.Ingestor
	Gate      *approval.Gate
	Engine    *analysis.Engine
	Log       *slog.Logger

	closers []func() error
}

// New connects the backends named in cfg and falls back to in-memory
// ones for the rest. Postgres migrations are applied on start.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if cfg.DatabaseURL != "" {
		if err := store.InitDB(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.Migrate(ctx, store.GetPool()); err != nil {
			a.Close()
			return nil, err
		}
		a.Store = store.NewPGStore(store.GetPool())
		log.Info("using postgres store")
	} else {
		a.Store = store.NewMemoryStore()
		log.Warn("DATABASE_URL not set, data will not survive a restart")
	}

	if cfg.AuditMySQLDSN != "" {
		sink, err := audit.OpenMySQL(ctx, cfg.AuditMySQLDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		a.Audit = sink
	} else {
		a.Audit = audit.NewSlogSink(log)
	}

	if mc, ok := cfg.MinioConfig(); ok {
		arch, err := archive.NewMinioArchive(ctx, mc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("minio archive: %w", err)
		}
		a.Archive = arch
	} else {
		a.Archive = archive.NewMemoryArchive()
	}

	rates, err := cfg.RateTable()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Hierarchy, err = hierarchy.New(ctx, a.Store, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.applyBasis(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = registry.New(a.Store, log)
	a.Resolver = mapping.NewResolver(a.Store, a.Registry, a.Hierarchy, a.Audit, log)
	a.Ingestor = ingest.New(a.Store, a.Registry, a.Resolver, normalize.New(cfg.BaseCurrency, rates), a.Archive, cfg.IngestWorkers, log)
	a.Gate = approval.NewGate(a.Store, a.Audit, log)
	a.Engine = analysis.NewEngine(a.Store, a.Hierarchy, cfg.Ratios, log)
	return a, nil
}

// applyBasis stores the configured total lines. A basis naming a line
// that is not loaded yet is skipped so the hierarchy can be imported later.
func (a *App) applyBasis(ctx context.Context) error {
	for stmt, code := range a.Config.Basis {
		err := a.Hierarchy.SetTotalBasis(ctx, stmt, code)
		if errors.Is(err, hierarchy.ErrLineNotFound) {
			a.Log.Warn("basis line not in hierarchy, skipped", "statement", stmt, "code", code)
			continue
		}
		if err != nil {
			return fmt.Errorf("basis for %s: %w", stmt, err)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
