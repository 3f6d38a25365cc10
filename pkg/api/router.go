// Package api assembles the HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	apiAnalysis "corvus_analytics/pkg/api/analysis"
	"corvus_analytics/pkg/api/catalog"
	"corvus_analytics/pkg/api/files"
	apiMiddleware "corvus_analytics/pkg/api/middleware"
	"corvus_analytics/pkg/core/analysis"
	"corvus_analytics/pkg/core/approval"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/ingest"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps are the services behind the HTTP handlers.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Hierarchy *hierarchy.Hierarchy
	Resolver  *mapping.Resolver
	Ingestor  *ingest.Ingestor
	Gate      *approval.Gate
	Engine    *analysis.Engine
	Log       *slog.Logger

	AllowedOrigins []string
}

// NewRouter mounts every endpoint under /api/v1.
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.Logging(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(rt chi.Router) {
		rt.Use(middleware.Timeout(60 * time.Second))
		catalog.NewHandler(d.Registry, d.Hierarchy, d.Resolver, log).Routes(rt)
		files.NewHandler(d.Ingestor, d.Gate, d.Store, log).Routes(rt)
		apiAnalysis.NewHandler(d.Engine, log).Routes(rt)
	})
	return r
}
