// Package analysis serves comparisons and indicator feeds.
package analysis

import (
	"log/slog"
	"net/http"

	"corvus_analytics/pkg/api/respond"
	coreAnalysis "corvus_analytics/pkg/core/analysis"
	"corvus_analytics/pkg/core/report"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Engine *coreAnalysis.Engine
	log    *slog.Logger
}

func NewHandler(e *coreAnalysis.Engine, log *slog.Logger) *Handler {
	return &Handler{Engine: e, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	wrap := func(f respond.HandlerFunc) http.HandlerFunc { return respond.Wrap(h.log, f) }

	r.Post("/analysis/compare", wrap(h.compare))
	r.Get("/analysis/indicators", wrap(h.indicators))
	r.Get("/analysis/ratios", wrap(h.ratios))
}

// POST /analysis/compare?format=json|markdown|html
// The viewer is always the caller, never taken from the body.
func (h *Handler) compare(w http.ResponseWriter, r *http.Request) error {
	var req coreAnalysis.Request
	if err := respond.Decode(r, &req); err != nil {
		return err
	}
	req.Viewer = r.Header.Get(respond.ActorHeader)

	res, err := h.Engine.Compare(r.Context(), req)
	if err != nil {
		return err
	}

	switch r.URL.Query().Get("format") {
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, err = w.Write([]byte(report.Markdown(res)))
		return err
	case "html":
		out, err := report.HTML(res)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err = w.Write(out)
		return err
	}
	respond.JSON(w, http.StatusOK, res)
	return nil
}

// GET /analysis/indicators?entity_id=&period_id=
func (h *Handler) indicators(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	out, err := h.Engine.Indicators(r.Context(), q.Get("entity_id"), q.Get("period_id"), r.Header.Get(respond.ActorHeader))
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, out)
	return nil
}

func (h *Handler) ratios(w http.ResponseWriter, r *http.Request) error {
	respond.JSON(w, http.StatusOK, h.Engine.Ratios())
	return nil
}
