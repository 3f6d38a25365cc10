// Package files serves uploads, reprocessing and the approval workflow.
package files

import (
	"errors"
	"log/slog"
	"net/http"

	"corvus_analytics/pkg/api/respond"
	"corvus_analytics/pkg/core/approval"
	"corvus_analytics/pkg/core/ingest"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	Ingestor *ingest.Ingestor
	Gate     *approval.Gate
	Files    store.FileStore
	Facts    store.FactStore
	log      *slog.Logger
}

func NewHandler(ing *ingest.Ingestor, gate *approval.Gate, s store.Store, log *slog.Logger) *Handler {
	return &Handler{Ingestor: ing, Gate: gate, Files: s, Facts: s, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	wrap := func(f respond.HandlerFunc) http.HandlerFunc { return respond.Wrap(h.log, f) }

	r.Post("/files", wrap(h.upload))
	r.Get("/files", wrap(h.list))
	r.Get("/files/{id}", wrap(h.get))
	r.Get("/files/{id}/facts", wrap(h.facts))
	r.Post("/files/{id}/transition", wrap(h.transition))
	r.Post("/files/{id}/override", wrap(h.override))
	r.Post("/files/{id}/reprocess", wrap(h.reprocess))
	r.Post("/files/reprocess", wrap(h.reprocessVersion))
}

// POST /files
// Body: the parser output of one XBRL instance. The uploader is the actor.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	var up ingest.Upload
	if err := respond.Decode(r, &up); err != nil {
		return err
	}
	up.UploadedBy = actor

	summary, err := h.Ingestor.IngestFile(r.Context(), up)
	if errors.Is(err, ingest.ErrNothingNormalized) {
		// the warnings say why every fact was skipped
		respond.JSON(w, http.StatusUnprocessableEntity, respond.ErrorBody{Error: err.Error(), Details: summary})
		return nil
	}
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusCreated, summary)
	return nil
}

// GET /files?taxonomy_version=&entity_id=&period_id=
// Files the caller cannot see are left out.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	all, err := h.Files.ListFiles(r.Context(), store.FileFilter{
		TaxonomyVersion: q.Get("taxonomy_version"),
		EntityID:        q.Get("entity_id"),
		PeriodID:        q.Get("period_id"),
	})
	if err != nil {
		return err
	}
	viewer := r.Header.Get(respond.ActorHeader)
	visible := make([]models.File, 0, len(all))
	for _, f := range all {
		if approval.Visible(f, viewer) {
			visible = append(visible, f)
		}
	}
	respond.JSON(w, http.StatusOK, visible)
	return nil
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) error {
	f, err := h.visibleFile(r)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, f)
	return nil
}

func (h *Handler) facts(w http.ResponseWriter, r *http.Request) error {
	f, err := h.visibleFile(r)
	if err != nil {
		return err
	}
	facts, err := h.Facts.ListFacts(r.Context(), f.ID)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, facts)
	return nil
}

// POST /files/{id}/transition
// Body: {"state": "validated"}
func (h *Handler) transition(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	id, err := fileID(r)
	if err != nil {
		return err
	}
	var body struct {
		State models.ApprovalState `json:"state"`
	}
	if err := respond.Decode(r, &body); err != nil {
		return err
	}
	f, err := h.Gate.Transition(r.Context(), id, body.State, actor)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, f)
	return nil
}

// POST /files/{id}/override
// Body: {"state": "rejected", "reason": "..."}
func (h *Handler) override(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	id, err := fileID(r)
	if err != nil {
		return err
	}
	var body struct {
		State  models.ApprovalState `json:"state"`
		Reason string               `json:"reason"`
	}
	if err := respond.Decode(r, &body); err != nil {
		return err
	}
	f, err := h.Gate.Override(r.Context(), id, body.State, actor, body.Reason)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, f)
	return nil
}

func (h *Handler) reprocess(w http.ResponseWriter, r *http.Request) error {
	if _, err := respond.Actor(r); err != nil {
		return err
	}
	id, err := fileID(r)
	if err != nil {
		return err
	}
	summary, err := h.Ingestor.Reprocess(r.Context(), id)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, summary)
	return nil
}

// POST /files/reprocess?taxonomy_version=
func (h *Handler) reprocessVersion(w http.ResponseWriter, r *http.Request) error {
	if _, err := respond.Actor(r); err != nil {
		return err
	}
	version := r.URL.Query().Get("taxonomy_version")
	if version == "" {
		return &respond.BadRequest{Msg: "taxonomy_version is required"}
	}
	summaries, err := h.Ingestor.ReprocessVersion(r.Context(), version)
	body := map[string]any{"reprocessed": summaries}
	if err != nil {
		h.log.Warn("reprocess incomplete", "taxonomy_version", version, "error", err)
		body["error"] = err.Error()
		respond.JSON(w, http.StatusMultiStatus, body)
		return nil
	}
	respond.JSON(w, http.StatusOK, body)
	return nil
}

// visibleFile loads the file in the URL, hiding files the caller may not see.
func (h *Handler) visibleFile(r *http.Request) (models.File, error) {
	id, err := fileID(r)
	if err != nil {
		return models.File{}, err
	}
	f, err := h.Files.GetFile(r.Context(), id)
	if err != nil {
		return models.File{}, err
	}
	if !approval.Visible(f, r.Header.Get(respond.ActorHeader)) {
		return models.File{}, store.ErrNotFound
	}
	return f, nil
}

func fileID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, &respond.BadRequest{Msg: "invalid file id"}
	}
	return id, nil
}
