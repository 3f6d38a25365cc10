// Package catalog serves concepts, the canonical hierarchy and mappings.
package catalog

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"corvus_analytics/pkg/api/respond"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/models"

	"github.com/go-chi/chi/v5"
)

// Handler holds dependencies for catalog endpoints
type Handler struct {
	Registry  *registry.Registry
	Hierarchy *hierarchy.Hierarchy
	Resolver  *mapping.Resolver
	log       *slog.Logger
}

// NewHandler creates a new catalog handler
func NewHandler(reg *registry.Registry, h *hierarchy.Hierarchy, res *mapping.Resolver, log *slog.Logger) *Handler {
	return &Handler{Registry: reg, Hierarchy: h, Resolver: res, log: log}
}

// Routes mounts the catalog endpoints.
func (h *Handler) Routes(r chi.Router) {
	wrap := func(f respond.HandlerFunc) http.HandlerFunc { return respond.Wrap(h.log, f) }
	// hierarchy reads pick up lines and bases written by other processes
	fresh := func(f respond.HandlerFunc) http.HandlerFunc {
		return wrap(func(w http.ResponseWriter, r *http.Request) error {
			if err := h.Hierarchy.Refresh(r.Context()); err != nil {
				return err
			}
			return f(w, r)
		})
	}

	r.Get("/concepts", wrap(h.listConcepts))
	r.Post("/concepts", wrap(h.registerConcepts))
	r.Get("/concepts/lookup", wrap(h.lookupConcept))

	r.Get("/hierarchy", fresh(h.listLines))
	r.Post("/hierarchy/lines", wrap(h.addLine))
	r.Post("/hierarchy/import", wrap(h.importLines))
	r.Get("/hierarchy/lines/{code}/path", fresh(h.path))
	r.Get("/hierarchy/lines/{code}/children", fresh(h.children))
	r.Get("/hierarchy/basis/{statement}", fresh(h.getBasis))
	r.Put("/hierarchy/basis/{statement}", wrap(h.setBasis))

	r.Get("/mappings", wrap(h.exportMappings))
	r.Get("/mappings/resolve", wrap(h.resolve))
	r.Post("/mappings", wrap(h.addMapping))
	r.Put("/mappings", wrap(h.replaceMapping))
	r.Delete("/mappings", wrap(h.removeMapping))
	r.Post("/mappings/import", wrap(h.importMappings))
	r.Get("/mappings/suggest", wrap(h.suggest))
	r.Get("/mappings/coverage", wrap(h.coverage))
}

// ============================================================================
// Concepts
// ============================================================================

// POST /concepts
// Body: a concept or an array of concepts.
func (h *Handler) registerConcepts(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return err
	}
	var concepts []models.Concept
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var c models.Concept
		if err := respond.Decode(withBody(r, trimmed), &c); err != nil {
			return err
		}
		concepts = []models.Concept{c}
	} else if err := respond.Decode(withBody(r, trimmed), &concepts); err != nil {
		return err
	}

	n, err := h.Registry.RegisterAll(r.Context(), concepts)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, map[string]int{"registered": n})
	return nil
}

// GET /concepts?taxonomy_version=
func (h *Handler) listConcepts(w http.ResponseWriter, r *http.Request) error {
	list, err := h.Registry.List(r.Context(), r.URL.Query().Get("taxonomy_version"))
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, list)
	return nil
}

// GET /concepts/lookup?taxonomy_version=&qname=
func (h *Handler) lookupConcept(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	c, err := h.Registry.Lookup(r.Context(), q.Get("taxonomy_version"), q.Get("qname"))
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, c)
	return nil
}

// ============================================================================
// Hierarchy
// ============================================================================

// GET /hierarchy?statement=balance
// With a statement the lines come back depth-first with their depth.
func (h *Handler) listLines(w http.ResponseWriter, r *http.Request) error {
	stmt := models.Statement(r.URL.Query().Get("statement"))
	if stmt == "" {
		respond.JSON(w, http.StatusOK, h.Hierarchy.All())
		return nil
	}
	if !stmt.Valid() {
		return &respond.BadRequest{Msg: "unknown statement " + string(stmt)}
	}
	respond.JSON(w, http.StatusOK, h.Hierarchy.StatementLines(stmt))
	return nil
}

// POST /hierarchy/lines
func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) error {
	var line models.CanonicalLine
	if err := respond.Decode(r, &line); err != nil {
		return err
	}
	if err := h.Hierarchy.AddLine(r.Context(), line); err != nil {
		return err
	}
	respond.JSON(w, http.StatusCreated, line)
	return nil
}

// POST /hierarchy/import
// Body: CSV (text/csv) or a JSON array of lines. The batch commits entirely or not at all.
func (h *Handler) importLines(w http.ResponseWriter, r *http.Request) error {
	var (
		lines []models.CanonicalLine
		err   error
	)
	if isCSV(r) {
		lines, err = hierarchy.ReadCSV(r.Body)
		if err != nil {
			return &respond.BadRequest{Msg: err.Error()}
		}
	} else if err := respond.Decode(r, &lines); err != nil {
		return err
	}
	if err := h.Hierarchy.Import(r.Context(), lines); err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, map[string]int{"imported": len(lines)})
	return nil
}

func (h *Handler) path(w http.ResponseWriter, r *http.Request) error {
	p, err := h.Hierarchy.Path(chi.URLParam(r, "code"))
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, p)
	return nil
}

func (h *Handler) children(w http.ResponseWriter, r *http.Request) error {
	c, err := h.Hierarchy.Children(chi.URLParam(r, "code"))
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, c)
	return nil
}

func (h *Handler) getBasis(w http.ResponseWriter, r *http.Request) error {
	stmt := models.Statement(chi.URLParam(r, "statement"))
	code, err := h.Hierarchy.TotalBasis(stmt)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, map[string]string{"statement": string(stmt), "canonical_code": code})
	return nil
}

// PUT /hierarchy/basis/{statement}
// Body: {"canonical_code": "activos_totales"}
func (h *Handler) setBasis(w http.ResponseWriter, r *http.Request) error {
	stmt := models.Statement(chi.URLParam(r, "statement"))
	if !stmt.Valid() {
		return &respond.BadRequest{Msg: "unknown statement " + string(stmt)}
	}
	var body struct {
		CanonicalCode string `json:"canonical_code"`
	}
	if err := respond.Decode(r, &body); err != nil {
		return err
	}
	if err := h.Hierarchy.SetTotalBasis(r.Context(), stmt, body.CanonicalCode); err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, map[string]string{"statement": string(stmt), "canonical_code": body.CanonicalCode})
	return nil
}

// ============================================================================
// Mappings
// ============================================================================

// GET /mappings/resolve?taxonomy_version=&qname=
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	code, err := h.Resolver.Resolve(r.Context(), q.Get("taxonomy_version"), q.Get("qname"))
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, map[string]string{"canonical_code": code})
	return nil
}

// POST /mappings
func (h *Handler) addMapping(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	var m models.Mapping
	if err := respond.Decode(r, &m); err != nil {
		return err
	}
	if err := h.Resolver.Add(r.Context(), m, actor); err != nil {
		return err
	}
	respond.JSON(w, http.StatusCreated, m)
	return nil
}

// PUT /mappings
// Replaces the active target explicitly; the response carries the previous one.
func (h *Handler) replaceMapping(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	var m models.Mapping
	if err := respond.Decode(r, &m); err != nil {
		return err
	}
	previous, err := h.Resolver.Replace(r.Context(), m, actor)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, map[string]any{"mapping": m, "previous": previous})
	return nil
}

// DELETE /mappings?taxonomy_version=&qname=
func (h *Handler) removeMapping(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	if err := h.Resolver.Remove(r.Context(), q.Get("taxonomy_version"), q.Get("qname"), actor); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /mappings/import?format=csv|json|xlsx&sheet=
func (h *Handler) importMappings(w http.ResponseWriter, r *http.Request) error {
	actor, err := respond.Actor(r)
	if err != nil {
		return err
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
		if isCSV(r) {
			format = "csv"
		}
	}

	var rows []mapping.ImportRow
	switch format {
	case "csv":
		rows, err = mapping.ReadCSV(r.Body)
	case "xlsx":
		rows, err = mapping.ReadXLSX(r.Body, r.URL.Query().Get("sheet"))
	case "json":
		var data []byte
		data, err = io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err == nil {
			rows, err = mapping.ReadJSON(data)
		}
	default:
		return &respond.BadRequest{Msg: "unsupported format " + format}
	}
	if err != nil {
		return &respond.BadRequest{Msg: err.Error()}
	}

	result, err := h.Resolver.Import(r.Context(), rows, actor)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, result)
	return nil
}

// GET /mappings?taxonomy_version=&format=csv
func (h *Handler) exportMappings(w http.ResponseWriter, r *http.Request) error {
	list, err := h.Resolver.Export(r.Context(), r.URL.Query().Get("taxonomy_version"))
	if err != nil {
		return err
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="mappings.csv"`)
		return mapping.WriteCSV(w, list)
	}
	respond.JSON(w, http.StatusOK, list)
	return nil
}

// GET /mappings/suggest?taxonomy_version=&qname=&limit=
func (h *Handler) suggest(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	version, qname := q.Get("taxonomy_version"), q.Get("qname")
	if version == "" || qname == "" {
		return &respond.BadRequest{Msg: "taxonomy_version and qname are required"}
	}
	limit := 5
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return &respond.BadRequest{Msg: "limit must be a positive integer"}
		}
		limit = n
	}
	list, err := h.Resolver.Suggest(r.Context(), version, qname, limit)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, list)
	return nil
}

// GET /mappings/coverage?taxonomy_version=
func (h *Handler) coverage(w http.ResponseWriter, r *http.Request) error {
	version := r.URL.Query().Get("taxonomy_version")
	if version == "" {
		return &respond.BadRequest{Msg: "taxonomy_version is required"}
	}
	c, err := h.Resolver.Coverage(r.Context(), version)
	if err != nil {
		return err
	}
	respond.JSON(w, http.StatusOK, c)
	return nil
}

func isCSV(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv")
}

func withBody(r *http.Request, body []byte) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Body = io.NopCloser(bytes.NewReader(body))
	return r2
}
