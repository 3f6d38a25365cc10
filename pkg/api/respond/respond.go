// Package respond holds the JSON and error conventions shared by the HTTP
// handlers.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"corvus_analytics/pkg/core/analysis"
	"corvus_analytics/pkg/core/approval"
	"corvus_analytics/pkg/core/archive"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/ingest"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/core/utils"
)

// ActorHeader carries the authenticated user name set by the gateway.
const ActorHeader = "X-Actor"

// HandlerFunc is an http handler that reports failures as errors.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Wrap adapts h, turning a returned error into a JSON error response.
func Wrap(log *slog.Logger, h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			status := Status(err)
			if status >= http.StatusInternalServerError {
				log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			}
			Error(w, status, err)
		}
	}
}

// BadRequest marks client input errors not covered by a domain type.
type BadRequest struct {
	Msg string
}

func (e *BadRequest) Error() string { return e.Msg }

// Status maps domain errors to HTTP status codes.
func Status(err error) int {
	var (
		badReq      *BadRequest
		dupConcept  *registry.DuplicateConceptError
		badConcept  *registry.InvalidConceptError
		dupCode     *hierarchy.DuplicateCodeError
		cycle       *hierarchy.CycleError
		unknownPar  *hierarchy.UnknownParentError
		dupOrder    *hierarchy.DuplicateOrderError
		stmtMis     *hierarchy.StatementMismatchError
		badLine     *hierarchy.InvalidLineError
		noBasis     *hierarchy.NoBasisConfiguredError
		hierImport  *hierarchy.ImportError
		ambiguous   *mapping.AmbiguousMappingError
		unknownCode *mapping.UnknownCodeError
		badMapping  *mapping.InvalidMappingError
		mapImport   *mapping.ImportError
		transition  *approval.TransitionError
		override    *approval.OverrideError
		badUpload   *ingest.InvalidUploadError
		badRequest  *analysis.InvalidRequestError
		noData      *analysis.InsufficientDataError
		currency    *analysis.CurrencyMismatchError
	)
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrConceptNotFound),
		errors.Is(err, hierarchy.ErrLineNotFound),
		errors.Is(err, mapping.ErrUnmapped),
		errors.Is(err, archive.ErrNotArchived):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStateConflict),
		errors.As(err, &dupConcept),
		errors.As(err, &dupCode),
		errors.As(err, &ambiguous),
		errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &badReq),
		errors.As(err, &badConcept),
		errors.As(err, &badLine),
		errors.As(err, &badMapping),
		errors.As(err, &badUpload),
		errors.As(err, &badRequest),
		errors.As(err, &override):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrNothingNormalized),
		errors.As(err, &cycle),
		errors.As(err, &unknownPar),
		errors.As(err, &dupOrder),
		errors.As(err, &stmtMis),
		errors.As(err, &noBasis),
		errors.As(err, &hierImport),
		errors.As(err, &unknownCode),
		errors.As(err, &mapImport),
		errors.As(err, &noData),
		errors.As(err, &currency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func Error(w http.ResponseWriter, status int, err error) {
	body := ErrorBody{Error: err.Error(), Details: details(err)}
	if status >= http.StatusInternalServerError {
		body = ErrorBody{Error: http.StatusText(status)}
	}
	JSON(w, status, body)
}

// details exposes the structured part of errors clients act on.
func details(err error) any {
	var (
		ambiguous  *mapping.AmbiguousMappingError
		mapImport  *mapping.ImportError
		hierImport *hierarchy.ImportError
		cycle      *hierarchy.CycleError
		noData     *analysis.InsufficientDataError
		currency   *analysis.CurrencyMismatchError
	)
	switch {
	case errors.As(err, &ambiguous):
		return map[string]string{
			"taxonomy_version": ambiguous.TaxonomyVersion,
			"concept_qname":    ambiguous.ConceptQName,
			"existing":         ambiguous.Existing,
			"attempted":        ambiguous.Attempted,
		}
	case errors.As(err, &mapImport):
		return mapImport.Rows
	case errors.As(err, &hierImport):
		rows := make([]map[string]any, len(hierImport.Rows))
		for i, r := range hierImport.Rows {
			rows[i] = map[string]any{"row": r.Row, "code": r.Code, "reason": r.Err.Error()}
		}
		return rows
	case errors.As(err, &cycle):
		return map[string]any{"cycle": cycle.Codes}
	case errors.As(err, &noData):
		return map[string]any{"missing": noData.Missing}
	case errors.As(err, &currency):
		return map[string]any{"code": currency.Code, "units": currency.Units}
	}
	return nil
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Decode reads a JSON body into v. Slightly malformed JSON (trailing
// commas, unquoted keys) is repaired before giving up.
func Decode(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return &BadRequest{Msg: "read body: " + err.Error()}
	}
	if _, err := utils.SmartParse(string(data), v); err != nil {
		return &BadRequest{Msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// Actor returns the acting user, failing when the header is absent.
func Actor(r *http.Request) (string, error) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		return "", &BadRequest{Msg: ActorHeader + " header is required"}
	}
	return actor, nil
}
