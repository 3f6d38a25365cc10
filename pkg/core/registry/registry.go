package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"
)

// ErrConceptNotFound is returned by Lookup for unregistered concepts.
var ErrConceptNotFound = errors.New("concept not found")

// DuplicateConceptError reports a re-registration whose period type or
// balance disagrees with the stored concept.
type DuplicateConceptError struct {
	Existing  models.Concept
	Attempted models.Concept
}

func (e *DuplicateConceptError) Error() string {
	return fmt.Sprintf("concept %s in %s already registered as %s/%s, attempted %s/%s",
		e.Existing.QName, e.Existing.TaxonomyVersion,
		e.Existing.PeriodType, e.Existing.Balance,
		e.Attempted.PeriodType, e.Attempted.Balance)
}

// InvalidConceptError reports a concept missing required attributes.
type InvalidConceptError struct {
	QName  string
	Reason string
}

func (e *InvalidConceptError) Error() string {
	return fmt.Sprintf("invalid concept %q: %s", e.QName, e.Reason)
}

// Registry holds the known concepts of every taxonomy version.
type Registry struct {
	mu    sync.Mutex
	store store.ConceptStore
	log   *slog.Logger
}

// New creates a registry over s.
func New(s store.ConceptStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: s, log: log}
}

// Register adds a concept. Re-registering an identical concept is a no-op
// and a changed data type is updated in place.
func (r *Registry) Register(ctx context.Context, c models.Concept) error {
	c.TaxonomyVersion = strings.TrimSpace(c.TaxonomyVersion)
	c.QName = strings.TrimSpace(c.QName)
	if err := validate(c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetConcept(ctx, c.TaxonomyVersion, c.QName)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("lookup concept: %w", err)
	case existing.PeriodType != c.PeriodType || existing.Balance != c.Balance:
		return &DuplicateConceptError{Existing: existing, Attempted: c}
	case existing == c:
		return nil
	}

	if err := r.store.PutConcept(ctx, c); err != nil {
		return err
	}
	r.log.Debug("concept registered", "version", c.TaxonomyVersion, "qname", c.QName)
	return nil
}

// RegisterAll registers concepts in order and stops at the first error.
func (r *Registry) RegisterAll(ctx context.Context, concepts []models.Concept) (int, error) {
	for i, c := range concepts {
		if err := r.Register(ctx, c); err != nil {
			return i, fmt.Errorf("concept %d (%s): %w", i+1, c.QName, err)
		}
	}
	return len(concepts), nil
}

// Lookup returns the concept registered for (version, qname).
func (r *Registry) Lookup(ctx context.Context, version, qname string) (models.Concept, error) {
	c, err := r.store.GetConcept(ctx, version, qname)
	if errors.Is(err, store.ErrNotFound) {
		return models.Concept{}, fmt.Errorf("%s %s: %w", version, qname, ErrConceptNotFound)
	}
	return c, err
}

// List returns the concepts of a taxonomy version ordered by qname.
func (r *Registry) List(ctx context.Context, version string) ([]models.Concept, error) {
	return r.store.ListConcepts(ctx, version)
}

// Index returns the concepts of a version keyed by qname.
func (r *Registry) Index(ctx context.Context, version string) (map[string]models.Concept, error) {
	concepts, err := r.store.ListConcepts(ctx, version)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Concept, len(concepts))
	for _, c := range concepts {
		out[c.QName] = c
	}
	return out, nil
}

func validate(c models.Concept) error {
	switch {
	case c.TaxonomyVersion == "":
		return &InvalidConceptError{QName: c.QName, Reason: "taxonomy version is required"}
	case c.QName == "":
		return &InvalidConceptError{QName: c.QName, Reason: "qname is required"}
	case !c.PeriodType.Valid():
		return &InvalidConceptError{QName: c.QName, Reason: fmt.Sprintf("unknown period type %q", c.PeriodType)}
	case !c.Balance.Valid():
		return &InvalidConceptError{QName: c.QName, Reason: fmt.Sprintf("unknown balance %q", c.Balance)}
	}
	return nil
}
