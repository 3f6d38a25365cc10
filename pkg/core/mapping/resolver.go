package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"corvus_analytics/pkg/core/audit"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"
)

// ErrUnmapped is returned when a concept has no active mapping.
var ErrUnmapped = errors.New("concept is unmapped")

// AmbiguousMappingError rejects a write that would give a concept a second
// target. Replace must be used to move it.
type AmbiguousMappingError struct {
	TaxonomyVersion string
	ConceptQName    string
	Existing        string
	Attempted       string
}

func (e *AmbiguousMappingError) Error() string {
	return fmt.Sprintf("%s in %s is already mapped to %q, attempted %q",
		e.ConceptQName, e.TaxonomyVersion, e.Existing, e.Attempted)
}

type UnknownCodeError struct {
	Code string
}

func (e *UnknownCodeError) Error() string {
	return fmt.Sprintf("unknown canonical code %q", e.Code)
}

type InvalidMappingError struct {
	Reason string
}

func (e *InvalidMappingError) Error() string {
	return "invalid mapping: " + e.Reason
}

// Coverage reports how many concepts of a version have an active mapping.
type Coverage struct {
	TaxonomyVersion string   `json:"taxonomy_version"`
	Total           int      `json:"total"`
	Mapped          int      `json:"mapped"`
	Ratio           float64  `json:"ratio"`
	Unmapped        []string `json:"unmapped"`
}

const auditResource = "mapping"

// Resolver maps (taxonomy version, concept) pairs to canonical lines.
type Resolver struct {
	mu        sync.Mutex
	store     store.MappingStore
	registry  *registry.Registry
	hierarchy *hierarchy.Hierarchy
	audit     audit.Sink
	log       *slog.Logger
}

// NewResolver wires a resolver. Writes are serialized inside the process;
// the store keeps each pair's write atomic across processes.
func NewResolver(s store.MappingStore, reg *registry.Registry, h *hierarchy.Hierarchy, sink audit.Sink, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: s, registry: reg, hierarchy: h, audit: sink, log: log}
}

// Resolve returns the canonical code of a concept or ErrUnmapped.
func (r *Resolver) Resolve(ctx context.Context, version, qname string) (string, error) {
	m, err := r.store.GetMapping(ctx, version, qname)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%s %s: %w", version, qname, ErrUnmapped)
	}
	if err != nil {
		return "", err
	}
	return m.CanonicalCode, nil
}

// Snapshot returns every active mapping of a version keyed by qname.
func (r *Resolver) Snapshot(ctx context.Context, version string) (map[string]string, error) {
	ms, err := r.store.ListMappings(ctx, version)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ms))
	for _, m := range ms {
		out[m.ConceptQName] = m.CanonicalCode
	}
	return out, nil
}

// Add creates a mapping. Adding the same target again is a no-op; a
// different target fails with AmbiguousMappingError.
func (r *Resolver) Add(ctx context.Context, m models.Mapping, actor string) error {
	m, err := r.check(ctx, m)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetMapping(ctx, m.TaxonomyVersion, m.ConceptQName)
	switch {
	case err == nil && existing.CanonicalCode == m.CanonicalCode:
		return nil
	case err == nil:
		return &AmbiguousMappingError{TaxonomyVersion: m.TaxonomyVersion, ConceptQName: m.ConceptQName, Existing: existing.CanonicalCode, Attempted: m.CanonicalCode}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	active, err := r.store.InsertMapping(ctx, m)
	if err != nil {
		return err
	}
	if active.CanonicalCode != m.CanonicalCode {
		return &AmbiguousMappingError{TaxonomyVersion: m.TaxonomyVersion, ConceptQName: m.ConceptQName, Existing: active.CanonicalCode, Attempted: m.CanonicalCode}
	}
	return r.record(ctx, actor, "mapping.add", m, "", m.CanonicalCode)
}

// Replace moves a concept to a new target, creating the mapping if needed.
// It returns the previous target.
func (r *Resolver) Replace(ctx context.Context, m models.Mapping, actor string) (string, error) {
	m, err := r.check(ctx, m)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, err := r.store.UpsertMapping(ctx, m)
	if err != nil {
		return "", err
	}
	if previous == m.CanonicalCode {
		return previous, nil
	}
	action := "mapping.replace"
	if previous == "" {
		action = "mapping.add"
	}
	return previous, r.record(ctx, actor, action, m, previous, m.CanonicalCode)
}

// Remove deactivates the mapping of a concept.
func (r *Resolver) Remove(ctx context.Context, version, qname, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed, err := r.store.DeleteMapping(ctx, version, qname)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", version, qname, ErrUnmapped)
	}
	if err != nil {
		return err
	}
	return r.record(ctx, actor, "mapping.remove", removed, removed.CanonicalCode, "")
}

// Coverage is the share of registered concepts of version with an active
// mapping. It is informational and never blocks ingestion.
func (r *Resolver) Coverage(ctx context.Context, version string) (Coverage, error) {
	concepts, err := r.registry.List(ctx, version)
	if err != nil {
		return Coverage{}, err
	}
	mapped, err := r.Snapshot(ctx, version)
	if err != nil {
		return Coverage{}, err
	}

	cov := Coverage{TaxonomyVersion: version, Total: len(concepts), Unmapped: []string{}}
	for _, c := range concepts {
		if _, ok := mapped[c.QName]; ok {
			cov.Mapped++
			continue
		}
		cov.Unmapped = append(cov.Unmapped, c.QName)
	}
	if cov.Total > 0 {
		cov.Ratio = float64(cov.Mapped) / float64(cov.Total)
	}
	return cov, nil
}

// Export lists the active mappings of version, or of every version when
// version is empty, ordered by version then qname.
func (r *Resolver) Export(ctx context.Context, version string) ([]models.Mapping, error) {
	return r.store.ListMappings(ctx, version)
}

// check trims m and verifies its target against the stored hierarchy.
func (r *Resolver) check(ctx context.Context, m models.Mapping) (models.Mapping, error) {
	m.TaxonomyVersion = strings.TrimSpace(m.TaxonomyVersion)
	m.ConceptQName = strings.TrimSpace(m.ConceptQName)
	m.CanonicalCode = strings.TrimSpace(m.CanonicalCode)
	switch {
	case m.TaxonomyVersion == "":
		return m, &InvalidMappingError{Reason: "taxonomy version is required"}
	case m.ConceptQName == "":
		return m, &InvalidMappingError{Reason: "concept qname is required"}
	case m.CanonicalCode == "":
		return m, &InvalidMappingError{Reason: "canonical code is required"}
	}
	if err := r.hierarchy.Refresh(ctx); err != nil {
		return m, err
	}
	if !r.hierarchy.Has(m.CanonicalCode) {
		return m, &UnknownCodeError{Code: m.CanonicalCode}
	}
	return m, nil
}

func (r *Resolver) record(ctx context.Context, actor, action string, m models.Mapping, oldCode, newCode string) error {
	r.log.Info("mapping changed",
		"action", action,
		"version", m.TaxonomyVersion,
		"qname", m.ConceptQName,
		"old", oldCode,
		"new", newCode,
		"actor", actor,
	)
	if r.audit == nil {
		return nil
	}
	var before, after map[string]any
	if oldCode != "" {
		before = map[string]any{"canonical_code": oldCode}
	}
	if newCode != "" {
		after = map[string]any{"canonical_code": newCode}
	}
	e := audit.NewEvent(actor, action, auditResource, m.TaxonomyVersion+"|"+m.ConceptQName, before, after)
	if err := r.audit.Record(ctx, e); err != nil {
		r.log.Error("audit record failed", "action", action, "error", err)
		return fmt.Errorf("mapping stored but audit failed: %w", err)
	}
	return nil
}
