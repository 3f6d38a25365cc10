package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
)

// =============================================================================
// IN-MEMORY STORE (development and tests)
// Production uses PGStore
// =============================================================================

type conceptKey struct{ version, qname string }

// MemoryStore implements Store with maps guarded by one RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	concepts map[conceptKey]models.Concept
	lines    map[string]models.CanonicalLine
	bases    map[models.Statement]string
	mappings map[conceptKey]models.Mapping
	files    map[uuid.UUID]models.File
	facts    map[uuid.UUID][]models.NormalizedFact
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concepts: make(map[conceptKey]models.Concept),
		lines:    make(map[string]models.CanonicalLine),
		bases:    make(map[models.Statement]string),
		mappings: make(map[conceptKey]models.Mapping),
		files:    make(map[uuid.UUID]models.File),
		facts:    make(map[uuid.UUID][]models.NormalizedFact),
	}
}

// =============================================================================
// CONCEPTS
// =============================================================================

func (s *MemoryStore) GetConcept(_ context.Context, version, qname string) (models.Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.concepts[conceptKey{version, qname}]
	if !ok {
		return models.Concept{}, fmt.Errorf("concept %s %s: %w", version, qname, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) PutConcept(_ context.Context, c models.Concept) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.concepts[conceptKey{c.TaxonomyVersion, c.QName}] = c
	return nil
}

func (s *MemoryStore) ListConcepts(_ context.Context, version string) ([]models.Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.Concept
	for k, c := range s.concepts {
		if k.version == version {
			results = append(results, c)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].QName < results[j].QName })
	return results, nil
}

// =============================================================================
// CANONICAL LINES
// =============================================================================

func (s *MemoryStore) ListLines(_ context.Context) ([]models.CanonicalLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]models.CanonicalLine, 0, len(s.lines))
	for _, l := range s.lines {
		results = append(results, l)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Code < results[j].Code })
	return results, nil
}

func (s *MemoryStore) PutLines(_ context.Context, lines []models.CanonicalLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range lines {
		if _, exists := s.lines[l.Code]; exists {
			return fmt.Errorf("line '%s' already exists", l.Code)
		}
	}
	for _, l := range lines {
		s.lines[l.Code] = l
	}
	return nil
}

func (s *MemoryStore) ListBases(_ context.Context) (map[models.Statement]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.Statement]string, len(s.bases))
	for k, v := range s.bases {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) PutBasis(_ context.Context, statement models.Statement, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bases[statement] = code
	return nil
}

// =============================================================================
// MAPPINGS
// =============================================================================

func (s *MemoryStore) GetMapping(_ context.Context, version, qname string) (models.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[conceptKey{version, qname}]
	if !ok {
		return models.Mapping{}, fmt.Errorf("mapping %s %s: %w", version, qname, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) InsertMapping(_ context.Context, m models.Mapping) (models.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := conceptKey{m.TaxonomyVersion, m.ConceptQName}
	if existing, ok := s.mappings[k]; ok {
		return existing, nil
	}
	s.mappings[k] = m
	return m, nil
}

func (s *MemoryStore) UpsertMapping(_ context.Context, m models.Mapping) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := conceptKey{m.TaxonomyVersion, m.ConceptQName}
	previous := s.mappings[k].CanonicalCode
	s.mappings[k] = m
	return previous, nil
}

func (s *MemoryStore) DeleteMapping(_ context.Context, version, qname string) (models.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := conceptKey{version, qname}
	m, ok := s.mappings[k]
	if !ok {
		return models.Mapping{}, fmt.Errorf("mapping %s %s: %w", version, qname, ErrNotFound)
	}
	delete(s.mappings, k)
	return m, nil
}

func (s *MemoryStore) UpsertMappings(_ context.Context, ms []models.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range ms {
		s.mappings[conceptKey{m.TaxonomyVersion, m.ConceptQName}] = m
	}
	return nil
}

func (s *MemoryStore) ListMappings(_ context.Context, version string) ([]models.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.Mapping
	for k, m := range s.mappings {
		if version == "" || k.version == version {
			results = append(results, m)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].TaxonomyVersion != results[j].TaxonomyVersion {
			return results[i].TaxonomyVersion < results[j].TaxonomyVersion
		}
		return results[i].ConceptQName < results[j].ConceptQName
	})
	return results, nil
}

// =============================================================================
// FILES AND FACTS
// =============================================================================

func (s *MemoryStore) CreateFile(_ context.Context, f models.File, facts []models.NormalizedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[f.ID]; exists {
		return fmt.Errorf("file '%s' already exists", f.ID)
	}
	s.files[f.ID] = f
	s.facts[f.ID] = cloneFacts(facts)
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, id uuid.UUID) (models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return models.File{}, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, nil
}

func (s *MemoryStore) UpdateFileState(_ context.Context, id uuid.UUID, from, to models.ApprovalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if f.State != from {
		return fmt.Errorf("file %s is %s, expected %s: %w", id, f.State, from, ErrStateConflict)
	}
	f.State = to
	s.files[id] = f
	return nil
}

func (s *MemoryStore) ListFiles(_ context.Context, filter FileFilter) ([]models.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []models.File
	for _, f := range s.files {
		if filter.TaxonomyVersion != "" && f.TaxonomyVersion != filter.TaxonomyVersion {
			continue
		}
		if filter.EntityID != "" && f.EntityID != filter.EntityID {
			continue
		}
		if filter.PeriodID != "" && f.PeriodID != filter.PeriodID {
			continue
		}
		results = append(results, f)
	}
	sortFiles(results)
	return results, nil
}

func (s *MemoryStore) ReplaceFacts(_ context.Context, fileID uuid.UUID, facts []models.NormalizedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[fileID]; !ok {
		return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	s.facts[fileID] = cloneFacts(facts)
	return nil
}

func (s *MemoryStore) ListFacts(_ context.Context, fileID uuid.UUID) ([]models.NormalizedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.files[fileID]; !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	return cloneFacts(s.facts[fileID]), nil
}

func cloneFacts(facts []models.NormalizedFact) []models.NormalizedFact {
	out := make([]models.NormalizedFact, len(facts))
	copy(out, facts)
	return out
}

// sortFiles orders files newest first, then by id.
func sortFiles(files []models.File) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].CreatedAt.After(files[j].CreatedAt)
		}
		return files[i].ID.String() < files[j].ID.String()
	})
}
