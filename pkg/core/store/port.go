package store

import (
	"context"
	"errors"

	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a file's approval state changed
	// between read and write.
	ErrStateConflict = errors.New("file state changed concurrently")
)

type ConceptStore interface {
	GetConcept(ctx context.Context, version, qname string) (models.Concept, error)
	PutConcept(ctx context.Context, c models.Concept) error
	ListConcepts(ctx context.Context, version string) ([]models.Concept, error)
}

type LineStore interface {
	ListLines(ctx context.Context) ([]models.CanonicalLine, error)
	// PutLines inserts every line or none.
	PutLines(ctx context.Context, lines []models.CanonicalLine) error
	ListBases(ctx context.Context) (map[models.Statement]string, error)
	PutBasis(ctx context.Context, statement models.Statement, code string) error
}

type MappingStore interface {
	GetMapping(ctx context.Context, version, qname string) (models.Mapping, error)
	// InsertMapping stores m only when the pair has no active mapping and
	// returns the mapping that is active afterwards.
	InsertMapping(ctx context.Context, m models.Mapping) (models.Mapping, error)
	// UpsertMapping replaces the pair's target and returns the previous
	// target, or "" when there was none.
	UpsertMapping(ctx context.Context, m models.Mapping) (string, error)
	DeleteMapping(ctx context.Context, version, qname string) (models.Mapping, error)
	// UpsertMappings writes a batch atomically.
	UpsertMappings(ctx context.Context, ms []models.Mapping) error
	// ListMappings lists the mappings of version, or of every version when
	// version is empty.
	ListMappings(ctx context.Context, version string) ([]models.Mapping, error)
}

// FileFilter narrows ListFiles. Empty fields match everything.
type FileFilter struct {
	TaxonomyVersion string
	EntityID        string
	PeriodID        string
}

type FileStore interface {
	// CreateFile stores a file with its initial fact set atomically.
	CreateFile(ctx context.Context, f models.File, facts []models.NormalizedFact) error
	GetFile(ctx context.Context, id uuid.UUID) (models.File, error)
	// UpdateFileState moves a file from one state to another, failing with
	// ErrStateConflict when the current state is not from.
	UpdateFileState(ctx context.Context, id uuid.UUID, from, to models.ApprovalState) error
	ListFiles(ctx context.Context, filter FileFilter) ([]models.File, error)
}

type FactStore interface {
	// ReplaceFacts swaps the whole fact set of a file in one step.
	ReplaceFacts(ctx context.Context, fileID uuid.UUID, facts []models.NormalizedFact) error
	ListFacts(ctx context.Context, fileID uuid.UUID) ([]models.NormalizedFact, error)
}

// Store is the full persistence port.
type Store interface {
	ConceptStore
	LineStore
	MappingStore
	FileStore
	FactStore
}
