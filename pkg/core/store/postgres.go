package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGStore implements Store on PostgreSQL.
// Numerics travel as text so no precision is lost to float conversion.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an initialized pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(tx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =============================================================================
// CONCEPTS
// =============================================================================

func (s *PGStore) GetConcept(ctx context.Context, version, qname string) (models.Concept, error) {
	query := `
		SELECT taxonomy_version, qname, data_type, period_type, balance
		FROM concepts
		WHERE taxonomy_version = $1 AND qname = $2
	`
	var c models.Concept
	err := s.pool.QueryRow(ctx, query, version, qname).
		Scan(&c.TaxonomyVersion, &c.QName, &c.DataType, &c.PeriodType, &c.Balance)
	if err != nil {
		return models.Concept{}, notFound(err, "concept "+version+" "+qname)
	}
	return c, nil
}

func (s *PGStore) PutConcept(ctx context.Context, c models.Concept) error {
	query := `
		INSERT INTO concepts (taxonomy_version, qname, data_type, period_type, balance)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (taxonomy_version, qname)
		DO UPDATE SET data_type = EXCLUDED.data_type
	`
	_, err := s.pool.Exec(ctx, query, c.TaxonomyVersion, c.QName, c.DataType, string(c.PeriodType), string(c.Balance))
	if err != nil {
		return fmt.Errorf("failed to save concept: %w", err)
	}
	return nil
}

func (s *PGStore) ListConcepts(ctx context.Context, version string) ([]models.Concept, error) {
	query := `
		SELECT taxonomy_version, qname, data_type, period_type, balance
		FROM concepts
		WHERE taxonomy_version = $1
		ORDER BY qname
	`
	rows, err := s.pool.Query(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	var results []models.Concept
	for rows.Next() {
		var c models.Concept
		if err := rows.Scan(&c.TaxonomyVersion, &c.QName, &c.DataType, &c.PeriodType, &c.Balance); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// =============================================================================
// CANONICAL LINES
// =============================================================================

func (s *PGStore) ListLines(ctx context.Context) ([]models.CanonicalLine, error) {
	query := `
		SELECT code, name, statement, COALESCE(parent_code, ''), sort_order, synonyms
		FROM canonical_lines
		ORDER BY code
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list lines: %w", err)
	}
	defer rows.Close()

	var results []models.CanonicalLine
	for rows.Next() {
		var l models.CanonicalLine
		if err := rows.Scan(&l.Code, &l.Name, &l.Statement, &l.ParentCode, &l.Order, &l.Synonyms); err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

func (s *PGStore) PutLines(ctx context.Context, lines []models.CanonicalLine) error {
	query := `
		INSERT INTO canonical_lines (code, name, statement, parent_code, sort_order, synonyms)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
	`
	return s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, l := range lines {
			synonyms := l.Synonyms
			if synonyms == nil {
				synonyms = []string{}
			}
			batch.Queue(query, l.Code, l.Name, string(l.Statement), l.ParentCode, l.Order, synonyms)
		}
		return execBatch(ctx, tx, batch, "insert lines")
	})
}

func (s *PGStore) ListBases(ctx context.Context) (map[models.Statement]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT statement, code FROM statement_basis`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bases: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Statement]string)
	for rows.Next() {
		var st, code string
		if err := rows.Scan(&st, &code); err != nil {
			return nil, err
		}
		out[models.Statement(st)] = code
	}
	return out, rows.Err()
}

func (s *PGStore) PutBasis(ctx context.Context, statement models.Statement, code string) error {
	query := `
		INSERT INTO statement_basis (statement, code)
		VALUES ($1, $2)
		ON CONFLICT (statement)
		DO UPDATE SET code = EXCLUDED.code
	`
	if _, err := s.pool.Exec(ctx, query, string(statement), code); err != nil {
		return fmt.Errorf("failed to save basis: %w", err)
	}
	return nil
}

// =============================================================================
// MAPPINGS
// =============================================================================

func (s *PGStore) GetMapping(ctx context.Context, version, qname string) (models.Mapping, error) {
	query := `
		SELECT taxonomy_version, concept_qname, canonical_code
		FROM mappings
		WHERE taxonomy_version = $1 AND concept_qname = $2
	`
	var m models.Mapping
	err := s.pool.QueryRow(ctx, query, version, qname).Scan(&m.TaxonomyVersion, &m.ConceptQName, &m.CanonicalCode)
	if err != nil {
		return models.Mapping{}, notFound(err, "mapping "+version+" "+qname)
	}
	return m, nil
}

func (s *PGStore) InsertMapping(ctx context.Context, m models.Mapping) (models.Mapping, error) {
	// The no-op update makes RETURNING yield the surviving row on conflict.
	query := `
		INSERT INTO mappings (taxonomy_version, concept_qname, canonical_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (taxonomy_version, concept_qname)
		DO UPDATE SET canonical_code = mappings.canonical_code
		RETURNING taxonomy_version, concept_qname, canonical_code
	`
	var active models.Mapping
	err := s.pool.QueryRow(ctx, query, m.TaxonomyVersion, m.ConceptQName, m.CanonicalCode).
		Scan(&active.TaxonomyVersion, &active.ConceptQName, &active.CanonicalCode)
	if err != nil {
		return models.Mapping{}, fmt.Errorf("failed to insert mapping: %w", err)
	}
	return active, nil
}

func (s *PGStore) UpsertMapping(ctx context.Context, m models.Mapping) (string, error) {
	var previous string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT canonical_code FROM mappings
			WHERE taxonomy_version = $1 AND concept_qname = $2
			FOR UPDATE
		`, m.TaxonomyVersion, m.ConceptQName).Scan(&previous)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO mappings (taxonomy_version, concept_qname, canonical_code, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (taxonomy_version, concept_qname)
			DO UPDATE SET canonical_code = EXCLUDED.canonical_code, updated_at = now()
		`, m.TaxonomyVersion, m.ConceptQName, m.CanonicalCode)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return previous, nil
}

func (s *PGStore) DeleteMapping(ctx context.Context, version, qname string) (models.Mapping, error) {
	query := `
		DELETE FROM mappings
		WHERE taxonomy_version = $1 AND concept_qname = $2
		RETURNING taxonomy_version, concept_qname, canonical_code
	`
	var m models.Mapping
	err := s.pool.QueryRow(ctx, query, version, qname).Scan(&m.TaxonomyVersion, &m.ConceptQName, &m.CanonicalCode)
	if err != nil {
		return models.Mapping{}, notFound(err, "mapping "+version+" "+qname)
	}
	return m, nil
}

func (s *PGStore) UpsertMappings(ctx context.Context, ms []models.Mapping) error {
	query := `
		INSERT INTO mappings (taxonomy_version, concept_qname, canonical_code, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (taxonomy_version, concept_qname)
		DO UPDATE SET canonical_code = EXCLUDED.canonical_code, updated_at = now()
	`
	return s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range ms {
			batch.Queue(query, m.TaxonomyVersion, m.ConceptQName, m.CanonicalCode)
		}
		return execBatch(ctx, tx, batch, "upsert mappings")
	})
}

func (s *PGStore) ListMappings(ctx context.Context, version string) ([]models.Mapping, error) {
	query := `
		SELECT taxonomy_version, concept_qname, canonical_code
		FROM mappings
		WHERE $1 = '' OR taxonomy_version = $1
		ORDER BY taxonomy_version, concept_qname
	`
	rows, err := s.pool.Query(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var results []models.Mapping
	for rows.Next() {
		var m models.Mapping
		if err := rows.Scan(&m.TaxonomyVersion, &m.ConceptQName, &m.CanonicalCode); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// =============================================================================
// FILES
// =============================================================================

func (s *PGStore) CreateFile(ctx context.Context, f models.File, facts []models.NormalizedFact) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO files (id, file_name, taxonomy_version, entity_id, period_id, uploaded_by, state, created_at)
			VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7, $8)
		`, f.ID.String(), f.FileName, f.TaxonomyVersion, f.EntityID, f.PeriodID, f.UploadedBy, string(f.State), f.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		return insertFacts(ctx, tx, facts)
	})
}

func (s *PGStore) GetFile(ctx context.Context, id uuid.UUID) (models.File, error) {
	query := `
		SELECT id::text, file_name, taxonomy_version, entity_id, period_id, uploaded_by, state, created_at
		FROM files
		WHERE id = $1::text::uuid
	`
	f, err := scanFile(s.pool.QueryRow(ctx, query, id.String()))
	if err != nil {
		return models.File{}, notFound(err, "file "+id.String())
	}
	return f, nil
}

func (s *PGStore) UpdateFileState(ctx context.Context, id uuid.UUID, from, to models.ApprovalState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE files SET state = $3
		WHERE id = $1::text::uuid AND state = $2
	`, id.String(), string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update file state: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetFile(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("file %s is not %s: %w", id, from, ErrStateConflict)
}

func (s *PGStore) ListFiles(ctx context.Context, filter FileFilter) ([]models.File, error) {
	query := `
		SELECT id::text, file_name, taxonomy_version, entity_id, period_id, uploaded_by, state, created_at
		FROM files
		WHERE ($1 = '' OR taxonomy_version = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR period_id = $3)
		ORDER BY created_at DESC, id
	`
	rows, err := s.pool.Query(ctx, query, filter.TaxonomyVersion, filter.EntityID, filter.PeriodID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var results []models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func scanFile(row pgx.Row) (models.File, error) {
	var (
		f     models.File
		id    string
		state string
	)
	if err := row.Scan(&id, &f.FileName, &f.TaxonomyVersion, &f.EntityID, &f.PeriodID, &f.UploadedBy, &state, &f.CreatedAt); err != nil {
		return models.File{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return models.File{}, fmt.Errorf("bad file id %q: %w", id, err)
	}
	f.ID = parsed
	f.State = models.ApprovalState(state)
	return f, nil
}

// =============================================================================
// FACTS
// =============================================================================

func (s *PGStore) ReplaceFacts(ctx context.Context, fileID uuid.UUID, facts []models.NormalizedFact) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM files WHERE id = $1::text::uuid)`, fileID.String()).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %s: %w", fileID, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM normalized_facts WHERE file_id = $1::text::uuid`, fileID.String()); err != nil {
			return fmt.Errorf("clear facts: %w", err)
		}
		return insertFacts(ctx, tx, facts)
	})
}

func (s *PGStore) ListFacts(ctx context.Context, fileID uuid.UUID) ([]models.NormalizedFact, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	query := `
		SELECT entity_id, period_id, period_type, period_start, period_end, context_id, concept_qname,
		       canonical_code, value::text, value_in_base_unit::text, currency, unit, scale_applied, dimensions
		FROM normalized_facts
		WHERE file_id = $1::text::uuid
		ORDER BY context_id, concept_qname
	`
	rows, err := s.pool.Query(ctx, query, fileID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var results []models.NormalizedFact
	for rows.Next() {
		var (
			f         models.NormalizedFact
			start     *time.Time
			end       time.Time
			value     string
			baseValue *string
			dims      []byte
		)
		err := rows.Scan(&f.EntityID, &f.PeriodID, &f.PeriodType, &start, &end, &f.ContextID, &f.ConceptQName,
			&f.CanonicalCode, &value, &baseValue, &f.Currency, &f.Unit, &f.ScaleApplied, &dims)
		if err != nil {
			return nil, err
		}
		f.FileID = fileID
		f.Period = models.InstantPeriod(end)
		if f.PeriodType == models.PeriodDuration && start != nil {
			f.Period = models.DurationPeriod(*start, end)
		}
		if f.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("bad stored value %q: %w", value, err)
		}
		if baseValue != nil {
			v, err := decimal.NewFromString(*baseValue)
			if err != nil {
				return nil, fmt.Errorf("bad stored base value %q: %w", *baseValue, err)
			}
			f.ValueInBaseUnit = &v
		}
		if err := json.Unmarshal(dims, &f.Dimensions); err != nil {
			return nil, fmt.Errorf("bad stored dimensions: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func insertFacts(ctx context.Context, tx pgx.Tx, facts []models.NormalizedFact) error {
	query := `
		INSERT INTO normalized_facts (file_id, context_id, concept_qname, entity_id, period_id, period_type,
			period_start, period_end, canonical_code, value, value_in_base_unit, currency, unit, scale_applied, dimensions)
		VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10::text::numeric, $11::text::numeric, $12, $13, $14, $15)
	`
	batch := &pgx.Batch{}
	for _, f := range facts {
		dims := f.Dimensions
		if dims == nil {
			dims = []models.Dimension{}
		}
		dimsJSON, err := json.Marshal(dims)
		if err != nil {
			return fmt.Errorf("marshal dimensions: %w", err)
		}
		var baseValue *string
		if f.ValueInBaseUnit != nil {
			v := f.ValueInBaseUnit.String()
			baseValue = &v
		}
		batch.Queue(query, f.FileID.String(), f.ContextID, f.ConceptQName, f.EntityID, f.PeriodID, string(f.PeriodType),
			f.Period.Start, f.Period.End, f.CanonicalCode, f.Value.String(), baseValue, f.Currency, f.Unit, f.ScaleApplied, dimsJSON)
	}
	return execBatch(ctx, tx, batch, "insert facts")
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, what string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s: row %d: %w", what, i+1, err)
		}
	}
	return br.Close()
}
