package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"corvus_analytics/pkg/core/archive"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/normalize"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrNothingNormalized is returned when every fact of an upload was skipped.
var ErrNothingNormalized = errors.New("no fact could be normalized")

type InvalidUploadError struct {
	Reason string
}

func (e *InvalidUploadError) Error() string {
	return "invalid upload: " + e.Reason
}

// Upload is one parsed XBRL instance. EntityID may be left empty, in which
// case it is taken from the facts' entity identifier.
type Upload struct {
	FileName        string           `json:"file_name"`
	TaxonomyVersion string           `json:"taxonomy_version"`
	EntityID        string           `json:"entity_id"`
	PeriodID        string           `json:"period_id"`
	UploadedBy      string           `json:"uploaded_by"`
	Facts           []models.RawFact `json:"facts"`
}

// Summary reports the outcome of ingesting or reprocessing one file.
type Summary struct {
	FileID          uuid.UUID        `json:"file_id"`
	NormalizedCount int              `json:"normalized_count"`
	SkippedCount    int              `json:"skipped_count"`
	WarningCount    int              `json:"warning_count"`
	Warnings        []models.Warning `json:"warnings"`
	Unmapped        []string         `json:"unmapped"`
}

// Ingestor runs uploads through resolution and normalization and persists
// the resulting facts.
type Ingestor struct {
	store      store.Store
	registry   *registry.Registry
	resolver   *mapping.Resolver
	normalizer *normalize.Normalizer
	archive    archive.Archive
	workers    int
	log        *slog.Logger
	now        func() time.Time
}

func New(s store.Store, reg *registry.Registry, res *mapping.Resolver, n *normalize.Normalizer, arch archive.Archive, workers int, log *slog.Logger) *Ingestor {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:      s,
		registry:   reg,
		resolver:   res,
		normalizer: n,
		archive:    arch,
		workers:    workers,
		log:        log,
		now:        time.Now,
	}
}

// IngestFile normalizes and stores a new file in Pending state. Per-fact
// failures become warnings; the upload fails only when nothing survives.
func (i *Ingestor) IngestFile(ctx context.Context, up Upload) (Summary, error) {
	if err := prepare(&up); err != nil {
		return Summary{}, err
	}

	file := models.File{
		ID:              uuid.New(),
		FileName:        up.FileName,
		TaxonomyVersion: up.TaxonomyVersion,
		EntityID:        up.EntityID,
		PeriodID:        up.PeriodID,
		UploadedBy:      up.UploadedBy,
		State:           models.StatePending,
		CreatedAt:       i.now().UTC(),
	}

	facts, summary, err := i.normalizeAll(ctx, file, up.Facts)
	if err != nil {
		return Summary{}, err
	}
	if len(facts) == 0 {
		return summary, ErrNothingNormalized
	}

	if i.archive != nil {
		if err := i.archive.Put(ctx, file.ID, up.Facts); err != nil {
			return Summary{}, fmt.Errorf("archive raw facts: %w", err)
		}
	}
	if err := i.store.CreateFile(ctx, file, facts); err != nil {
		return Summary{}, fmt.Errorf("store file: %w", err)
	}

	i.log.Info("file ingested",
		"file_id", file.ID.String(),
		"entity_id", file.EntityID,
		"period_id", file.PeriodID,
		"normalized", summary.NormalizedCount,
		"warnings", summary.WarningCount,
		"unmapped", len(summary.Unmapped),
	)
	return summary, nil
}

// Reprocess re-normalizes a stored file from its archived raw facts with
// the current mappings and swaps its fact set. The approval state is kept.
func (i *Ingestor) Reprocess(ctx context.Context, fileID uuid.UUID) (Summary, error) {
	if i.archive == nil {
		return Summary{}, fmt.Errorf("reprocess %s: %w", fileID, archive.ErrNotArchived)
	}
	file, err := i.store.GetFile(ctx, fileID)
	if err != nil {
		return Summary{}, err
	}
	raw, err := i.archive.Get(ctx, fileID)
	if err != nil {
		return Summary{}, err
	}

	facts, summary, err := i.normalizeAll(ctx, file, raw)
	if err != nil {
		return Summary{}, err
	}
	if err := i.store.ReplaceFacts(ctx, fileID, facts); err != nil {
		return Summary{}, fmt.Errorf("replace facts: %w", err)
	}
	i.log.Info("file reprocessed", "file_id", fileID.String(), "normalized", summary.NormalizedCount, "unmapped", len(summary.Unmapped))
	return summary, nil
}

// ReprocessVersion reprocesses every file of a taxonomy version, typically
// after its mappings changed. Failures do not stop the remaining files.
func (i *Ingestor) ReprocessVersion(ctx context.Context, version string) ([]Summary, error) {
	files, err := i.store.ListFiles(ctx, store.FileFilter{TaxonomyVersion: version})
	if err != nil {
		return nil, err
	}
	var (
		summaries []Summary
		errs      []error
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		s, err := i.Reprocess(ctx, f.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("file %s: %w", f.ID, err))
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, errors.Join(errs...)
}

type outcome struct {
	fact     models.NormalizedFact
	warnings []models.Warning
	skipped  bool
}

// normalizeAll resolves and normalizes facts in parallel. Results keep the
// input order, so duplicates are resolved deterministically in favour of
// the first occurrence.
func (i *Ingestor) normalizeAll(ctx context.Context, file models.File, raw []models.RawFact) ([]models.NormalizedFact, Summary, error) {
	concepts, err := i.registry.Index(ctx, file.TaxonomyVersion)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("load concepts: %w", err)
	}
	mappings, err := i.resolver.Snapshot(ctx, file.TaxonomyVersion)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("load mappings: %w", err)
	}

	results := make([]outcome, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	for idx := range raw {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[idx] = i.normalizeOne(file, raw[idx], concepts, mappings)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}

	summary := Summary{FileID: file.ID, Warnings: []models.Warning{}, Unmapped: []string{}}
	seen := make(map[models.FactKey]bool, len(results))
	unmapped := make(map[string]bool)
	facts := make([]models.NormalizedFact, 0, len(results))
	for _, r := range results {
		summary.Warnings = append(summary.Warnings, r.warnings...)
		if r.skipped {
			summary.SkippedCount++
			continue
		}
		key := r.fact.Key()
		if seen[key] {
			summary.SkippedCount++
			summary.Warnings = append(summary.Warnings, models.Warning{
				Code: models.WarnDuplicateFact, ContextID: key.ContextID, ConceptQName: key.ConceptQName,
				Message: "fact reported more than once in the same context; first occurrence kept",
			})
			continue
		}
		seen[key] = true
		facts = append(facts, r.fact)
		if r.fact.CanonicalCode == nil && !unmapped[r.fact.ConceptQName] {
			unmapped[r.fact.ConceptQName] = true
			summary.Unmapped = append(summary.Unmapped, r.fact.ConceptQName)
		}
	}
	sort.Strings(summary.Unmapped)
	summary.NormalizedCount = len(facts)
	summary.WarningCount = len(summary.Warnings)
	return facts, summary, nil
}

func (i *Ingestor) normalizeOne(file models.File, raw models.RawFact, concepts map[string]models.Concept, mappings map[string]string) outcome {
	if raw.EntityIdentifier != "" && raw.EntityIdentifier != file.EntityID {
		return outcome{skipped: true, warnings: []models.Warning{{
			Code: models.WarnEntityMismatch, ContextID: raw.ContextID, ConceptQName: raw.ConceptQName,
			Message: fmt.Sprintf("fact reports entity %s, file is for %s", raw.EntityIdentifier, file.EntityID),
		}}}
	}

	in := normalize.Input{FileID: file.ID, EntityID: file.EntityID, Fact: raw}
	if c, ok := concepts[raw.ConceptQName]; ok {
		in.Concept = &c
	}
	if code, ok := mappings[raw.ConceptQName]; ok {
		in.CanonicalCode = &code
	}

	fact, warnings, err := i.normalizer.Normalize(in)
	if err == nil {
		return outcome{fact: fact, warnings: warnings}
	}

	code := models.WarnInvalidValue
	var mismatch *normalize.PeriodTypeMismatchError
	if errors.As(err, &mismatch) {
		code = models.WarnPeriodTypeMismatch
	}
	warnings = append(warnings, models.Warning{Code: code, ContextID: raw.ContextID, ConceptQName: raw.ConceptQName, Message: err.Error()})
	return outcome{skipped: true, warnings: warnings}
}

func prepare(up *Upload) error {
	up.TaxonomyVersion = strings.TrimSpace(up.TaxonomyVersion)
	up.UploadedBy = strings.TrimSpace(up.UploadedBy)
	up.EntityID = strings.TrimSpace(up.EntityID)
	if up.FileName == "" {
		up.FileName = "upload.xbrl"
	}
	switch {
	case up.TaxonomyVersion == "":
		return &InvalidUploadError{Reason: "taxonomy version is required"}
	case up.UploadedBy == "":
		return &InvalidUploadError{Reason: "uploader is required"}
	case len(up.Facts) == 0:
		return &InvalidUploadError{Reason: "no facts"}
	}
	if _, err := models.ParsePeriodID(up.PeriodID); err != nil {
		return &InvalidUploadError{Reason: err.Error()}
	}
	if up.EntityID == "" {
		for _, f := range up.Facts {
			if f.EntityIdentifier != "" {
				up.EntityID = f.EntityIdentifier
				break
			}
		}
	}
	if up.EntityID == "" {
		return &InvalidUploadError{Reason: "entity could not be determined"}
	}
	return nil
}
