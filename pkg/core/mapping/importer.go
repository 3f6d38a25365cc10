package mapping

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"corvus_analytics/pkg/core/utils"
	"corvus_analytics/pkg/models"

	"github.com/xuri/excelize/v2"
)

// ImportRow is one parsed mapping row. Line is the source line or sheet
// row. Skip marks rows whose target was left empty or set to "skip".
type ImportRow struct {
	Line            int    `json:"line"`
	TaxonomyVersion string `json:"taxonomy_version"`
	ConceptQName    string `json:"concept_qname"`
	CanonicalCode   string `json:"canonical_code"`
	Skip            bool   `json:"skip,omitempty"`
}

type ImportResult struct {
	Applied   int `json:"applied"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// RowError describes one offending row of a rejected batch.
type RowError struct {
	Line            int    `json:"line"`
	TaxonomyVersion string `json:"taxonomy_version"`
	ConceptQName    string `json:"concept_qname"`
	Existing        string `json:"existing,omitempty"`
	Attempted       string `json:"attempted,omitempty"`
	Reason          string `json:"reason"`
}

// ImportError rejects a whole batch and lists the rows responsible.
type ImportError struct {
	Rows []RowError `json:"rows"`
}

func (e *ImportError) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, fmt.Sprintf("line %d %s: %s", r.Line, r.ConceptQName, r.Reason))
	}
	return fmt.Sprintf("mapping import rejected, %d offending rows: %s", len(e.Rows), strings.Join(parts, "; "))
}

type pairKey struct{ version, qname string }

// Import applies a batch all-or-nothing. Any row that is incomplete, names
// an unknown line, conflicts with another row or conflicts with an active
// mapping rejects the entire batch.
func (r *Resolver) Import(ctx context.Context, rows []ImportRow, actor string) (ImportResult, error) {
	if err := r.hierarchy.Refresh(ctx); err != nil {
		return ImportResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		result  ImportResult
		bad     []RowError
		apply   []models.Mapping
		batch   = make(map[pairKey]ImportRow)
		current = make(map[string]map[string]string)
	)

	for _, row := range rows {
		if row.Skip {
			result.Skipped++
			continue
		}
		row.TaxonomyVersion = strings.TrimSpace(row.TaxonomyVersion)
		row.ConceptQName = strings.TrimSpace(row.ConceptQName)
		row.CanonicalCode = strings.TrimSpace(row.CanonicalCode)
		fail := func(reason, existing string) {
			bad = append(bad, RowError{
				Line: row.Line, TaxonomyVersion: row.TaxonomyVersion, ConceptQName: row.ConceptQName,
				Existing: existing, Attempted: row.CanonicalCode, Reason: reason,
			})
		}

		if row.TaxonomyVersion == "" || row.ConceptQName == "" {
			fail("taxonomy version and concept qname are required", "")
			continue
		}
		if !r.hierarchy.Has(row.CanonicalCode) {
			fail("unknown canonical code", "")
			continue
		}

		key := pairKey{row.TaxonomyVersion, row.ConceptQName}
		if prior, seen := batch[key]; seen {
			if prior.CanonicalCode != row.CanonicalCode {
				fail(fmt.Sprintf("conflicts with line %d", prior.Line), prior.CanonicalCode)
			}
			continue
		}
		batch[key] = row

		active, ok := current[row.TaxonomyVersion]
		if !ok {
			snap, err := r.Snapshot(ctx, row.TaxonomyVersion)
			if err != nil {
				return ImportResult{}, err
			}
			current[row.TaxonomyVersion] = snap
			active = snap
		}
		switch existing, mapped := active[row.ConceptQName]; {
		case !mapped:
			apply = append(apply, models.Mapping{TaxonomyVersion: row.TaxonomyVersion, ConceptQName: row.ConceptQName, CanonicalCode: row.CanonicalCode})
		case existing == row.CanonicalCode:
			result.Unchanged++
		default:
			fail("conflicts with active mapping", existing)
		}
	}

	if len(bad) > 0 {
		return ImportResult{}, &ImportError{Rows: bad}
	}
	if len(apply) > 0 {
		if err := r.store.UpsertMappings(ctx, apply); err != nil {
			return ImportResult{}, fmt.Errorf("apply mappings: %w", err)
		}
	}
	result.Applied = len(apply)

	var auditErr error
	for _, m := range apply {
		if err := r.record(ctx, actor, "mapping.import", m, "", m.CanonicalCode); err != nil && auditErr == nil {
			auditErr = err
		}
	}
	return result, auditErr
}

// =============================================================================
// READERS AND WRITERS
// =============================================================================

// ReadCSV parses mapping rows. Both the plain header
// taxonomy_version,concept_qname,canonical_code and the workbook export
// header taxonomy,version,...,concept_qname,canonical_concept are accepted.
func ReadCSV(r io.Reader) ([]ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return parseRecords(records)
}

// ReadXLSX parses mapping rows from a worksheet. An empty sheet name reads
// the first sheet.
func ReadXLSX(r io.Reader, sheet string) ([]ImportRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return parseRecords(records)
}

type jsonRow struct {
	TaxonomyVersion  string `json:"taxonomy_version"`
	Taxonomy         string `json:"taxonomy"`
	Version          string `json:"version"`
	ConceptQName     string `json:"concept_qname"`
	CanonicalCode    string `json:"canonical_code"`
	CanonicalConcept string `json:"canonical_concept"`
}

// ReadJSON parses a JSON array of mapping rows. Hand-edited input with
// comments, trailing commas or unquoted keys is tolerated.
func ReadJSON(data []byte) ([]ImportRow, error) {
	var raw []jsonRow
	if _, err := utils.SmartParse(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse mapping json: %w", err)
	}
	rows := make([]ImportRow, 0, len(raw))
	for i, jr := range raw {
		version := jr.TaxonomyVersion
		if version == "" {
			version = joinVersion(jr.Taxonomy, jr.Version)
		}
		code := jr.CanonicalCode
		if code == "" {
			code = jr.CanonicalConcept
		}
		rows = append(rows, newRow(i+1, version, jr.ConceptQName, code))
	}
	return rows, nil
}

// WriteCSV writes mappings with the plain three-column header.
func WriteCSV(w io.Writer, ms []models.Mapping) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"taxonomy_version", "concept_qname", "canonical_code"}); err != nil {
		return err
	}
	for _, m := range ms {
		if err := cw.Write([]string{m.TaxonomyVersion, m.ConceptQName, m.CanonicalCode}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseRecords(records [][]string) ([]ImportRow, error) {
	if len(records) == 0 {
		return nil, nil
	}
	cols := make(map[string]int)
	for i, h := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	find := func(names ...string) (int, bool) {
		for _, n := range names {
			if i, ok := cols[n]; ok {
				return i, true
			}
		}
		return 0, false
	}

	versionCol, hasVersion := find("taxonomy_version")
	taxonomyCol, hasTaxonomy := find("taxonomy")
	releaseCol, hasRelease := find("version")
	qnameCol, hasQName := find("concept_qname", "qname")
	codeCol, hasCode := find("canonical_code", "canonical_concept")
	switch {
	case !hasVersion && !hasTaxonomy:
		return nil, errors.New("missing taxonomy_version (or taxonomy,version) column")
	case !hasQName:
		return nil, errors.New("missing concept_qname column")
	case !hasCode:
		return nil, errors.New("missing canonical_code column")
	}

	cell := func(rec []string, i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var rows []ImportRow
	for n, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		var version string
		if hasVersion {
			version = cell(rec, versionCol)
		} else {
			release := ""
			if hasRelease {
				release = cell(rec, releaseCol)
			}
			version = joinVersion(cell(rec, taxonomyCol), release)
		}
		rows = append(rows, newRow(n+2, version, cell(rec, qnameCol), cell(rec, codeCol)))
	}
	return rows, nil
}

func newRow(line int, version, qname, code string) ImportRow {
	row := ImportRow{
		Line:            line,
		TaxonomyVersion: strings.TrimSpace(version),
		ConceptQName:    strings.TrimSpace(qname),
		CanonicalCode:   strings.TrimSpace(code),
	}
	row.Skip = row.CanonicalCode == "" || strings.EqualFold(row.CanonicalCode, "skip")
	return row
}

func joinVersion(taxonomy, version string) string {
	taxonomy, version = strings.TrimSpace(taxonomy), strings.TrimSpace(version)
	if version == "" {
		return taxonomy
	}
	return taxonomy + "/" + version
}

func isBlank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
