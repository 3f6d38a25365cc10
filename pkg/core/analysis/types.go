package analysis

import (
	"fmt"
	"strings"

	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mode selects which dimension a comparison varies.
type Mode string

const (
	// ModeMultiEntity compares several entities at one period.
	ModeMultiEntity Mode = "multi_entity"
	// ModeMultiPeriod compares one entity across several periods.
	ModeMultiPeriod Mode = "multi_period"
)

// Request describes one comparison.
type Request struct {
	Mode      Mode             `json:"mode"`
	Statement models.Statement `json:"statement"`
	EntityIDs []string         `json:"entity_ids"`
	PeriodIDs []string         `json:"period_ids"`

	// Viewer is the user asking. Pending and rejected files are only
	// visible to their uploader.
	Viewer string `json:"viewer"`

	// BaselinePeriodID makes horizontal analysis compare every period
	// against it instead of against the preceding period.
	BaselinePeriodID string `json:"baseline_period_id,omitempty"`

	// Dimensions restricts values to facts reported with exactly these
	// axis members. Empty means non-dimensional facts only.
	Dimensions []models.Dimension `json:"dimensions,omitempty"`

	// Raw shows reported amounts without currency conversion. Mixed
	// currencies are then flagged per metric instead of failing.
	Raw bool `json:"raw,omitempty"`
}

// Cell is either a value with its unit or an explicit, reason-coded absence.
type Cell struct {
	Value *decimal.Decimal   `json:"value"`
	Unit  string             `json:"unit,omitempty"`
	Flag  models.WarningCode `json:"flag,omitempty"`
}

func valueCell(v decimal.Decimal, unit string) Cell {
	return Cell{Value: &v, Unit: unit}
}

func flagCell(code models.WarningCode) Cell {
	return Cell{Flag: code}
}

// Column is one compared (entity, period) pair and the file it was read from.
type Column struct {
	Key      string    `json:"key"`
	EntityID string    `json:"entity_id"`
	PeriodID string    `json:"period_id"`
	FileID   uuid.UUID `json:"file_id"`
}

// Variation is the horizontal change between two columns.
type Variation struct {
	From   string `json:"from"`
	To     string `json:"to"`
	AbsVar Cell   `json:"abs_var"`
	PctVar Cell   `json:"pct_var"`
}

// LineResult is one row of the statement-shaped table.
type LineResult struct {
	Code       string      `json:"canonical_code"`
	Name       string      `json:"name"`
	Depth      int         `json:"depth"`
	Values     []Cell      `json:"values"`
	Horizontal []Variation `json:"horizontal,omitempty"`
	Vertical   []Cell      `json:"vertical,omitempty"`
}

// RatioResult holds one catalog ratio evaluated for every column.
type RatioResult struct {
	Ratio  Ratio  `json:"ratio"`
	Values []Cell `json:"values"`
}

// Result is the statement-shaped output of a comparison.
type Result struct {
	Mode      Mode             `json:"mode"`
	Statement models.Statement `json:"statement"`
	BasisCode string           `json:"basis_code,omitempty"`
	Columns   []Column         `json:"columns"`
	Lines     []LineResult     `json:"lines"`
	Ratios    []RatioResult    `json:"ratios"`
	Warnings  []models.Warning `json:"warnings"`
}

// Indicator is one catalog ratio for a single (entity, period).
type Indicator struct {
	Ratio Ratio `json:"ratio"`
	Cell
}

// Pair names an (entity, period) combination.
type Pair struct {
	EntityID string `json:"entity_id"`
	PeriodID string `json:"period_id"`
}

// ============================================================================
// Errors
// ============================================================================

type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid analysis request: " + e.Reason
}

// InsufficientDataError lists the pairs with no visible file.
type InsufficientDataError struct {
	Missing []Pair
}

func (e *InsufficientDataError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		parts[i] = p.EntityID + "@" + p.PeriodID
	}
	return "no visible file for " + strings.Join(parts, ", ")
}

// CurrencyMismatchError aborts a comparison whose values are in different
// currencies and raw display was not requested.
type CurrencyMismatchError struct {
	Code  string
	Units []string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("%s mixes units %s", e.Code, strings.Join(e.Units, ", "))
}
