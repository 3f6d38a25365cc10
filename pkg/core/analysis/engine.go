package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"corvus_analytics/pkg/core/approval"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/normalize"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Source is the read side of the store the engine needs.
type Source interface {
	ListFiles(ctx context.Context, filter store.FileFilter) ([]models.File, error)
	ListFacts(ctx context.Context, fileID uuid.UUID) ([]models.NormalizedFact, error)
}

// Engine computes comparatives over normalized facts. It never writes and
// holds no locks of its own, so one instance serves concurrent requests.
type Engine struct {
	source    Source
	hierarchy *hierarchy.Hierarchy
	ratios    []Ratio
	log       *slog.Logger
}

// NewEngine creates an engine. A nil or empty catalog uses DefaultRatios.
func NewEngine(src Source, h *hierarchy.Hierarchy, ratios []Ratio, log *slog.Logger) *Engine {
	if len(ratios) == 0 {
		ratios = DefaultRatios()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{source: src, hierarchy: h, ratios: ratios, log: log}
}

// Ratios returns the configured catalog.
func (e *Engine) Ratios() []Ratio {
	out := make([]Ratio, len(e.ratios))
	copy(out, e.ratios)
	return out
}

// amount is the value of one canonical code in one column. Several facts
// mapped to the same code are summed.
type amount struct {
	value decimal.Decimal
	units []string
}

type column struct {
	Column
	period models.Period
	values map[string]amount
}

// Compare builds the statement-shaped comparison for req.
func (e *Engine) Compare(ctx context.Context, req Request) (*Result, error) {
	pairs, err := e.plan(&req)
	if err != nil {
		return nil, err
	}
	if err := e.hierarchy.Refresh(ctx); err != nil {
		return nil, err
	}
	cols, err := e.load(ctx, pairs, req.Viewer, req.Dimensions, req.Raw)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Mode:      req.Mode,
		Statement: req.Statement,
		Columns:   make([]Column, len(cols)),
		Lines:     []LineResult{},
		Ratios:    []RatioResult{},
		Warnings:  []models.Warning{},
	}
	for i, c := range cols {
		res.Columns[i] = c.Column
	}

	basis, basisCells := e.basis(req.Statement, cols, req.Raw, res)
	res.BasisCode = basis
	pairsH := horizontalPairs(req, cols, res)

	for _, row := range e.hierarchy.StatementLines(req.Statement) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := LineResult{Code: row.Line.Code, Name: row.Line.Name, Depth: row.Depth, Values: make([]Cell, len(cols))}
		for j, c := range cols {
			cell, err := c.cell(row.Line.Code, req.Raw)
			if err != nil {
				return nil, err
			}
			line.Values[j] = cell
		}
		if err := checkUnits(row.Line.Code, line.Values, req.Raw); err != nil {
			return nil, err
		}

		for _, p := range pairsH {
			prev, cur := line.Values[p[0]], line.Values[p[1]]
			abs, pct := variation(prev, cur)
			line.Horizontal = append(line.Horizontal, Variation{From: cols[p[0]].Key, To: cols[p[1]].Key, AbsVar: abs, PctVar: pct})
		}
		if basisCells != nil {
			line.Vertical = make([]Cell, len(cols))
			for j := range cols {
				line.Vertical[j] = divide(line.Values[j], basisCells[j], models.WarnNoData)
			}
		}
		res.Lines = append(res.Lines, line)
	}

	for _, r := range e.ratios {
		rr := RatioResult{Ratio: r, Values: make([]Cell, len(cols))}
		for j, c := range cols {
			cell, err := c.ratio(r, req.Raw)
			if err != nil {
				return nil, err
			}
			rr.Values[j] = cell
		}
		res.Ratios = append(res.Ratios, rr)
	}

	e.log.Debug("comparison computed",
		"mode", string(req.Mode),
		"statement", string(req.Statement),
		"columns", len(cols),
		"lines", len(res.Lines),
	)
	return res, nil
}

// Indicators evaluates the ratio catalog for one (entity, period), for
// callers that watch thresholds.
func (e *Engine) Indicators(ctx context.Context, entityID, periodID, viewer string) ([]Indicator, error) {
	if entityID == "" {
		return nil, &InvalidRequestError{Reason: "entity is required"}
	}
	if _, err := models.ParsePeriodID(periodID); err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	cols, err := e.load(ctx, []Pair{{EntityID: entityID, PeriodID: periodID}}, viewer, nil, false)
	if err != nil {
		return nil, err
	}
	out := make([]Indicator, 0, len(e.ratios))
	for _, r := range e.ratios {
		cell, err := cols[0].ratio(r, false)
		if err != nil {
			return nil, err
		}
		out = append(out, Indicator{Ratio: r, Cell: cell})
	}
	return out, nil
}

// plan validates the request and returns the columns to read, in display
// order. Multi-period columns are sorted chronologically.
func (e *Engine) plan(req *Request) ([]Pair, error) {
	if !req.Statement.Valid() {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("unknown statement %q", req.Statement)}
	}

	periods := make(map[string]models.Period, len(req.PeriodIDs))
	for _, id := range req.PeriodIDs {
		p, err := models.ParsePeriodID(id)
		if err != nil {
			return nil, &InvalidRequestError{Reason: err.Error()}
		}
		if _, dup := periods[id]; dup {
			return nil, &InvalidRequestError{Reason: "period " + id + " listed twice"}
		}
		periods[id] = p
	}

	var pairs []Pair
	switch req.Mode {
	case ModeMultiEntity:
		if len(req.PeriodIDs) != 1 {
			return nil, &InvalidRequestError{Reason: "multi-entity mode needs exactly one period"}
		}
		if len(req.EntityIDs) == 0 {
			return nil, &InvalidRequestError{Reason: "no entities to compare"}
		}
		if req.BaselinePeriodID != "" {
			return nil, &InvalidRequestError{Reason: "a baseline period only applies to multi-period mode"}
		}
		seen := make(map[string]bool, len(req.EntityIDs))
		for _, id := range req.EntityIDs {
			if id == "" || seen[id] {
				return nil, &InvalidRequestError{Reason: fmt.Sprintf("entity %q is empty or repeated", id)}
			}
			seen[id] = true
			pairs = append(pairs, Pair{EntityID: id, PeriodID: req.PeriodIDs[0]})
		}
	case ModeMultiPeriod:
		if len(req.EntityIDs) != 1 || req.EntityIDs[0] == "" {
			return nil, &InvalidRequestError{Reason: "multi-period mode needs exactly one entity"}
		}
		if len(req.PeriodIDs) == 0 {
			return nil, &InvalidRequestError{Reason: "no periods to compare"}
		}
		if req.BaselinePeriodID != "" {
			if _, ok := periods[req.BaselinePeriodID]; !ok {
				return nil, &InvalidRequestError{Reason: "baseline " + req.BaselinePeriodID + " is not among the compared periods"}
			}
		}
		ids := append([]string(nil), req.PeriodIDs...)
		sort.SliceStable(ids, func(i, j int) bool { return periods[ids[i]].Before(periods[ids[j]]) })
		req.PeriodIDs = ids
		for _, id := range ids {
			pairs = append(pairs, Pair{EntityID: req.EntityIDs[0], PeriodID: id})
		}
	default:
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	return pairs, nil
}

// load reads every column concurrently. A pair without a file visible to
// viewer fails the whole request.
func (e *Engine) load(ctx context.Context, pairs []Pair, viewer string, dims []models.Dimension, raw bool) ([]*column, error) {
	cols := make([]*column, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := e.loadColumn(gctx, p, viewer, dims, raw)
			if err != nil {
				return err
			}
			cols[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var missing []Pair
	for i, c := range cols {
		if c == nil {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return nil, &InsufficientDataError{Missing: missing}
	}
	return cols, nil
}

// loadColumn returns nil when no file is visible for the pair. Among
// visible files the newest wins.
func (e *Engine) loadColumn(ctx context.Context, p Pair, viewer string, dims []models.Dimension, raw bool) (*column, error) {
	period, err := models.ParsePeriodID(p.PeriodID)
	if err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	files, err := e.source.ListFiles(ctx, store.FileFilter{EntityID: p.EntityID, PeriodID: p.PeriodID})
	if err != nil {
		return nil, fmt.Errorf("list files for %s@%s: %w", p.EntityID, p.PeriodID, err)
	}
	var file *models.File
	for i := range files {
		if approval.Visible(files[i], viewer) {
			file = &files[i]
			break
		}
	}
	if file == nil {
		return nil, nil
	}

	facts, err := e.source.ListFacts(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("list facts of %s: %w", file.ID, err)
	}

	c := &column{
		Column: Column{EntityID: p.EntityID, PeriodID: p.PeriodID, FileID: file.ID},
		period: period,
		values: make(map[string]amount),
	}
	c.Key = p.EntityID + "@" + p.PeriodID
	for _, f := range facts {
		if f.CanonicalCode == nil || !period.Covers(f.Period) || !models.SameDimensions(f.Dimensions, dims) {
			continue
		}
		v, unit := f.EffectiveValue(), f.UnitTag()
		if raw {
			v, unit = f.Value, f.Unit
			if cur, ok := normalize.CurrencyOf(f.Unit); ok {
				unit = cur
			}
		}
		a, ok := c.values[*f.CanonicalCode]
		if !ok {
			c.values[*f.CanonicalCode] = amount{value: v, units: []string{unit}}
			continue
		}
		a.value = a.value.Add(v)
		if !contains(a.units, unit) {
			a.units = append(a.units, unit)
		}
		c.values[*f.CanonicalCode] = a
	}
	return c, nil
}

// cell returns the value of code in this column. Facts of one code in
// different units cannot be summed.
func (c *column) cell(code string, raw bool) (Cell, error) {
	a, ok := c.values[code]
	if !ok {
		return flagCell(models.WarnNoData), nil
	}
	if len(a.units) > 1 {
		if !raw {
			return Cell{}, &CurrencyMismatchError{Code: code, Units: a.units}
		}
		return flagCell(models.WarnCurrencyMismatch), nil
	}
	return valueCell(a.value, a.units[0]), nil
}

// ratio divides two codes of this column. Operands in different units
// give a CurrencyMismatch cell; only a single code mixing units fails.
func (c *column) ratio(r Ratio, raw bool) (Cell, error) {
	num, err := c.cell(r.Numerator, raw)
	if err != nil {
		return Cell{}, err
	}
	den, err := c.cell(r.Denominator, raw)
	if err != nil {
		return Cell{}, err
	}
	return divide(num, den, models.WarnMissingOperand), nil
}

// basis resolves the vertical-analysis denominator of every column. It
// returns nil cells when the statement has no basis configured.
func (e *Engine) basis(statement models.Statement, cols []*column, raw bool, res *Result) (string, []Cell) {
	code, err := e.hierarchy.TotalBasis(statement)
	if err != nil {
		var nb *hierarchy.NoBasisConfiguredError
		if errors.As(err, &nb) {
			res.Warnings = append(res.Warnings, models.Warning{Code: models.WarnNoBasisConfigured, Message: err.Error()})
		}
		return "", nil
	}
	cells := make([]Cell, len(cols))
	for j, c := range cols {
		cell, err := c.cell(code, raw)
		if err != nil {
			// the mismatch surfaces again when the basis line is rendered
			cell = flagCell(models.WarnCurrencyMismatch)
		}
		if cell.Value == nil {
			res.Warnings = append(res.Warnings, models.Warning{
				Code:    cell.Flag,
				Message: fmt.Sprintf("basis %s has no usable value for %s", code, c.Key),
			})
		}
		cells[j] = cell
	}
	return code, cells
}

// horizontalPairs lists the (prior, current) column indexes to compare.
func horizontalPairs(req Request, cols []*column, res *Result) [][2]int {
	if req.Mode != ModeMultiPeriod {
		return nil
	}
	if len(cols) < 2 {
		res.Warnings = append(res.Warnings, models.Warning{Code: models.WarnNoPriorPeriod, Message: "horizontal analysis needs at least two periods"})
		return nil
	}
	var pairs [][2]int
	if req.BaselinePeriodID != "" {
		base := 0
		for i, c := range cols {
			if c.PeriodID == req.BaselinePeriodID {
				base = i
			}
		}
		for i := range cols {
			if i != base {
				pairs = append(pairs, [2]int{base, i})
			}
		}
		return pairs
	}
	for i := 1; i < len(cols); i++ {
		pairs = append(pairs, [2]int{i - 1, i})
	}
	return pairs
}

// checkUnits rejects a line whose columns are in different units unless
// raw display was requested.
func checkUnits(code string, cells []Cell, raw bool) error {
	if raw {
		return nil
	}
	var units []string
	for _, c := range cells {
		if c.Value != nil && !contains(units, c.Unit) {
			units = append(units, c.Unit)
		}
	}
	if len(units) > 1 {
		return &CurrencyMismatchError{Code: code, Units: units}
	}
	return nil
}

// variation returns abs_var and pct_var between prior and current.
func variation(prev, cur Cell) (Cell, Cell) {
	if prev.Value == nil || cur.Value == nil {
		flag := models.WarnNoData
		if prev.Flag == models.WarnCurrencyMismatch || cur.Flag == models.WarnCurrencyMismatch {
			flag = models.WarnCurrencyMismatch
		}
		return flagCell(flag), flagCell(flag)
	}
	if prev.Unit != cur.Unit {
		return flagCell(models.WarnCurrencyMismatch), flagCell(models.WarnCurrencyMismatch)
	}
	abs := valueCell(cur.Value.Sub(*prev.Value), cur.Unit)
	return abs, divide(abs, prev, models.WarnNoData)
}

// divide never yields infinity or a silent zero: a zero denominator gives
// a null value flagged DivisionByZero.
func divide(num, den Cell, missing models.WarningCode) Cell {
	if num.Value == nil || den.Value == nil {
		if num.Flag == models.WarnCurrencyMismatch || den.Flag == models.WarnCurrencyMismatch {
			return flagCell(models.WarnCurrencyMismatch)
		}
		return flagCell(missing)
	}
	if num.Unit != den.Unit {
		return flagCell(models.WarnCurrencyMismatch)
	}
	if den.Value.IsZero() {
		return flagCell(models.WarnDivisionByZero)
	}
	return valueCell(num.Value.Div(*den.Value), "pure")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
