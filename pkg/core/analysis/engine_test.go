package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	fy2023 = "I:2023-12-31"
	fy2024 = "I:2024-12-31"
)

type fixture struct {
	store  *store.MemoryStore
	hier   *hierarchy.Hierarchy
	engine *Engine
	clock  time.Time
}

func newFixture(t *testing.T, withBasis bool) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	h, err := hierarchy.New(ctx, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Import(ctx, []models.CanonicalLine{
		{Code: "activos_totales", Name: "Total activos", Statement: models.StatementBalance, Order: 1},
		{Code: "activos_corrientes", Name: "Activos corrientes", Statement: models.StatementBalance, ParentCode: "activos_totales", Order: 1},
		{Code: "efectivo", Name: "Efectivo", Statement: models.StatementBalance, ParentCode: "activos_corrientes", Order: 1},
		{Code: "pasivos_totales", Name: "Total pasivos", Statement: models.StatementBalance, Order: 2},
		{Code: "pasivos_corrientes", Name: "Pasivos corrientes", Statement: models.StatementBalance, ParentCode: "pasivos_totales", Order: 1},
		{Code: "utilidad_neta", Name: "Utilidad neta", Statement: models.StatementIncome, Order: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if withBasis {
		if err := h.SetTotalBasis(ctx, models.StatementBalance, "activos_totales"); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{
		store:  s,
		hier:   h,
		engine: NewEngine(s, h, nil, nil),
		clock:  time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

type line struct {
	code  string
	value int64
	unit  string
	dims  []models.Dimension
}

func (f *fixture) file(t *testing.T, entity, periodID, uploader string, state models.ApprovalState, lines ...line) uuid.UUID {
	t.Helper()
	period, err := models.ParsePeriodID(periodID)
	if err != nil {
		t.Fatal(err)
	}
	f.clock = f.clock.Add(time.Minute)
	file := models.File{
		ID: uuid.New(), FileName: "x.xbrl", TaxonomyVersion: "ifrs/2023", EntityID: entity,
		PeriodID: periodID, UploadedBy: uploader, State: state, CreatedAt: f.clock,
	}
	facts := make([]models.NormalizedFact, len(lines))
	for i, l := range lines {
		code := l.code
		v := decimal.NewFromInt(l.value)
		unit := l.unit
		if unit == "" {
			unit = "COP"
		}
		facts[i] = models.NormalizedFact{
			FileID: file.ID, EntityID: entity, PeriodID: periodID, Period: period,
			ContextID: "c" + l.code, ConceptQName: "ifrs-full:" + l.code, CanonicalCode: &code,
			Value: v, Currency: unit, Unit: "iso4217:" + unit, PeriodType: models.PeriodInstant,
			Dimensions: l.dims,
		}
		if unit == "COP" {
			facts[i].ValueInBaseUnit = &v
		}
	}
	if err := f.store.CreateFile(context.Background(), file, facts); err != nil {
		t.Fatal(err)
	}
	return file.ID
}

func findLine(t *testing.T, res *Result, code string) LineResult {
	t.Helper()
	for _, l := range res.Lines {
		if l.Code == code {
			return l
		}
	}
	t.Fatalf("line %s not in result", code)
	return LineResult{}
}

func findRatio(t *testing.T, res *Result, name string) RatioResult {
	t.Helper()
	for _, r := range res.Ratios {
		if r.Ratio.Name == name {
			return r
		}
	}
	t.Fatalf("ratio %s not in result", name)
	return RatioResult{}
}

func isValue(c Cell, want string) bool {
	return c.Value != nil && c.Value.Equal(decimal.RequireFromString(want))
}

func TestCompare_Vertical(t *testing.T) {
	f := newFixture(t, true)
	f.file(t, "900123456", fy2024, "ana", models.StateValidated,
		line{code: "activos_totales", value: 1000000},
		line{code: "efectivo", value: 250000},
	)

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiEntity, Statement: models.StatementBalance,
		EntityIDs: []string{"900123456"}, PeriodIDs: []string{fy2024}, Viewer: "luis",
	})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if res.BasisCode != "activos_totales" {
		t.Errorf("basis = %q", res.BasisCode)
	}
	cash := findLine(t, res, "efectivo")
	if !isValue(cash.Vertical[0], "0.25") {
		t.Errorf("pct_of_base = %+v, want 0.25", cash.Vertical[0])
	}
	if cash.Values[0].Unit != "COP" || cash.Depth != 2 {
		t.Errorf("cash cell = %+v depth %d", cash.Values[0], cash.Depth)
	}
	current := findLine(t, res, "activos_corrientes")
	if current.Values[0].Value != nil || current.Values[0].Flag != models.WarnNoData {
		t.Errorf("missing line must be explicit no data, got %+v", current.Values[0])
	}
	if res.Lines[0].Code != "activos_totales" || len(res.Lines) != 5 {
		t.Errorf("unexpected line order: %d lines, first %s", len(res.Lines), res.Lines[0].Code)
	}
}

func TestCompare_Horizontal(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "900123456", fy2023, "ana", models.StateValidated, line{code: "efectivo", value: 0}, line{code: "activos_totales", value: 50})
	f.file(t, "900123456", fy2024, "ana", models.StateValidated, line{code: "efectivo", value: 100}, line{code: "activos_totales", value: 75})

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiPeriod, Statement: models.StatementBalance,
		EntityIDs: []string{"900123456"}, PeriodIDs: []string{fy2024, fy2023}, Viewer: "luis",
	})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if res.Columns[0].PeriodID != fy2023 {
		t.Errorf("periods must be chronological, first is %s", res.Columns[0].PeriodID)
	}

	cash := findLine(t, res, "efectivo")
	if len(cash.Horizontal) != 1 {
		t.Fatalf("got %d variations", len(cash.Horizontal))
	}
	v := cash.Horizontal[0]
	if !isValue(v.AbsVar, "100") {
		t.Errorf("abs_var = %+v, want 100", v.AbsVar)
	}
	if v.PctVar.Value != nil || v.PctVar.Flag != models.WarnDivisionByZero {
		t.Errorf("pct_var = %+v, want null with DivisionByZero", v.PctVar)
	}

	total := findLine(t, res, "activos_totales")
	if !isValue(total.Horizontal[0].PctVar, "0.5") {
		t.Errorf("pct_var = %+v, want 0.5", total.Horizontal[0].PctVar)
	}
	if total.Vertical != nil {
		t.Error("vertical must be omitted without a basis")
	}
	var noBasis bool
	for _, w := range res.Warnings {
		noBasis = noBasis || w.Code == models.WarnNoBasisConfigured
	}
	if !noBasis {
		t.Error("expected NoBasisConfigured warning")
	}
}

func TestCompare_Baseline(t *testing.T) {
	f := newFixture(t, false)
	for i, p := range []string{"I:2022-12-31", fy2023, fy2024} {
		f.file(t, "e1", p, "ana", models.StateValidated, line{code: "efectivo", value: int64(100 * (i + 1))})
	}
	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiPeriod, Statement: models.StatementBalance,
		EntityIDs: []string{"e1"}, PeriodIDs: []string{"I:2022-12-31", fy2023, fy2024}, BaselinePeriodID: "I:2022-12-31",
	})
	if err != nil {
		t.Fatal(err)
	}
	cash := findLine(t, res, "efectivo")
	if len(cash.Horizontal) != 2 || !isValue(cash.Horizontal[1].AbsVar, "200") || !isValue(cash.Horizontal[1].PctVar, "2") {
		t.Errorf("baseline variations = %+v", cash.Horizontal)
	}
}

func TestCompare_Visibility(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateRejected, line{code: "efectivo", value: 10})

	req := Request{Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}, Viewer: "luis"}
	_, err := f.engine.Compare(context.Background(), req)
	var ide *InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if len(ide.Missing) != 1 || ide.Missing[0].EntityID != "e1" {
		t.Errorf("missing = %+v", ide.Missing)
	}

	req.Viewer = "ana"
	res, err := f.engine.Compare(context.Background(), req)
	if err != nil {
		t.Fatalf("uploader must see own rejected file: %v", err)
	}
	if !isValue(findLine(t, res, "efectivo").Values[0], "10") {
		t.Error("uploader view lost the value")
	}
}

func TestCompare_LatestVisibleFileWins(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated, line{code: "efectivo", value: 10})
	newest := f.file(t, "e1", fy2024, "ana", models.StateValidated, line{code: "efectivo", value: 20})
	f.file(t, "e1", fy2024, "ana", models.StatePending, line{code: "efectivo", value: 30})

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}, Viewer: "luis",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Columns[0].FileID != newest || !isValue(findLine(t, res, "efectivo").Values[0], "20") {
		t.Errorf("expected newest validated file, got %+v", res.Columns[0])
	}
}

func TestCompare_Ratios(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated,
		line{code: "activos_corrientes", value: 300},
		line{code: "pasivos_corrientes", value: 150},
		line{code: "efectivo", value: 30},
		line{code: "pasivos_totales", value: 0},
		line{code: "activos_totales", value: 600},
	)
	f.file(t, "e2", fy2024, "ana", models.StateValidated, line{code: "activos_corrientes", value: 100})

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1", "e2"}, PeriodIDs: []string{fy2024},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		col  int
		want string
		flag models.WarningCode
	}{
		{"current_ratio", 0, "2", ""},
		{"cash_ratio", 0, "0.2", ""},
		{"debt_ratio", 0, "0", ""},
		{"roe", 0, "", models.WarnMissingOperand},
		{"current_ratio", 1, "", models.WarnMissingOperand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := findRatio(t, res, tt.name).Values[tt.col]
			if tt.want != "" {
				if !isValue(c, tt.want) || c.Unit != "pure" {
					t.Errorf("got %+v, want %s", c, tt.want)
				}
				return
			}
			if c.Value != nil || c.Flag != tt.flag {
				t.Errorf("got %+v, want flag %s", c, tt.flag)
			}
		})
	}
	for _, l := range res.Lines {
		if len(l.Horizontal) != 0 {
			t.Errorf("multi-entity mode has no horizontal analysis, %s has %d", l.Code, len(l.Horizontal))
		}
	}
}

func TestCompare_CurrencyMismatch(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated, line{code: "efectivo", value: 10})
	f.file(t, "e2", fy2024, "ana", models.StateValidated, line{code: "efectivo", value: 3, unit: "USD"})
	req := Request{Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1", "e2"}, PeriodIDs: []string{fy2024}}

	_, err := f.engine.Compare(context.Background(), req)
	var cm *CurrencyMismatchError
	if !errors.As(err, &cm) || cm.Code != "efectivo" {
		t.Fatalf("expected CurrencyMismatchError on efectivo, got %v", err)
	}

	req.Raw = true
	res, err := f.engine.Compare(context.Background(), req)
	if err != nil {
		t.Fatalf("raw display must not fail: %v", err)
	}
	cash := findLine(t, res, "efectivo")
	if cash.Values[0].Unit != "COP" || cash.Values[1].Unit != "USD" {
		t.Errorf("raw cells = %+v", cash.Values)
	}
}

func TestCompare_RatioOperandsInDifferentUnits(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated,
		line{code: "efectivo", value: 30, unit: "USD"},
		line{code: "pasivos_corrientes", value: 150},
		line{code: "activos_corrientes", value: 300},
	)

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024},
	})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if c := findRatio(t, res, "cash_ratio").Values[0]; c.Value != nil || c.Flag != models.WarnCurrencyMismatch {
		t.Errorf("cash_ratio = %+v, want flag %s", c, models.WarnCurrencyMismatch)
	}
	if c := findRatio(t, res, "current_ratio").Values[0]; !isValue(c, "2") {
		t.Errorf("current_ratio = %+v, want 2", c)
	}
	if c := findLine(t, res, "efectivo").Values[0]; !isValue(c, "30") || c.Unit != "USD" {
		t.Errorf("efectivo = %+v", c)
	}

	got, err := f.engine.Indicators(context.Background(), "e1", fy2024, "")
	if err != nil {
		t.Fatalf("Indicators: %v", err)
	}
	for _, ind := range got {
		if ind.Ratio.Name == "cash_ratio" && ind.Cell.Flag != models.WarnCurrencyMismatch {
			t.Errorf("cash_ratio indicator = %+v", ind.Cell)
		}
	}
}

func TestCompare_Dimensions(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated,
		line{code: "efectivo", value: 100},
		line{code: "efectivo", value: 40, dims: []models.Dimension{{Axis: "seg", Member: "retail"}}},
		line{code: "efectivo", value: 60, dims: []models.Dimension{{Axis: "seg", Member: "wholesale"}}},
	)

	tests := []struct {
		name string
		dims []models.Dimension
		want string
	}{
		{"totals only", nil, "100"},
		{"retail segment", []models.Dimension{{Axis: "seg", Member: "retail"}}, "40"},
		{"wholesale segment", []models.Dimension{{Axis: "seg", Member: "wholesale"}}, "60"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.Compare(context.Background(), Request{
				Mode: ModeMultiEntity, Statement: models.StatementBalance,
				EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}, Dimensions: tt.dims,
			})
			if err != nil {
				t.Fatalf("Compare: %v", err)
			}
			if c := findLine(t, res, "efectivo").Values[0]; !isValue(c, tt.want) {
				t.Errorf("efectivo = %+v, want %s", c, tt.want)
			}
		})
	}

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024},
		Dimensions: []models.Dimension{{Axis: "seg", Member: "online"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := findLine(t, res, "efectivo").Values[0]; c.Value != nil || c.Flag != models.WarnNoData {
		t.Errorf("unknown member should give no data, got %+v", c)
	}
}

func TestCompare_SeesLinesAddedElsewhere(t *testing.T) {
	f := newFixture(t, false)
	other, err := hierarchy.New(context.Background(), f.store, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = other.Import(context.Background(), []models.CanonicalLine{
		{Code: "deudores", Name: "Deudores", Statement: models.StatementBalance, ParentCode: "activos_corrientes", Order: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.file(t, "e1", fy2024, "ana", models.StateValidated, line{code: "deudores", value: 70})

	res, err := f.engine.Compare(context.Background(), Request{
		Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := findLine(t, res, "deudores").Values[0]; !isValue(c, "70") {
		t.Errorf("deudores = %+v", c)
	}
}

func TestCompare_InvalidRequests(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown mode", Request{Mode: "both", Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}}},
		{"two periods across entities", Request{Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2023, fy2024}}},
		{"two entities across periods", Request{Mode: ModeMultiPeriod, Statement: models.StatementBalance, EntityIDs: []string{"e1", "e2"}, PeriodIDs: []string{fy2024}}},
		{"bad period", Request{Mode: ModeMultiPeriod, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{"2024"}}},
		{"unknown statement", Request{Mode: ModeMultiPeriod, Statement: "notes", EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}}},
		{"foreign baseline", Request{Mode: ModeMultiPeriod, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}, BaselinePeriodID: fy2023}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ire *InvalidRequestError
			if _, err := f.engine.Compare(context.Background(), tt.req); !errors.As(err, &ire) {
				t.Errorf("expected InvalidRequestError, got %v", err)
			}
		})
	}
}

func TestCompare_Cancelled(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated, line{code: "efectivo", value: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Compare(ctx, Request{Mode: ModeMultiEntity, Statement: models.StatementBalance, EntityIDs: []string{"e1"}, PeriodIDs: []string{fy2024}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIndicators(t *testing.T) {
	f := newFixture(t, false)
	f.file(t, "e1", fy2024, "ana", models.StateValidated,
		line{code: "activos_corrientes", value: 500},
		line{code: "pasivos_corrientes", value: 250},
	)
	got, err := f.engine.Indicators(context.Background(), "e1", fy2024, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(DefaultRatios()) {
		t.Fatalf("got %d indicators", len(got))
	}
	if got[0].Ratio.Name != "current_ratio" || !isValue(got[0].Cell, "2") {
		t.Errorf("current_ratio = %+v", got[0])
	}
	if _, err := f.engine.Indicators(context.Background(), "e9", fy2024, ""); err == nil {
		t.Error("expected an error for an entity without files")
	}
}
