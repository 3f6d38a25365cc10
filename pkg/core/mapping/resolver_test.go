package mapping

import (
	"context"
	"errors"
	"math"
	"testing"

	"corvus_analytics/pkg/core/audit"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"
)

const version = "ifrs/2023"

type fixture struct {
	store    *store.MemoryStore
	registry *registry.Registry
	resolver *Resolver
	audit    *audit.MemorySink
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	h, err := hierarchy.New(ctx, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	lines := []models.CanonicalLine{
		{Code: "activos_totales", Name: "Total activos", Statement: models.StatementBalance, Order: 1, Synonyms: []string{"total assets", "assets"}},
		{Code: "efectivo", Name: "Efectivo y equivalentes", Statement: models.StatementBalance, ParentCode: "activos_totales", Order: 1, Synonyms: []string{"cash"}},
		{Code: "deudores", Name: "Deudores comerciales", Statement: models.StatementBalance, ParentCode: "activos_totales", Order: 2, Synonyms: []string{"trade receivables"}},
		{Code: "ingresos", Name: "Ingresos de actividades ordinarias", Statement: models.StatementIncome, Order: 1, Synonyms: []string{"revenue"}},
	}
	if err := h.Import(ctx, lines); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(s, nil)
	sink := audit.NewMemorySink()
	return fixture{store: s, registry: reg, resolver: NewResolver(s, reg, h, sink, nil), audit: sink}
}

func mapping(qname, code string) models.Mapping {
	return models.Mapping{TaxonomyVersion: version, ConceptQName: qname, CanonicalCode: code}
}

func TestAdd_ConflictRequiresReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.resolver.Add(ctx, mapping("ifrs-full:Cash", "efectivo"), "ana"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.resolver.Add(ctx, mapping("ifrs-full:Cash", "efectivo"), "ana"); err != nil {
		t.Fatalf("re-adding the same target must be idempotent: %v", err)
	}

	err := f.resolver.Add(ctx, mapping("ifrs-full:Cash", "deudores"), "ana")
	var amb *AmbiguousMappingError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousMappingError, got %v", err)
	}
	if amb.Existing != "efectivo" || amb.Attempted != "deudores" {
		t.Errorf("conflict reported %q -> %q", amb.Existing, amb.Attempted)
	}

	previous, err := f.resolver.Replace(ctx, mapping("ifrs-full:Cash", "deudores"), "luis")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if previous != "efectivo" {
		t.Errorf("previous = %q", previous)
	}
	code, err := f.resolver.Resolve(ctx, version, "ifrs-full:Cash")
	if err != nil || code != "deudores" {
		t.Fatalf("Resolve = %q, %v", code, err)
	}

	events := f.audit.Events()
	if len(events) != 2 {
		t.Fatalf("got %d audit events, want 2", len(events))
	}
	last := events[1]
	if last.Action != "mapping.replace" || last.Actor != "luis" ||
		last.Before["canonical_code"] != "efectivo" || last.After["canonical_code"] != "deudores" {
		t.Errorf("unexpected replace event: %+v", last)
	}
}

func TestAdd_ManyToOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, q := range []string{"ifrs-full:Cash", "ifrs-full:CashAndCashEquivalents"} {
		if err := f.resolver.Add(ctx, mapping(q, "efectivo"), "ana"); err != nil {
			t.Fatalf("Add %s: %v", q, err)
		}
	}
}

func TestAdd_UnknownCode(t *testing.T) {
	f := newFixture(t)
	var unknown *UnknownCodeError
	if err := f.resolver.Add(context.Background(), mapping("ifrs-full:Cash", "caja"), "ana"); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownCodeError, got %v", err)
	}
}

func TestAdd_LineImportedByAnotherProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := hierarchy.New(ctx, f.store, nil)
	if err != nil {
		t.Fatal(err)
	}
	caja := models.CanonicalLine{Code: "caja", Name: "Caja", Statement: models.StatementBalance, ParentCode: "efectivo", Order: 1}
	if err := other.AddLine(ctx, caja); err != nil {
		t.Fatal(err)
	}

	if err := f.resolver.Add(ctx, mapping("ifrs-full:Cash", "caja"), "ana"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	res, err := f.resolver.Import(ctx, []ImportRow{{Line: 2, TaxonomyVersion: version, ConceptQName: "ifrs-full:PettyCash", CanonicalCode: "caja"}}, "ana")
	if err != nil || res.Applied != 1 {
		t.Fatalf("Import = %+v, %v", res, err)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.resolver.Add(ctx, mapping("ifrs-full:Cash", "efectivo"), "ana")

	if err := f.resolver.Remove(ctx, version, "ifrs-full:Cash", "ana"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, version, "ifrs-full:Cash"); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("expected ErrUnmapped after remove, got %v", err)
	}
	if err := f.resolver.Remove(ctx, version, "ifrs-full:Cash", "ana"); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("expected ErrUnmapped removing twice, got %v", err)
	}
	events := f.audit.Events()
	if got := events[len(events)-1]; got.Action != "mapping.remove" || got.After != nil {
		t.Errorf("unexpected remove event: %+v", got)
	}
}

func TestCoverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, q := range []string{"ifrs-full:Cash", "ifrs-full:Revenue", "ifrs-full:Inventories", "ifrs-full:Goodwill"} {
		c := models.Concept{TaxonomyVersion: version, QName: q, PeriodType: models.PeriodInstant, Balance: models.BalanceDebit}
		if err := f.registry.Register(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	_ = f.resolver.Add(ctx, mapping("ifrs-full:Cash", "efectivo"), "ana")
	_ = f.resolver.Add(ctx, mapping("ifrs-full:Revenue", "ingresos"), "ana")
	_ = f.resolver.Add(ctx, mapping("ifrs-full:NotRegistered", "ingresos"), "ana")

	cov, err := f.resolver.Coverage(ctx, version)
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if cov.Total != 4 || cov.Mapped != 2 {
		t.Errorf("coverage = %d/%d, want 2/4", cov.Mapped, cov.Total)
	}
	if math.Abs(cov.Ratio-0.5) > 1e-9 {
		t.Errorf("ratio = %v, want 0.5", cov.Ratio)
	}
	if len(cov.Unmapped) != 2 || cov.Unmapped[0] != "ifrs-full:Goodwill" {
		t.Errorf("unmapped = %v", cov.Unmapped)
	}

	empty, err := f.resolver.Coverage(ctx, "ifrs/1999")
	if err != nil || empty.Ratio != 0 || empty.Total != 0 {
		t.Errorf("empty version coverage = %+v, %v", empty, err)
	}
}
