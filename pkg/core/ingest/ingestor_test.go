package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"corvus_analytics/pkg/core/archive"
	"corvus_analytics/pkg/core/audit"
	"corvus_analytics/pkg/core/hierarchy"
	"corvus_analytics/pkg/core/mapping"
	"corvus_analytics/pkg/core/normalize"
	"corvus_analytics/pkg/core/registry"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/shopspring/decimal"
)

const version = "ifrs/2023"

type fixture struct {
	store    *store.MemoryStore
	resolver *mapping.Resolver
	ingestor *Ingestor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	h, err := hierarchy.New(ctx, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = h.Import(ctx, []models.CanonicalLine{
		{Code: "activos_totales", Name: "Total activos", Statement: models.StatementBalance, Order: 1},
		{Code: "efectivo", Name: "Efectivo", Statement: models.StatementBalance, ParentCode: "activos_totales", Order: 1},
		{Code: "deudores", Name: "Deudores", Statement: models.StatementBalance, ParentCode: "activos_totales", Order: 2},
		{Code: "ingresos", Name: "Ingresos", Statement: models.StatementIncome, Order: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New(s, nil)
	_, err = reg.RegisterAll(ctx, []models.Concept{
		{TaxonomyVersion: version, QName: "ifrs-full:Assets", DataType: "monetary", PeriodType: models.PeriodInstant, Balance: models.BalanceDebit},
		{TaxonomyVersion: version, QName: "ifrs-full:Cash", DataType: "monetary", PeriodType: models.PeriodInstant, Balance: models.BalanceDebit},
		{TaxonomyVersion: version, QName: "ifrs-full:Revenue", DataType: "monetary", PeriodType: models.PeriodDuration, Balance: models.BalanceCredit},
		{TaxonomyVersion: version, QName: "ifrs-full:OtherAssets", DataType: "monetary", PeriodType: models.PeriodInstant, Balance: models.BalanceDebit},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := mapping.NewResolver(s, reg, h, audit.NewMemorySink(), nil)
	for qname, code := range map[string]string{
		"ifrs-full:Assets":  "activos_totales",
		"ifrs-full:Cash":    "efectivo",
		"ifrs-full:Revenue": "ingresos",
	} {
		m := models.Mapping{TaxonomyVersion: version, ConceptQName: qname, CanonicalCode: code}
		if err := res.Add(ctx, m, "ana"); err != nil {
			t.Fatal(err)
		}
	}

	n := normalize.New("COP", normalize.NewStaticRates(normalize.Rate{From: "USD", To: "COP", Rate: decimal.NewFromInt(4000)}))
	ing := New(s, reg, res, n, archive.NewMemoryArchive(), 3, nil)
	return fixture{store: s, resolver: res, ingestor: ing}
}

func instant(qname, ctxID, value string, decimals int) models.RawFact {
	d := decimals
	return models.RawFact{
		ConceptQName: qname, ContextID: ctxID, EntityIdentifier: "900123456",
		End: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), Unit: "iso4217:COP", Decimals: &d, Value: value,
	}
}

func upload(facts ...models.RawFact) Upload {
	return Upload{FileName: "fy2024.xbrl", TaxonomyVersion: version, PeriodID: "I:2024-12-31", UploadedBy: "ana", Facts: facts}
}

func factByQName(facts []models.NormalizedFact, qname string) (models.NormalizedFact, bool) {
	for _, f := range facts {
		if f.ConceptQName == qname {
			return f, true
		}
	}
	return models.NormalizedFact{}, false
}

func TestIngestFile_ScalesAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.ingestor.IngestFile(ctx, upload(
		instant("ifrs-full:Assets", "i2024", "1000", -3),
		instant("ifrs-full:Cash", "i2024", "5", -3),
	))
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if sum.NormalizedCount != 2 || sum.SkippedCount != 0 {
		t.Errorf("summary = %+v", sum)
	}

	file, err := f.store.GetFile(ctx, sum.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if file.State != models.StatePending || file.EntityID != "900123456" {
		t.Errorf("file = %+v", file)
	}

	facts, err := f.store.ListFacts(ctx, sum.FileID)
	if err != nil {
		t.Fatal(err)
	}
	cash, ok := factByQName(facts, "ifrs-full:Cash")
	if !ok {
		t.Fatal("cash fact not stored")
	}
	if !cash.Value.Equal(decimal.NewFromInt(5000)) || cash.ScaleApplied != 3 {
		t.Errorf("cash = %s (scale %d), want 5000 (scale 3)", cash.Value, cash.ScaleApplied)
	}
	if cash.CanonicalCode == nil || *cash.CanonicalCode != "efectivo" {
		t.Errorf("cash mapped to %v", cash.CanonicalCode)
	}
}

func TestIngestFile_UnmappedStillStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.ingestor.IngestFile(ctx, upload(
		instant("ifrs-full:Cash", "i2024", "5", 0),
		instant("ifrs-full:OtherAssets", "i2024", "7", 0),
		instant("ifrs-full:OtherAssets", "i2024b", "8", 0),
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Unmapped) != 1 || sum.Unmapped[0] != "ifrs-full:OtherAssets" {
		t.Errorf("unmapped = %v", sum.Unmapped)
	}
	facts, _ := f.store.ListFacts(ctx, sum.FileID)
	if len(facts) != 3 {
		t.Fatalf("stored %d facts, want 3", len(facts))
	}
	other, _ := factByQName(facts, "ifrs-full:OtherAssets")
	if other.CanonicalCode != nil {
		t.Errorf("unmapped fact got code %q", *other.CanonicalCode)
	}
}

func TestIngestFile_SkipsBadFactsKeepsRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	wrongPeriod := instant("ifrs-full:Assets", "d2024", "10", 0)
	wrongPeriod.Start = &start
	foreign := instant("ifrs-full:Cash", "i2024x", "1", 0)
	foreign.EntityIdentifier = "800999999"

	sum, err := f.ingestor.IngestFile(ctx, upload(
		instant("ifrs-full:Cash", "i2024", "5", 0),
		instant("ifrs-full:Cash", "i2024", "6", 0),
		wrongPeriod,
		instant("ifrs-full:Assets", "i2024", "abc", 0),
		foreign,
	))
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if sum.NormalizedCount != 1 || sum.SkippedCount != 4 {
		t.Errorf("normalized=%d skipped=%d", sum.NormalizedCount, sum.SkippedCount)
	}

	codes := make(map[models.WarningCode]int)
	for _, w := range sum.Warnings {
		codes[w.Code]++
	}
	for _, want := range []models.WarningCode{models.WarnDuplicateFact, models.WarnPeriodTypeMismatch, models.WarnInvalidValue, models.WarnEntityMismatch} {
		if codes[want] != 1 {
			t.Errorf("warning %s raised %d times", want, codes[want])
		}
	}

	facts, _ := f.store.ListFacts(ctx, sum.FileID)
	if len(facts) != 1 || !facts[0].Value.Equal(decimal.NewFromInt(5)) {
		t.Errorf("first occurrence must win, got %+v", facts)
	}
}

func TestIngestFile_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var inv *InvalidUploadError
	bad := upload(instant("ifrs-full:Cash", "i2024", "5", 0))
	bad.PeriodID = "2024"
	if _, err := f.ingestor.IngestFile(ctx, bad); !errors.As(err, &inv) {
		t.Errorf("expected InvalidUploadError for period id, got %v", err)
	}
	if _, err := f.ingestor.IngestFile(ctx, upload()); !errors.As(err, &inv) {
		t.Errorf("expected InvalidUploadError for empty upload, got %v", err)
	}
	if _, err := f.ingestor.IngestFile(ctx, upload(instant("ifrs-full:Cash", "i2024", "n/a", 0))); !errors.Is(err, ErrNothingNormalized) {
		t.Errorf("expected ErrNothingNormalized, got %v", err)
	}
	files, _ := f.store.ListFiles(ctx, store.FileFilter{})
	if len(files) != 0 {
		t.Errorf("failed uploads left %d files", len(files))
	}
}

func TestReprocess_AppliesNewMappings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.ingestor.IngestFile(ctx, upload(
		instant("ifrs-full:Cash", "i2024", "5", -3),
		instant("ifrs-full:OtherAssets", "i2024", "7", -3),
	))
	if err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.ListFacts(ctx, sum.FileID)

	m := models.Mapping{TaxonomyVersion: version, ConceptQName: "ifrs-full:OtherAssets", CanonicalCode: "deudores"}
	if err := f.resolver.Add(ctx, m, "luis"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.resolver.Replace(ctx, models.Mapping{TaxonomyVersion: version, ConceptQName: "ifrs-full:Cash", CanonicalCode: "deudores"}, "luis"); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		out, err := f.ingestor.Reprocess(ctx, sum.FileID)
		if err != nil {
			t.Fatalf("Reprocess: %v", err)
		}
		if len(out.Unmapped) != 0 {
			t.Errorf("unmapped after reprocess = %v", out.Unmapped)
		}
	}

	after, _ := f.store.ListFacts(ctx, sum.FileID)
	if len(after) != len(before) {
		t.Fatalf("fact count changed: %d -> %d", len(before), len(after))
	}
	for _, b := range before {
		a, ok := factByQName(after, b.ConceptQName)
		if !ok {
			t.Fatalf("%s lost", b.ConceptQName)
		}
		if !a.Value.Equal(b.Value) || a.PeriodID != b.PeriodID || a.ContextID != b.ContextID {
			t.Errorf("%s changed beyond its code: %+v -> %+v", b.ConceptQName, b, a)
		}
		if a.CanonicalCode == nil || *a.CanonicalCode != "deudores" {
			t.Errorf("%s code = %v, want deudores", a.ConceptQName, a.CanonicalCode)
		}
	}

	file, _ := f.store.GetFile(ctx, sum.FileID)
	if file.State != models.StatePending {
		t.Errorf("reprocess changed state to %s", file.State)
	}
}

func TestReprocessVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, ctxID := range []string{"a", "b"} {
		if _, err := f.ingestor.IngestFile(ctx, upload(instant("ifrs-full:Cash", ctxID, "1", 0))); err != nil {
			t.Fatal(err)
		}
	}
	out, err := f.ingestor.ReprocessVersion(ctx, version)
	if err != nil {
		t.Fatalf("ReprocessVersion: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("reprocessed %d files, want 2", len(out))
	}
}
