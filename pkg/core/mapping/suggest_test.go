package mapping

import (
	"context"
	"testing"

	"corvus_analytics/pkg/models"
)

func TestLocalName(t *testing.T) {
	tests := map[string]string{
		"ifrs-full:Revenue":     "Revenue",
		"ifrs-full_Revenue":     "Revenue",
		"co-gaap_Deudores":      "Deudores",
		"trade_receivables":     "trade_receivables",
		"Revenue":               "Revenue",
		"us-gaap:AssetsCurrent": "AssetsCurrent",
	}
	for in, want := range tests {
		if got := LocalName(in); got != want {
			t.Errorf("LocalName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRank(t *testing.T) {
	lines := []models.CanonicalLine{
		{Code: "efectivo", Name: "Efectivo y equivalentes", Synonyms: []string{"cash and cash equivalents"}},
		{Code: "deudores", Name: "Deudores comerciales", Synonyms: []string{"trade receivables"}},
		{Code: "caja_b", Name: "Caja", Synonyms: []string{"cash"}},
		{Code: "caja_a", Name: "Caja menor", Synonyms: []string{"cash"}},
	}

	got := Rank("ifrs-full:CashAndCashEquivalents", lines, 0)
	if len(got) != 3 {
		t.Fatalf("got %d suggestions, want 3: %+v", len(got), got)
	}
	if got[0].Code != "efectivo" || got[0].Score != 1 {
		t.Errorf("best = %+v, want efectivo with score 1", got[0])
	}
	if got[1].Code != "caja_a" || got[2].Code != "caja_b" {
		t.Errorf("ties must be ordered by code: %+v", got[1:])
	}
	if got[1].Score != got[2].Score {
		t.Errorf("expected tied scores, got %v and %v", got[1].Score, got[2].Score)
	}

	if limited := Rank("ifrs-full:CashAndCashEquivalents", lines, 1); len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestRank_Deterministic(t *testing.T) {
	lines := []models.CanonicalLine{
		{Code: "b", Name: "Trade receivables"},
		{Code: "a", Name: "Receivables trade"},
	}
	first := Rank("TradeReceivables", lines, 0)
	for i := 0; i < 20; i++ {
		again := Rank("TradeReceivables", lines, 0)
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
			}
		}
	}
	if first[0].Code != "a" {
		t.Errorf("tie should favour code a, got %+v", first)
	}
}

func TestScore_AccentFolding(t *testing.T) {
	line := models.CanonicalLine{Code: "depreciacion", Name: "Depreciación acumulada"}
	if s := Score("co:DepreciacionAcumulada", line); s != 1 {
		t.Errorf("score = %v, want 1", s)
	}
}

func TestResolverSuggest_SkipsCurrentTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codesOf := func(version string) []string {
		t.Helper()
		got, err := f.resolver.Suggest(ctx, version, "ifrs-full:Cash", 0)
		if err != nil {
			t.Fatalf("Suggest: %v", err)
		}
		out := make([]string, len(got))
		for i, s := range got {
			out[i] = s.Code
		}
		return out
	}

	if got := codesOf(version); len(got) != 1 || got[0] != "efectivo" {
		t.Fatalf("unmapped suggestions = %v, want [efectivo]", got)
	}
	if err := f.resolver.Add(ctx, mapping("ifrs-full:Cash", "efectivo"), "ana"); err != nil {
		t.Fatal(err)
	}
	if got := codesOf(version); len(got) != 0 {
		t.Errorf("suggestions after mapping = %v, want none", got)
	}
	if got := codesOf("ifrs/2024"); len(got) != 1 || got[0] != "efectivo" {
		t.Errorf("other version suggestions = %v, want [efectivo]", got)
	}
}
