package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"corvus_analytics/pkg/app"
	"corvus_analytics/pkg/core/config"
)

func memoryApp(t *testing.T) opener {
	t.Helper()
	a, err := app.New(context.Background(), config.Config{BaseCurrency: "COP", IngestWorkers: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return func(context.Context) (*app.App, error) { return a, nil }
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAdminWorkflow(t *testing.T) {
	dir := t.TempDir()
	open := memoryApp(t)

	lines := writeFile(t, dir, "lines.csv", "code,name,statement,parent_code,order\n"+
		"activos_totales,Total activos,balance,,1\n"+
		"efectivo,Efectivo,balance,activos_totales,1\n")
	concepts := writeFile(t, dir, "concepts.json", `[
		{"taxonomy_version": "ifrs/2023", "qname": "ifrs-full:Assets", "data_type": "monetary", "period_type": "instant", "balance": "debit"},
		{"taxonomy_version": "ifrs/2023", "qname": "ifrs-full:Cash", "data_type": "monetary", "period_type": "instant", "balance": "debit"}
	]`)
	mappings := writeFile(t, dir, "mappings.csv", "taxonomy_version,concept_qname,canonical_code\n"+
		"ifrs/2023,ifrs-full:Assets,activos_totales\n")

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"import-hierarchy", lines}, "imported 2 lines"},
		{[]string{"set-basis", "balance", "activos_totales"}, "balance basis set to activos_totales"},
		{[]string{"import-concepts", concepts}, "registered 2 concepts"},
		{[]string{"import-mappings", mappings, "--actor", "admin"}, "applied 1, unchanged 0, skipped 0"},
		{[]string{"coverage", "ifrs/2023", "--unmapped"}, "1/2 mapped (50.0%)\n  ifrs-full:Cash"},
		{[]string{"export-mappings"}, "ifrs/2023,ifrs-full:Assets,activos_totales"},
	}
	for _, s := range steps {
		out, err := run(t, open, s.args...)
		if err != nil {
			t.Fatalf("%v: %v\n%s", s.args, err, out)
		}
		if !strings.Contains(out, s.want) {
			t.Errorf("%v: output %q, want %q", s.args, out, s.want)
		}
	}
}

func TestImportMappingsRejectsConflicts(t *testing.T) {
	dir := t.TempDir()
	open := memoryApp(t)

	lines := writeFile(t, dir, "lines.csv", "code,name,statement,parent_code,order\n"+
		"activos_totales,Total activos,balance,,1\n"+
		"efectivo,Efectivo,balance,activos_totales,1\n")
	if _, err := run(t, open, "import-hierarchy", lines); err != nil {
		t.Fatal(err)
	}

	bad := writeFile(t, dir, "bad.csv", "taxonomy_version,concept_qname,canonical_code\n"+
		"ifrs/2023,ifrs-full:Assets,activos_totales\n"+
		"ifrs/2023,ifrs-full:Assets,efectivo\n")
	out, err := run(t, open, "import-mappings", bad, "--actor", "admin")
	if err == nil {
		t.Fatal("conflicting rows should reject the batch")
	}
	if !strings.Contains(out, "line 3") {
		t.Errorf("row report missing: %q", out)
	}

	out, err = run(t, open, "export-mappings")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "ifrs-full:Assets") {
		t.Errorf("rejected batch was partially applied: %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	open := memoryApp(t)
	tests := []struct {
		name string
		args []string
	}{
		{"reprocess needs a target", []string{"reprocess"}},
		{"reprocess takes one target", []string{"reprocess", "--file", "x", "--taxonomy-version", "y"}},
		{"bad file id", []string{"reprocess", "--file", "not-a-uuid"}},
		{"unknown statement", []string{"set-basis", "assets", "x"}},
		{"import needs an actor", []string{"import-mappings", "m.csv"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, open, tt.args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
