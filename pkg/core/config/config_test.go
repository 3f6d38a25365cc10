package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"corvus_analytics/pkg/models"

	"github.com/shopspring/decimal"
)

const sample = `
listen_addr: ":9090"
base_currency: COP
ingest_workers: 8
basis:
  balance: activos_totales
  income: ingresos
ratios:
  - name: current_ratio
    numerator: activos_corrientes
    denominator: pasivos_corrientes
rates:
  - from: USD
    to: COP
    date: "2024-12-31"
    rate: "4409.15"
minio:
  endpoint: localhost:9000
  bucket: raw
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corvus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("INGEST_WORKERS", "2")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(writeFile(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.IngestWorkers != 2 {
		t.Errorf("env must override file, workers = %d", cfg.IngestWorkers)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.Basis[models.StatementBalance] != "activos_totales" {
		t.Errorf("basis = %v", cfg.Basis)
	}
	if len(cfg.Ratios) != 1 || cfg.Ratios[0].Denominator != "pasivos_corrientes" {
		t.Errorf("ratios = %+v", cfg.Ratios)
	}

	mc, ok := cfg.MinioConfig()
	if !ok || !mc.UseSSL || mc.Bucket != "raw" {
		t.Errorf("minio = %+v, %v", mc, ok)
	}

	rates, err := cfg.RateTable()
	if err != nil {
		t.Fatal(err)
	}
	r, ok := rates.Rate("USD", "COP", time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC))
	if !ok || !r.Equal(decimal.RequireFromString("4409.15")) {
		t.Errorf("rate = %s, %v", r, ok)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.BaseCurrency != "COP" {
		t.Errorf("defaults = %+v", cfg)
	}
	if _, ok := cfg.MinioConfig(); ok {
		t.Error("minio must be disabled without an endpoint")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "ratios: [unclosed"},
		{"bad currency", "base_currency: PESOS"},
		{"bad rate", "rates:\n  - {from: USD, to: COP, rate: \"-1\"}"},
		{"bad basis", "basis:\n  notes: x"},
		{"incomplete ratio", "ratios:\n  - {name: roe}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
