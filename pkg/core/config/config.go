// Package config loads process settings from an optional YAML file, .env
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"corvus_analytics/pkg/core/analysis"
	"corvus_analytics/pkg/core/archive"
	"corvus_analytics/pkg/core/normalize"
	"corvus_analytics/pkg/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`

	DatabaseURL   string `yaml:"database_url"`
	AuditMySQLDSN string `yaml:"audit_mysql_dsn"`
	Minio         Minio  `yaml:"minio"`

	BaseCurrency  string `yaml:"base_currency"`
	IngestWorkers int    `yaml:"ingest_workers"`

	// Basis maps a statement to the canonical code vertical analysis divides by.
	Basis  map[models.Statement]string `yaml:"basis"`
	Ratios []analysis.Ratio            `yaml:"ratios"`
	Rates  []Rate                      `yaml:"rates"`
}

type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Rate is an exchange-rate row. Date is optional (YYYY-MM-DD).
type Rate struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Date string `yaml:"date"`
	Rate string `yaml:"rate"`
}

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"http://localhost:5173"},
		LogLevel:       "info",
		BaseCurrency:   "COP",
		IngestWorkers:  4,
		Minio:          Minio{Bucket: "corvus-raw-facts"},
	}
}

// Load reads .env (if present), then the YAML file at path (if present),
// then overlays environment variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) overlayEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("AUDIT_MYSQL_DSN", &c.AuditMySQLDSN)
	str("BASE_CURRENCY", &c.BaseCurrency)
	str("MINIO_ENDPOINT", &c.Minio.Endpoint)
	str("MINIO_REGION", &c.Minio.Region)
	str("MINIO_BUCKET", &c.Minio.Bucket)
	str("MINIO_ACCESS_KEY", &c.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Minio.SecretKey)

	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if v, ok := os.LookupEnv("INGEST_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INGEST_WORKERS: %w", err)
		}
		c.IngestWorkers = n
	}
	if v, ok := os.LookupEnv("MINIO_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MINIO_USE_SSL: %w", err)
		}
		c.Minio.UseSSL = b
	}
	return nil
}

func (c Config) Validate() error {
	if len(strings.TrimSpace(c.BaseCurrency)) != 3 {
		return fmt.Errorf("base currency %q is not an ISO 4217 code", c.BaseCurrency)
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("ingest workers must be positive, got %d", c.IngestWorkers)
	}
	for _, r := range c.Ratios {
		if r.Name == "" || r.Numerator == "" || r.Denominator == "" {
			return fmt.Errorf("ratio %q needs a name, numerator and denominator", r.Name)
		}
	}
	for stmt := range c.Basis {
		if !stmt.Valid() {
			return fmt.Errorf("basis for unknown statement %q", stmt)
		}
	}
	if _, err := c.RateTable(); err != nil {
		return err
	}
	return nil
}

// RateTable builds the exchange-rate table from the configured rows.
func (c Config) RateTable() (*normalize.StaticRates, error) {
	t := normalize.NewStaticRates()
	for i, r := range c.Rates {
		v, err := decimal.NewFromString(r.Rate)
		if err != nil || !v.IsPositive() {
			return nil, fmt.Errorf("rate %d (%s/%s): invalid value %q", i+1, r.From, r.To, r.Rate)
		}
		row := normalize.Rate{From: strings.ToUpper(r.From), To: strings.ToUpper(r.To), Rate: v}
		if r.Date != "" {
			d, err := models.ParseDate(r.Date)
			if err != nil {
				return nil, fmt.Errorf("rate %d (%s/%s): %w", i+1, r.From, r.To, err)
			}
			row.Date = d
		}
		t.Add(row)
	}
	return t, nil
}

// MinioConfig returns the archive settings, or false when no endpoint is set.
func (c Config) MinioConfig() (archive.MinioConfig, bool) {
	if c.Minio.Endpoint == "" {
		return archive.MinioConfig{}, false
	}
	return archive.MinioConfig{
		Endpoint:  c.Minio.Endpoint,
		Region:    c.Minio.Region,
		Bucket:    c.Minio.Bucket,
		AccessKey: c.Minio.AccessKey,
		SecretKey: c.Minio.SecretKey,
		UseSSL:    c.Minio.UseSSL,
	}, true
}
