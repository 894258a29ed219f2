package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chdirTemp moves into an empty temp dir so no config.yaml or .env is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "serp-enricher.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "serp:", cfg.Legacy.RedisPrefix)
	assert.Empty(t, cfg.Legacy.SQLitePath)
	assert.Equal(t, "https://xmlstock.com/yandex/xml/", cfg.XMLStock.BaseURL)
	assert.Equal(t, 213, cfg.XMLStock.Region)
	assert.Equal(t, 20, cfg.Enrichment.Concurrency)
	assert.Equal(t, 500, cfg.Enrichment.BatchSize)
	assert.Equal(t, time.Hour, cfg.Enrichment.StaleAfter)
	assert.Equal(t, 20, cfg.Enrichment.MaxTopResults)
	assert.True(t, cfg.Enrichment.ObserveInline)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.InDelta(t, 0.6, cfg.Classification.CommercialThreshold, 0.001)
	assert.InDelta(t, 0.5, cfg.Classification.ConfidenceFloor, 0.001)
	assert.Equal(t, int64(100), cfg.Classification.FullConfidenceQueries)
	assert.Equal(t, 10, cfg.Classification.ObserveTopN)
	assert.InDelta(t, 0.30, cfg.Pricing.SERPPerThousand, 0.001)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.NoError(t, cfg.Validate("store"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/serp
enrichment:
  concurrency: 8
  stale_after: 30m
classification:
  commercial_threshold: 0.7
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Enrichment.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.Enrichment.StaleAfter)
	assert.InDelta(t, 0.7, cfg.Classification.CommercialThreshold, 0.001)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 500, cfg.Enrichment.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("SERP_STORE_DRIVER", "sqlite")
	t.Setenv("SERP_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SERP_XMLSTOCK_USER=12345\nSERP_XMLSTOCK_KEY=secret\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SERP_XMLSTOCK_USER") //nolint:errcheck
		os.Unsetenv("SERP_XMLSTOCK_KEY")  //nolint:errcheck
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "12345", cfg.XMLStock.User)
	assert.Equal(t, "secret", cfg.XMLStock.Key)
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "serp.db"},
		XMLStock: XMLStockConfig{
			BaseURL: "https://xmlstock.com/yandex/xml/",
			User:    "u",
			Key:     "k",
		},
		Enrichment: EnrichmentConfig{
			Concurrency:   20,
			BatchSize:     500,
			StaleAfter:    time.Hour,
			MaxTopResults: 20,
		},
		Classification: ClassificationConfig{
			CommercialThreshold:   0.6,
			ConfidenceFloor:       0.5,
			FullConfidenceQueries: 100,
			ObserveTopN:           10,
		},
		Server: ServerConfig{Port: 8080},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		mutate func(*Config)
		want   string
	}{
		{"valid store", "store", func(*Config) {}, ""},
		{"valid enrich", "enrich", func(*Config) {}, ""},
		{"valid serve", "serve", func(*Config) {}, ""},
		{"unknown driver", "store", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"missing url", "store", func(c *Config) { c.Store.DatabaseURL = "" }, "store.database_url is required"},
		{"threshold zero", "store", func(c *Config) { c.Classification.CommercialThreshold = 0 }, "commercial_threshold"},
		{"threshold above one", "store", func(c *Config) { c.Classification.CommercialThreshold = 1.1 }, "commercial_threshold"},
		{"threshold one ok", "store", func(c *Config) { c.Classification.CommercialThreshold = 1 }, ""},
		{"floor negative", "store", func(c *Config) { c.Classification.ConfidenceFloor = -0.1 }, "confidence_floor"},
		{"floor zero ok", "store", func(c *Config) { c.Classification.ConfidenceFloor = 0 }, ""},
		{"full confidence zero", "store", func(c *Config) { c.Classification.FullConfidenceQueries = 0 }, "full_confidence_queries"},
		{"top n zero", "store", func(c *Config) { c.Classification.ObserveTopN = 0 }, "observe_top_n"},
		{"concurrency zero", "store", func(c *Config) { c.Enrichment.Concurrency = 0 }, "enrichment.concurrency"},
		{"batch zero", "store", func(c *Config) { c.Enrichment.BatchSize = 0 }, "enrichment.batch_size"},
		{"stale negative", "store", func(c *Config) { c.Enrichment.StaleAfter = -time.Second }, "stale_after"},
		{"stale zero ok", "store", func(c *Config) { c.Enrichment.StaleAfter = 0 }, ""},
		{"max top zero", "store", func(c *Config) { c.Enrichment.MaxTopResults = 0 }, "max_top_results"},
		{"offer factors negative", "store", func(c *Config) { c.Enrichment.OfferIntentFactors = -1 }, "offer_intent_factors"},
		{"offer factors enabled", "store", func(c *Config) { c.Enrichment.OfferIntentFactors = 7 }, ""},
		{"enrich missing creds", "enrich", func(c *Config) { c.XMLStock.User, c.XMLStock.Key = "", "" }, "xmlstock.user is required"},
		{"store ignores creds", "store", func(c *Config) { c.XMLStock.User = "" }, ""},
		{"serve bad port", "serve", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown mode", "bogus", func(*Config) {}, "unknown mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Enrichment.Concurrency = 0
	cfg.XMLStock.Key = ""

	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrichment.concurrency")
	assert.Contains(t, err.Error(), "xmlstock.key is required")
}
