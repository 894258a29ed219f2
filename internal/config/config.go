package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the top-level configuration for serp-enricher.
type Config struct {
	Store          StoreConfig          `yaml:"store" mapstructure:"store"`
	Legacy         LegacyConfig         `yaml:"legacy" mapstructure:"legacy"`
	XMLStock       XMLStockConfig       `yaml:"xmlstock" mapstructure:"xmlstock"`
	Enrichment     EnrichmentConfig     `yaml:"enrichment" mapstructure:"enrichment"`
	Retry          RetryConfig          `yaml:"retry" mapstructure:"retry"`
	Circuit        CircuitConfig        `yaml:"circuit" mapstructure:"circuit"`
	Classification ClassificationConfig `yaml:"classification" mapstructure:"classification"`
	Pricing        PricingConfig        `yaml:"pricing" mapstructure:"pricing"`
	Monitoring     MonitoringConfig     `yaml:"monitoring" mapstructure:"monitoring"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LegacyConfig points at the retired caches consulted read-only before
// paying for a fetch. Empty values disable a source.
type LegacyConfig struct {
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	RedisURL    string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix" mapstructure:"redis_prefix"`
}

// XMLStockConfig holds the SERP API credentials and client limits.
type XMLStockConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	User              string  `yaml:"user" mapstructure:"user"`
	Key               string  `yaml:"key" mapstructure:"key"`
	Region            int     `yaml:"region" mapstructure:"region"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// EnrichmentConfig controls batch fan-out and recovery.
type EnrichmentConfig struct {
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	StaleAfter    time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	MaxTopResults int           `yaml:"max_top_results" mapstructure:"max_top_results"`
	ObserveInline bool          `yaml:"observe_inline" mapstructure:"observe_inline"`

	// OfferIntentFactors labels a SERP commercial once this many results
	// carry an offer. Zero leaves labels to the commercial result share.
	OfferIntentFactors int `yaml:"offer_intent_factors" mapstructure:"offer_intent_factors"`
}

// RetryConfig is the backoff policy for transient fetch failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the breaker around the remote API.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ClassificationConfig holds the domain classification thresholds.
type ClassificationConfig struct {
	CommercialThreshold   float64 `yaml:"commercial_threshold" mapstructure:"commercial_threshold"`
	ConfidenceFloor       float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	FullConfidenceQueries int64   `yaml:"full_confidence_queries" mapstructure:"full_confidence_queries"`
	OverridesPath         string  `yaml:"overrides_path" mapstructure:"overrides_path"`
	ObserveTopN           int     `yaml:"observe_top_n" mapstructure:"observe_top_n"`
}

// PricingConfig holds per-request API pricing.
type PricingConfig struct {
	SERPPerThousand float64 `yaml:"serp_per_thousand" mapstructure:"serp_per_thousand"`
}

// MonitoringConfig configures alerting thresholds and the periodic checker.
type MonitoringConfig struct {
	CheckIntervalSecs  int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours      int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	StaleThreshold     int     `yaml:"stale_threshold" mapstructure:"stale_threshold"`
	CostThresholdUSD   float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	RecoverySchedule   string  `yaml:"recovery_schedule" mapstructure:"recovery_schedule"`
}

// ServerConfig configures the HTTP query API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and SERP_* environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// setDefaults registers every recognized key so AutomaticEnv can bind it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "serp-enricher.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("legacy.sqlite_path", "")
	v.SetDefault("legacy.redis_url", "")
	v.SetDefault("legacy.redis_prefix", "serp:")
	v.SetDefault("xmlstock.base_url", "https://xmlstock.com/yandex/xml/")
	v.SetDefault("xmlstock.user", "")
	v.SetDefault("xmlstock.key", "")
	v.SetDefault("xmlstock.region", 213)
	v.SetDefault("xmlstock.timeout_secs", 60)
	v.SetDefault("xmlstock.requests_per_second", 30)
	v.SetDefault("xmlstock.burst", 30)
	v.SetDefault("enrichment.concurrency", 20)
	v.SetDefault("enrichment.batch_size", 500)
	v.SetDefault("enrichment.stale_after", time.Hour)
	v.SetDefault("enrichment.max_top_results", 20)
	v.SetDefault("enrichment.observe_inline", true)
	v.SetDefault("enrichment.offer_intent_factors", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 15000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("classification.commercial_threshold", 0.6)
	v.SetDefault("classification.confidence_floor", 0.5)
	v.SetDefault("classification.full_confidence_queries", 100)
	v.SetDefault("classification.overrides_path", "")
	v.SetDefault("classification.observe_top_n", 10)
	v.SetDefault("pricing.serp_per_thousand", 0.30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.error_rate_threshold", 0.2)
	v.SetDefault("monitoring.stale_threshold", 50)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.recovery_schedule", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the configuration for the given command mode ("store",
// "enrich" or "serve"). Every problem is reported, not just the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	cl := c.Classification
	if cl.CommercialThreshold <= 0 || cl.CommercialThreshold > 1 {
		problems = append(problems, "classification.commercial_threshold must be in (0, 1]")
	}
	if cl.ConfidenceFloor < 0 || cl.ConfidenceFloor > 1 {
		problems = append(problems, "classification.confidence_floor must be in [0, 1]")
	}
	if cl.FullConfidenceQueries <= 0 {
		problems = append(problems, "classification.full_confidence_queries must be positive")
	}
	if cl.ObserveTopN < 1 {
		problems = append(problems, "classification.observe_top_n must be at least 1")
	}

	e := c.Enrichment
	if e.Concurrency < 1 {
		problems = append(problems, "enrichment.concurrency must be at least 1")
	}
	if e.BatchSize < 1 {
		problems = append(problems, "enrichment.batch_size must be at least 1")
	}
	if e.StaleAfter < 0 {
		problems = append(problems, "enrichment.stale_after must not be negative")
	}
	if e.MaxTopResults < 1 {
		problems = append(problems, "enrichment.max_top_results must be at least 1")
	}
	if e.OfferIntentFactors < 0 {
		problems = append(problems, "enrichment.offer_intent_factors must not be negative")
	}

	switch mode {
	case "store":
	case "enrich":
		if c.XMLStock.User == "" {
			problems = append(problems, "xmlstock.user is required")
		}
		if c.XMLStock.Key == "" {
			problems = append(problems, "xmlstock.key is required")
		}
		if c.XMLStock.BaseURL == "" {
			problems = append(problems, "xmlstock.base_url is required")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid (%s)", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
