// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Auth     AuthConfig               `mapstructure:"auth"`
	Site     SiteConfig               `mapstructure:"site"`
	HTTP     HTTPConfig               `mapstructure:"http"`
	Harvest  HarvestConfig            `mapstructure:"harvest"`
	Enrich   EnrichConfig             `mapstructure:"enrich"`
	DB       DBConfig                 `mapstructure:"db"`
	Storage  StorageConfig            `mapstructure:"storage"`
	PubSub   PubSubConfig             `mapstructure:"pubsub"`
	Headless HeadlessConfig           `mapstructure:"headless"`
	Logging  LoggingConfig            `mapstructure:"logging"`
	Sections map[string]SectionConfig `mapstructure:"sections"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig identifies the site being harvested.
type SiteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
	DelayMs   int    `mapstructure:"delay_ms"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HarvestConfig governs pagination behavior.
type HarvestConfig struct {
	EmptyPageThreshold int `mapstructure:"empty_page_threshold"`
	MaxPagesDefault    int `mapstructure:"max_pages_default"`
}

// EnrichConfig governs the enrichment orchestrator and its AI backend.
type EnrichConfig struct {
	APIBaseURL         string `mapstructure:"api_base_url"`
	APIKey             string `mapstructure:"api_key"`
	BatchSize          int    `mapstructure:"batch_size"`
	RateLimitMs        int    `mapstructure:"rate_limit_ms"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory record store (dev/test mode).
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifeMins int    `mapstructure:"max_conn_life_mins"`
}

// StorageConfig selects and parameterizes the blob store backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // memory | local | gcs
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SectionConfig declares one named crawl target.
type SectionConfig struct {
	Chamber   string `mapstructure:"chamber"`
	Year      int    `mapstructure:"year"`
	StartURL  string `mapstructure:"start_url"`
	StartPage int    `mapstructure:"start_page"`
	MaxPages  int    `mapstructure:"max_pages"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEXHARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("site.user_agent", "lexharvester/0.1")
	v.SetDefault("site.delay_ms", 500)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("harvest.empty_page_threshold", 2)
	v.SetDefault("harvest.max_pages_default", 200)
	v.SetDefault("enrich.batch_size", 20)
	v.SetDefault("enrich.rate_limit_ms", 1000)
	v.SetDefault("enrich.call_timeout_seconds", 60)
	v.SetDefault("db.table", "records")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.content_type", "application/pdf")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Harvest.EmptyPageThreshold <= 0 {
		return fmt.Errorf("harvest.empty_page_threshold must be > 0")
	}
	if c.Enrich.BatchSize <= 0 {
		return fmt.Errorf("enrich.batch_size must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "gcs":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PolitenessDelay converts the per-site delay config into a duration.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Site.DelayMs) * time.Millisecond
}

// RateLimitInterval converts the enrichment pacing config into a duration.
func (c Config) RateLimitInterval() time.Duration {
	return time.Duration(c.Enrich.RateLimitMs) * time.Millisecond
}
