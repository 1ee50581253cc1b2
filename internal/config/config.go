// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Retry    RetryConfig    `mapstructure:"retry"`
	INat     INatConfig     `mapstructure:"inat"`
	Export   ExportConfig   `mapstructure:"export"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Annotate AnnotateConfig `mapstructure:"annotate"`
	Store    StoreConfig    `mapstructure:"store"`
	Images   ImagesConfig   `mapstructure:"images"`
	Taxonomy TaxonomyConfig `mapstructure:"taxonomy"`
	Progress ProgressConfig `mapstructure:"progress"`
	Status   StatusConfig   `mapstructure:"status"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Dir         string `mapstructure:"dir"`
}

// HTTPConfig configures the outgoing HTTP clients.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	Proxy          string  `mapstructure:"proxy"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// RetryConfig controls backoff for transient fetch failures.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// INatConfig points at the remote service.
type INatConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIURL  string `mapstructure:"api_url"`
	Locale  string `mapstructure:"locale"`
}

// ExportConfig governs stage 1.
type ExportConfig struct {
	Dir                 string `mapstructure:"dir"`
	QualityGrade        string `mapstructure:"quality_grade"`
	MaxResults          int    `mapstructure:"max_results"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxWaitMinutes      int    `mapstructure:"max_wait_minutes"`
	FormFile            string `mapstructure:"form_file"`
}

// ScrapeConfig governs stage 2.
type ScrapeConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	ImageSize   string `mapstructure:"image_size"`
	QueueDepth  int    `mapstructure:"queue_depth"`
}

// AnnotateConfig governs stage 3.
type AnnotateConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	QueueDepth  int    `mapstructure:"queue_depth"`
	Proxy       string `mapstructure:"proxy"`
}

// StoreConfig selects and tunes the metadata store.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	WriteRetries int    `mapstructure:"write_retries"`
	WriteBuffer  int    `mapstructure:"write_buffer"`
}

// ImagesConfig selects where downloaded images are written.
type ImagesConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// TaxonomyConfig points at the taxonomy Darwin Core archive.
type TaxonomyConfig struct {
	URL      string `mapstructure:"url"`
	Language string `mapstructure:"language"`
	Path     string `mapstructure:"path"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	LogEvents      bool `mapstructure:"log_events"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INAT")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "inat-scraper/0.1")
	v.SetDefault("http.proxy", "")
	v.SetDefault("http.max_body_bytes", 50*1024*1024)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_initial_ms", 500)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("inat.base_url", "https://www.inaturalist.org")
	v.SetDefault("inat.api_url", "https://api.inaturalist.org/v1")
	v.SetDefault("inat.locale", "en")
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.quality_grade", "any")
	v.SetDefault("export.max_results", 200000)
	v.SetDefault("export.poll_interval_seconds", 2)
	v.SetDefault("export.max_wait_minutes", 60)
	v.SetDefault("export.form_file", "")
	v.SetDefault("scrape.concurrency", 10)
	v.SetDefault("scrape.image_size", "medium")
	v.SetDefault("scrape.queue_depth", 256)
	v.SetDefault("annotate.concurrency", 30)
	v.SetDefault("annotate.queue_depth", 256)
	v.SetDefault("annotate.proxy", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "inaturalist.db")
	v.SetDefault("store.table", "observations")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.write_retries", 3)
	v.SetDefault("store.write_buffer", 128)
	v.SetDefault("images.backend", "local")
	v.SetDefault("images.dir", "images")
	v.SetDefault("images.prefix", "")
	v.SetDefault("taxonomy.url", "https://www.inaturalist.org/taxa/inaturalist-taxonomy.dwca.zip")
	v.SetDefault("taxonomy.language", "english")
	v.SetDefault("taxonomy.path", "inaturalist-taxonomy.dwca.zip")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("status.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rate_limit_rps must be >= 0")
	}
	if err := validateProxy("http.proxy", c.HTTP.Proxy); err != nil {
		return err
	}
	if err := validateProxy("annotate.proxy", c.Annotate.Proxy); err != nil {
		return err
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Annotate.Concurrency <= 0 {
		return fmt.Errorf("annotate.concurrency must be > 0")
	}
	if !inat.ValidImageSize(c.Scrape.ImageSize) {
		return fmt.Errorf("scrape.image_size must be one of %v", inat.ImageSizes)
	}
	switch c.Export.QualityGrade {
	case "any", "research":
	default:
		return fmt.Errorf("export.quality_grade must be any or research")
	}
	if c.Export.PollIntervalSeconds <= 0 {
		return fmt.Errorf("export.poll_interval_seconds must be > 0")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres")
	}
	if c.Store.WriteRetries < 0 {
		return fmt.Errorf("store.write_retries must be >= 0")
	}
	switch c.Images.Backend {
	case "local":
		if c.Images.Dir == "" {
			return fmt.Errorf("images.dir must be set for the local backend")
		}
	case "gcs":
		if c.Images.GCSBucket == "" {
			return fmt.Errorf("images.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("images.backend must be local or gcs")
	}
	return nil
}

func validateProxy(key, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be a proxy URL", key)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
		return nil
	default:
		return fmt.Errorf("%s scheme must be http, https, socks5 or socks5h", key)
	}
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryPolicy builds the backoff policy used by the pipelines.
func (c Config) RetryPolicy() *inat.ExponentialRetryPolicy {
	return inat.NewExponentialRetryPolicy(
		c.Retry.MaxAttempts,
		time.Duration(c.Retry.BackoffInitialMs)*time.Millisecond,
		time.Duration(c.Retry.BackoffMaxMs)*time.Millisecond,
	)
}

// AnnotateProxy returns the proxy for the annotate stage, falling back to the
// global HTTP proxy.
func (c Config) AnnotateProxy() string {
	if c.Annotate.Proxy != "" {
		return c.Annotate.Proxy
	}
	return c.HTTP.Proxy
}
