// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Archive backends. An empty backend disables page archiving.
const (
	ArchiveBackendNone  = ""
	ArchiveBackendLocal = "local"
	ArchiveBackendGCS   = "gcs"
)

const defaultUserAgent = "Mozilla/50 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	DB       DBConfig       `mapstructure:"db"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Store    StoreConfig    `mapstructure:"store"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DBConfig controls access to the products database. DSN wins over the parts.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ScraperConfig governs discovery and fetching.
type ScraperConfig struct {
	BaseURL                   string  `mapstructure:"base_url"`
	NeededCategories          string  `mapstructure:"needed_categories"`
	TestMode                  bool    `mapstructure:"test_mode"`
	TestProductLimit          int     `mapstructure:"test_product_limit"`
	SleepBetweenCategoryPages int     `mapstructure:"sleep_between_category_pages"`
	SleepBetweenProductPages  int     `mapstructure:"sleep_between_product_pages"`
	ThreadCount               int     `mapstructure:"thread_count"`
	UserAgent                 string  `mapstructure:"user_agent"`
	RequestTimeoutSeconds     int     `mapstructure:"request_timeout_seconds"`
	MaxRPS                    float64 `mapstructure:"max_rps"`
	Burst                     int     `mapstructure:"burst"`
}

// PipelineConfig sizes queues and bounds the shutdown handshake.
type PipelineConfig struct {
	WorkerIdleTimeoutMs      int `mapstructure:"worker_idle_timeout_ms"`
	WriterIdleTimeoutMs      int `mapstructure:"writer_idle_timeout_ms"`
	WriterJoinTimeoutSeconds int `mapstructure:"writer_join_timeout_seconds"`
	RecordQueueSize          int `mapstructure:"record_queue_size"`
}

// ArchiveConfig selects where raw product pages are snapshotted.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// StoreConfig selects the product store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// OpsConfig controls the optional ops HTTP server.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// envBindings maps config keys to the environment variable names used by
// existing deployments.
var envBindings = map[string]string{
	"db.dsn":                               "DATABASE_URL",
	"db.host":                              "DB_HOST",
	"db.port":                              "DB_PORT",
	"db.name":                              "DB_NAME",
	"db.user":                              "DB_USER",
	"db.password":                          "DB_PASSWORD",
	"db.max_conns":                         "DB_MAX_CONNS",
	"scraper.base_url":                     "SCRAPER_BASE_URL",
	"scraper.needed_categories":            "SCRAPER_NEEDED_CATEGORIES",
	"scraper.test_mode":                    "SCRAPER_TEST_MODE",
	"scraper.test_product_limit":           "TEST_PRODUCT_LIMIT",
	"scraper.sleep_between_category_pages": "SLEEP_BETWEEN_CATEGORY_PAGES",
	"scraper.sleep_between_product_pages":  "SLEEP_BETWEEN_PRODUCT_PAGES",
	"scraper.thread_count":                 "SCRAPER_THREAD_COUNT",
	"scraper.user_agent":                   "SCRAPER_USER_AGENT",
	"scraper.request_timeout_seconds":      "SCRAPER_REQUEST_TIMEOUT_SECONDS",
	"scraper.max_rps":                      "SCRAPER_MAX_RPS",
	"archive.backend":                      "ARCHIVE_BACKEND",
	"store.driver":                         "STORE_DRIVER",
	"ops.addr":                             "OPS_ADDR",
	"logging.development":                  "LOG_DEVELOPMENT",
	"logging.level":                        "LOG_LEVEL",
}

// Load builds a Config from .env, an optional YAML file and the environment.
// Keys without a legacy binding read CRAWLER_<SECTION>_<KEY>.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

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
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "postgres")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.table", "products")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("scraper.base_url", "")
	v.SetDefault("scraper.needed_categories", "devops,it-infrastructure,data-analytics-and-management")
	v.SetDefault("scraper.test_mode", false)
	v.SetDefault("scraper.test_product_limit", 10)
	v.SetDefault("scraper.sleep_between_category_pages", 1)
	v.SetDefault("scraper.sleep_between_product_pages", 1)
	v.SetDefault("scraper.thread_count", 5)
	v.SetDefault("scraper.user_agent", defaultUserAgent)
	v.SetDefault("scraper.request_timeout_seconds", 10)
	v.SetDefault("scraper.max_rps", 0)
	v.SetDefault("scraper.burst", 1)
	v.SetDefault("pipeline.worker_idle_timeout_ms", 1500)
	v.SetDefault("pipeline.writer_idle_timeout_ms", 10000)
	v.SetDefault("pipeline.writer_join_timeout_seconds", 300)
	v.SetDefault("pipeline.record_queue_size", 100)
	v.SetDefault("archive.backend", ArchiveBackendNone)
	v.SetDefault("archive.local_dir", "data/pages")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("store.driver", StoreDriverPostgres)
	v.SetDefault("ops.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Scraper.BaseURL)
	if c.Scraper.BaseURL == "" || err != nil || u.Host == "" {
		return fmt.Errorf("scraper.base_url must be an absolute URL")
	}
	if len(c.Keywords()) == 0 {
		return fmt.Errorf("scraper.needed_categories must list at least one keyword")
	}
	if c.Scraper.ThreadCount <= 0 {
		return fmt.Errorf("scraper.thread_count must be > 0")
	}
	if c.Scraper.SleepBetweenCategoryPages < 0 || c.Scraper.SleepBetweenProductPages < 0 {
		return fmt.Errorf("scraper sleep values must be >= 0")
	}
	if c.Scraper.TestMode && c.Scraper.TestProductLimit < 0 {
		return fmt.Errorf("scraper.test_product_limit must be >= 0")
	}
	if c.Scraper.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.request_timeout_seconds must be > 0")
	}
	if c.Scraper.MaxRPS < 0 {
		return fmt.Errorf("scraper.max_rps must be >= 0")
	}
	if c.Pipeline.WorkerIdleTimeoutMs <= 0 || c.Pipeline.WriterIdleTimeoutMs <= 0 {
		return fmt.Errorf("pipeline idle timeouts must be > 0")
	}
	if c.Pipeline.WriterJoinTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.writer_join_timeout_seconds must be > 0")
	}
	if c.Pipeline.RecordQueueSize <= 0 {
		return fmt.Errorf("pipeline.record_queue_size must be > 0")
	}
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Archive.Backend {
	case ArchiveBackendNone, ArchiveBackendLocal:
	case ArchiveBackendGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	return nil
}

// Keywords returns the trimmed, non-empty category keywords.
func (c Config) Keywords() []string {
	var out []string
	for _, kw := range strings.Split(c.Scraper.NeededCategories, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// CategoryDelay is the pause before each category page fetch.
func (c Config) CategoryDelay() time.Duration {
	return time.Duration(c.Scraper.SleepBetweenCategoryPages) * time.Second
}

// ProductDelay is the pause before each product page fetch.
func (c Config) ProductDelay() time.Duration {
	return time.Duration(c.Scraper.SleepBetweenProductPages) * time.Second
}

// RequestTimeout bounds one HTTP request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Scraper.RequestTimeoutSeconds) * time.Second
}

// WorkerIdleTimeout bounds a worker's wait on an empty product queue.
func (c Config) WorkerIdleTimeout() time.Duration {
	return time.Duration(c.Pipeline.WorkerIdleTimeoutMs) * time.Millisecond
}

// WriterIdleTimeout bounds the writer's wait on an empty record queue.
func (c Config) WriterIdleTimeout() time.Duration {
	return time.Duration(c.Pipeline.WriterIdleTimeoutMs) * time.Millisecond
}

// WriterJoinTimeout bounds the wait for the writer after its sentinel.
func (c Config) WriterJoinTimeout() time.Duration {
	return time.Duration(c.Pipeline.WriterJoinTimeoutSeconds) * time.Second
}
