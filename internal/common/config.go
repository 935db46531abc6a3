package common

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration, loaded from a single TOML
// file with one top-level table per component.
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
	Queue       QueueConfig   `toml:"queue"`
	Crawler     CrawlerConfig `toml:"crawler"`
	Proxy       ProxyConfig   `toml:"proxy"`
	RateLimit   RateLimitConfig `toml:"ratelimit"`
	Importer    ImporterConfig  `toml:"importer"`
	AI          AIConfig        `toml:"ai"`
	Events      EventsConfig    `toml:"events"`
	Metrics     MetricsConfig   `toml:"metrics"`

	// MaxAssetSizeMB is the hard cap applied while streaming any asset
	// download (screenshot, PDF, banner image, uploaded asset bookmark).
	MaxAssetSizeMB int `toml:"max_asset_size_mb"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig configures the embedded store backing every durable queue
// and the reference bookmark/blob collaborator implementations.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type FilesystemConfig struct {
	Assets string `toml:"assets"` // root directory for the reference blob store
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
}

// QueueConfig configures the shared durable queue runtime. Per-queue
// concurrency/timeout overrides live in CrawlerConfig/ImporterConfig where
// the spec calls them out individually (crawler.num_workers etc); this
// table carries the defaults every other queue (tag, summarize, index,
// webhook, rule-engine, video, asset preprocessing) inherits.
type QueueConfig struct {
	LeaseSeconds        int     `toml:"lease_seconds"`         // worker_lease_ms equivalent
	HeartbeatFraction   float64 `toml:"heartbeat_fraction"`     // not read by the runner, which renews leases every lease/3
	DefaultMaxRetries   int     `toml:"default_max_retries"`
	BackoffBaseMS       int     `toml:"backoff_base_ms"`
	BackoffCapMS        int     `toml:"backoff_cap_ms"`
	CrashSweepInterval  string  `toml:"crash_sweep_interval"` // cron expression, periodic lease-expiry sweep
	DefaultConcurrency  int     `toml:"default_concurrency"`
	DefaultPollInterval string  `toml:"default_poll_interval"`
}

// CrawlerConfig carries every crawl-side tunable, one field per setting.
type CrawlerConfig struct {
	NumWorkers              int           `toml:"num_workers"`
	JobTimeoutSec           int           `toml:"job_timeout_sec"`
	NavigateTimeoutSec      int           `toml:"navigate_timeout_sec"`
	ScreenshotTimeoutSec    int           `toml:"screenshot_timeout_sec"`
	ParseTimeoutSec         int           `toml:"parse_timeout_sec"`
	ParserMemLimitMB        int           `toml:"parser_mem_limit_mb"`
	StoreScreenshot         bool          `toml:"store_screenshot"`
	StorePDF                bool          `toml:"store_pdf"`
	FullPageScreenshot      bool          `toml:"full_page_screenshot"`
	FullPageArchive         bool          `toml:"full_page_archive"`
	DownloadBannerImage     bool          `toml:"download_banner_image"`
	DownloadVideo           bool          `toml:"download_video"`
	HTMLContentSizeThresh   int           `toml:"html_content_size_threshold"`
	BrowserWebSocketURL     string        `toml:"browser_web_socket_url"`
	BrowserWebURL           string        `toml:"browser_web_url"`
	BrowserConnectOnDemand  bool          `toml:"browser_connect_on_demand"`
	EnableAdblocker         bool          `toml:"enable_adblocker"`
	BrowserCookiePath       string        `toml:"browser_cookie_path"`
	DomainRateLimiting      DomainRateLimitConfig `toml:"domain_ratelimiting"`
	UserAgent               string        `toml:"user_agent"`
	ParserBridgePath        string        `toml:"parser_bridge_path"`   // path to the cmd/parserbridge binary
	ArchiverBridgePath      string        `toml:"archiver_bridge_path"` // path to an external single-file archiver binary; empty falls back to MarkdownArchiver

	parsedJobTimeout        time.Duration
	parsedNavigateTimeout   time.Duration
	parsedScreenshotTimeout time.Duration
	parsedParseTimeout      time.Duration
}

type DomainRateLimitConfig struct {
	MaxRequests int `toml:"max_requests"`
	WindowMS    int `toml:"window_ms"`
}

// ProxyConfig: outbound proxy routing. Comma-separated lists, a random
// proxy picked per call (see ProxyFunc in proxy.go).
type ProxyConfig struct {
	HTTPProxy string `toml:"http_proxy"`
	HTTPSProxy string `toml:"https_proxy"`
	NoProxy    string `toml:"no_proxy"`
}

type RateLimitConfig struct {
	DefaultWindowMS    int `toml:"default_window_ms"`
	DefaultMaxRequests int `toml:"default_max_requests"`
}

type ImporterConfig struct {
	BatchSize         int    `toml:"batch_size"`
	MaxInFlight       int    `toml:"max_in_flight"`
	StaleThresholdSec int    `toml:"stale_threshold_sec"`
	PollInterval      string `toml:"poll_interval"`
}

type AIConfig struct {
	APIKey      string `toml:"api_key"`
	Model       string `toml:"model"`
	MaxTokens   int    `toml:"max_tokens"`
	Timeout     string `toml:"timeout"`
}

type EventsConfig struct {
	SearchBatchWindowMS int    `toml:"search_batch_window_ms"`
	SearchBatchMaxOps   int    `toml:"search_batch_max_ops"`
	WebhookEndpointURL  string `toml:"webhook_endpoint_url"`    // external webhook-registration service this core POSTs delivery requests to
	RuleEngineURL       string `toml:"rule_engine_url"`          // external rule-engine evaluation service
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // pull endpoint bind address
}

// NewDefaultConfig returns the baseline configuration.
func NewDefaultConfig() *Config {
	cfg := &Config{
		Environment: "development",
		Server:      ServerConfig{Port: 8080, Host: "localhost"},
		Storage: StorageConfig{
			Badger:     BadgerConfig{Path: "./data/queue"},
			Filesystem: FilesystemConfig{Assets: "./data/assets"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Queue: QueueConfig{
			LeaseSeconds:        300,
			HeartbeatFraction:   3,
			DefaultMaxRetries:   3,
			BackoffBaseMS:       1000,
			BackoffCapMS:        5 * 60 * 1000,
			CrashSweepInterval:  "*/30 * * * * *",
			DefaultConcurrency:  5,
			DefaultPollInterval: "1s",
		},
		Crawler: CrawlerConfig{
			NumWorkers:             5,
			JobTimeoutSec:          120,
			NavigateTimeoutSec:     30,
			ScreenshotTimeoutSec:   15,
			ParseTimeoutSec:        20,
			ParserMemLimitMB:       256,
			StoreScreenshot:        true,
			StorePDF:               false,
			FullPageScreenshot:     false,
			FullPageArchive:        false,
			DownloadBannerImage:    true,
			DownloadVideo:          false,
			HTMLContentSizeThresh:  64 * 1024,
			BrowserConnectOnDemand: false,
			EnableAdblocker:        false,
			UserAgent:              "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			DomainRateLimiting:     DomainRateLimitConfig{MaxRequests: 1, WindowMS: 60_000},
			ParserBridgePath:       "./bin/parserbridge",
			ArchiverBridgePath:     "",
		},
		RateLimit: RateLimitConfig{DefaultWindowMS: 60_000, DefaultMaxRequests: 1},
		Importer: ImporterConfig{
			BatchSize:         25,
			MaxInFlight:       50,
			StaleThresholdSec: 300,
			PollInterval:      "1s",
		},
		Events: EventsConfig{SearchBatchWindowMS: 500, SearchBatchMaxOps: 50},
		// WebhookEndpointURL/RuleEngineURL are left blank; an operator points
		// them at the external webhook-registration and rule-engine services.
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		MaxAssetSizeMB: 25,
	}
	cfg.precompute()
	return cfg
}

// LoadConfig reads and parses a TOML configuration file, falling back to
// defaults for any unset field by starting from NewDefaultConfig and
// decoding the file's tables on top of it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.precompute()
	return cfg, nil
}

func (c *Config) precompute() {
	c.Crawler.parsedJobTimeout = time.Duration(c.Crawler.JobTimeoutSec) * time.Second
	c.Crawler.parsedNavigateTimeout = time.Duration(c.Crawler.NavigateTimeoutSec) * time.Second
	c.Crawler.parsedScreenshotTimeout = time.Duration(c.Crawler.ScreenshotTimeoutSec) * time.Second
	c.Crawler.parsedParseTimeout = time.Duration(c.Crawler.ParseTimeoutSec) * time.Second
}

func (c *CrawlerConfig) JobTimeout() time.Duration        { return c.parsedJobTimeout }
func (c *CrawlerConfig) NavigateTimeout() time.Duration   { return c.parsedNavigateTimeout }
func (c *CrawlerConfig) ScreenshotTimeout() time.Duration { return c.parsedScreenshotTimeout }
func (c *CrawlerConfig) ParseTimeout() time.Duration      { return c.parsedParseTimeout }
