// Package config loads the service configuration from a YAML file
// with BENEFITFLOW_* environment overrides. Zero values fall back to
// the engine defaults, so an empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civistack/benefitflow/workflow"
	"github.com/civistack/benefitflow/workflow/decision"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Engine   EngineConfig   `yaml:"engine"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"` // default ":8080"
}

// StoreConfig selects the application store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // memory | sqlite | mysql (default sqlite)
	SQLitePath string `yaml:"sqlite_path"`
	MySQLDSN   string `yaml:"mysql_dsn"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend string `yaml:"backend"` // memory | nats (default memory)
	NATSURL string `yaml:"nats_url"`
	Workers int    `yaml:"workers"` // memory queue concurrency, default 2
}

// StorageConfig selects the blob storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory | local (default local)
	Root    string `yaml:"root"`    // local backend directory
}

// UpstreamConfig selects the model providers per stage.
type UpstreamConfig struct {
	// Provider names: anthropic | openai | google | mock.
	OCRProvider      string `yaml:"ocr_provider"`
	ExtractProvider  string `yaml:"extract_provider"`
	DecisionProvider string `yaml:"decision_provider"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GoogleAPIKey    string `yaml:"google_api_key"`
}

// EngineConfig carries the workflow knobs of the engine Config.
type EngineConfig struct {
	OCRTimeoutS         int   `yaml:"ocr_timeout_s"`          // default 60
	ExtractTimeoutS     int   `yaml:"extract_timeout_s"`      // default 90
	DecisionTimeoutS    int   `yaml:"decision_timeout_s"`     // default 60
	MaxFileSizeBytes    int64 `yaml:"max_file_size_bytes"`    // default 52428800
	MaxAttemptsPerStage int   `yaml:"max_attempts_per_stage"` // default 3
	RetryBackoffBaseMS  int   `yaml:"retry_backoff_base_ms"`  // default 500
	RetryBackoffMaxS    int   `yaml:"retry_backoff_max_s"`    // default 30
	LeaseTTLS           int   `yaml:"lease_ttl_s"`            // default 30

	IncomeThreshold  float64 `yaml:"income_threshold"`  // default 4000
	BalanceThreshold float64 `yaml:"balance_threshold"` // default 1500
	BenefitCap       int64   `yaml:"benefit_cap"`       // default 2500
	ConfidenceMin    float64 `yaml:"confidence_min"`    // default 0.7
	AutoApproveMin   float64 `yaml:"auto_approve_min"`  // default 0.8
}

// LogConfig configures slog output.
type LogConfig struct {
	Format string `yaml:"format"` // text | json (default text)
	Level  string `yaml:"level"`  // debug | info | warn | error (default info)
}

// TracingConfig enables the OTel emitter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults. An empty path skips the file and uses environment plus
// defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("BENEFITFLOW_HTTP_LISTEN", &c.HTTP.Listen)
	envString("BENEFITFLOW_STORE_BACKEND", &c.Store.Backend)
	envString("BENEFITFLOW_SQLITE_PATH", &c.Store.SQLitePath)
	envString("BENEFITFLOW_MYSQL_DSN", &c.Store.MySQLDSN)
	envString("BENEFITFLOW_QUEUE_BACKEND", &c.Queue.Backend)
	envString("BENEFITFLOW_NATS_URL", &c.Queue.NATSURL)
	envInt("BENEFITFLOW_QUEUE_WORKERS", &c.Queue.Workers)
	envString("BENEFITFLOW_STORAGE_BACKEND", &c.Storage.Backend)
	envString("BENEFITFLOW_STORAGE_ROOT", &c.Storage.Root)
	envString("BENEFITFLOW_OCR_PROVIDER", &c.Upstream.OCRProvider)
	envString("BENEFITFLOW_EXTRACT_PROVIDER", &c.Upstream.ExtractProvider)
	envString("BENEFITFLOW_DECISION_PROVIDER", &c.Upstream.DecisionProvider)
	envString("ANTHROPIC_API_KEY", &c.Upstream.AnthropicAPIKey)
	envString("OPENAI_API_KEY", &c.Upstream.OpenAIAPIKey)
	envString("GOOGLE_API_KEY", &c.Upstream.GoogleAPIKey)
	envInt("BENEFITFLOW_OCR_TIMEOUT_S", &c.Engine.OCRTimeoutS)
	envInt("BENEFITFLOW_EXTRACT_TIMEOUT_S", &c.Engine.ExtractTimeoutS)
	envInt("BENEFITFLOW_DECISION_TIMEOUT_S", &c.Engine.DecisionTimeoutS)
	envInt64("BENEFITFLOW_MAX_FILE_SIZE_BYTES", &c.Engine.MaxFileSizeBytes)
	envInt("BENEFITFLOW_MAX_ATTEMPTS_PER_STAGE", &c.Engine.MaxAttemptsPerStage)
	envInt("BENEFITFLOW_RETRY_BACKOFF_BASE_MS", &c.Engine.RetryBackoffBaseMS)
	envInt("BENEFITFLOW_LEASE_TTL_S", &c.Engine.LeaseTTLS)
	envString("BENEFITFLOW_LOG_FORMAT", &c.Log.Format)
	envString("BENEFITFLOW_LOG_LEVEL", &c.Log.Level)
	envBool("BENEFITFLOW_TRACING_ENABLED", &c.Tracing.Enabled)
}

func (c *Config) applyDefaults() {
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "benefitflow.db"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 2
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "blobs"
	}
	if c.Upstream.OCRProvider == "" {
		c.Upstream.OCRProvider = "mock"
	}
	if c.Upstream.ExtractProvider == "" {
		c.Upstream.ExtractProvider = "mock"
	}
	if c.Upstream.DecisionProvider == "" {
		c.Upstream.DecisionProvider = "mock"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "mysql" && c.Store.MySQLDSN == "" {
		return fmt.Errorf("config: mysql backend requires mysql_dsn")
	}
	switch c.Queue.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "nats" && c.Queue.NATSURL == "" {
		return fmt.Errorf("config: nats backend requires nats_url")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	for _, p := range []string{c.Upstream.OCRProvider, c.Upstream.ExtractProvider, c.Upstream.DecisionProvider} {
		switch p {
		case "anthropic", "openai", "google", "mock":
		default:
			return fmt.Errorf("config: unknown upstream provider %q", p)
		}
	}
	return nil
}

// EngineConfig maps the loaded values onto the workflow configuration.
func (c *Config) EngineConfig() workflow.Config {
	return workflow.Config{
		OCRTimeout:      time.Duration(c.Engine.OCRTimeoutS) * time.Second,
		ExtractTimeout:  time.Duration(c.Engine.ExtractTimeoutS) * time.Second,
		DecisionTimeout: time.Duration(c.Engine.DecisionTimeoutS) * time.Second,
		MaxFileSize:     c.Engine.MaxFileSizeBytes,
		MaxAttempts:     c.Engine.MaxAttemptsPerStage,
		BackoffBase:     time.Duration(c.Engine.RetryBackoffBaseMS) * time.Millisecond,
		BackoffMax:      time.Duration(c.Engine.RetryBackoffMaxS) * time.Second,
		LeaseTTL:        time.Duration(c.Engine.LeaseTTLS) * time.Second,
		Thresholds: decision.Thresholds{
			IncomeMax:      c.Engine.IncomeThreshold,
			BalanceMax:     c.Engine.BalanceThreshold,
			BenefitCap:     c.Engine.BenefitCap,
			ConfidenceMin:  c.Engine.ConfidenceMin,
			AutoApproveMin: c.Engine.AutoApproveMin,
		},
	}
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
