package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	CRM         CRMConfig         `yaml:"crm" mapstructure:"crm"`
	Salesforce  SalesforceConfig  `yaml:"salesforce" mapstructure:"salesforce"`
	Notion      NotionConfig      `yaml:"notion" mapstructure:"notion"`
	Perplexity  PerplexityConfig  `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	WhatsApp    WhatsAppConfig    `yaml:"whatsapp" mapstructure:"whatsapp"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Tracker     TrackerConfig     `yaml:"tracker" mapstructure:"tracker"`
	Breaker     BreakerConfig     `yaml:"breaker" mapstructure:"breaker"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Playbook    PlaybookConfig    `yaml:"playbook" mapstructure:"playbook"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the trigger API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// CRMConfig selects where lead snapshots come from.
type CRMConfig struct {
	// Provider is "salesforce" or "file".
	Provider string `yaml:"provider" mapstructure:"provider"`
	// File is the contacts YAML used by the file provider.
	File string `yaml:"file" mapstructure:"file"`
	// StatusMap overrides the event to Lead.Status mapping.
	StatusMap map[string]string `yaml:"status_map" mapstructure:"status_map"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PrivateKey reads the PEM file at KeyPath.
func (c SalesforceConfig) PrivateKey() (string, error) {
	if c.KeyPath == "" {
		return "", eris.New("config: salesforce.key_path is required")
	}
	data, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return "", eris.Wrap(err, "config: read salesforce key")
	}
	return string(data), nil
}

// NotionConfig holds the Notion token and the outreach queue database.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	QueueDB   string  `yaml:"queue_db" mapstructure:"queue_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// WhatsAppConfig configures the delivery bridge.
type WhatsAppConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Key       string  `yaml:"key" mapstructure:"key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// CoordinatorConfig configures ProcessLead.
type CoordinatorConfig struct {
	LockTTL         time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	RunTimeout      time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	StageTimeout    time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	StageRetries    int           `yaml:"stage_retries" mapstructure:"stage_retries"`
	StageRetryDelay time.Duration `yaml:"stage_retry_delay" mapstructure:"stage_retry_delay"`
	AllowFallback   bool          `yaml:"allow_fallback" mapstructure:"allow_fallback"`
}

// RetryConfig configures the retry queue.
type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// TrackerConfig configures the status tracker.
type TrackerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Lookback       time.Duration `yaml:"lookback" mapstructure:"lookback"`
	CompletionMode string        `yaml:"completion_mode" mapstructure:"completion_mode"`
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	SyncCRM        bool          `yaml:"sync_crm" mapstructure:"sync_crm"`
}

// BreakerConfig configures the per-stage circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// MonitoringConfig configures escalation alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinDeliveryRate      float64 `yaml:"min_delivery_rate" mapstructure:"min_delivery_rate"`
	MinSample            int     `yaml:"min_sample" mapstructure:"min_sample"`
	DeadLetterThreshold  int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	RetryBacklogLimit    int     `yaml:"retry_backlog_limit" mapstructure:"retry_backlog_limit"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentLeads int `yaml:"max_concurrent_leads" mapstructure:"max_concurrent_leads"`
	Limit              int `yaml:"limit" mapstructure:"limit"`
}

// PlaybookConfig points at the versioned playbook file. Empty uses the
// built-in playbook.
type PlaybookConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OUTREACH")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "outreach.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("crm.provider", "salesforce")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit", 10)
	v.SetDefault("notion.rate_limit", 3)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("whatsapp.base_url", "http://localhost:3001")
	v.SetDefault("whatsapp.rate_limit", 1)
	v.SetDefault("coordinator.lock_ttl", 10*time.Minute)
	v.SetDefault("coordinator.run_timeout", 5*time.Minute)
	v.SetDefault("coordinator.stage_timeout", 90*time.Second)
	v.SetDefault("coordinator.stage_retries", 2)
	v.SetDefault("coordinator.stage_retry_delay", 2*time.Second)
	v.SetDefault("coordinator.allow_fallback", false)
	v.SetDefault("retry.initial_delay", 30*time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.max_delay", 300*time.Second)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.poll_interval", 15*time.Second)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.concurrency", 4)
	v.SetDefault("retry.rate_per_second", 5.0)
	v.SetDefault("tracker.poll_interval", 30*time.Second)
	v.SetDefault("tracker.lookback", 24*time.Hour)
	v.SetDefault("tracker.completion_mode", "read")
	v.SetDefault("tracker.concurrency", 8)
	v.SetDefault("tracker.batch_size", 1000)
	v.SetDefault("tracker.sync_crm", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_delivery_rate", 0.8)
	v.SetDefault("monitoring.min_sample", 5)
	v.SetDefault("monitoring.dead_letter_threshold", 1)
	v.SetDefault("monitoring.retry_backlog_limit", 100)
	v.SetDefault("batch.max_concurrent_leads", 5)
}

// Validation modes name the command a configuration is checked for.
const (
	ModeRun   = "run"
	ModeBatch = "batch"
	ModeServe = "serve"
	// ModeStore covers commands that only touch the store and the gateway.
	ModeStore = "store"
)

// Validate rejects settings the given mode cannot run with. Every problem
// is reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for sqlite")
		}
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}

	switch mode {
	case ModeStore:
		return joinErrors(errs)
	case ModeRun, ModeBatch, ModeServe:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.CRM.Provider {
	case "salesforce":
		if c.Salesforce.ClientID == "" || c.Salesforce.Username == "" || c.Salesforce.KeyPath == "" {
			add("salesforce.client_id, salesforce.username and salesforce.key_path are required")
		}
	case "file":
		if c.CRM.File == "" {
			add("crm.file is required for the file provider")
		}
	default:
		add("unknown crm.provider %q", c.CRM.Provider)
	}
	if c.Perplexity.Key == "" {
		add("perplexity.key is required")
	}
	if c.Anthropic.Key == "" {
		add("anthropic.key is required")
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"coordinator.lock_ttl", c.Coordinator.LockTTL},
		{"coordinator.run_timeout", c.Coordinator.RunTimeout},
		{"coordinator.stage_timeout", c.Coordinator.StageTimeout},
		{"retry.initial_delay", c.Retry.InitialDelay},
		{"retry.max_delay", c.Retry.MaxDelay},
		{"retry.poll_interval", c.Retry.PollInterval},
		{"tracker.poll_interval", c.Tracker.PollInterval},
		{"tracker.lookback", c.Tracker.Lookback},
		{"breaker.reset_timeout", c.Breaker.ResetTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			add("%s must be > 0", p.key)
		}
	}

	// A lock must not expire under a live run.
	if c.Coordinator.LockTTL > 0 && c.Coordinator.RunTimeout >= c.Coordinator.LockTTL {
		add("coordinator.run_timeout must be < coordinator.lock_ttl")
	}
	if c.Coordinator.StageRetries < 0 {
		add("coordinator.stage_retries must be >= 0")
	}
	if c.Retry.BackoffFactor < 1 {
		add("retry.backoff_factor must be >= 1")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		add("retry.max_delay must be >= retry.initial_delay")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be >= 1")
	}
	switch c.Tracker.CompletionMode {
	case "delivered", "read":
	default:
		add("unknown tracker.completion_mode %q", c.Tracker.CompletionMode)
	}
	if c.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold must be >= 1")
	}

	switch mode {
	case ModeBatch:
		if c.Notion.Token == "" || c.Notion.QueueDB == "" {
			add("notion.token and notion.queue_db are required")
		}
		if c.Batch.MaxConcurrentLeads < 1 || c.Batch.MaxConcurrentLeads > 50 {
			add("batch.max_concurrent_leads must be between 1 and 50")
		}
	case ModeServe:
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			add("monitoring.webhook_url is required when monitoring is enabled")
		}
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return eris.New("config: " + strings.Join(errs, "; "))
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
