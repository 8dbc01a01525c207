package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Consensus  ConsensusConfig  `yaml:"consensus" mapstructure:"consensus"`
	Resolve    ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Media      MediaConfig      `yaml:"media" mapstructure:"media"`
	Gate       GateConfig       `yaml:"gate" mapstructure:"gate"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// WorkerConfig configures queue draining.
type WorkerConfig struct {
	WorkerID        string `yaml:"worker_id" mapstructure:"worker_id"`
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
	LeaseTTLSecs    int    `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	MaxAttempts     int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BudgetSecs      int    `yaml:"budget_secs" mapstructure:"budget_secs"`
	ItemTimeoutSecs int    `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	SourceFilter    string `yaml:"source_filter" mapstructure:"source_filter"`
}

// LeaseTTL returns the lease duration.
func (w WorkerConfig) LeaseTTL() time.Duration {
	return time.Duration(w.LeaseTTLSecs) * time.Second
}

// Budget returns the wall-clock budget of one drain invocation.
func (w WorkerConfig) Budget() time.Duration {
	return time.Duration(w.BudgetSecs) * time.Second
}

// ItemTimeout returns the per-item deadline.
func (w WorkerConfig) ItemTimeout() time.Duration {
	return time.Duration(w.ItemTimeoutSecs) * time.Second
}

// RetryConfig configures the backoff applied to released queue items.
type RetryConfig struct {
	InitialSecs int     `yaml:"initial_secs" mapstructure:"initial_secs"`
	MaxSecs     int     `yaml:"max_secs" mapstructure:"max_secs"`
	Multiplier  float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFrac  float64 `yaml:"jitter_frac" mapstructure:"jitter_frac"`
}

// ExtractConfig configures fetching and the extraction strategies.
type ExtractConfig struct {
	UserAgent           string   `yaml:"user_agent" mapstructure:"user_agent"`
	FetchTimeoutSecs    int      `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	PlatformTimeoutSecs int      `yaml:"platform_timeout_secs" mapstructure:"platform_timeout_secs"`
	GenericTimeoutSecs  int      `yaml:"generic_timeout_secs" mapstructure:"generic_timeout_secs"`
	AITimeoutSecs       int      `yaml:"ai_timeout_secs" mapstructure:"ai_timeout_secs"`
	MaxBodyKB           int      `yaml:"max_body_kb" mapstructure:"max_body_kb"`
	HostRatePerSec      float64  `yaml:"host_rate_per_sec" mapstructure:"host_rate_per_sec"`
	Strategies          []string `yaml:"strategies" mapstructure:"strategies"`
	BreakerThreshold    int      `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs    int      `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxChars  int    `yaml:"max_chars" mapstructure:"max_chars"`
}

// ConsensusConfig configures field acceptance thresholds.
type ConsensusConfig struct {
	ConfigPath        string  `yaml:"config_path" mapstructure:"config_path"`
	DefaultThreshold  float64 `yaml:"default_threshold" mapstructure:"default_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" mapstructure:"critical_threshold"`
}

// ResolveConfig configures organization matching.
type ResolveConfig struct {
	NameSimilarity float64 `yaml:"name_similarity" mapstructure:"name_similarity"`
}

// MediaConfig configures image ingestion.
type MediaConfig struct {
	MaxImmediate        int    `yaml:"max_immediate" mapstructure:"max_immediate"`
	StorageDir          string `yaml:"storage_dir" mapstructure:"storage_dir"`
	PublicBaseURL       string `yaml:"public_base_url" mapstructure:"public_base_url"`
	DownloadTimeoutSecs int    `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
	MaxImageMB          int    `yaml:"max_image_mb" mapstructure:"max_image_mb"`
	MaxAttempts         int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	Concurrency         int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// GateConfig configures the pre-publish quality gate.
type GateConfig struct {
	MinScore    float64 `yaml:"min_score" mapstructure:"min_score"`
	AutoPublish bool    `yaml:"auto_publish" mapstructure:"auto_publish"`
	// ReviewWebhookURL receives entities that clear every blocking check
	// but score below MinScore.
	ReviewWebhookURL string `yaml:"review_webhook_url" mapstructure:"review_webhook_url"`
}

// ServerConfig configures the operator HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// ScheduleConfig configures scheduled drains under serve.
type ScheduleConfig struct {
	DrainCron string `yaml:"drain_cron" mapstructure:"drain_cron"`
}

// MonitoringConfig configures alerting on queue health.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogAgeMins       int     `yaml:"backlog_age_mins" mapstructure:"backlog_age_mins"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	AlertRepeatMins      int     `yaml:"alert_repeat_mins" mapstructure:"alert_repeat_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.lease_ttl_secs", 300)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.budget_secs", 50)
	v.SetDefault("worker.item_timeout_secs", 40)
	v.SetDefault("retry.initial_secs", 60)
	v.SetDefault("retry.max_secs", 1800)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_frac", 0.2)
	v.SetDefault("extract.user_agent", "listing-pipeline/1.0 (+https://github.com/sells-group/listing-pipeline)")
	v.SetDefault("extract.fetch_timeout_secs", 15)
	v.SetDefault("extract.platform_timeout_secs", 15)
	v.SetDefault("extract.generic_timeout_secs", 15)
	v.SetDefault("extract.ai_timeout_secs", 25)
	v.SetDefault("extract.max_body_kb", 4096)
	v.SetDefault("extract.host_rate_per_sec", 2.0)
	v.SetDefault("extract.strategies", []string{"platform", "generic", "ai"})
	v.SetDefault("extract.breaker_threshold", 5)
	v.SetDefault("extract.breaker_reset_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.max_chars", 24000)
	v.SetDefault("consensus.default_threshold", 0.70)
	v.SetDefault("consensus.critical_threshold", 0.80)
	v.SetDefault("resolve.name_similarity", 0.92)
	v.SetDefault("media.max_immediate", 24)
	v.SetDefault("media.storage_dir", "./media")
	v.SetDefault("media.public_base_url", "/media")
	v.SetDefault("media.download_timeout_secs", 20)
	v.SetDefault("media.max_image_mb", 15)
	v.SetDefault("media.max_attempts", 3)
	v.SetDefault("media.concurrency", 4)
	v.SetDefault("gate.min_score", 0.7)
	v.SetDefault("gate.auto_publish", true)
	v.SetDefault("schedule.drain_cron", "@every 1m")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.backlog_age_mins", 60)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.alert_repeat_mins", 60)

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

// Validate checks that the settings required by the given mode are present
// and that shared settings are within bounds. Modes: "worker", "serve",
// "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "migrate":
	case "worker":
		errs = append(errs, c.validateWorker()...)
	case "serve":
		errs = append(errs, c.validateWorker()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Schedule.DrainCron == "" {
			errs = append(errs, "schedule.drain_cron is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateWorker() []string {
	var errs []string
	if c.Worker.BatchSize < 1 {
		errs = append(errs, "worker.batch_size must be >= 1")
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 50 {
		errs = append(errs, "worker.concurrency must be between 1 and 50")
	}
	if c.Worker.ItemTimeoutSecs >= c.Worker.LeaseTTLSecs {
		errs = append(errs, "worker.item_timeout_secs must be shorter than worker.lease_ttl_secs")
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, "worker.max_attempts must be >= 1")
	}
	if c.Consensus.DefaultThreshold < 0 || c.Consensus.DefaultThreshold > 1 {
		errs = append(errs, "consensus.default_threshold must be between 0 and 1")
	}
	if c.Consensus.CriticalThreshold < 0 || c.Consensus.CriticalThreshold > 1 {
		errs = append(errs, "consensus.critical_threshold must be between 0 and 1")
	}
	if c.Media.MaxImmediate < 0 || c.Media.MaxImmediate > 24 {
		errs = append(errs, "media.max_immediate must be between 0 and 24")
	}
	return errs
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
