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
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Brevo      BrevoConfig      `yaml:"brevo" mapstructure:"brevo"`
	Storefront StorefrontConfig `yaml:"storefront" mapstructure:"storefront"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Campaign   CampaignConfig   `yaml:"campaign" mapstructure:"campaign"`
	Events     EventsConfig     `yaml:"events" mapstructure:"events"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings for content generation.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BrevoConfig holds transactional email settings.
type BrevoConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// StorefrontConfig holds the store provisioning API settings.
type StorefrontConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// NotionConfig holds the merge-review database settings.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// DiscoveryConfig configures cross-source discovery.
type DiscoveryConfig struct {
	Limit          int     `yaml:"limit" mapstructure:"limit"`
	ScrapeRate     float64 `yaml:"scrape_rate" mapstructure:"scrape_rate"`
	SeedFetchRate  float64 `yaml:"seed_fetch_rate" mapstructure:"seed_fetch_rate"`
	ReviewPushSize int     `yaml:"review_push_size" mapstructure:"review_push_size"`
}

// PipelineConfig configures the stage orchestrator and the retry and
// breaker policy its stage runners use against upstream services.
type PipelineConfig struct {
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max" mapstructure:"retry_backoff_max"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// CampaignConfig configures the outreach scheduler.
type CampaignConfig struct {
	SequenceFile string `yaml:"sequence_file" mapstructure:"sequence_file"`
	TickInterval string `yaml:"tick_interval" mapstructure:"tick_interval"`
}

// EventsConfig configures notification sinks.
type EventsConfig struct {
	WebhookURL string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	Types      []string `yaml:"types" mapstructure:"types"`
}

// ServerConfig configures the webhook and query server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("GROWTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. SQLite needs no external service, so a bare binary works.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "growth.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("brevo.base_url", "https://api.brevo.com")
	v.SetDefault("discovery.limit", 50)
	v.SetDefault("discovery.scrape_rate", 2)
	v.SetDefault("discovery.seed_fetch_rate", 5)
	v.SetDefault("discovery.review_push_size", 25)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.max_attempts", 5)
	v.SetDefault("pipeline.retry_backoff", "500ms")
	v.SetDefault("pipeline.retry_backoff_max", "30s")
	v.SetDefault("pipeline.breaker_threshold", 5)
	v.SetDefault("pipeline.breaker_cooldown", "30s")
	v.SetDefault("campaign.tick_interval", "1m")

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
