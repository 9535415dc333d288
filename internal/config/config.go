package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spendsense/internal/logging"
)

const minProductionRetention = 90 * 24 * time.Hour

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Retention RetentionConfig `mapstructure:"retention"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig selects the trace store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Cache   bool   `mapstructure:"cache"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SQLiteConfig points at the local trace database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the current-trace cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LedgerConfig locates the per-user history files.
type LedgerConfig struct {
	Dir string `mapstructure:"dir"`
}

// RulesConfig locates the ruleset. An empty path uses the embedded default.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// SignalsConfig tunes signal extraction.
type SignalsConfig struct {
	WindowDays           int     `mapstructure:"window_days"`
	AmountTolerance      float64 `mapstructure:"amount_tolerance"`
	MinIncomeHistoryDays int     `mapstructure:"min_income_history_days"`
	MinRecurringCharges  int     `mapstructure:"min_recurring_charges"`
}

// PipelineConfig bounds one pipeline run.
type PipelineConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Workers      int           `mapstructure:"workers"`
}

// RetentionConfig controls pruning of superseded traces.
type RetentionConfig struct {
	Mode   string        `mapstructure:"mode"`
	MinAge time.Duration `mapstructure:"min_age"`
}

// SchedulerConfig governs regeneration cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines operator notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxTraces int `mapstructure:"max_traces"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPENDSENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spendsense")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.cache", false)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("sqlite.path", "data/spendsense.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "spendsense:trace:current:")
	v.SetDefault("redis.ttl", "1h")

	v.SetDefault("ledger.dir", "data/ledger")
	v.SetDefault("rules.path", "")

	v.SetDefault("signals.window_days", 180)
	v.SetDefault("signals.amount_tolerance", 0.10)
	v.SetDefault("signals.min_income_history_days", 30)
	v.SetDefault("signals.min_recurring_charges", 2)

	v.SetDefault("pipeline.timeout", "30s")
	v.SetDefault("pipeline.write_timeout", "5s")
	v.SetDefault("pipeline.workers", 4)

	v.SetDefault("retention.mode", "mvp")
	v.SetDefault("retention.min_age", "2160h")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53504e44))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.mode", "release")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_traces", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, postgres, sqlite (got %q)", c.Store.Backend)
	}
	if c.Store.Cache && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when store.cache is enabled")
	}
	if c.Redis.TTL < 0 {
		return fmt.Errorf("redis.ttl cannot be negative")
	}
	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("pipeline.timeout must be greater than zero")
	}
	if c.Pipeline.WriteTimeout <= 0 {
		return fmt.Errorf("pipeline.write_timeout must be greater than zero")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Signals.WindowDays <= 0 {
		return fmt.Errorf("signals.window_days must be greater than zero")
	}
	if c.Signals.AmountTolerance < 0 || c.Signals.AmountTolerance >= 1 {
		return fmt.Errorf("signals.amount_tolerance must be within [0, 1)")
	}
	switch c.Retention.Mode {
	case "mvp":
	case "production":
		if c.Retention.MinAge < minProductionRetention {
			return fmt.Errorf("retention.min_age must be at least %s in production mode", minProductionRetention)
		}
	default:
		return fmt.Errorf("retention.mode must be mvp or production (got %q)", c.Retention.Mode)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxTraces <= 0 {
		return fmt.Errorf("export.max_traces must be greater than zero")
	}
	if c.API.Mode != "" && !slices.Contains([]string{"debug", "release", "test"}, c.API.Mode) {
		return fmt.Errorf("api.mode must be debug, release or test (got %q)", c.API.Mode)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxTraces returns either the CLI override or config default.
func (c *Config) ResolveMaxTraces(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxTraces
}
