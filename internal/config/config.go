package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pledge-intake/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// WorkerConfig governs the queue drain cadence.
type WorkerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxPerTick      int           `mapstructure:"max_per_tick"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// OracleConfig tunes price acquisition and caching.
type OracleConfig struct {
	FreshTTL      time.Duration  `mapstructure:"fresh_ttl"`
	StaleTTL      time.Duration  `mapstructure:"stale_ttl"`
	WarmThreshold time.Duration  `mapstructure:"warm_threshold"`
	FetchTimeout  time.Duration  `mapstructure:"fetch_timeout"`
	RefreshCron   string         `mapstructure:"refresh_cron"`
	Sources       []SourceConfig `mapstructure:"sources"`
}

// SourceConfig describes one independent price source.
type SourceConfig struct {
	Name              string `mapstructure:"name"`
	Type              string `mapstructure:"type"` // http or chain
	URL               string `mapstructure:"url"`
	JSONPath          string `mapstructure:"json_path"`
	RPCURL            string `mapstructure:"rpc_url"`
	AggregatorAddress string `mapstructure:"aggregator_address"`
	UserAgent         string `mapstructure:"user_agent"`
}

// NotifyConfig routes decision and position events.
type NotifyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INTAKE")
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
	v.SetDefault("app.name", "intaked")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("worker.interval", "3s")
	v.SetDefault("worker.max_per_tick", 50)
	v.SetDefault("worker.advisory_lock_key", int64(0x706c6467))
	v.SetDefault("worker.startup_delay", "0s")

	v.SetDefault("oracle.fresh_ttl", "30m")
	v.SetDefault("oracle.stale_ttl", "72h")
	v.SetDefault("oracle.warm_threshold", "5m")
	v.SetDefault("oracle.fetch_timeout", "5s")
	v.SetDefault("oracle.refresh_cron", "0 */10 * * * *")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be greater than zero")
	}
	if c.Worker.MaxPerTick <= 0 {
		return fmt.Errorf("worker.max_per_tick must be greater than zero")
	}
	if c.Oracle.FreshTTL <= 0 || c.Oracle.StaleTTL <= 0 {
		return fmt.Errorf("oracle cache horizons must be greater than zero")
	}
	if c.Oracle.StaleTTL < c.Oracle.FreshTTL {
		return fmt.Errorf("oracle.stale_ttl must not be shorter than oracle.fresh_ttl")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for i, src := range c.Oracle.Sources {
		if src.Name == "" {
			return fmt.Errorf("oracle.sources[%d].name is required", i)
		}
		switch src.Type {
		case "http":
			if src.URL == "" {
				return fmt.Errorf("oracle.sources[%d].url is required for http sources", i)
			}
		case "chain":
			if src.RPCURL == "" || src.AggregatorAddress == "" {
				return fmt.Errorf("oracle.sources[%d] needs rpc_url and aggregator_address", i)
			}
		default:
			return fmt.Errorf("oracle.sources[%d].type must be http or chain", i)
		}
	}
	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notify.enabled")
	}
	return nil
}
