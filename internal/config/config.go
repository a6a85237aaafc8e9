package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"perp-spike-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Thresholds  ThresholdConfig   `mapstructure:"thresholds"`
	History     HistoryConfig     `mapstructure:"history"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates the optional PostgreSQL checkpoint store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// HyperliquidConfig covers exchange API access.
type HyperliquidConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestsPerSec int           `mapstructure:"requests_per_sec"`
	MaxRetryTime   time.Duration `mapstructure:"max_retry_time"`
	TrackedWallets []string      `mapstructure:"tracked_wallets"`
	Stream         StreamConfig  `mapstructure:"stream"`
}

// StreamConfig enables the websocket liquidation feed.
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Buffer  int    `mapstructure:"buffer"`
}

// ThresholdConfig holds the six detector thresholds. Percentages are
// absolute percentage points, notionals are USD.
type ThresholdConfig struct {
	OISpikePct          float64 `mapstructure:"oi_spike_pct"`
	WhaleNotional       float64 `mapstructure:"whale_notional"`
	FundingSpikePct     float64 `mapstructure:"funding_spike_pct"`
	LiquidationNotional float64 `mapstructure:"liquidation_notional"`
	VolumeSpikePct      float64 `mapstructure:"volume_spike_pct"`
	VolatilityPct       float64 `mapstructure:"volatility_pct"`
}

// HistoryConfig sets the rolling lookback windows.
type HistoryConfig struct {
	VolumeWindow       time.Duration `mapstructure:"volume_window"`
	VolatilityLookback time.Duration `mapstructure:"volatility_lookback"`
	// RetentionGrace pads the eviction horizon past the volume window so
	// a full-window average always has its boundary sample available.
	RetentionGrace time.Duration `mapstructure:"retention_grace"`
}

// Horizon is the history eviction horizon derived from the windows.
func (h HistoryConfig) Horizon() time.Duration {
	return h.VolumeWindow + h.RetentionGrace
}

// AlertingConfig defines dedup policy and routing.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Cooldown       time.Duration  `mapstructure:"cooldown"`
	RearmMarginPct float64        `mapstructure:"rearm_margin_pct"`
	EventTTL       time.Duration  `mapstructure:"event_ttl"`
	Channel        string         `mapstructure:"channel"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERPWATCHER")
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
	v.SetDefault("app.name", "perpwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70657270))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("hyperliquid.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("hyperliquid.request_timeout", "30s")
	v.SetDefault("hyperliquid.user_agent", "perpwatcher/1.0")
	v.SetDefault("hyperliquid.requests_per_sec", 5)
	v.SetDefault("hyperliquid.max_retry_time", "20s")
	v.SetDefault("hyperliquid.stream.enabled", false)
	v.SetDefault("hyperliquid.stream.url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("hyperliquid.stream.buffer", 1024)

	v.SetDefault("thresholds.oi_spike_pct", 10.0)
	v.SetDefault("thresholds.whale_notional", 100000.0)
	v.SetDefault("thresholds.funding_spike_pct", 50.0)
	v.SetDefault("thresholds.liquidation_notional", 50000.0)
	v.SetDefault("thresholds.volume_spike_pct", 200.0)
	v.SetDefault("thresholds.volatility_pct", 3.0)

	v.SetDefault("history.volume_window", "1h")
	v.SetDefault("history.volatility_lookback", "60s")
	v.SetDefault("history.retention_grace", "5m")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.rearm_margin_pct", 50.0)
	v.SetDefault("alerting.event_ttl", "24h")
	v.SetDefault("alerting.channel", "telegram")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
// Failures here are fatal before any polling begins.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	thresholds := map[string]float64{
		"thresholds.oi_spike_pct":         c.Thresholds.OISpikePct,
		"thresholds.whale_notional":       c.Thresholds.WhaleNotional,
		"thresholds.funding_spike_pct":    c.Thresholds.FundingSpikePct,
		"thresholds.liquidation_notional": c.Thresholds.LiquidationNotional,
		"thresholds.volume_spike_pct":     c.Thresholds.VolumeSpikePct,
		"thresholds.volatility_pct":       c.Thresholds.VolatilityPct,
	}
	for key, value := range thresholds {
		if value <= 0 {
			return fmt.Errorf("%s must be greater than zero", key)
		}
	}

	if c.History.VolumeWindow < time.Hour {
		return fmt.Errorf("history.volume_window must be at least 1h")
	}
	if c.History.VolatilityLookback <= 0 {
		return fmt.Errorf("history.volatility_lookback must be greater than zero")
	}
	if c.History.VolatilityLookback > c.History.VolumeWindow {
		return fmt.Errorf("history.volatility_lookback cannot exceed history.volume_window")
	}
	if c.Alerting.Cooldown <= 0 {
		return fmt.Errorf("alerting.cooldown must be greater than zero")
	}
	if c.Alerting.RearmMarginPct < 0 {
		return fmt.Errorf("alerting.rearm_margin_pct cannot be negative")
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
