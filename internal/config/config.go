// Package config handles configuration loading and validation for kas-pool.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/kas-network/kas-pool/internal/util"
)

// Config holds all configuration for the pool
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stratum   StratumConfig   `mapstructure:"stratum"`
	Templates TemplatesConfig `mapstructure:"templates"`
	PPLNS     PPLNSConfig     `mapstructure:"pplns"`
	Payouts   PayoutsConfig   `mapstructure:"payouts"`
	API       APIConfig       `mapstructure:"api"`
	Security  SecurityConfig  `mapstructure:"security"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name       string  `mapstructure:"name"`
	Identity   string  `mapstructure:"identity"` // coinbase extra-data tag
	Fee        float64 `mapstructure:"fee"`
	FeeAddress string  `mapstructure:"fee_address"`
	PayAddress string  `mapstructure:"pay_address"`
}

// NodeConfig defines node connection settings
type NodeConfig struct {
	URL     string        `mapstructure:"url"`
	WSURL   string        `mapstructure:"ws_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StratumConfig defines the miner-facing server settings
type StratumConfig struct {
	Bind              string  `mapstructure:"bind"`
	InitialDifficulty float64 `mapstructure:"initial_difficulty"`
	MinDifficulty     float64 `mapstructure:"min_difficulty"`
	MaxDifficulty     float64 `mapstructure:"max_difficulty"`
	VardiffTargetTime float64 `mapstructure:"vardiff_target_time"`
	VardiffRetarget   float64 `mapstructure:"vardiff_retarget"`
	VardiffVariance   float64 `mapstructure:"vardiff_variance"`
}

// TemplatesConfig defines template cache settings
type TemplatesConfig struct {
	DAAWindow int `mapstructure:"daa_window"`
}

// PPLNSConfig defines PPLNS accounting settings
type PPLNSConfig struct {
	Window int `mapstructure:"window"`
}

// PayoutsConfig defines payment processing settings
type PayoutsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Threshold      uint64 `mapstructure:"threshold"`
	WalletRPC      string `mapstructure:"wallet_rpc"`
	WalletUser     string `mapstructure:"wallet_user"`
	WalletPassword string `mapstructure:"wallet_password"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Bind       string        `mapstructure:"bind"`
	StatsCache time.Duration `mapstructure:"stats_cache"`
}

// SecurityConfig defines connection policy settings
type SecurityConfig struct {
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
	BanThreshold        int           `mapstructure:"ban_threshold"`
	BanDuration         time.Duration `mapstructure:"ban_duration"`
	RateLimitShares     int           `mapstructure:"rate_limit_shares"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolURL      string `mapstructure:"pool_url"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/kas-pool")
	}

	v.SetEnvPrefix("KAS_POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "KAS Mining Pool")
	v.SetDefault("pool.identity", "kas-pool")
	v.SetDefault("pool.fee", 1.0)

	v.SetDefault("node.url", "http://127.0.0.1:16110")
	v.SetDefault("node.ws_url", "ws://127.0.0.1:17110")
	v.SetDefault("node.timeout", "10s")

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stratum.bind", "0.0.0.0:5555")
	v.SetDefault("stratum.initial_difficulty", 4096)
	v.SetDefault("stratum.min_difficulty", 64)
	v.SetDefault("stratum.max_difficulty", 1e12)
	v.SetDefault("stratum.vardiff_target_time", 4.0)
	v.SetDefault("stratum.vardiff_retarget", 90.0)
	v.SetDefault("stratum.vardiff_variance", 30.0)

	v.SetDefault("templates.daa_window", 2641)

	v.SetDefault("pplns.window", 100000)

	v.SetDefault("payouts.enabled", true)
	v.SetDefault("payouts.threshold", 100000000) // 1 KAS

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")

	v.SetDefault("security.max_connections_per_ip", 100)
	v.SetDefault("security.ban_threshold", 30)
	v.SetDefault("security.ban_duration", "1h")
	v.SetDefault("security.rate_limit_shares", 100)

	v.SetDefault("newrelic.app_name", "kas-pool")

	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.PayAddress == "" {
		return fmt.Errorf("pool.pay_address is required")
	}
	if !util.ValidateAddress(c.Pool.PayAddress) {
		return fmt.Errorf("pool.pay_address is not a valid address")
	}

	if c.Pool.Fee < 0 || c.Pool.Fee > 100 {
		return fmt.Errorf("pool.fee must be between 0 and 100")
	}

	if c.Pool.Fee > 0 {
		if c.Pool.FeeAddress == "" {
			return fmt.Errorf("pool.fee_address is required when pool.fee > 0")
		}
		if !util.ValidateAddress(c.Pool.FeeAddress) {
			return fmt.Errorf("pool.fee_address is not a valid address")
		}
	}

	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}
	if c.Node.WSURL == "" {
		return fmt.Errorf("node.ws_url is required")
	}

	if c.Templates.DAAWindow <= 0 {
		return fmt.Errorf("templates.daa_window must be positive")
	}

	if c.PPLNS.Window <= 0 {
		return fmt.Errorf("pplns.window must be positive")
	}

	if c.Stratum.InitialDifficulty <= 0 {
		return fmt.Errorf("stratum.initial_difficulty must be positive")
	}
	if c.Stratum.MinDifficulty > c.Stratum.MaxDifficulty {
		return fmt.Errorf("stratum.min_difficulty must be <= max_difficulty")
	}
	if c.Stratum.VardiffTargetTime <= 0 {
		return fmt.Errorf("stratum.vardiff_target_time must be positive")
	}

	if c.Payouts.Enabled && c.Payouts.Threshold == 0 {
		return fmt.Errorf("payouts.threshold must be > 0")
	}

	return nil
}
