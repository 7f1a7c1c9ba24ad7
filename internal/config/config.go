package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/yourneighborhoodchef/keysweep/internal/credential"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Log          LogConfig                `mapstructure:"log"`
	Store        StoreConfig              `mapstructure:"store"`
	Rotation     RotationConfig           `mapstructure:"rotation"`
	Proxies      ProxyConfig              `mapstructure:"proxies"`
	Fingerprints FingerprintConfig        `mapstructure:"fingerprints"`
	Upstream     UpstreamConfig           `mapstructure:"upstream"`
	Accounts     []credential.AccountSpec `mapstructure:"accounts"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"`
	DatabaseURL    string `mapstructure:"database_url"`
	RedisURL       string `mapstructure:"redis_url"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	KeyPrefix      string `mapstructure:"key_prefix"`
}

type RotationConfig struct {
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	CooldownMin       time.Duration `mapstructure:"cooldown_min"`
	CooldownMax       time.Duration `mapstructure:"cooldown_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetrySpacing      time.Duration `mapstructure:"retry_spacing"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type ProxyConfig struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	ProbeURL           string        `mapstructure:"probe_url"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	ShareWhenExhausted bool          `mapstructure:"share_when_exhausted"`
	List               []string      `mapstructure:"list"`
}

type FingerprintConfig struct {
	PoolSize       int      `mapstructure:"pool_size"`
	ClientProfiles []string `mapstructure:"client_profiles"`
	Seed           uint64   `mapstructure:"seed"`
}

type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	KeyHeader string        `mapstructure:"key_header"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Load reads .env, then config.yaml from . or ./config (or the file at path
// when set), then KEYSWEEP_* environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("KEYSWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Store.DatabaseURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Store.RedisURL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_connections", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.key_prefix", "keysweep")
	v.SetDefault("rotation.rate_limit_cooldown", "65s")
	v.SetDefault("rotation.cooldown_min", "10s")
	v.SetDefault("rotation.cooldown_max", "20s")
	v.SetDefault("rotation.max_attempts", 3)
	v.SetDefault("rotation.retry_spacing", "2s")
	v.SetDefault("rotation.requests_per_second", 0)
	v.SetDefault("rotation.burst", 1)
	v.SetDefault("proxies.failure_threshold", 2)
	v.SetDefault("proxies.probe_url", "https://www.google.com/generate_204")
	v.SetDefault("proxies.probe_timeout", "10s")
	v.SetDefault("proxies.check_interval", "0s")
	v.SetDefault("proxies.share_when_exhausted", false)
	v.SetDefault("fingerprints.pool_size", 8)
	v.SetDefault("fingerprints.seed", 0)
	v.SetDefault("upstream.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("upstream.key_header", "x-goog-api-key")
	v.SetDefault("upstream.timeout", "60s")
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		check(c.Store.DatabaseURL != "", "store.database_url is required for the postgres driver")
	case "redis":
		check(c.Store.RedisURL != "", "store.redis_url is required for the redis driver")
	default:
		check(false, "unknown store.driver %q", c.Store.Driver)
	}

	check(c.Rotation.CooldownMin >= 0, "rotation.cooldown_min must not be negative")
	check(c.Rotation.CooldownMin <= c.Rotation.CooldownMax,
		"rotation.cooldown_min (%s) exceeds rotation.cooldown_max (%s)", c.Rotation.CooldownMin, c.Rotation.CooldownMax)
	check(c.Rotation.RateLimitCooldown > 0, "rotation.rate_limit_cooldown must be positive")
	check(c.Rotation.MaxAttempts >= 1, "rotation.max_attempts must be at least 1")
	check(c.Rotation.RetrySpacing >= 0, "rotation.retry_spacing must not be negative")
	check(c.Rotation.RequestsPerSecond >= 0, "rotation.requests_per_second must not be negative")
	check(c.Proxies.FailureThreshold >= 1, "proxies.failure_threshold must be at least 1")
	check(c.Fingerprints.PoolSize >= 1, "fingerprints.pool_size must be at least 1")

	ids := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		check(acc.ID != "", "accounts[%d].id is empty", i)
		check(!ids[acc.ID], "duplicate account id %q", acc.ID)
		ids[acc.ID] = true
	}

	return errors.Join(errs...)
}
