package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/careerkit/tokens/internal/domain"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the tokens daemon configuration, read from ~/.tokens/config.toml.
type Config struct {
	API      APIConfig        `toml:"api"`
	Storage  StorageConfig    `toml:"storage"`
	Ledger   LedgerConfig     `toml:"ledger"`
	Features map[string]int64 `toml:"features"`
	Metrics  MetricsConfig    `toml:"metrics"`
}

type APIConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	RateLimitPerMin int    `toml:"rate_limit_per_min"` // 0 disables
	RateBurst       int    `toml:"rate_burst"`
}

type StorageConfig struct {
	Backend       string `toml:"backend"`
	DataDir       string `toml:"data_dir"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type LedgerConfig struct {
	SignupBonus  int64  `toml:"signup_bonus"`
	MaxRetries   int    `toml:"max_retries"`
	RetryBackoff string `toml:"retry_backoff"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Tracing bool `toml:"tracing"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:            "127.0.0.1",
			Port:            8088,
			RateLimitPerMin: 120,
			RateBurst:       20,
		},
		Storage: StorageConfig{
			Backend:   BackendSQLite,
			DataDir:   Home(),
			RedisAddr: "127.0.0.1:6379",
		},
		Ledger: LedgerConfig{
			SignupBonus:  domain.SignupBonus,
			MaxRetries:   5,
			RetryBackoff: "5ms",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Home returns the tokens home directory ($TOKENS_HOME or ~/.tokens).
func Home() string {
	if env := os.Getenv("TOKENS_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tokens")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if env := os.Getenv("TOKENS_REDIS_ADDR"); env != "" {
		cfg.Storage.RedisAddr = env
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q: want sqlite, redis or memory", c.Storage.Backend)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Ledger.SignupBonus < 0 {
		return fmt.Errorf("ledger.signup_bonus must not be negative")
	}
	if c.Ledger.MaxRetries < 1 {
		return fmt.Errorf("ledger.max_retries must be at least 1")
	}
	if _, err := c.retryBackoff(); err != nil {
		return err
	}
	for f, cost := range c.Features {
		if cost <= 0 {
			return fmt.Errorf("features.%s: cost must be positive", f)
		}
	}
	return nil
}

func (c Config) retryBackoff() (time.Duration, error) {
	if c.Ledger.RetryBackoff == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Ledger.RetryBackoff)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("ledger.retry_backoff %q: invalid duration", c.Ledger.RetryBackoff)
	}
	return d, nil
}

// featureCosts converts the [features] table into gate overrides.
func (c Config) featureCosts() map[domain.FeatureID]int64 {
	if len(c.Features) == 0 {
		return nil
	}
	out := make(map[domain.FeatureID]int64, len(c.Features))
	for f, cost := range c.Features {
		out[domain.FeatureID(f)] = cost
	}
	return out
}

// Addr returns host:port for the HTTP listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
