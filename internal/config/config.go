// Package config loads agent configuration from a YAML file with
// AQUA_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Quoting     QuotingConfig     `mapstructure:"quoting"`
	PriceEngine PriceEngineConfig `mapstructure:"price_engine"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type QuotingConfig struct {
	SupportedChains []int64 `mapstructure:"supported_chains"`
	DefaultFeeBps   int64   `mapstructure:"default_fee_bps"`
	MinConfidence   float64 `mapstructure:"min_confidence"`
}

type PriceEngineConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file at path, or the defaults plus environment when
// path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AQUA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	v.SetDefault("quoting.supported_chains", []int64{1, 8453})
	v.SetDefault("quoting.default_fee_bps", 10)
	v.SetDefault("quoting.min_confidence", 0.3)

	v.SetDefault("price_engine.base_url", "")
	v.SetDefault("price_engine.timeout", 2*time.Second)

	v.SetDefault("ledger.path", "aqua-agent.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if len(c.Quoting.SupportedChains) == 0 {
		return fmt.Errorf("quoting.supported_chains must not be empty")
	}
	if c.Quoting.DefaultFeeBps < 0 || c.Quoting.DefaultFeeBps >= 10_000 {
		return fmt.Errorf("quoting.default_fee_bps %d out of range", c.Quoting.DefaultFeeBps)
	}
	if c.Quoting.MinConfidence < 0 || c.Quoting.MinConfidence > 1 {
		return fmt.Errorf("quoting.min_confidence %.2f out of range", c.Quoting.MinConfidence)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path must not be empty")
	}
	return nil
}

// SupportedChainSet converts the configured chain list into the lookup form
// the pipeline consumes.
func (c *Config) SupportedChainSet() map[int64]bool {
	set := make(map[int64]bool, len(c.Quoting.SupportedChains))
	for _, id := range c.Quoting.SupportedChains {
		set[id] = true
	}
	return set
}
