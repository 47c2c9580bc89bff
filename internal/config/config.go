// Package config loads the watcher configuration from YAML with declared
// defaults. Flag overrides are applied by the command after loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultMetricsAddr       = ":9090"
	DefaultDepth             = 20
	DefaultOrderbookInterval = 1 * time.Second
	DefaultBalancesInterval  = 5 * time.Second
	DefaultRateLimitRPS      = 10.0
	DefaultRateLimitBurst    = 20
)

// Market is one watched market listing.
type Market struct {
	Address      string `yaml:"address"`
	BaseSymbol   string `yaml:"base_symbol"`
	QuoteSymbol  string `yaml:"quote_symbol"`
	TickDecimals int32  `yaml:"tick_decimals"`
}

// Config is the full watcher configuration.
type Config struct {
	RPCEndpoint string `yaml:"rpc_endpoint"`
	WSEndpoint  string `yaml:"ws_endpoint"`
	// ProgramID is the venue program owning open-orders accounts.
	ProgramID string `yaml:"program_id"`
	// Owner is the watched wallet address; empty means disconnected.
	Owner string `yaml:"owner"`

	Markets []Market `yaml:"markets"`

	// Depth is how many aggregated levels per side to report.
	Depth int `yaml:"depth"`
	// MarkPricePolicy is "median" or "midpoint".
	MarkPricePolicy string `yaml:"mark_price_policy"`

	OrderbookInterval time.Duration `yaml:"orderbook_interval"`
	BalancesInterval  time.Duration `yaml:"balances_interval"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	MetricsAddr string `yaml:"metrics_addr"`
	// PrefsPath is the sqlite preference store location; empty disables
	// persistence.
	PrefsPath string `yaml:"prefs_path"`
}

// Default returns a configuration with every default applied and no markets.
func Default() Config {
	return Config{
		Depth:             DefaultDepth,
		MarkPricePolicy:   "midpoint",
		OrderbookInterval: DefaultOrderbookInterval,
		BalancesInterval:  DefaultBalancesInterval,
		RateLimitRPS:      DefaultRateLimitRPS,
		RateLimitBurst:    DefaultRateLimitBurst,
		MetricsAddr:       DefaultMetricsAddr,
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// plain defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the parts that cannot fail later with a clearer message.
func (c Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("rpc_endpoint is required")
	}
	for i, m := range c.Markets {
		if m.Address == "" {
			return fmt.Errorf("markets[%d]: address is required", i)
		}
		if m.BaseSymbol == "" || m.QuoteSymbol == "" {
			return fmt.Errorf("markets[%d]: base_symbol and quote_symbol are required", i)
		}
	}
	return nil
}
