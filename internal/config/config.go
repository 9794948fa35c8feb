// Package config loads and validates engine configuration.
package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/shizukutanaka/seisan/internal/liquidation"
	"github.com/shizukutanaka/seisan/internal/metrics"
	"github.com/shizukutanaka/seisan/internal/oracle"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Chain    ChainConfig    `mapstructure:"chain"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  metrics.Config `mapstructure:"metrics"`
}

// ChainConfig points the engine at its on-chain collaborators. PrivateKey
// is normally supplied through SEISAN_CHAIN_PRIVATE_KEY rather than the
// config file.
type ChainConfig struct {
	RPCURL             string            `mapstructure:"rpc_url"`
	PoolAddress        string            `mapstructure:"pool_address"`
	LiquidatorContract string            `mapstructure:"liquidator_contract"`
	FlashLender        string            `mapstructure:"flash_lender"`
	SwapRouter         string            `mapstructure:"swap_router"`
	PrivateKey         string            `mapstructure:"private_key"`
	PriceFeeds         map[string]string `mapstructure:"price_feeds"`
	FallbackFeeds      map[string]string `mapstructure:"fallback_feeds"`
}

// EngineConfig controls the monitor loop.
type EngineConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	PriceMoveTrigger float64       `mapstructure:"price_move_trigger_pct"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	ReplayCheckpoint uint64        `mapstructure:"replay_checkpoint"`
}

// OracleConfig controls price fetching and caching.
type OracleConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	StalenessTolerance time.Duration `mapstructure:"staleness_tolerance"`
	MinSources         int           `mapstructure:"min_sources"`
	RetryMaxAttempts   int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
}

// PlannerConfig controls liquidation plan construction.
type PlannerConfig struct {
	TargetHealth      float64 `mapstructure:"target_health"`
	SlippageTolerance float64 `mapstructure:"slippage_tolerance"`
	MinProfit         float64 `mapstructure:"min_profit"`
	FlashLoanFeeRate  float64 `mapstructure:"flash_loan_fee_rate"`
	GasCostEstimate   float64 `mapstructure:"gas_cost_estimate"`
	DustThreshold     float64 `mapstructure:"dust_threshold"`
	EnablePartial     bool    `mapstructure:"enable_partial"`
}

// ExecutorConfig controls plan submission.
type ExecutorConfig struct {
	PlanMaxAge    time.Duration `mapstructure:"plan_max_age"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	GasLimit      uint64        `mapstructure:"gas_limit"`
}

// AuditConfig controls the liquidation record store.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads the config file at path, applying defaults and the
// SEISAN_ environment prefix.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("SEISAN")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.tick_interval", "15s")
	v.SetDefault("engine.price_move_trigger_pct", 0.5)
	v.SetDefault("engine.max_concurrency", 4)
	v.SetDefault("engine.replay_checkpoint", 0)

	v.SetDefault("oracle.cache_ttl", "10s")
	v.SetDefault("oracle.staleness_tolerance", "300s")
	v.SetDefault("oracle.min_sources", 1)
	v.SetDefault("oracle.retry_max_attempts", 3)
	v.SetDefault("oracle.retry_base_delay", "200ms")
	v.SetDefault("oracle.retry_max_delay", "5s")

	v.SetDefault("planner.target_health", 1.001)
	v.SetDefault("planner.slippage_tolerance", 0.005)
	v.SetDefault("planner.min_profit", 0.0)
	v.SetDefault("planner.flash_loan_fee_rate", 0.0009)
	v.SetDefault("planner.gas_cost_estimate", 15.0)
	v.SetDefault("planner.dust_threshold", 100.0)
	v.SetDefault("planner.enable_partial", true)

	v.SetDefault("executor.plan_max_age", "30s")
	v.SetDefault("executor.submit_timeout", "90s")
	v.SetDefault("executor.gas_limit", 1_500_000)

	v.SetDefault("audit.path", "./data/liquidations.db")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s", cfg.LogLevel)
	}

	// The chain section is optional at load time; Validate it only once an
	// endpoint is configured so offline tooling can still read the file.
	if cfg.Chain.RPCURL != "" {
		for name, addr := range map[string]string{
			"chain.pool_address":        cfg.Chain.PoolAddress,
			"chain.liquidator_contract": cfg.Chain.LiquidatorContract,
			"chain.flash_lender":        cfg.Chain.FlashLender,
			"chain.swap_router":         cfg.Chain.SwapRouter,
		} {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%s is not a valid address: %q", name, addr)
			}
		}
		for asset, feed := range cfg.Chain.PriceFeeds {
			if !common.IsHexAddress(asset) || !common.IsHexAddress(feed) {
				return fmt.Errorf("chain.price_feeds entry %q: %q is not a valid address pair", asset, feed)
			}
		}
	}

	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if cfg.Engine.PriceMoveTrigger < 0 {
		return fmt.Errorf("engine.price_move_trigger_pct cannot be negative")
	}
	if cfg.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be at least 1")
	}

	if cfg.Oracle.StalenessTolerance <= 0 {
		return fmt.Errorf("oracle.staleness_tolerance must be positive")
	}
	if cfg.Oracle.MinSources < 1 {
		return fmt.Errorf("oracle.min_sources must be at least 1")
	}

	if cfg.Planner.TargetHealth <= 1.0 {
		return fmt.Errorf("planner.target_health must exceed 1.0")
	}
	if cfg.Planner.SlippageTolerance < 0 || cfg.Planner.SlippageTolerance >= 1 {
		return fmt.Errorf("planner.slippage_tolerance must be in [0, 1)")
	}
	if cfg.Planner.FlashLoanFeeRate < 0 {
		return fmt.Errorf("planner.flash_loan_fee_rate cannot be negative")
	}

	if cfg.Executor.PlanMaxAge <= 0 {
		return fmt.Errorf("executor.plan_max_age must be positive")
	}
	if cfg.Executor.SubmitTimeout <= 0 {
		return fmt.Errorf("executor.submit_timeout must be positive")
	}

	if cfg.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}

	return nil
}

// OracleClientConfig converts the oracle section to the client's config.
func (c *Config) OracleClientConfig() oracle.Config {
	return oracle.Config{
		CacheTTL:           c.Oracle.CacheTTL,
		StalenessTolerance: c.Oracle.StalenessTolerance,
		MinSources:         c.Oracle.MinSources,
		Retry: oracle.RetryPolicy{
			MaxAttempts: c.Oracle.RetryMaxAttempts,
			BaseDelay:   c.Oracle.RetryBaseDelay,
			MaxDelay:    c.Oracle.RetryMaxDelay,
		},
	}
}

// LiquidationPlannerConfig converts the planner section to the
// planner's decimal based config.
func (c *Config) LiquidationPlannerConfig() liquidation.PlannerConfig {
	return liquidation.PlannerConfig{
		TargetHealth:      decimal.NewFromFloat(c.Planner.TargetHealth),
		SlippageTolerance: decimal.NewFromFloat(c.Planner.SlippageTolerance),
		MinProfit:         decimal.NewFromFloat(c.Planner.MinProfit),
		FlashLoanFeeRate:  decimal.NewFromFloat(c.Planner.FlashLoanFeeRate),
		GasCostEstimate:   decimal.NewFromFloat(c.Planner.GasCostEstimate),
		DustThreshold:     decimal.NewFromFloat(c.Planner.DustThreshold),
		EnablePartial:     c.Planner.EnablePartial,
	}
}

// ParsedPriceFeeds returns the asset-to-feed map as addresses. Call only
// after validation has passed.
func (c ChainConfig) ParsedPriceFeeds() map[common.Address]common.Address {
	return parseFeedMap(c.PriceFeeds)
}

// ParsedFallbackFeeds returns the fallback feed map as addresses.
func (c ChainConfig) ParsedFallbackFeeds() map[common.Address]common.Address {
	return parseFeedMap(c.FallbackFeeds)
}

func parseFeedMap(raw map[string]string) map[common.Address]common.Address {
	out := make(map[common.Address]common.Address, len(raw))
	for asset, feed := range raw {
		out[common.HexToAddress(asset)] = common.HexToAddress(feed)
	}
	return out
}

// LiquidationExecutorConfig converts the executor section.
func (c *Config) LiquidationExecutorConfig() liquidation.ExecutorConfig {
	return liquidation.ExecutorConfig{
		PlanMaxAge:    c.Executor.PlanMaxAge,
		SubmitTimeout: c.Executor.SubmitTimeout,
		GasLimit:      c.Executor.GasLimit,
	}
}
