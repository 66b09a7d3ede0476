// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Exchange describes where market data for the traded instrument comes from.
type Exchange struct {
	Provider         string      `yaml:"provider"`
	Symbol           string      `yaml:"symbol"`
	SampleIntervalMs int         `yaml:"sample_interval_ms"`
	PollIntervalMs   int         `yaml:"poll_interval_ms"`
	StaleAfterMs     int         `yaml:"stale_after_ms"`
	HistoryCapacity  int         `yaml:"history_capacity"`
	Binance          Binance     `yaml:"binance"`
	DexScreener      DexScreener `yaml:"dexscreener"`
}

// Binance configures the websocket trade stream and REST backfill.
type Binance struct {
	WSURL            string `yaml:"ws_url"`
	RESTURL          string `yaml:"rest_url"`
	BackfillInterval string `yaml:"backfill_interval"`
}

// DexScreener configures the HTTP polling feed targeting a Dexscreener pair.
type DexScreener struct {
	BaseURL      string `yaml:"base_url"`
	DefaultChain string `yaml:"default_chain"`
}

// Broker selects the execution venue.
type Broker struct {
	Venue             string `yaml:"venue"` // paper|robinhood|dex
	BaseURL           string `yaml:"base_url"`
	Symbol            string `yaml:"symbol"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	QuantityPrecision int32  `yaml:"quantity_precision"`
	APIKey            string `yaml:"-"`
	PrivateKeyBase64  string `yaml:"-"`
}

// Risk encodes guard-rails for how much size the executor may take on.
type Risk struct {
	MaxPositionSize       float64 `yaml:"max_position_size"`
	CapitalFraction       float64 `yaml:"capital_fraction"`
	MinOrderSize          float64 `yaml:"min_order_size"`
	MaxOrderSize          float64 `yaml:"max_order_size"`
	MaxNotionalPerTrade   float64 `yaml:"max_notional_per_trade"`
	MaxCumulativeLoss     float64 `yaml:"max_cumulative_loss"`
	CooldownSecs          int     `yaml:"cooldown_secs"`
	CooldownLossThreshold float64 `yaml:"cooldown_loss_threshold"`
}

// StrategyParams groups tunable knobs for a strategy implementation.
type StrategyParams struct {
	Lookback               int     `yaml:"lookback"`
	Threshold              float64 `yaml:"threshold"`
	SmoothingWindow        int     `yaml:"smoothing_window"`
	MaxExpectedMomentum    float64 `yaml:"max_expected_momentum"`
	VolatilityWindow       int     `yaml:"volatility_window"`
	MeanReversionWindow    int     `yaml:"mean_reversion_window"`
	MeanReversionThreshold float64 `yaml:"mean_reversion_threshold"`
}

// Strategy specifies which strategy is active along with the parameter bundle.
type Strategy struct {
	Mode   string         `yaml:"mode"`
	Params StrategyParams `yaml:"params"`
}

// Retry bounds a retry loop.
type Retry struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
}

// Execution tunes the cycle loop.
type Execution struct {
	IntervalSecs      int   `yaml:"interval_secs"`
	CallTimeoutMs     int   `yaml:"call_timeout_ms"`
	ShutdownGraceSecs int   `yaml:"shutdown_grace_secs"`
	FetchRetry        Retry `yaml:"fetch_retry"`
	SubmitRetry       Retry `yaml:"submit_retry"`
}

// Store picks where position and risk state live.
type Store struct {
	Backend string `yaml:"backend"` // file|pebble
	Path    string `yaml:"path"`
}

// Journal picks where cycle decisions are recorded.
type Journal struct {
	Backend string `yaml:"backend"` // jsonl|sqlite|none
	Path    string `yaml:"path"`
}

// Paper captures paper-trading account settings.
type Paper struct {
	StartingCash float64 `yaml:"starting_cash"`
	SlippageBps  float64 `yaml:"slippage_bps"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Exchange  Exchange  `yaml:"exchange"`
	Broker    Broker    `yaml:"broker"`
	Risk      Risk      `yaml:"risk"`
	Strategy  Strategy  `yaml:"strategy"`
	Execution Execution `yaml:"execution"`
	Store     Store     `yaml:"store"`
	Journal   Journal   `yaml:"journal"`
	Paper     Paper     `yaml:"paper"`
	Dex       Dex       `yaml:"dex"`
	Wallet    Wallet    `yaml:"-"`
}

// Load reads a YAML file from disk, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML. Secrets are never written.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyDefaults fills every zero knob with a workable value.
func (c *Config) ApplyDefaults() {
	setStr(&c.App.Name, "ticker-ai")
	setStr(&c.App.Env, "dev")
	setStr(&c.App.MetricsAddr, ":9102")
	setStr(&c.App.LogLevel, "info")
	setStr(&c.App.LogFormat, "json")

	setStr(&c.Exchange.Provider, "stub")
	setStr(&c.Exchange.Symbol, "BTC-USD")
	setInt(&c.Exchange.SampleIntervalMs, 60_000)
	setInt(&c.Exchange.PollIntervalMs, 5_000)
	setInt(&c.Exchange.HistoryCapacity, 512)
	if c.Exchange.StaleAfterMs <= 0 {
		c.Exchange.StaleAfterMs = 3 * c.Exchange.SampleIntervalMs
	}
	setStr(&c.Exchange.Binance.WSURL, "wss://stream.binance.com:9443/ws")
	setStr(&c.Exchange.Binance.RESTURL, "https://api.binance.com")
	setStr(&c.Exchange.Binance.BackfillInterval, "1m")
	setStr(&c.Exchange.DexScreener.BaseURL, "https://api.dexscreener.com")

	setStr(&c.Broker.Venue, "paper")
	setStr(&c.Broker.BaseURL, "https://trading.robinhood.com")
	setStr(&c.Broker.Symbol, c.Exchange.Symbol)
	setInt(&c.Broker.TimeoutMs, 10_000)
	if c.Broker.QuantityPrecision <= 0 {
		c.Broker.QuantityPrecision = 8
	}

	setFloat(&c.Risk.CapitalFraction, 0.1)
	setFloat(&c.Risk.MaxPositionSize, 1)
	setFloat(&c.Risk.MaxOrderSize, c.Risk.MaxPositionSize)
	setInt(&c.Risk.CooldownSecs, 900)

	setStr(&c.Strategy.Mode, "momentum")
	setInt(&c.Strategy.Params.Lookback, 20)
	setFloat(&c.Strategy.Params.Threshold, 0.025)
	setInt(&c.Strategy.Params.SmoothingWindow, 1)
	setFloat(&c.Strategy.Params.MaxExpectedMomentum, 0.2)
	setInt(&c.Strategy.Params.VolatilityWindow, 20)
	setInt(&c.Strategy.Params.MeanReversionWindow, 5)

	setInt(&c.Execution.IntervalSecs, 60)
	setInt(&c.Execution.CallTimeoutMs, 10_000)
	setInt(&c.Execution.ShutdownGraceSecs, 30)
	c.Execution.FetchRetry.applyDefaults()
	c.Execution.SubmitRetry.applyDefaults()

	setStr(&c.Store.Backend, "file")
	setStr(&c.Store.Path, "data/positions.json")
	setStr(&c.Journal.Backend, "jsonl")
	setStr(&c.Journal.Path, "data/journal.jsonl")

	setFloat(&c.Paper.StartingCash, 10_000)

	c.Dex.applyDefaults()
}

// Validate reports the first knob combination the bot cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Exchange.Symbol == "" {
		errs = append(errs, errors.New("exchange.symbol required"))
	}
	switch strings.ToLower(c.Exchange.Provider) {
	case "stub", "binance", "dexscreener", "robinhood", "jupiter":
	default:
		errs = append(errs, fmt.Errorf("exchange.provider %q unknown", c.Exchange.Provider))
	}
	switch strings.ToLower(c.Broker.Venue) {
	case "paper", "robinhood", "dex":
	default:
		errs = append(errs, fmt.Errorf("broker.venue %q unknown", c.Broker.Venue))
	}
	if c.Risk.CapitalFraction <= 0 || c.Risk.CapitalFraction > 1 {
		errs = append(errs, fmt.Errorf("risk.capital_fraction %.4f outside (0,1]", c.Risk.CapitalFraction))
	}
	if c.Risk.MinOrderSize < 0 || c.Risk.MaxOrderSize < c.Risk.MinOrderSize {
		errs = append(errs, fmt.Errorf("risk order size bounds [%.8f, %.8f] invalid", c.Risk.MinOrderSize, c.Risk.MaxOrderSize))
	}
	if c.Risk.MaxPositionSize <= 0 {
		errs = append(errs, errors.New("risk.max_position_size must be positive"))
	}
	if c.Strategy.Params.Lookback < 2 {
		errs = append(errs, errors.New("strategy.params.lookback must be at least 2"))
	}
	if c.Strategy.Params.Threshold <= 0 {
		errs = append(errs, errors.New("strategy.params.threshold must be positive"))
	}
	if c.Exchange.HistoryCapacity < c.Strategy.Params.Lookback+c.Strategy.Params.SmoothingWindow {
		errs = append(errs, fmt.Errorf("exchange.history_capacity %d smaller than strategy window", c.Exchange.HistoryCapacity))
	}
	return errors.Join(errs...)
}

// Interval is the cycle period.
func (e Execution) Interval() time.Duration { return time.Duration(e.IntervalSecs) * time.Second }

// CallTimeout bounds each feed or broker call.
func (e Execution) CallTimeout() time.Duration {
	return time.Duration(e.CallTimeoutMs) * time.Millisecond
}

// ShutdownGrace is how long an in-flight submission may run after a stop request.
func (e Execution) ShutdownGrace() time.Duration {
	return time.Duration(e.ShutdownGraceSecs) * time.Second
}

// Cooldown is the pause after a loss above the threshold.
func (r Risk) Cooldown() time.Duration { return time.Duration(r.CooldownSecs) * time.Second }

func (r *Retry) applyDefaults() {
	setInt(&r.MaxAttempts, 4)
	setInt(&r.BaseDelayMs, 500)
	setInt(&r.MaxDelayMs, 10_000)
	setFloat(&r.Multiplier, 2)
}

func setStr(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst <= 0 {
		*dst = def
	}
}
