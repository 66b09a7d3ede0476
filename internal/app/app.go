// Package app assembles a runnable bot from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thierrypdamiba/ticker-ai/internal/broker/robinhood"
	"github.com/thierrypdamiba/ticker-ai/internal/config"
	dexsolana "github.com/thierrypdamiba/ticker-ai/internal/dex/solana"
	"github.com/thierrypdamiba/ticker-ai/internal/exchange"
	"github.com/thierrypdamiba/ticker-ai/internal/execution"
	"github.com/thierrypdamiba/ticker-ai/internal/journal"
	"github.com/thierrypdamiba/ticker-ai/internal/paper"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/retry"
	"github.com/thierrypdamiba/ticker-ai/internal/risk"
	"github.com/thierrypdamiba/ticker-ai/internal/status"
	"github.com/thierrypdamiba/ticker-ai/internal/store"
	"github.com/thierrypdamiba/ticker-ai/internal/strategy"
	"github.com/thierrypdamiba/ticker-ai/internal/util"
)

const (
	VenuePaper     = "paper"
	VenueRobinhood = "robinhood"
	VenueDex       = "dex"
)

// Bot is every long-lived component of one trading process.
type Bot struct {
	Config     *config.Config
	Log        zerolog.Logger
	Feed       *exchange.Feed
	Broker     execution.Broker
	Paper      *paper.Broker // nil unless the venue is paper
	Strategy   strategy.Strategy
	Store      store.Store
	Journal    journal.Journal
	Controller *execution.Controller
	Status     *status.Server
}

// Option adjusts construction, mostly for tests.
type Option func(*options)

type options struct {
	broker execution.Broker
	feed   []exchange.Option
	exec   []execution.Option
}

// WithBroker replaces the configured venue.
func WithBroker(b execution.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithFeedOptions appends feed options after the configured ones.
func WithFeedOptions(opts ...exchange.Option) Option {
	return func(o *options) { o.feed = append(o.feed, opts...) }
}

// WithControllerOptions passes options through to execution.New.
func WithControllerOptions(opts ...execution.Option) Option {
	return func(o *options) { o.exec = append(o.exec, opts...) }
}

// Policy converts a configured retry block.
func Policy(r config.Retry) retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:  r.Multiplier,
	}
}

// Build opens storage and wires feed, venue, strategy, risk and controller. Close releases
// whatever Build opened, including on error paths.
func Build(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Bot, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	b := &Bot{Config: cfg, Log: log}
	symbol := cfg.Exchange.Symbol

	var quoter exchange.Quoter
	venue := strings.ToLower(cfg.Broker.Venue)
	switch {
	case o.broker != nil:
		b.Broker = o.broker
		if q, ok := o.broker.(exchange.Quoter); ok {
			quoter = q
		}
	case venue == VenueRobinhood:
		client, err := newRobinhood(cfg, log)
		if err != nil {
			return nil, err
		}
		b.Broker, quoter = client, client
	case venue == VenueDex:
		db, err := newDex(cfg, log)
		if err != nil {
			return nil, err
		}
		b.Broker, quoter = db, db
	}
	if quoter == nil && strings.EqualFold(cfg.Exchange.Provider, exchange.ProviderRobinhood) {
		client, err := newRobinhood(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("robinhood feed: %w", err)
		}
		quoter = client
	}

	feedOpts := []exchange.Option{
		exchange.WithPollInterval(time.Duration(cfg.Exchange.PollIntervalMs) * time.Millisecond),
		exchange.WithSampling(
			time.Duration(cfg.Exchange.SampleIntervalMs)*time.Millisecond,
			time.Duration(cfg.Exchange.StaleAfterMs)*time.Millisecond,
			cfg.Exchange.HistoryCapacity,
		),
		exchange.WithBinanceConfig(cfg.Exchange.Binance.WSURL, cfg.Exchange.Binance.RESTURL, cfg.Exchange.Binance.BackfillInterval),
		exchange.WithDexScreenerConfig(cfg.Exchange.DexScreener.BaseURL, cfg.Exchange.DexScreener.DefaultChain),
	}
	if quoter != nil {
		feedOpts = append(feedOpts, exchange.WithQuoter(quoter))
	}
	b.Feed = exchange.NewFeed(cfg.Exchange.Provider, symbol, util.Component(log, "feed"), append(feedOpts, o.feed...)...)

	st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	b.Store = st
	jr, err := journal.Open(cfg.Journal.Backend, cfg.Journal.Path)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	b.Journal = jr

	if b.Broker == nil {
		pb, err := b.newPaper()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Paper, b.Broker = pb, pb
	}

	p := cfg.Strategy.Params
	b.Strategy = strategy.Build(cfg.Strategy.Mode, strategy.Params{
		Lookback:               p.Lookback,
		Threshold:              p.Threshold,
		SmoothingWindow:        p.SmoothingWindow,
		MaxExpectedMomentum:    p.MaxExpectedMomentum,
		VolatilityWindow:       p.VolatilityWindow,
		MeanReversionWindow:    p.MeanReversionWindow,
		MeanReversionThreshold: p.MeanReversionThreshold,
	})
	rm := risk.NewManager(risk.Config{
		Limits:            risk.Limits{MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade},
		CapitalFraction:   cfg.Risk.CapitalFraction,
		MinOrderSize:      cfg.Risk.MinOrderSize,
		MaxOrderSize:      cfg.Risk.MaxOrderSize,
		MaxCumulativeLoss: cfg.Risk.MaxCumulativeLoss,
	}, nil)

	ctrl, err := execution.New(execution.Config{
		Instrument:            symbol,
		MaxPositionSize:       cfg.Risk.MaxPositionSize,
		CallTimeout:           cfg.Execution.CallTimeout(),
		ShutdownGrace:         cfg.Execution.ShutdownGrace(),
		FetchRetry:            Policy(cfg.Execution.FetchRetry),
		SubmitRetry:           Policy(cfg.Execution.SubmitRetry),
		Cooldown:              cfg.Risk.Cooldown(),
		CooldownLossThreshold: cfg.Risk.CooldownLossThreshold,
	}, execution.Deps{
		Feed:     b.Feed,
		Broker:   b.Broker,
		Strategy: b.Strategy,
		Risk:     rm,
		Store:    st,
		Journal:  jr,
	}, util.Component(log, "controller"), o.exec...)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Controller = ctrl

	hist, _ := jr.(status.History)
	b.Status = status.New(ctrl, hist, nil, util.Component(log, "status"))

	log.Info().
		Str("symbol", symbol).
		Str("provider", cfg.Exchange.Provider).
		Str("venue", venue).
		Str("strategy", b.Strategy.Name()).
		Int("window", b.Strategy.Required()).
		Msg("bot assembled")
	return b, nil
}

func newRobinhood(cfg *config.Config, log zerolog.Logger) (*robinhood.Client, error) {
	return robinhood.New(robinhood.Config{
		BaseURL:           cfg.Broker.BaseURL,
		APIKey:            cfg.Broker.APIKey,
		PrivateKeyBase64:  cfg.Broker.PrivateKeyBase64,
		Timeout:           time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
		QuantityPrecision: cfg.Broker.QuantityPrecision,
	}, util.Component(log, "broker"))
}

func newDex(cfg *config.Config, log zerolog.Logger) (*dexsolana.Broker, error) {
	key, err := dexsolana.ParsePrivateKey(cfg.Wallet.PrivateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("dex wallet: %w", err)
	}
	jc := dexsolana.NewJupiterClient(cfg.Dex.RpcURL, cfg.Dex.JupiterBase, key, cfg.Dex.Commitment)
	if cfg.Dex.PriorityFee > 0 {
		jc.PriorityFeeLamports = uint64(cfg.Dex.PriorityFee)
	}
	return dexsolana.NewBroker(jc, dexsolana.Pair{
		BaseMint:      cfg.Dex.BaseMint,
		QuoteMint:     cfg.Dex.QuoteMint,
		BaseDecimals:  cfg.Dex.BaseDecimals,
		QuoteDecimals: cfg.Dex.QuoteDecimals,
		SlippageBps:   cfg.Dex.SlippageBps,
	}, util.Component(log, "broker"), dexsolana.WithSwapExpiry(cfg.Dex.SwapExpiry()))
}

// newPaper seeds the simulated account with the persisted holding and realized PnL so restarts
// keep both the position and the cash it was bought with.
func (b *Bot) newPaper() (*paper.Broker, error) {
	cfg := b.Config
	account := paper.NewAccount(cfg.Paper.StartingCash, cfg.Risk.MaxPositionSize)
	rec, err := b.Store.Load(cfg.Exchange.Symbol)
	switch {
	case err == nil:
		account.Seed(rec.Position, rec.Risk.RealizedPnL)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("seed paper account: %w", err)
	}
	return paper.NewBroker(account, b.Mark, cfg.Paper.SlippageBps, util.Component(b.Log, "broker")), nil
}

// positionTolerance absorbs venue rounding of token balances.
const positionTolerance = 1e-8

// PositionCheck compares the venue's holding with the persisted record.
type PositionCheck struct {
	Record portfolio.Record   `json:"record"`
	Broker portfolio.Position `json:"broker"`
	Drift  float64            `json:"drift"`
}

// Agrees reports whether the venue and the record hold the same quantity.
func (pc PositionCheck) Agrees() bool { return math.Abs(pc.Drift) <= positionTolerance }

// CheckPosition asks the venue for its holding and compares it with the store. A missing
// record counts as flat. Disagreement is logged; the controller keeps trading from the record.
func (b *Bot) CheckPosition(ctx context.Context) (PositionCheck, error) {
	symbol := b.Config.Exchange.Symbol
	rec, err := b.Store.Load(symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = portfolio.NewRecord(symbol, b.Config.Risk.MaxPositionSize)
	case err != nil:
		return PositionCheck{}, fmt.Errorf("load record: %w", err)
	}
	held, err := b.Broker.GetPosition(ctx, symbol)
	if err != nil {
		return PositionCheck{Record: rec}, fmt.Errorf("broker position: %w", err)
	}
	pc := PositionCheck{Record: rec, Broker: held, Drift: held.Quantity - rec.Position.Quantity}
	if !pc.Agrees() {
		b.Log.Warn().
			Float64("broker_qty", held.Quantity).
			Float64("record_qty", rec.Position.Quantity).
			Float64("drift", pc.Drift).
			Msg("broker holding differs from persisted position")
	}
	return pc, nil
}

// Mark is the newest fresh sample from the feed.
func (b *Bot) Mark(ctx context.Context, instrument string) (float64, error) {
	samples, err := b.Feed.PriceHistory(ctx, instrument, 1)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, exchange.ErrDataUnavailable
	}
	return samples[len(samples)-1].Price, nil
}

// Warmup waits until the feed holds a full strategy window or the timeout passes.
func (b *Bot) Warmup(ctx context.Context, timeout time.Duration) bool {
	need := b.Strategy.Required()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if b.Feed.History().Len() >= need {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			b.Log.Warn().Int("have", b.Feed.History().Len()).Int("need", need).Msg("warmup timed out")
			return false
		case <-tick.C:
		}
	}
}

// StartFeed runs the feed in the background and reports its exit on the returned channel.
func (b *Bot) StartFeed(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		err := b.Feed.Run(ctx)
		if err != nil && ctx.Err() == nil {
			b.Log.Error().Err(err).Msg("feed stopped")
		}
		done <- err
	}()
	return done
}

// Run drives feed, status server and controller until ctx ends or the controller halts.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feedDone := b.StartFeed(ctx)
	if addr := b.Config.App.MetricsAddr; addr != "" {
		go func() {
			if err := b.Status.Start(ctx, addr); err != nil {
				b.Log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}
	checkCtx, cancelCheck := context.WithTimeout(ctx, b.Config.Execution.CallTimeout())
	if _, err := b.CheckPosition(checkCtx); err != nil {
		b.Log.Warn().Err(err).Msg("position check skipped")
	}
	cancelCheck()
	b.Warmup(ctx, b.Config.Execution.Interval())

	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- b.Controller.Run(ctx, b.Config.Execution.Interval()) }()

	select {
	case err := <-ctrlDone:
		return err
	case err := <-feedDone:
		if ctx.Err() != nil {
			return <-ctrlDone
		}
		cancel()
		if cerr := <-ctrlDone; cerr != nil {
			return cerr
		}
		return fmt.Errorf("market data feed stopped: %w", err)
	}
}

// Close releases storage handles.
func (b *Bot) Close() error {
	var errs []error
	if b.Journal != nil {
		errs = append(errs, b.Journal.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	return errors.Join(errs...)
}
