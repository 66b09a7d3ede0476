// Package exchange hosts market data connectors that keep a sampled price history for the
// traded instrument.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/thierrypdamiba/ticker-ai/internal/metrics"
	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

const (
	// ProviderStub emits a deterministic synthetic walk (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance streams live trades from Binance public websockets.
	ProviderBinance = "binance"
	// ProviderDexScreener polls the Dexscreener HTTP API for an on-chain pair.
	ProviderDexScreener = "dexscreener"
	// ProviderRobinhood polls best bid/ask through a Quoter.
	ProviderRobinhood = "robinhood"
	// ProviderJupiter polls a Jupiter swap quote through a Quoter.
	ProviderJupiter = "jupiter"
)

var (
	// ErrDataUnavailable means no fresh sample exists for the instrument.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrUnknownInstrument is returned for instruments this feed does not track.
	ErrUnknownInstrument = errors.New("unknown instrument")
)

// Quoter returns a current mid price for a symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (float64, error)
}

// Feed samples one instrument's price into a History and serves windows of it.
type Feed struct {
	provider       string
	symbol         string
	log            zerolog.Logger
	pollInterval   time.Duration
	sampleInterval time.Duration
	staleAfter     time.Duration
	history        *History
	now            func() time.Time

	binanceWSURL       string
	binanceRESTURL     string
	binanceKline       string
	dexscreenerBaseURL string
	dexscreenerChain   string
	quoter             Quoter
	http               *resty.Client
}

// Option configures Feed construction parameters.
type Option func(*Feed)

const (
	defaultPollInterval       = 2 * time.Second
	defaultSampleInterval     = time.Minute
	defaultCapacity           = 512
	defaultBinanceWSURL       = "wss://stream.binance.com:9443/ws"
	defaultBinanceRESTURL     = "https://api.binance.com"
	defaultDexScreenerBaseURL = "https://api.dexscreener.com"
)

// WithPollInterval overrides the default polling cadence for HTTP-based feeds.
func WithPollInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithSampling sets the bucket width, how long the newest sample stays usable and the buffer size.
func WithSampling(interval, staleAfter time.Duration, capacity int) Option {
	return func(f *Feed) {
		if interval > 0 {
			f.sampleInterval = interval
		}
		if staleAfter > 0 {
			f.staleAfter = staleAfter
		}
		if capacity > 0 {
			f.history = NewHistory(capacity, f.sampleInterval)
		}
	}
}

// WithBinanceConfig overrides the websocket and REST endpoints plus the kline interval used
// for backfill.
func WithBinanceConfig(wsURL, restURL, klineInterval string) Option {
	return func(f *Feed) {
		if wsURL != "" {
			f.binanceWSURL = strings.TrimSuffix(wsURL, "/")
		}
		if restURL != "" {
			f.binanceRESTURL = strings.TrimSuffix(restURL, "/")
		}
		if klineInterval != "" {
			f.binanceKline = klineInterval
		}
	}
}

// WithDexScreenerConfig injects base URL and default chain metadata for Dexscreener.
func WithDexScreenerConfig(baseURL, defaultChain string) Option {
	return func(f *Feed) {
		if baseURL != "" {
			f.dexscreenerBaseURL = strings.TrimSuffix(baseURL, "/")
		}
		if defaultChain != "" {
			f.dexscreenerChain = strings.ToLower(defaultChain)
		}
	}
}

// WithQuoter sets the price source used by the robinhood and jupiter providers.
func WithQuoter(q Quoter) Option {
	return func(f *Feed) { f.quoter = q }
}

// WithClock overrides time.Now for staleness checks and polled sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider, symbol string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:           strings.ToLower(provider),
		symbol:             strings.TrimSpace(symbol),
		log:                log.With().Str("provider", strings.ToLower(provider)).Logger(),
		pollInterval:       defaultPollInterval,
		sampleInterval:     defaultSampleInterval,
		now:                time.Now,
		binanceWSURL:       defaultBinanceWSURL,
		binanceRESTURL:     defaultBinanceRESTURL,
		binanceKline:       "1m",
		dexscreenerBaseURL: defaultDexScreenerBaseURL,
		http:               resty.New().SetTimeout(10*time.Second).SetHeader("User-Agent", "ticker-ai/1.0"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.history == nil {
		f.history = NewHistory(defaultCapacity, f.sampleInterval)
	}
	if f.staleAfter <= 0 {
		f.staleAfter = 3 * f.sampleInterval
	}
	return f
}

// Symbol is the instrument this feed tracks.
func (f *Feed) Symbol() string { return f.symbol }

// History exposes the underlying sample buffer.
func (f *Feed) History() *History { return f.history }

// Run fills the history until the context is canceled.
func (f *Feed) Run(ctx context.Context) error {
	if f.symbol == "" {
		return fmt.Errorf("%s feed requires a symbol", f.provider)
	}
	switch f.provider {
	case ProviderBinance:
		if err := f.Backfill(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("kline backfill failed")
		}
		return f.runBinance(ctx)
	case ProviderDexScreener:
		return f.poll(ctx, f.fetchDexScreener)
	case ProviderRobinhood, ProviderJupiter:
		if f.quoter == nil {
			return fmt.Errorf("%s feed requires a quoter", f.provider)
		}
		return f.poll(ctx, func(ctx context.Context) (float64, error) {
			return f.quoter.Quote(ctx, f.symbol)
		})
	case ProviderStub:
		return f.runStub(ctx)
	default:
		return fmt.Errorf("unknown market data provider %q", f.provider)
	}
}

// PriceHistory returns up to n of the newest samples. It fails with ErrDataUnavailable when
// nothing has arrived yet or the newest observation is older than the staleness bound.
func (f *Feed) PriceHistory(ctx context.Context, instrument string, n int) ([]signal.PriceSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if instrument != f.symbol {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	if f.history.Len() == 0 {
		return nil, fmt.Errorf("%w: no samples for %s", ErrDataUnavailable, instrument)
	}
	if age := f.now().Sub(f.history.Updated()); age > f.staleAfter {
		return nil, fmt.Errorf("%w: newest sample for %s is %s old", ErrDataUnavailable, instrument, age.Round(time.Millisecond))
	}
	return f.history.Last(n), nil
}

func (f *Feed) observe(ts time.Time, price float64) {
	if f.history.Observe(ts, price, f.now()) {
		metrics.SamplesTotal.WithLabelValues(f.symbol).Inc()
	}
}

func (f *Feed) poll(ctx context.Context, fetch func(context.Context) (float64, error)) error {
	tick := func() {
		price, err := fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.log.Warn().Err(err).Msg("price poll failed")
			}
			return
		}
		f.observe(f.now(), price)
	}

	tick()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

// runStub walks a deterministic oscillating price so offline runs see both BUY and SELL signals.
func (f *Feed) runStub(ctx context.Context) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	step := 0
	emit := func() {
		px := 100 * (1 + 0.08*math.Sin(float64(step)/6))
		f.observe(f.now(), px)
		step++
	}
	emit()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			emit()
		}
	}
}
