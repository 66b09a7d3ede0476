// Package strategy turns price history into directional trading signals.
package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

const (
	defaultLookback    = 20
	defaultThreshold   = 0.025
	defaultMaxExpected = 0.2
)

// Momentum emits BUY/SELL when the rate of change across the lookback window clears a threshold.
type Momentum struct {
	lookback    int
	threshold   float64
	smoothing   int
	maxExpected float64
}

// NewMomentum builds a rate-of-change strategy. A smoothing window above one applies an SMA
// to prices before the change is measured.
func NewMomentum(lookback int, threshold float64, smoothing int, maxExpected float64) *Momentum {
	if lookback < 2 {
		lookback = defaultLookback
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if smoothing < 1 {
		smoothing = 1
	}
	if maxExpected <= 0 {
		maxExpected = defaultMaxExpected
	}
	return &Momentum{
		lookback:    lookback,
		threshold:   threshold,
		smoothing:   smoothing,
		maxExpected: maxExpected,
	}
}

// Name returns the identifier for logging.
func (m *Momentum) Name() string { return "Momentum" }

// Required reports how many samples Evaluate needs.
func (m *Momentum) Required() int { return m.lookback + m.smoothing - 1 }

// Evaluate computes the signal for the newest sample in history.
func (m *Momentum) Evaluate(history []signal.PriceSample) (signal.Signal, error) {
	need := m.Required()
	if len(history) < need {
		return signal.Signal{}, insufficient(need, len(history))
	}
	if err := validate(history); err != nil {
		return signal.Signal{}, err
	}

	window := signal.Prices(history[len(history)-need:])
	if m.smoothing > 1 {
		// Sma leaves the first smoothing-1 slots empty.
		window = talib.Sma(window, m.smoothing)[m.smoothing-1:]
	}
	anchor, latest := window[0], window[len(window)-1]
	roc := (latest - anchor) / anchor

	dir := signal.Hold
	switch {
	case roc > m.threshold:
		dir = signal.Buy
	case roc < -m.threshold:
		dir = signal.Sell
	}

	return signal.Signal{
		Direction:   dir,
		Strength:    strength(roc, m.maxExpected),
		Momentum:    roc,
		Reason:      fmt.Sprintf("roc=%.4f threshold=%.4f window=%d", roc, m.threshold, m.lookback),
		GeneratedAt: history[len(history)-1].Ts,
	}, nil
}
