package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

// VolatilityAdjusted scales log momentum by recent volatility and only trades against a
// short-term stretch from the moving average.
type VolatilityAdjusted struct {
	lookback    int
	volWindow   int
	meanWindow  int
	threshold   float64
	meanThresh  float64
	maxExpected float64
}

// NewVolatilityAdjusted builds the strategy; non-positive params fall back to defaults.
func NewVolatilityAdjusted(lookback, volWindow, meanWindow int, threshold, meanThreshold, maxExpected float64) *VolatilityAdjusted {
	if lookback < 2 {
		lookback = defaultLookback
	}
	if volWindow < 2 {
		volWindow = 20
	}
	if meanWindow < 2 {
		meanWindow = 5
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if meanThreshold < 0 {
		meanThreshold = 0
	}
	if maxExpected <= 0 {
		maxExpected = 1
	}
	return &VolatilityAdjusted{
		lookback:    lookback,
		volWindow:   volWindow,
		meanWindow:  meanWindow,
		threshold:   threshold,
		meanThresh:  meanThreshold,
		maxExpected: maxExpected,
	}
}

// Name returns the identifier for logging.
func (v *VolatilityAdjusted) Name() string { return "VolatilityAdjusted" }

// Required reports how many samples Evaluate needs.
func (v *VolatilityAdjusted) Required() int {
	need := v.lookback
	if v.volWindow+1 > need {
		need = v.volWindow + 1
	}
	if v.meanWindow > need {
		need = v.meanWindow
	}
	return need
}

// Evaluate computes the volatility adjusted signal for the newest sample.
func (v *VolatilityAdjusted) Evaluate(history []signal.PriceSample) (signal.Signal, error) {
	need := v.Required()
	if len(history) < need {
		return signal.Signal{}, insufficient(need, len(history))
	}
	if err := validate(history); err != nil {
		return signal.Signal{}, err
	}

	prices := signal.Prices(history[len(history)-need:])
	last := len(prices) - 1

	logMomentum := math.Log(prices[last] / prices[last-v.lookback+1])

	returns := make([]float64, last)
	for i := 1; i <= last; i++ {
		returns[i-1] = math.Log(prices[i] / prices[i-1])
	}
	vol := talib.StdDev(returns, v.volWindow, 1.0)[len(returns)-1]

	adjusted := 0.0
	if vol > 0 {
		adjusted = logMomentum / vol
	}
	deviation := prices[last] - talib.Sma(prices, v.meanWindow)[last]

	dir := signal.Hold
	switch {
	case adjusted > v.threshold && deviation < -v.meanThresh:
		dir = signal.Buy
	case adjusted < -v.threshold && deviation > v.meanThresh:
		dir = signal.Sell
	}

	return signal.Signal{
		Direction:   dir,
		Strength:    strength(adjusted, v.maxExpected),
		Momentum:    adjusted,
		Reason:      fmt.Sprintf("adj=%.4f vol=%.5f dev=%.4f", adjusted, vol, deviation),
		GeneratedAt: history[len(history)-1].Ts,
	}, nil
}
