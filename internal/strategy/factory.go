package strategy

import (
	"strings"

	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

// Strategy defines behaviour shared by strategy implementations used by the bot.
type Strategy interface {
	Evaluate(history []signal.PriceSample) (signal.Signal, error)
	Required() int
	Name() string
}

// Params expresses tunable knobs required by strategy constructors.
type Params struct {
	Lookback               int
	Threshold              float64
	SmoothingWindow        int
	MaxExpectedMomentum    float64
	VolatilityWindow       int
	MeanReversionWindow    int
	MeanReversionThreshold float64
}

// Build returns a strategy implementation matching the configured mode.
func Build(mode string, params Params) Strategy {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "volatility_adjusted", "vol_adjusted", "adjusted":
		return NewVolatilityAdjusted(
			params.Lookback,
			params.VolatilityWindow,
			params.MeanReversionWindow,
			params.Threshold,
			params.MeanReversionThreshold,
			params.MaxExpectedMomentum,
		)
	default:
		return NewMomentum(params.Lookback, params.Threshold, params.SmoothingWindow, params.MaxExpectedMomentum)
	}
}
