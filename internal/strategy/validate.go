package strategy

import (
	"fmt"
	"math"

	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

// validate checks the window a strategy is about to read.
func validate(samples []signal.PriceSample) error {
	for i, s := range samples {
		if s.Price <= 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
			return &DataError{Kind: ErrInvalidPrice, Index: i, Detail: fmt.Sprintf("sample %d price %v", i, s.Price)}
		}
		if i == 0 {
			continue
		}
		prev := samples[i-1].Ts
		switch {
		case s.Ts.Equal(prev):
			return &DataError{Kind: ErrDuplicateTimestamp, Index: i, Detail: s.Ts.UTC().Format("2006-01-02T15:04:05.000Z")}
		case s.Ts.Before(prev):
			return &DataError{Kind: ErrUnorderedTimestamps, Index: i, Detail: fmt.Sprintf("sample %d precedes sample %d", i, i-1)}
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func strength(magnitude, maxExpected float64) float64 {
	if maxExpected <= 0 {
		return 0
	}
	return clamp(math.Abs(magnitude)/maxExpected, 0, 1)
}
