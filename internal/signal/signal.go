// Package signal standardizes payloads shared between market data ingestion and strategy layers.
package signal

import "time"

// PriceSample is a single observation of the instrument price.
type PriceSample struct {
	Ts    time.Time `json:"ts"`
	Price float64   `json:"price"`
}

// Direction is the trading bias carried by a Signal.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Signal expresses a trading bias produced by a strategy implementation.
type Signal struct {
	Symbol      string    `json:"symbol,omitempty"`
	Direction   Direction `json:"direction"`
	Strength    float64   `json:"strength"` // normalized magnitude in [0,1]
	Momentum    float64   `json:"momentum"`
	Reason      string    `json:"reason,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Actionable reports whether the signal asks for an order at all.
func (s Signal) Actionable() bool {
	return s.Direction == Buy || s.Direction == Sell
}

// Prices extracts the price column from a sample series.
func Prices(samples []PriceSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Price
	}
	return out
}
