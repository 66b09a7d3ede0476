// Package order holds the broker-facing order vocabulary shared by every venue.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

// Side enumerates order directions.
type Side string

const (
	// Buy indicates a long order.
	Buy Side = "BUY"
	// Sell reduces an existing long.
	Sell Side = "SELL"
)

// SideFor maps a signal direction onto an order side.
func SideFor(dir signal.Direction) (Side, bool) {
	switch dir {
	case signal.Buy:
		return Buy, true
	case signal.Sell:
		return Sell, true
	default:
		return "", false
	}
}

// Status is the broker-reported lifecycle state of an order.
type Status string

const (
	Filled   Status = "FILLED"
	Rejected Status = "REJECTED"
	Pending  Status = "PENDING"
	Failed   Status = "FAILED"
)

// ErrUnknownOrder is returned by status lookups when the broker has no order for the key.
var ErrUnknownOrder = errors.New("unknown order")

// Request represents a placement the broker should execute exactly once.
type Request struct {
	Side           Side      `json:"side"`
	Quantity       float64   `json:"quantity"`
	Instrument     string    `json:"instrument"`
	IdempotencyKey string    `json:"idempotency_key"`
	RefPrice       float64   `json:"ref_price,omitempty"` // mark used for sizing, not a limit
	CreatedAt      time.Time `json:"created_at"`
}

// NewRequest mints a request with a fresh idempotency key.
func NewRequest(instrument string, side Side, qty, refPrice float64, now time.Time) Request {
	return Request{
		Side:           side,
		Quantity:       qty,
		Instrument:     instrument,
		IdempotencyKey: uuid.NewString(),
		RefPrice:       refPrice,
		CreatedAt:      now,
	}
}

// Validate rejects requests no venue could execute.
func (r Request) Validate() error {
	if r.Instrument == "" {
		return errors.New("order instrument required")
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("unknown order side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	if r.IdempotencyKey == "" {
		return errors.New("idempotency key required")
	}
	return nil
}

// Result is the broker's answer for a request.
type Result struct {
	Status         Status  `json:"status"`
	FilledQuantity float64 `json:"filled_quantity"`
	FilledPrice    float64 `json:"filled_price"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Final reports whether the result will not change any more.
func (r Result) Final() bool {
	return r.Status == Filled || r.Status == Rejected || r.Status == Failed
}
