// Package journal keeps an append-only record of every cycle decision and its outcome.
package journal

import (
	"fmt"
	"strings"
	"time"
)

// Entry is one cycle as seen by an operator reading the journal later.
type Entry struct {
	Cycle          uint64    `json:"cycle"`
	Time           time.Time `json:"time"`
	Instrument     string    `json:"instrument"`
	Phase          string    `json:"phase"`
	Outcome        string    `json:"outcome"`
	Direction      string    `json:"direction,omitempty"`
	Strength       float64   `json:"strength,omitempty"`
	Momentum       float64   `json:"momentum,omitempty"`
	Approved       bool      `json:"approved"`
	Side           string    `json:"side,omitempty"`
	Quantity       float64   `json:"quantity,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	OrderStatus    string    `json:"order_status,omitempty"`
	FilledQuantity float64   `json:"filled_quantity,omitempty"`
	FilledPrice    float64   `json:"filled_price,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Journal persists entries. Record must be safe for sequential use from the controller.
type Journal interface {
	Record(Entry) error
	Close() error
}

const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// Open selects a journal backend by name.
func Open(backend, path string) (Journal, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSONL:
		return NewJSONLRecorder(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", backend)
	}
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(Entry) error { return nil }
func (Nop) Close() error       { return nil }
