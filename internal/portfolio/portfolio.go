// Package portfolio models the persisted holdings and risk counters of the single traded instrument.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
)

const epsilon = 1e-9

// Position is the current holding of one instrument. Quantity never goes negative.
type Position struct {
	Instrument  string    `json:"instrument"`
	Quantity    float64   `json:"quantity"`
	AverageCost float64   `json:"average_cost"`
	LastUpdated time.Time `json:"last_updated"`
}

// RiskState carries the counters the risk manager reads between cycles.
type RiskState struct {
	MaxPositionSize  float64   `json:"max_position_size"`
	CooldownUntil    time.Time `json:"cooldown_until"`
	CumulativeLoss   float64   `json:"cumulative_loss"`
	RealizedPnL      float64   `json:"realized_pnl"`
	BrokerRejections int       `json:"broker_rejections"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// InCooldown reports whether new orders are paused at t.
func (rs RiskState) InCooldown(t time.Time) bool {
	return rs.CooldownUntil.After(t)
}

// OrderRecord is the durable trace of one order decision.
type OrderRecord struct {
	Request     order.Request `json:"request"`
	Result      order.Result  `json:"result"`
	Reason      string        `json:"reason,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	SettledAt   time.Time     `json:"settled_at,omitempty"`
}

// Record is the unit persisted per instrument.
type Record struct {
	Instrument string       `json:"instrument"`
	Position   Position     `json:"position"`
	Risk       RiskState    `json:"risk"`
	LastOrder  *OrderRecord `json:"last_order,omitempty"`
	Pending    *OrderRecord `json:"pending,omitempty"`
	Version    uint64       `json:"version"`
}

// NewRecord returns the empty record for an instrument seen for the first time.
func NewRecord(instrument string, maxPositionSize float64) Record {
	return Record{
		Instrument: instrument,
		Position:   Position{Instrument: instrument},
		Risk:       RiskState{MaxPositionSize: maxPositionSize},
	}
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (r Record) Clone() Record {
	out := r
	if r.LastOrder != nil {
		lo := *r.LastOrder
		out.LastOrder = &lo
	}
	if r.Pending != nil {
		p := *r.Pending
		out.Pending = &p
	}
	return out
}

// ApplyFill returns the position after a confirmed fill and the realized PnL of that fill.
func (p Position) ApplyFill(side order.Side, qty, price float64, at time.Time) (Position, float64, error) {
	if qty <= 0 {
		return p, 0, errors.New("fill quantity must be positive")
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return p, 0, errors.New("fill price must be positive")
	}

	next := p
	next.LastUpdated = at
	switch side {
	case order.Buy:
		newQty := p.Quantity + qty
		next.AverageCost = ((p.AverageCost * p.Quantity) + qty*price) / newQty
		next.Quantity = newQty
		return next, 0, nil

	case order.Sell:
		if p.Quantity+epsilon < qty {
			return p, 0, fmt.Errorf("sell %.8f exceeds position %.8f", qty, p.Quantity)
		}
		realized := (price - p.AverageCost) * qty
		next.Quantity = p.Quantity - qty
		if next.Quantity <= epsilon {
			next.Quantity = 0
			next.AverageCost = 0
		}
		return next, realized, nil

	default:
		return p, 0, fmt.Errorf("unknown order side %q", side)
	}
}

// AfterFill folds a realized result into the risk counters. A single loss larger than
// lossThreshold starts a cooldown.
func (rs RiskState) AfterFill(realized float64, at time.Time, lossThreshold float64, cooldown time.Duration) RiskState {
	next := rs
	next.RealizedPnL += realized
	next.CumulativeLoss = math.Max(0, rs.CumulativeLoss-realized)
	if realized < 0 && cooldown > 0 && -realized > lossThreshold {
		next.CooldownUntil = at.Add(cooldown)
	}
	next.UpdatedAt = at
	return next
}

// AfterRejection records a broker-side refusal.
func (rs RiskState) AfterRejection(at time.Time) RiskState {
	next := rs
	next.BrokerRejections++
	next.UpdatedAt = at
	return next
}

// UnrealizedPnL marks the position at the supplied price.
func (p Position) UnrealizedPnL(mark float64) float64 {
	if mark <= 0 || p.Quantity <= 0 {
		return 0
	}
	return (mark - p.AverageCost) * p.Quantity
}
