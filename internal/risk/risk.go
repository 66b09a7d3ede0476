// Package risk gates strategy signals before anything reaches a broker.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

const epsilon = 1e-9

// Limits caps the notional of a single trade. Zero disables the cap.
type Limits struct {
	MaxNotionalPerTrade float64
}

// Allow reports whether notional fits under the per-trade cap.
func (l Limits) Allow(notional float64) bool {
	if l.MaxNotionalPerTrade <= 0 {
		return true
	}
	return notional <= l.MaxNotionalPerTrade
}

// Cap trims notional down to the per-trade cap.
func (l Limits) Cap(notional float64) float64 {
	if l.Allow(notional) {
		return notional
	}
	return l.MaxNotionalPerTrade
}

// Config holds the sizing and drawdown knobs.
type Config struct {
	Limits
	CapitalFraction   float64
	MinOrderSize      float64
	MaxOrderSize      float64
	MaxCumulativeLoss float64 // zero disables the drawdown gate
}

// Market is the snapshot of prices and funds the decision is sized against.
type Market struct {
	Price         float64
	AvailableCash float64
}

// Decision is the outcome of Authorize. Rejections carry a Reason and no Side.
type Decision struct {
	Approved bool       `json:"approved"`
	Side     order.Side `json:"side,omitempty"`
	Quantity float64    `json:"quantity,omitempty"`
	Notional float64    `json:"notional,omitempty"`
	Reason   string     `json:"reason"`
}

func reject(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Manager turns a signal into a sized, approved order or a reasoned rejection.
type Manager struct {
	cfg Config
	now func() time.Time
}

// NewManager constructs a Manager; now defaults to time.Now.
func NewManager(cfg Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.CapitalFraction <= 0 || cfg.CapitalFraction > 1 {
		cfg.CapitalFraction = 0.1
	}
	if cfg.MaxOrderSize > 0 && cfg.MaxOrderSize < cfg.MinOrderSize {
		cfg.MaxOrderSize = cfg.MinOrderSize
	}
	return &Manager{cfg: cfg, now: now}
}

// Config returns the effective limits.
func (m *Manager) Config() Config { return m.cfg }

// Authorize applies the checks in a fixed order: hold, cooldown, price, drawdown, then
// side-specific sizing against position and cash.
func (m *Manager) Authorize(sig signal.Signal, pos portfolio.Position, rs portfolio.RiskState, mkt Market) Decision {
	side, ok := order.SideFor(sig.Direction)
	if !ok {
		return reject("signal is %s", sig.Direction)
	}
	now := m.now()
	if rs.InCooldown(now) {
		return reject("cooldown active until %s", rs.CooldownUntil.UTC().Format(time.RFC3339))
	}
	if mkt.Price <= 0 || math.IsNaN(mkt.Price) || math.IsInf(mkt.Price, 0) {
		return reject("invalid market price %v", mkt.Price)
	}

	switch side {
	case order.Buy:
		return m.authorizeBuy(sig, pos, rs, mkt)
	default:
		return m.authorizeSell(sig, pos, mkt)
	}
}

func (m *Manager) authorizeBuy(sig signal.Signal, pos portfolio.Position, rs portfolio.RiskState, mkt Market) Decision {
	if m.cfg.MaxCumulativeLoss > 0 && rs.CumulativeLoss >= m.cfg.MaxCumulativeLoss {
		return reject("cumulative loss %.2f reached limit %.2f", rs.CumulativeLoss, m.cfg.MaxCumulativeLoss)
	}
	headroom := rs.MaxPositionSize - pos.Quantity
	if headroom <= epsilon {
		return reject("position %.8f at max %.8f", pos.Quantity, rs.MaxPositionSize)
	}
	if mkt.AvailableCash <= 0 {
		return reject("no cash available")
	}

	notional := m.cfg.Cap(mkt.AvailableCash * m.cfg.CapitalFraction * clampUnit(sig.Strength))
	qty := notional / mkt.Price
	if m.cfg.MaxOrderSize > 0 {
		qty = math.Min(qty, m.cfg.MaxOrderSize)
	}
	if qty+epsilon < m.cfg.MinOrderSize || qty <= 0 {
		return reject("order size %.8f below minimum %.8f", qty, m.cfg.MinOrderSize)
	}
	if pos.Quantity+qty > rs.MaxPositionSize+epsilon {
		return reject("position %.8f + %.8f exceeds max %.8f", pos.Quantity, qty, rs.MaxPositionSize)
	}
	if qty*mkt.Price > mkt.AvailableCash+epsilon {
		return reject("notional %.2f exceeds cash %.2f", qty*mkt.Price, mkt.AvailableCash)
	}
	return Decision{
		Approved: true,
		Side:     order.Buy,
		Quantity: qty,
		Notional: qty * mkt.Price,
		Reason:   fmt.Sprintf("buy strength %.3f", sig.Strength),
	}
}

func (m *Manager) authorizeSell(sig signal.Signal, pos portfolio.Position, mkt Market) Decision {
	if pos.Quantity <= epsilon {
		return reject("no position to sell")
	}
	qty := pos.Quantity
	if m.cfg.MaxOrderSize > 0 {
		qty = math.Min(qty, m.cfg.MaxOrderSize)
	}
	if qty+epsilon < m.cfg.MinOrderSize {
		return reject("order size %.8f below minimum %.8f", qty, m.cfg.MinOrderSize)
	}
	if pos.Quantity-qty < -epsilon {
		return reject("sell %.8f exceeds position %.8f", qty, pos.Quantity)
	}
	return Decision{
		Approved: true,
		Side:     order.Sell,
		Quantity: qty,
		Notional: qty * mkt.Price,
		Reason:   fmt.Sprintf("sell strength %.3f", sig.Strength),
	}
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
