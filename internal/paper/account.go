// Package paper simulates a broker account so the bot can trade without real funds.
package paper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
)

const epsilon = 1e-9

// Account tracks virtual cash, realized PnL, and per-symbol positions while trading in paper mode.
type Account struct {
	mu                   sync.Mutex
	startingCash         float64
	cash                 float64
	realizedPnL          float64
	maxPositionPerSymbol float64
	positions            map[string]portfolio.Position
}

// PositionSnapshot exposes a read-only view of a single symbol position.
type PositionSnapshot struct {
	Qty         float64
	AvgCost     float64
	MarketValue float64
	Unrealized  float64
}

// Snapshot represents a thread-safe view of the account state, optionally marked to market using provided prices.
type Snapshot struct {
	Cash        float64
	RealizedPnL float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// NewAccount constructs an account populated with starting cash and optional position cap.
func NewAccount(startingCash, maxPositionPerSymbol float64) *Account {
	return &Account{
		startingCash:         startingCash,
		cash:                 startingCash,
		maxPositionPerSymbol: maxPositionPerSymbol,
		positions:            make(map[string]portfolio.Position),
	}
}

// StartingCash returns the initial bankroll used to compute drawdown.
func (a *Account) StartingCash() float64 { return a.startingCash }

// Seed restores state carried over from a previous run. Under average-cost accounting cash is
// starting cash plus realized PnL minus the cost basis still held.
func (a *Account) Seed(pos portfolio.Position, realizedPnL float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realizedPnL = realizedPnL
	a.cash = a.startingCash + realizedPnL
	if pos.Quantity <= epsilon {
		return
	}
	a.positions[pos.Instrument] = pos
	a.cash -= pos.Quantity * pos.AverageCost
}

// MarketFill executes a market order at the provided price, mutating balances if successful.
// It returns the executed quantity (sells are trimmed to the holding) and the realized PnL.
func (a *Account) MarketFill(symbol string, side order.Side, qty, price float64, at time.Time) (float64, float64, error) {
	if qty <= 0 {
		return 0, 0, errors.New("quantity must be positive")
	}
	if price <= 0 {
		return 0, 0, errors.New("price must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.positions[symbol]
	if !ok {
		state = portfolio.Position{Instrument: symbol}
	}
	notional := qty * price

	switch side {
	case order.Buy:
		if notional > a.cash+epsilon {
			return 0, 0, fmt.Errorf("insufficient cash for buy: need %.2f have %.2f", notional, a.cash)
		}
		if a.maxPositionPerSymbol > 0 && state.Quantity+qty > a.maxPositionPerSymbol+epsilon {
			return 0, 0, errors.New("position limit exceeded")
		}
	case order.Sell:
		if state.Quantity <= 0 || state.Quantity+epsilon < qty {
			return 0, 0, errors.New("insufficient position to sell")
		}
		qty = min(qty, state.Quantity)
		notional = qty * price
	default:
		return 0, 0, errors.New("unknown order side")
	}

	next, realized, err := state.ApplyFill(side, qty, price, at)
	if err != nil {
		return 0, 0, err
	}
	if side == order.Buy {
		a.cash -= notional
	} else {
		a.cash += notional
	}
	a.realizedPnL += realized
	if next.Quantity <= epsilon {
		delete(a.positions, symbol)
	} else {
		a.positions[symbol] = next
	}
	return qty, realized, nil
}

// Snapshot returns a copy of balances, optionally marked using the supplied prices map.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for sym, pos := range a.positions {
		mark := prices[sym]
		marketValue := pos.Quantity * mark
		if mark == 0 {
			marketValue = 0
		}
		positions[sym] = PositionSnapshot{
			Qty:         pos.Quantity,
			AvgCost:     pos.AverageCost,
			MarketValue: marketValue,
			Unrealized:  pos.UnrealizedPnL(mark),
		}
		equity += marketValue
	}

	return Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      equity,
		Positions:   positions,
	}
}

// AvailableCash reports free cash that can be deployed into new longs.
func (a *Account) AvailableCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// Position returns the current holding for the supplied symbol.
func (a *Account) Position(symbol string) portfolio.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[symbol]
	if !ok {
		return portfolio.Position{Instrument: symbol}
	}
	return pos
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}
