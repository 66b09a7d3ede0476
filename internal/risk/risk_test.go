package risk

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func testManager() *Manager {
	return NewManager(Config{
		Limits:            Limits{MaxNotionalPerTrade: 1000},
		CapitalFraction:   0.5,
		MinOrderSize:      0.001,
		MaxOrderSize:      5,
		MaxCumulativeLoss: 200,
	}, clock)
}

func buy(strength float64) signal.Signal {
	return signal.Signal{Symbol: "BTC-USD", Direction: signal.Buy, Strength: strength}
}

func TestAllow(t *testing.T) {
	limits := Limits{MaxNotionalPerTrade: 50}
	if !limits.Allow(49.9) {
		t.Fatalf("expected notional under limit to pass")
	}
	if limits.Allow(50.1) {
		t.Fatalf("expected notional above limit to fail")
	}
	if got := limits.Cap(80); got != 50 {
		t.Fatalf("expected cap at 50, got %.2f", got)
	}
	if !(Limits{}).Allow(1e12) {
		t.Fatalf("zero limit disables the cap")
	}
}

func TestHoldIsRejected(t *testing.T) {
	d := testManager().Authorize(signal.Signal{Direction: signal.Hold}, portfolio.Position{}, portfolio.RiskState{MaxPositionSize: 1}, Market{Price: 100, AvailableCash: 1000})
	if d.Approved {
		t.Fatalf("hold must not be approved")
	}
}

func TestBuySizing(t *testing.T) {
	m := testManager()
	rs := portfolio.RiskState{MaxPositionSize: 10}
	d := m.Authorize(buy(0.5), portfolio.Position{}, rs, Market{Price: 100, AvailableCash: 2000})
	if !d.Approved || d.Side != order.Buy {
		t.Fatalf("expected approved buy, got %+v", d)
	}
	// 2000 * 0.5 * 0.5 = 500 notional -> 5 units
	if d.Quantity < 4.999999 || d.Quantity > 5.000001 {
		t.Fatalf("expected 5 units, got %.8f", d.Quantity)
	}
	if d.Notional < 499.99 || d.Notional > 500.01 {
		t.Fatalf("expected 500 notional, got %.4f", d.Notional)
	}

	// per-trade cap: 10000 * 0.5 * 1 = 5000 capped at 1000 -> 10 units, then max order 5
	d = m.Authorize(buy(1), portfolio.Position{}, rs, Market{Price: 100, AvailableCash: 10000})
	if !d.Approved || d.Quantity != 5 {
		t.Fatalf("expected max order size 5, got %+v", d)
	}
}

func TestBuyRejectedBelowMinimum(t *testing.T) {
	d := testManager().Authorize(buy(0.01), portfolio.Position{}, portfolio.RiskState{MaxPositionSize: 1}, Market{Price: 50000, AvailableCash: 10})
	if d.Approved {
		t.Fatalf("expected rejection for dust order, got %+v", d)
	}
	if !strings.Contains(d.Reason, "below minimum") {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestBuyNeverExceedsMaxPosition(t *testing.T) {
	m := testManager()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		maxPos := rng.Float64() * 3
		pos := portfolio.Position{Quantity: rng.Float64() * 3}
		rs := portfolio.RiskState{MaxPositionSize: maxPos}
		mkt := Market{Price: 1 + rng.Float64()*200, AvailableCash: rng.Float64() * 5000}
		d := m.Authorize(buy(rng.Float64()), pos, rs, mkt)
		if d.Approved && pos.Quantity+d.Quantity > maxPos+1e-9 {
			t.Fatalf("iteration %d: buy %.8f on %.8f exceeds max %.8f", i, d.Quantity, pos.Quantity, maxPos)
		}
		if d.Approved && d.Notional > mkt.AvailableCash+1e-9 {
			t.Fatalf("iteration %d: notional %.4f exceeds cash %.4f", i, d.Notional, mkt.AvailableCash)
		}
	}
}

func TestBuyAtMaxPositionRejected(t *testing.T) {
	d := testManager().Authorize(buy(1), portfolio.Position{Quantity: 2}, portfolio.RiskState{MaxPositionSize: 2}, Market{Price: 10, AvailableCash: 1000})
	if d.Approved {
		t.Fatalf("expected rejection at max position")
	}
}

func TestSellAtZeroRejected(t *testing.T) {
	sell := signal.Signal{Direction: signal.Sell, Strength: 1}
	d := testManager().Authorize(sell, portfolio.Position{}, portfolio.RiskState{MaxPositionSize: 1}, Market{Price: 10, AvailableCash: 1000})
	if d.Approved {
		t.Fatalf("sell with no position must be rejected")
	}
}

func TestSellClosesPosition(t *testing.T) {
	sell := signal.Signal{Direction: signal.Sell, Strength: 0.2}
	pos := portfolio.Position{Quantity: 0.75, AverageCost: 90}
	d := testManager().Authorize(sell, pos, portfolio.RiskState{MaxPositionSize: 1}, Market{Price: 100})
	if !d.Approved || d.Side != order.Sell {
		t.Fatalf("expected approved sell, got %+v", d)
	}
	if d.Quantity != 0.75 {
		t.Fatalf("expected full close of 0.75, got %.8f", d.Quantity)
	}
}

func TestCooldownRejectsEverything(t *testing.T) {
	m := testManager()
	rs := portfolio.RiskState{MaxPositionSize: 10, CooldownUntil: fixedNow.Add(time.Minute)}
	pos := portfolio.Position{Quantity: 1}
	for _, dir := range []signal.Direction{signal.Buy, signal.Sell} {
		d := m.Authorize(signal.Signal{Direction: dir, Strength: 1}, pos, rs, Market{Price: 10, AvailableCash: 1000})
		if d.Approved {
			t.Fatalf("%s approved during cooldown", dir)
		}
		if !strings.Contains(d.Reason, "cooldown") {
			t.Fatalf("unexpected reason %q", d.Reason)
		}
	}

	rs.CooldownUntil = fixedNow.Add(-time.Second)
	if d := m.Authorize(buy(1), portfolio.Position{}, rs, Market{Price: 10, AvailableCash: 1000}); !d.Approved {
		t.Fatalf("expired cooldown should not block, got %+v", d)
	}
}

func TestDrawdownBlocksBuysOnly(t *testing.T) {
	m := testManager()
	rs := portfolio.RiskState{MaxPositionSize: 10, CumulativeLoss: 200}
	if d := m.Authorize(buy(1), portfolio.Position{}, rs, Market{Price: 10, AvailableCash: 1000}); d.Approved {
		t.Fatalf("buy approved past drawdown limit")
	}
	sell := signal.Signal{Direction: signal.Sell, Strength: 1}
	if d := m.Authorize(sell, portfolio.Position{Quantity: 1}, rs, Market{Price: 10}); !d.Approved {
		t.Fatalf("sell should stay allowed to reduce exposure, got %+v", d)
	}
}

func TestInvalidPriceRejected(t *testing.T) {
	d := testManager().Authorize(buy(1), portfolio.Position{}, portfolio.RiskState{MaxPositionSize: 1}, Market{Price: 0, AvailableCash: 100})
	if d.Approved {
		t.Fatalf("zero price must be rejected")
	}
}
