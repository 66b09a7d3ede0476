package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
)

// MarkFunc returns the price a simulated market order executes against.
type MarkFunc func(ctx context.Context, instrument string) (float64, error)

// Broker fills orders against an Account at the current mark plus slippage. Repeating an
// idempotency key returns the first answer without touching the account again.
type Broker struct {
	account     *Account
	ledger      *Ledger
	mark        MarkFunc
	slippageBps float64
	now         func() time.Time
	log         zerolog.Logger

	mu     sync.Mutex
	orders map[string]order.Result
	seq    int
}

// NewBroker wires an account to a mark source.
func NewBroker(account *Account, mark MarkFunc, slippageBps float64, log zerolog.Logger) *Broker {
	return &Broker{
		account:     account,
		ledger:      NewLedger(64),
		mark:        mark,
		slippageBps: slippageBps,
		now:         time.Now,
		log:         log.With().Str("venue", "paper").Logger(),
		orders:      make(map[string]order.Result),
	}
}

// Account exposes the simulated account.
func (b *Broker) Account() *Account { return b.account }

// Ledger exposes the simulated fills.
func (b *Broker) Ledger() *Ledger { return b.ledger }

// PlaceOrder simulates a market order.
func (b *Broker) PlaceOrder(ctx context.Context, req order.Request) (order.Result, error) {
	if err := req.Validate(); err != nil {
		return order.Result{Status: order.Rejected, Error: err.Error()}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if res, ok := b.orders[req.IdempotencyKey]; ok {
		return res, nil
	}

	mark, err := b.mark(ctx, req.Instrument)
	if err != nil {
		return order.Result{}, fmt.Errorf("paper mark: %w", err)
	}
	px := b.execPrice(req.Side, mark)
	qty, realized, err := b.account.MarketFill(req.Instrument, req.Side, req.Quantity, px, b.now())
	b.seq++
	id := fmt.Sprintf("paper-%d", b.seq)
	var res order.Result
	if err != nil {
		res = order.Result{Status: order.Rejected, BrokerOrderID: id, Error: err.Error()}
		b.log.Info().Str("key", req.IdempotencyKey).Err(err).Msg("paper order rejected")
	} else {
		res = order.Result{Status: order.Filled, FilledQuantity: qty, FilledPrice: px, BrokerOrderID: id}
		b.ledger.Record(Fill{
			Key:        req.IdempotencyKey,
			Instrument: req.Instrument,
			Side:       req.Side,
			Qty:        qty,
			Price:      px,
			Realized:   realized,
			Ts:         b.now(),
		})
		b.log.Info().Str("key", req.IdempotencyKey).Str("side", string(req.Side)).
			Float64("qty", qty).Float64("px", px).Float64("realized", realized).Msg("paper fill")
	}
	b.orders[req.IdempotencyKey] = res
	return res, nil
}

// GetOrderStatus returns the stored answer for a key.
func (b *Broker) GetOrderStatus(ctx context.Context, key string) (order.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.orders[key]
	if !ok {
		return order.Result{}, order.ErrUnknownOrder
	}
	return res, nil
}

// GetPosition reports the simulated holding.
func (b *Broker) GetPosition(ctx context.Context, instrument string) (portfolio.Position, error) {
	return b.account.Position(instrument), nil
}

// BuyingPower reports simulated free cash.
func (b *Broker) BuyingPower(ctx context.Context) (float64, error) {
	cash := b.account.AvailableCash()
	if cash < 0 {
		return 0, errors.New("paper account overdrawn")
	}
	return cash, nil
}

func (b *Broker) execPrice(side order.Side, mark float64) float64 {
	slip := mark * b.slippageBps / 10_000
	if side == order.Buy {
		return mark + slip
	}
	return mark - slip
}
