package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/retry"
)

// Swapper is the subset of JupiterClient the broker drives.
type Swapper interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int, swapMode string) (*Quote, error)
	BuildSwap(ctx context.Context, quote *Quote) (*solana.Transaction, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Status(ctx context.Context, sig solana.Signature) (SignatureState, error)
	Balance(ctx context.Context, mint solana.PublicKey, decimals int) (float64, error)
}

// Pair describes the traded instrument as a base/quote mint pair.
type Pair struct {
	BaseMint      string
	QuoteMint     string
	BaseDecimals  int
	QuoteDecimals int
	SlippageBps   int
}

// DefaultSwapExpiry outlasts a recent blockhash (150 slots) with margin. A swap the chain
// has never seen by then can no longer land.
const DefaultSwapExpiry = 2 * time.Minute

type swap struct {
	tx    *solana.Transaction
	sig   solana.Signature
	side  order.Side
	quote *Quote
	built time.Time
}

// BrokerOption customizes a Broker.
type BrokerOption func(*Broker)

// WithSwapExpiry sets how long an unseen swap is reported PENDING before it is failed.
func WithSwapExpiry(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.expiry = d
		}
	}
}

// WithBrokerClock overrides the time source used for swap expiry.
func WithBrokerClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// Broker executes orders as swaps between the pair's mints. BUY pays quote tokens for an
// exact base amount, SELL spends an exact base amount.
//
// Submitted swaps are tracked by idempotency key in memory only; after a restart a pending key
// resolves to order.ErrUnknownOrder. A swap the chain still has not seen once the expiry has
// passed is reported FAILED.
type Broker struct {
	client Swapper
	pair   Pair
	base   solana.PublicKey
	quote  solana.PublicKey
	log    zerolog.Logger
	expiry time.Duration
	now    func() time.Time

	mu    sync.Mutex
	swaps map[string]*swap
}

func NewBroker(client Swapper, pair Pair, log zerolog.Logger, opts ...BrokerOption) (*Broker, error) {
	base, err := solana.PublicKeyFromBase58(pair.BaseMint)
	if err != nil {
		return nil, fmt.Errorf("base mint: %w", err)
	}
	quote, err := solana.PublicKeyFromBase58(pair.QuoteMint)
	if err != nil {
		return nil, fmt.Errorf("quote mint: %w", err)
	}
	if pair.SlippageBps <= 0 {
		pair.SlippageBps = 50
	}
	b := &Broker{
		client: client,
		pair:   pair,
		base:   base,
		quote:  quote,
		log:    log.With().Str("venue", "jupiter").Logger(),
		expiry: DefaultSwapExpiry,
		now:    time.Now,
		swaps:  make(map[string]*swap),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Broker) expired(s *swap) bool {
	return b.now().Sub(s.built) > b.expiry
}

func toUnits(qty float64, decimals int) uint64 {
	d := decimal.NewFromFloat(qty).Shift(int32(decimals)).Truncate(0)
	if !d.IsPositive() {
		return 0
	}
	return uint64(d.IntPart())
}

func fromUnits(units uint64, decimals int) decimal.Decimal {
	return decimal.NewFromInt(int64(units)).Shift(-int32(decimals))
}

// fill derives executed base quantity and price from the quote the swap was built from.
func (b *Broker) fill(s *swap) (qty, price float64) {
	in, out, err := s.quote.Amounts()
	if err != nil {
		return 0, 0
	}
	baseUnits, quoteUnits := in, out
	if s.side == order.Buy {
		baseUnits, quoteUnits = out, in
	}
	base := fromUnits(baseUnits, b.pair.BaseDecimals)
	if !base.IsPositive() {
		return 0, 0
	}
	qty, _ = base.Float64()
	price, _ = fromUnits(quoteUnits, b.pair.QuoteDecimals).Div(base).Float64()
	return qty, price
}

func (b *Broker) result(ctx context.Context, s *swap) (order.Result, error) {
	state, err := b.client.Status(ctx, s.sig)
	if err != nil {
		return order.Result{}, err
	}
	res := order.Result{BrokerOrderID: s.sig.String()}
	switch state {
	case SignatureLanded:
		res.Status = order.Filled
		res.FilledQuantity, res.FilledPrice = b.fill(s)
	case SignatureFailed:
		res.Status = order.Failed
		res.Error = "swap transaction failed on chain"
	case SignatureUnknown:
		if b.expired(s) {
			res.Status = order.Failed
			res.Error = "swap expired before landing"
			break
		}
		res.Status = order.Pending
	default:
		res.Status = order.Pending
	}
	return res, nil
}

// PlaceOrder quotes, signs and sends a swap. A key seen before resends the same signed
// transaction, which the network deduplicates by signature, and reports its status.
func (b *Broker) PlaceOrder(ctx context.Context, req order.Request) (order.Result, error) {
	if err := req.Validate(); err != nil {
		return order.Result{Status: order.Rejected, Error: err.Error()}, nil
	}

	b.mu.Lock()
	s, seen := b.swaps[req.IdempotencyKey]
	b.mu.Unlock()

	if !seen {
		amount := toUnits(req.Quantity, b.pair.BaseDecimals)
		if amount == 0 {
			return order.Result{Status: order.Rejected, Error: fmt.Sprintf("quantity %.12f rounds to zero", req.Quantity)}, nil
		}
		in, out, mode := b.quote.String(), b.base.String(), SwapModeExactOut
		if req.Side == order.Sell {
			in, out, mode = b.base.String(), b.quote.String(), SwapModeExactIn
		}
		q, err := b.client.GetQuote(ctx, in, out, amount, b.pair.SlippageBps, mode)
		if err != nil {
			var he *HTTPError
			if errors.As(err, &he) && he.ClientError() {
				return order.Result{Status: order.Rejected, Error: he.Body}, nil
			}
			return order.Result{}, err
		}
		tx, err := b.client.BuildSwap(ctx, q)
		if err != nil {
			var he *HTTPError
			if errors.As(err, &he) && he.ClientError() {
				return order.Result{Status: order.Rejected, Error: he.Body}, nil
			}
			return order.Result{}, err
		}
		if len(tx.Signatures) == 0 {
			return order.Result{}, retry.Permanent(errors.New("swap transaction carries no signature"))
		}
		s = &swap{tx: tx, sig: tx.Signatures[0], side: req.Side, quote: q, built: b.now()}
		b.mu.Lock()
		b.swaps[req.IdempotencyKey] = s
		b.mu.Unlock()
	}

	if seen && b.expired(s) {
		// the blockhash is stale, so resending cannot land; report what the chain saw
		return b.result(ctx, s)
	}
	if _, err := b.client.Send(ctx, s.tx); err != nil {
		if state, serr := b.client.Status(ctx, s.sig); serr == nil && state != SignatureUnknown {
			return b.result(ctx, s)
		}
		return order.Result{}, fmt.Errorf("send swap: %w", err)
	}
	b.log.Info().
		Str("key", req.IdempotencyKey).
		Str("signature", s.sig.String()).
		Str("side", string(req.Side)).
		Bool("resend", seen).
		Msg("swap submitted")
	return b.result(ctx, s)
}

// GetOrderStatus reports the chain state of the swap sent under key.
func (b *Broker) GetOrderStatus(ctx context.Context, key string) (order.Result, error) {
	b.mu.Lock()
	s, ok := b.swaps[key]
	b.mu.Unlock()
	if !ok {
		return order.Result{}, order.ErrUnknownOrder
	}
	return b.result(ctx, s)
}

// GetPosition reads the wallet's base token balance.
func (b *Broker) GetPosition(ctx context.Context, instrument string) (portfolio.Position, error) {
	qty, err := b.client.Balance(ctx, b.base, b.pair.BaseDecimals)
	if err != nil {
		return portfolio.Position{}, err
	}
	return portfolio.Position{Instrument: instrument, Quantity: qty, LastUpdated: time.Now().UTC()}, nil
}

// BuyingPower reads the wallet's quote token balance.
func (b *Broker) BuyingPower(ctx context.Context) (float64, error) {
	return b.client.Balance(ctx, b.quote, b.pair.QuoteDecimals)
}

// Quote prices one whole base token in quote tokens, for use as a polled price source.
func (b *Broker) Quote(ctx context.Context, _ string) (float64, error) {
	one := toUnits(1, b.pair.BaseDecimals)
	q, err := b.client.GetQuote(ctx, b.base.String(), b.quote.String(), one, b.pair.SlippageBps, SwapModeExactIn)
	if err != nil {
		return 0, err
	}
	out, err := strconv.ParseUint(q.OutAmount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quote outAmount %q: %w", q.OutAmount, err)
	}
	px, _ := fromUnits(out, b.pair.QuoteDecimals).Float64()
	if px <= 0 {
		return 0, errors.New("jupiter quoted a non-positive price")
	}
	return px, nil
}
