package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeSwapper struct {
	quotes   []string // swap modes requested
	amounts  []uint64
	sends    int
	quoteErr error
	sendErr  error
	state    SignatureState
	quote    Quote
	balances map[solana.PublicKey]float64
}

func (f *fakeSwapper) GetQuote(_ context.Context, in, out string, amount uint64, _ int, mode string) (*Quote, error) {
	f.quotes = append(f.quotes, mode)
	f.amounts = append(f.amounts, amount)
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	q := f.quote
	q.InputMint, q.OutputMint, q.SwapMode = in, out, mode
	return &q, nil
}

func (f *fakeSwapper) BuildSwap(context.Context, *Quote) (*solana.Transaction, error) {
	return &solana.Transaction{Signatures: []solana.Signature{{byte(len(f.quotes))}}}, nil
}

func (f *fakeSwapper) Send(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.sends++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return tx.Signatures[0], nil
}

func (f *fakeSwapper) Status(context.Context, solana.Signature) (SignatureState, error) {
	return f.state, nil
}

func (f *fakeSwapper) Balance(_ context.Context, mint solana.PublicKey, _ int) (float64, error) {
	return f.balances[mint], nil
}

func newTestBroker(t *testing.T, f *fakeSwapper) *Broker {
	t.Helper()
	b, err := NewBroker(f, Pair{
		BaseMint:      solana.WrappedSol.String(),
		QuoteMint:     usdcMint,
		BaseDecimals:  9,
		QuoteDecimals: 6,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return b
}

func TestNewBrokerRejectsBadMint(t *testing.T) {
	if _, err := NewBroker(&fakeSwapper{}, Pair{BaseMint: "bad", QuoteMint: usdcMint}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for malformed mint")
	}
}

func TestBuyIsExactOutAndFills(t *testing.T) {
	f := &fakeSwapper{state: SignatureLanded, quote: Quote{InAmount: "6400000", OutAmount: "100000000"}}
	b := newTestBroker(t, f)
	res, err := b.PlaceOrder(context.Background(), order.NewRequest("SOL-USDC", order.Buy, 0.1, 64, time.Now()))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if f.quotes[0] != SwapModeExactOut || f.amounts[0] != 100000000 {
		t.Fatalf("expected exact-out quote for 1e8 lamports, got %v %v", f.quotes, f.amounts)
	}
	if res.Status != order.Filled || res.FilledQuantity != 0.1 || res.FilledPrice != 64 || res.BrokerOrderID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSellIsExactIn(t *testing.T) {
	f := &fakeSwapper{state: SignatureLanded, quote: Quote{InAmount: "500000000", OutAmount: "33000000"}}
	b := newTestBroker(t, f)
	res, err := b.PlaceOrder(context.Background(), order.NewRequest("SOL-USDC", order.Sell, 0.5, 66, time.Now()))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if f.quotes[0] != SwapModeExactIn {
		t.Fatalf("expected exact-in quote, got %v", f.quotes)
	}
	if res.Status != order.Filled || res.FilledQuantity != 0.5 || res.FilledPrice != 66 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRepeatedKeyResendsSameTransaction(t *testing.T) {
	f := &fakeSwapper{state: SignatureInFlight, quote: Quote{InAmount: "1000000", OutAmount: "10000000"}}
	b := newTestBroker(t, f)
	req := order.NewRequest("SOL-USDC", order.Buy, 0.01, 100, time.Now())

	first, err := b.PlaceOrder(context.Background(), req)
	if err != nil || first.Status != order.Pending {
		t.Fatalf("expected pending first result, got %+v %v", first, err)
	}
	f.state = SignatureLanded
	second, err := b.PlaceOrder(context.Background(), req)
	if err != nil || second.Status != order.Filled {
		t.Fatalf("expected fill on resend, got %+v %v", second, err)
	}
	if len(f.quotes) != 1 || f.sends != 2 || first.BrokerOrderID != second.BrokerOrderID {
		t.Fatalf("expected one quote and two sends of one signature, got %d quotes %d sends", len(f.quotes), f.sends)
	}
}

func TestSendFailureKeepsSwapForRetry(t *testing.T) {
	f := &fakeSwapper{state: SignatureUnknown, sendErr: errors.New("rpc timeout"), quote: Quote{InAmount: "1000000", OutAmount: "10000000"}}
	b := newTestBroker(t, f)
	req := order.NewRequest("SOL-USDC", order.Buy, 0.01, 100, time.Now())
	if _, err := b.PlaceOrder(context.Background(), req); err == nil {
		t.Fatalf("expected send error")
	}
	f.sendErr = nil
	f.state = SignatureLanded
	res, err := b.PlaceOrder(context.Background(), req)
	if err != nil || res.Status != order.Filled {
		t.Fatalf("expected fill after retry, got %+v %v", res, err)
	}
	if len(f.quotes) != 1 {
		t.Fatalf("retry must not build a second swap, got %d quotes", len(f.quotes))
	}
}

func TestUnlandedSwapExpires(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeSwapper{state: SignatureUnknown, sendErr: errors.New("blockhash not found"), quote: Quote{InAmount: "1000000", OutAmount: "10000000"}}
	b, err := NewBroker(f, Pair{BaseMint: solana.WrappedSol.String(), QuoteMint: usdcMint, BaseDecimals: 9, QuoteDecimals: 6},
		zerolog.Nop(), WithSwapExpiry(90*time.Second), WithBrokerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	req := order.NewRequest("SOL-USDC", order.Buy, 0.01, 100, now)
	for i := 0; i < 4; i++ {
		if _, err := b.PlaceOrder(context.Background(), req); err == nil {
			t.Fatalf("expected send error on attempt %d", i+1)
		}
	}
	res, err := b.GetOrderStatus(context.Background(), req.IdempotencyKey)
	if err != nil || res.Status != order.Pending {
		t.Fatalf("expected pending before expiry, got %+v %v", res, err)
	}

	now = now.Add(91 * time.Second)
	res, err = b.GetOrderStatus(context.Background(), req.IdempotencyKey)
	if err != nil || res.Status != order.Failed || res.Error == "" {
		t.Fatalf("expected expired swap to fail, got %+v %v", res, err)
	}
	sends := f.sends
	res, err = b.PlaceOrder(context.Background(), req)
	if err != nil || res.Status != order.Failed {
		t.Fatalf("expected resubmission of an expired swap to fail, got %+v %v", res, err)
	}
	if f.sends != sends {
		t.Fatalf("expired swap must not be resent")
	}
}

func TestInFlightSwapStaysPendingPastExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeSwapper{state: SignatureInFlight, quote: Quote{InAmount: "1000000", OutAmount: "10000000"}}
	b, err := NewBroker(f, Pair{BaseMint: solana.WrappedSol.String(), QuoteMint: usdcMint, BaseDecimals: 9, QuoteDecimals: 6},
		zerolog.Nop(), WithBrokerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	req := order.NewRequest("SOL-USDC", order.Buy, 0.01, 100, now)
	if _, err := b.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	now = now.Add(DefaultSwapExpiry + time.Second)
	res, err := b.GetOrderStatus(context.Background(), req.IdempotencyKey)
	if err != nil || res.Status != order.Pending {
		t.Fatalf("a swap the chain has seen stays pending, got %+v %v", res, err)
	}
}

func TestQuoteErrors(t *testing.T) {
	f := &fakeSwapper{quoteErr: &HTTPError{Op: "quote", Status: 400, Body: "no route"}}
	b := newTestBroker(t, f)
	res, err := b.PlaceOrder(context.Background(), order.NewRequest("SOL-USDC", order.Buy, 1, 1, time.Now()))
	if err != nil || res.Status != order.Rejected || res.Error != "no route" {
		t.Fatalf("expected rejection, got %+v %v", res, err)
	}

	f.quoteErr = &HTTPError{Op: "quote", Status: 502, Body: "bad gateway"}
	if _, err := b.PlaceOrder(context.Background(), order.NewRequest("SOL-USDC", order.Buy, 1, 1, time.Now())); err == nil {
		t.Fatalf("expected retryable error for 502")
	}
}

func TestTinyQuantityRejected(t *testing.T) {
	f := &fakeSwapper{}
	b := newTestBroker(t, f)
	res, err := b.PlaceOrder(context.Background(), order.NewRequest("SOL-USDC", order.Buy, 1e-12, 1, time.Now()))
	if err != nil || res.Status != order.Rejected || len(f.quotes) != 0 {
		t.Fatalf("expected local rejection, got %+v %v", res, err)
	}
}

func TestGetOrderStatus(t *testing.T) {
	f := &fakeSwapper{state: SignatureFailed, quote: Quote{InAmount: "1000000", OutAmount: "10000000"}}
	b := newTestBroker(t, f)
	if _, err := b.GetOrderStatus(context.Background(), "missing"); !errors.Is(err, order.ErrUnknownOrder) {
		t.Fatalf("expected unknown order, got %v", err)
	}
	req := order.NewRequest("SOL-USDC", order.Buy, 0.01, 100, time.Now())
	if _, err := b.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	res, err := b.GetOrderStatus(context.Background(), req.IdempotencyKey)
	if err != nil || res.Status != order.Failed {
		t.Fatalf("expected failed swap, got %+v %v", res, err)
	}
}

func TestBalancesAndQuote(t *testing.T) {
	usdc := solana.MustPublicKeyFromBase58(usdcMint)
	f := &fakeSwapper{
		quote:    Quote{InAmount: "1000000000", OutAmount: "150250000"},
		balances: map[solana.PublicKey]float64{solana.WrappedSol: 2, usdc: 300},
	}
	b := newTestBroker(t, f)

	pos, err := b.GetPosition(context.Background(), "SOL-USDC")
	if err != nil || pos.Quantity != 2 || pos.Instrument != "SOL-USDC" {
		t.Fatalf("unexpected position %+v %v", pos, err)
	}
	bp, err := b.BuyingPower(context.Background())
	if err != nil || bp != 300 {
		t.Fatalf("unexpected buying power %v %v", bp, err)
	}
	px, err := b.Quote(context.Background(), "SOL-USDC")
	if err != nil || px != 150.25 {
		t.Fatalf("unexpected quote %v %v", px, err)
	}
}
