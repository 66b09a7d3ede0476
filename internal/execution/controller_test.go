package execution

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thierrypdamiba/ticker-ai/internal/journal"
	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/retry"
	"github.com/thierrypdamiba/ticker-ai/internal/risk"
	"github.com/thierrypdamiba/ticker-ai/internal/signal"
	"github.com/thierrypdamiba/ticker-ai/internal/store"
	"github.com/thierrypdamiba/ticker-ai/internal/strategy"
)

const instrument = "BTC-USD"

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return base }

func series(prices ...float64) []signal.PriceSample {
	out := make([]signal.PriceSample, len(prices))
	for i, p := range prices {
		out[i] = signal.PriceSample{Ts: base.Add(time.Duration(i) * time.Minute), Price: p}
	}
	return out
}

var rising = []float64{100, 101, 103, 108, 110}

type fakeFeed struct {
	mu      sync.Mutex
	samples []signal.PriceSample
	errs    []error
	calls   int
}

func (f *fakeFeed) PriceHistory(ctx context.Context, instrument string, n int) ([]signal.PriceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.samples) <= n {
		return append([]signal.PriceSample(nil), f.samples...), nil
	}
	return append([]signal.PriceSample(nil), f.samples[len(f.samples)-n:]...), nil
}

// fakeBroker executes an order once per key. Errors queued in afterErrs are returned after the
// order has executed, modelling a response lost on the way back.
type fakeBroker struct {
	mu         sync.Mutex
	cash       float64
	orders     map[string]order.Result
	placed     []order.Request
	executed   int
	afterErrs  []error
	failAll    error
	block      chan struct{}
	started    chan struct{}
	resultFor  func(order.Request) order.Result
	statusErrs []error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{cash: 1000, orders: make(map[string]order.Result)}
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req order.Request) (order.Result, error) {
	b.mu.Lock()
	b.placed = append(b.placed, req)
	block, started := b.block, b.started
	b.mu.Unlock()

	if started != nil {
		close(started)
		b.mu.Lock()
		b.started = nil
		b.mu.Unlock()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return order.Result{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return order.Result{}, b.failAll
	}
	res, ok := b.orders[req.IdempotencyKey]
	if !ok {
		res = order.Result{Status: order.Filled, FilledQuantity: req.Quantity, FilledPrice: req.RefPrice, BrokerOrderID: "b-" + req.IdempotencyKey}
		if b.resultFor != nil {
			res = b.resultFor(req)
		}
		b.orders[req.IdempotencyKey] = res
		b.executed++
	}
	if len(b.afterErrs) > 0 {
		err := b.afterErrs[0]
		b.afterErrs = b.afterErrs[1:]
		return order.Result{}, err
	}
	return res, nil
}

func (b *fakeBroker) GetPosition(ctx context.Context, instrument string) (portfolio.Position, error) {
	return portfolio.Position{Instrument: instrument}, nil
}

func (b *fakeBroker) GetOrderStatus(ctx context.Context, key string) (order.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.statusErrs) > 0 {
		err := b.statusErrs[0]
		b.statusErrs = b.statusErrs[1:]
		return order.Result{}, err
	}
	res, ok := b.orders[key]
	if !ok {
		return order.Result{}, order.ErrUnknownOrder
	}
	return res, nil
}

func (b *fakeBroker) BuyingPower(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash, nil
}

func (b *fakeBroker) placeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

type memStore struct {
	mu       sync.Mutex
	recs     map[string]portfolio.Record
	saves    int
	failSave error
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]portfolio.Record)} }

func (s *memStore) Load(instrument string) (portfolio.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[instrument]
	if !ok {
		return portfolio.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) Save(rec portfolio.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.saves++
	s.recs[rec.Instrument] = rec.Clone()
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get(t *testing.T) portfolio.Record {
	t.Helper()
	rec, err := s.Load(instrument)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return rec
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Close() error { return nil }

type harness struct {
	feed    *fakeFeed
	broker  *fakeBroker
	store   *memStore
	journal *memJournal
	ctrl    *Controller
}

func newHarness(t *testing.T, prices []float64, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		feed:    &fakeFeed{samples: series(prices...)},
		broker:  newFakeBroker(),
		store:   newMemStore(),
		journal: &memJournal{},
	}
	cfg := Config{
		Instrument:            instrument,
		MaxPositionSize:       5,
		CallTimeout:           time.Second,
		ShutdownGrace:         time.Second,
		FetchRetry:            retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1},
		SubmitRetry:           retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 1},
		Cooldown:              time.Hour,
		CooldownLossThreshold: 50,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	mgr := risk.NewManager(risk.Config{CapitalFraction: 0.5, MinOrderSize: 0.001, MaxOrderSize: 10}, clock)
	ctrl, err := New(cfg, Deps{
		Feed:     h.feed,
		Broker:   h.broker,
		Strategy: strategy.NewMomentum(5, 0.05, 1, 0.2),
		Risk:     mgr,
		Store:    h.store,
		Journal:  h.journal,
	}, zerolog.Nop(), WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCycleBuysAndPersists(t *testing.T) {
	h := newHarness(t, rising, nil)
	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeFilled || out.Phase != PhaseIdle {
		t.Fatalf("expected filled idle outcome, got %+v", out)
	}
	if out.Signal == nil || out.Signal.Direction != signal.Buy || !near(out.Signal.Strength, 0.5) {
		t.Fatalf("unexpected signal %+v", out.Signal)
	}
	// 1000 cash * 0.5 fraction * 0.5 strength / 110
	wantQty := 250.0 / 110.0
	rec := h.store.get(t)
	if !near(rec.Position.Quantity, wantQty) || !near(rec.Position.AverageCost, 110) {
		t.Fatalf("unexpected position %+v", rec.Position)
	}
	if rec.Pending != nil {
		t.Fatalf("pending marker should be cleared")
	}
	if rec.LastOrder == nil || rec.LastOrder.Result.Status != order.Filled {
		t.Fatalf("expected last order recorded, got %+v", rec.LastOrder)
	}
	if rec.Version != 2 || h.store.saves != 2 {
		t.Fatalf("expected write-ahead then settle save, got version %d saves %d", rec.Version, h.store.saves)
	}
	if snap := h.ctrl.Snapshot(); snap.Phase != PhaseIdle || snap.Cycles != 1 || snap.Last == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(h.journal.entries) != 2 || h.journal.entries[0].Outcome != "submitting" || h.journal.entries[1].Outcome != string(OutcomeFilled) {
		t.Fatalf("unexpected journal %+v", h.journal.entries)
	}
}

func TestFetchFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t, rising, nil)
	down := errors.New("feed down")
	h.feed.errs = []error{down, down, down}

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("fetch failures must not escalate: %v", err)
	}
	if out.Kind != OutcomeFailed || out.FailedIn != PhaseFetching || !errors.Is(out.Err, down) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.feed.calls != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", h.feed.calls)
	}
	if h.store.saves != 0 || h.broker.placeCount() != 0 {
		t.Fatalf("failed fetch must not touch store or broker")
	}
}

func TestFetchRecoversWithinRetries(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.feed.errs = []error{errors.New("timeout")}
	out, _ := h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomeFilled {
		t.Fatalf("expected recovery, got %+v", out)
	}
}

func TestInsufficientDataHolds(t *testing.T) {
	h := newHarness(t, []float64{100, 101, 103}, nil)
	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeHold || out.Phase != PhaseIdle {
		t.Fatalf("expected hold, got %+v", out)
	}
	if out.Signal != nil {
		t.Fatalf("no signal may be produced from insufficient data")
	}
	if h.broker.placeCount() != 0 || h.store.saves != 0 {
		t.Fatalf("hold must not trade")
	}
}

func TestInvalidDataFails(t *testing.T) {
	h := newHarness(t, []float64{100, 101, 0, 108, 110}, nil)
	out, _ := h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomeFailed || out.FailedIn != PhaseEvaluating {
		t.Fatalf("expected evaluation failure, got %+v", out)
	}
	if !errors.Is(out.Err, strategy.ErrInvalidPrice) {
		t.Fatalf("expected invalid price error, got %v", out.Err)
	}
}

func TestRiskRejectionNeverContactsBroker(t *testing.T) {
	h := newHarness(t, rising, nil)
	rec := portfolio.NewRecord(instrument, 5)
	rec.Position.Quantity = 5
	rec.Position.AverageCost = 90
	h.store.recs[instrument] = rec

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeRejected || out.Decision == nil || out.Decision.Approved {
		t.Fatalf("expected risk rejection, got %+v", out)
	}
	if h.broker.placeCount() != 0 {
		t.Fatalf("broker contacted after risk rejection")
	}
	if h.store.saves != 0 {
		t.Fatalf("risk rejection must not persist")
	}
	if len(h.journal.entries) != 1 || h.journal.entries[0].Reason == "" {
		t.Fatalf("rejection should be journaled with a reason, got %+v", h.journal.entries)
	}
}

func TestTimeoutsRetrySameKeyAndFillOnce(t *testing.T) {
	h := newHarness(t, rising, nil)
	timeout := errors.New("i/o timeout")
	h.broker.afterErrs = []error{timeout, timeout}

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeFilled {
		t.Fatalf("expected fill after retries, got %+v", out)
	}
	if len(h.broker.placed) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(h.broker.placed))
	}
	key := h.broker.placed[0].IdempotencyKey
	for i, req := range h.broker.placed {
		if req.IdempotencyKey != key {
			t.Fatalf("submission %d used key %s, want %s", i, req.IdempotencyKey, key)
		}
	}
	if h.broker.executed != 1 {
		t.Fatalf("expected exactly one execution, got %d", h.broker.executed)
	}
	rec := h.store.get(t)
	if !near(rec.Position.Quantity, 250.0/110.0) {
		t.Fatalf("expected exactly one fill applied, got %.8f", rec.Position.Quantity)
	}
}

func TestSubmitExhaustionKeepsPending(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.failAll = errors.New("connection refused")

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("submit failures must not escalate: %v", err)
	}
	if out.Kind != OutcomeFailed || out.FailedIn != PhaseSubmitting || !errors.Is(out.Err, retry.ErrExhausted) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.broker.placeCount() != 4 {
		t.Fatalf("expected 4 attempts, got %d", h.broker.placeCount())
	}
	rec := h.store.get(t)
	if rec.Pending == nil || rec.Position.Quantity != 0 {
		t.Fatalf("expected pending marker and untouched position, got %+v", rec)
	}

	// Next cycle reconciles: the broker never saw the key so the marker is cleared.
	h.broker.failAll = nil
	out, err = h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeFilled {
		t.Fatalf("expected fresh decision to fill, got %+v", out)
	}
	rec = h.store.get(t)
	if rec.Pending != nil {
		t.Fatalf("pending should be cleared")
	}
}

func TestPermanentSubmitErrorStopsRetrying(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.failAll = retry.Permanent(errors.New("401 unauthorized"))
	out, _ := h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomeFailed || h.broker.placeCount() != 1 {
		t.Fatalf("expected single attempt failure, got %+v after %d calls", out, h.broker.placeCount())
	}
}

func TestBrokerRejectionLeavesPositionUnchanged(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.resultFor = func(order.Request) order.Result {
		return order.Result{Status: order.Rejected, Error: "insufficient buying power"}
	}

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeBrokerRejected || out.Reason != "insufficient buying power" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	rec := h.store.get(t)
	if rec.Position.Quantity != 0 {
		t.Fatalf("rejected order changed position: %+v", rec.Position)
	}
	if rec.Risk.BrokerRejections != 1 || rec.Pending != nil {
		t.Fatalf("unexpected risk state %+v pending %+v", rec.Risk, rec.Pending)
	}
	if rec.LastOrder == nil || rec.LastOrder.Result.Status != order.Rejected {
		t.Fatalf("rejection should be recorded, got %+v", rec.LastOrder)
	}
	if h.broker.placeCount() != 1 {
		t.Fatalf("rejections must not be resubmitted")
	}
}

func TestPartialFillAppliesExactQuantity(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.resultFor = func(req order.Request) order.Result {
		return order.Result{Status: order.Filled, FilledQuantity: 1, FilledPrice: 111}
	}
	out, _ := h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomeFilled {
		t.Fatalf("unexpected outcome %+v", out)
	}
	rec := h.store.get(t)
	if rec.Position.Quantity != 1 || rec.Position.AverageCost != 111 {
		t.Fatalf("expected partial fill of 1 @ 111, got %+v", rec.Position)
	}
}

func TestSellLossStartsCooldown(t *testing.T) {
	h := newHarness(t, []float64{110, 108, 103, 101, 100}, nil)
	rec := portfolio.NewRecord(instrument, 5)
	rec.Position = portfolio.Position{Instrument: instrument, Quantity: 1, AverageCost: 200}
	h.store.recs[instrument] = rec

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeFilled || out.Request.Side != order.Sell {
		t.Fatalf("expected filled sell, got %+v", out)
	}
	got := h.store.get(t)
	if got.Position.Quantity != 0 {
		t.Fatalf("expected flat position, got %+v", got.Position)
	}
	if !near(got.Risk.RealizedPnL, -100) || !near(got.Risk.CumulativeLoss, 100) {
		t.Fatalf("unexpected risk counters %+v", got.Risk)
	}
	if !got.Risk.CooldownUntil.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected cooldown until %s, got %s", base.Add(time.Hour), got.Risk.CooldownUntil)
	}

	// Any signal during cooldown is rejected.
	h.feed.samples = series(rising...)
	out, _ = h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomeRejected {
		t.Fatalf("expected cooldown rejection, got %+v", out)
	}
}

func TestPersistenceFailureHalts(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.store.failSave = errors.New("disk full")

	_, err := h.ctrl.RunCycle(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if h.broker.placeCount() != 0 {
		t.Fatalf("order must not be sent when the write-ahead record fails")
	}
	h.store.failSave = nil
	if _, err := h.ctrl.RunCycle(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Fatalf("halted controller must keep refusing, got %v", err)
	}
	if h.feed.calls != 1 {
		t.Fatalf("halted controller fetched again")
	}
	if h.ctrl.Snapshot().Halted == "" {
		t.Fatalf("snapshot should expose halt reason")
	}
}

func TestPendingResultReconciled(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.resultFor = func(req order.Request) order.Result {
		return order.Result{Status: order.Pending, BrokerOrderID: "ord-1"}
	}
	out, _ := h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomePending {
		t.Fatalf("expected pending, got %+v", out)
	}
	rec := h.store.get(t)
	if rec.Pending == nil || rec.Position.Quantity != 0 {
		t.Fatalf("expected pending marker only, got %+v", rec)
	}

	key := rec.Pending.Request.IdempotencyKey
	h.broker.mu.Lock()
	h.broker.orders[key] = order.Result{Status: order.Filled, FilledQuantity: 2, FilledPrice: 109}
	h.broker.mu.Unlock()

	out, err := h.ctrl.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Kind != OutcomeFilled {
		t.Fatalf("expected reconciled fill, got %+v", out)
	}
	rec = h.store.get(t)
	if rec.Pending != nil || rec.Position.Quantity != 2 || rec.Position.AverageCost != 109 {
		t.Fatalf("unexpected record after reconcile %+v", rec)
	}
	if rec.LastOrder == nil || rec.LastOrder.Request.IdempotencyKey != key {
		t.Fatalf("expected last order for key %s", key)
	}
}

func TestPendingBlocksNewDecisions(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.resultFor = func(req order.Request) order.Result {
		return order.Result{Status: order.Pending}
	}
	_, _ = h.ctrl.RunCycle(context.Background())
	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomePending {
		t.Fatalf("expected pending, got %+v", out)
	}
	if h.broker.placeCount() != 1 {
		t.Fatalf("no new order may be placed while one is pending, got %d", h.broker.placeCount())
	}
}

func TestUnbookableFillStaysPending(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.resultFor = func(req order.Request) order.Result {
		return order.Result{Status: order.Filled, BrokerOrderID: "sig-1"}
	}
	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected failed cycle, got %+v", out)
	}
	rec := h.store.get(t)
	if rec.Pending == nil || rec.LastOrder != nil || rec.Position.Quantity != 0 {
		t.Fatalf("fill without quantity must stay pending, got %+v", rec)
	}
	key := rec.Pending.Request.IdempotencyKey

	out, _ = h.ctrl.RunCycle(context.Background())
	if h.broker.placeCount() != 1 || h.store.get(t).Pending == nil {
		t.Fatalf("no new order while the fill is unbooked, outcome %+v", out)
	}

	h.broker.mu.Lock()
	h.broker.orders[key] = order.Result{Status: order.Filled, FilledQuantity: 1, FilledPrice: 110}
	h.broker.mu.Unlock()
	if _, err := h.ctrl.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec = h.store.get(t)
	if rec.Pending != nil || rec.Position.Quantity != 1 || rec.LastOrder == nil {
		t.Fatalf("expected booked fill after reconcile, got %+v", rec)
	}
}

func TestExpiredPendingOrderUnblocksNextDecision(t *testing.T) {
	h := newHarness(t, rising, nil)
	h.broker.resultFor = func(req order.Request) order.Result {
		return order.Result{Status: order.Pending, BrokerOrderID: "sig-1"}
	}
	_, _ = h.ctrl.RunCycle(context.Background())
	out, _ := h.ctrl.RunCycle(context.Background())
	if out.Kind != OutcomePending || h.broker.placeCount() != 1 {
		t.Fatalf("expected pending order to block, got %+v", out)
	}
	key := h.store.get(t).Pending.Request.IdempotencyKey

	// the venue gives up on the order, as a swap does once its blockhash expires
	h.broker.mu.Lock()
	h.broker.orders[key] = order.Result{Status: order.Failed, Error: "swap expired before landing"}
	h.broker.resultFor = nil
	h.broker.mu.Unlock()

	out, err := h.ctrl.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if out.Kind != OutcomeFilled || h.broker.placeCount() != 2 {
		t.Fatalf("expected a fresh order in the same cycle, got %+v after %d placements", out, h.broker.placeCount())
	}
	rec := h.store.get(t)
	if rec.Pending != nil || rec.Position.Quantity <= 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.LastOrder.Request.IdempotencyKey == key {
		t.Fatalf("last order should be the new one")
	}
}

func TestReconcileUnknownOrderClearsPending(t *testing.T) {
	h := newHarness(t, rising, nil)
	rec := portfolio.NewRecord(instrument, 5)
	req := order.NewRequest(instrument, order.Buy, 1, 100, base)
	rec.Pending = &portfolio.OrderRecord{Request: req, SubmittedAt: base}
	h.store.recs[instrument] = rec

	out, err := h.ctrl.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Result == nil || out.Result.Status != order.Failed {
		t.Fatalf("expected failed result for unknown order, got %+v", out)
	}
	got := h.store.get(t)
	if got.Pending != nil || got.Position.Quantity != 0 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestReconcileWithoutPendingIsIdle(t *testing.T) {
	h := newHarness(t, rising, nil)
	out, err := h.ctrl.Reconcile(context.Background())
	if err != nil || out.Kind != OutcomeIdle {
		t.Fatalf("expected idle reconcile, got %+v %v", out, err)
	}
}

func TestShutdownDuringSubmitWaitsForAnswer(t *testing.T) {
	h := newHarness(t, rising, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	h.broker.block = release
	h.broker.started = started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.ctrl.RunCycle(ctx)
		done <- out
	}()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case out := <-done:
		if out.Kind != OutcomeFilled {
			t.Fatalf("in-flight order should settle within grace, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cycle did not finish")
	}
	if rec := h.store.get(t); rec.Pending != nil || rec.Position.Quantity == 0 {
		t.Fatalf("expected settled position, got %+v", rec)
	}
}

func TestShutdownGraceExpiresLeavesPending(t *testing.T) {
	h := newHarness(t, rising, func(cfg *Config) { cfg.ShutdownGrace = 10 * time.Millisecond })
	h.broker.block = make(chan struct{})
	started := make(chan struct{})
	h.broker.started = started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.ctrl.RunCycle(ctx)
		done <- out
	}()
	<-started
	cancel()

	select {
	case out := <-done:
		if out.Kind != OutcomeFailed || out.FailedIn != PhaseSubmitting {
			t.Fatalf("expected submit failure after grace, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("grace period not enforced")
	}
	if rec := h.store.get(t); rec.Pending == nil {
		t.Fatalf("unresolved order must stay pending for reconcile")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, []float64{100, 101}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.ctrl.Run(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.ctrl.Snapshot().Cycles < 2 {
		t.Fatalf("expected several cycles, got %d", h.ctrl.Snapshot().Cycles)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Instrument: instrument}, Deps{}, zerolog.Nop()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
