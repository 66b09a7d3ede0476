package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thierrypdamiba/ticker-ai/internal/journal"
	"github.com/thierrypdamiba/ticker-ai/internal/metrics"
	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/retry"
	"github.com/thierrypdamiba/ticker-ai/internal/risk"
	"github.com/thierrypdamiba/ticker-ai/internal/signal"
	"github.com/thierrypdamiba/ticker-ai/internal/store"
	"github.com/thierrypdamiba/ticker-ai/internal/strategy"
)

// Config tunes a Controller.
type Config struct {
	Instrument            string
	MaxPositionSize       float64
	CallTimeout           time.Duration
	ShutdownGrace         time.Duration
	FetchRetry            retry.Policy
	SubmitRetry           retry.Policy
	Cooldown              time.Duration
	CooldownLossThreshold float64
}

// Deps bundles the collaborators a Controller drives.
type Deps struct {
	Feed     Feed
	Broker   Broker
	Strategy strategy.Strategy
	Risk     *risk.Manager
	Store    store.Store
	Journal  journal.Journal
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller runs cycles for a single instrument. Cycles never overlap.
type Controller struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	run sync.Mutex // held for a whole cycle

	mu     sync.RWMutex
	phase  Phase
	record portfolio.Record
	loaded bool
	cycles uint64
	last   *Outcome
	halted error
}

// New validates the collaborators and returns an idle Controller.
func New(cfg Config, deps Deps, log zerolog.Logger, opts ...Option) (*Controller, error) {
	switch {
	case cfg.Instrument == "":
		return nil, fmt.Errorf("%w: instrument required", ErrConfig)
	case deps.Feed == nil, deps.Broker == nil, deps.Strategy == nil, deps.Risk == nil, deps.Store == nil:
		return nil, fmt.Errorf("%w: feed, broker, strategy, risk and store are required", ErrConfig)
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.FetchRetry.MaxAttempts <= 0 {
		cfg.FetchRetry = retry.DefaultPolicy()
	}
	if cfg.SubmitRetry.MaxAttempts <= 0 {
		cfg.SubmitRetry = retry.DefaultPolicy()
	}
	c := &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   log.With().Str("instrument", cfg.Instrument).Logger(),
		now:   time.Now,
		phase: PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Instrument: c.cfg.Instrument,
		Phase:      c.phase,
		Cycles:     c.cycles,
		Record:     c.record.Clone(),
	}
	if c.last != nil {
		last := *c.last
		snap.Last = &last
	}
	if c.halted != nil {
		snap.Halted = c.halted.Error()
	}
	return snap
}

// Halted returns the persistence error that stopped the controller, if any.
func (c *Controller) Halted() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// Run reconciles any order left pending by a previous process, then runs a cycle immediately
// and on every tick until ctx ends. It returns nil on cancellation and ErrPersistence if the
// controller halts.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrConfig)
	}
	if _, err := c.Reconcile(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, err := c.RunCycle(ctx)
		if err != nil {
			c.log.Error().Err(err).Msg("controller halted")
			return err
		}
		if out.Kind == OutcomeFailed && ctx.Err() == nil {
			c.log.Warn().Str("failed_in", string(out.FailedIn)).Str("err", out.Error).Msg("cycle failed")
		}
		select {
		case <-ctx.Done():
			c.log.Info().Msg("controller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle executes exactly one cycle. Only persistence failures are returned as errors;
// every other problem is reported in the Outcome.
func (c *Controller) RunCycle(ctx context.Context) (Outcome, error) {
	c.run.Lock()
	defer c.run.Unlock()

	if err := c.Halted(); err != nil {
		return Outcome{Phase: PhaseFailed, Kind: OutcomeFailed, Err: err, Error: err.Error()}, err
	}

	c.mu.Lock()
	c.cycles++
	n := c.cycles
	c.mu.Unlock()

	out := Outcome{Cycle: n, StartedAt: c.now()}
	log := c.log.With().Uint64("cycle", n).Logger()

	if err := c.ensureLoaded(); err != nil {
		return c.finish(log, out.fail(PhaseIdle, err)), err
	}

	if c.current().Pending != nil {
		rec, err := c.reconcile(ctx, log, &out)
		if err != nil {
			return c.finish(log, out), err
		}
		if rec.Pending != nil {
			log.Info().Str("key", rec.Pending.Request.IdempotencyKey).Msg("order still pending, skipping new decision")
			return c.finish(log, out), nil
		}
		c.journal(log, entryFor(out, PhaseSettling))
		out = Outcome{Cycle: n, StartedAt: out.StartedAt}
	}

	return c.cycle(ctx, log, out)
}

// Reconcile settles an order left pending by an earlier cycle or process.
func (c *Controller) Reconcile(ctx context.Context) (Outcome, error) {
	c.run.Lock()
	defer c.run.Unlock()

	if err := c.Halted(); err != nil {
		return Outcome{Phase: PhaseFailed, Kind: OutcomeFailed, Err: err, Error: err.Error()}, err
	}
	out := Outcome{StartedAt: c.now(), Kind: OutcomeIdle, Phase: PhaseIdle}
	log := c.log.With().Str("op", "reconcile").Logger()
	if err := c.ensureLoaded(); err != nil {
		return c.finish(log, out.fail(PhaseIdle, err)), err
	}
	if c.current().Pending == nil {
		out.FinishedAt = c.now()
		return out, nil
	}
	_, err := c.reconcile(ctx, log, &out)
	return c.finish(log, out), err
}

func (c *Controller) cycle(ctx context.Context, log zerolog.Logger, out Outcome) (Outcome, error) {
	rec := c.current()

	// FETCHING
	c.setPhase(PhaseFetching)
	need := c.deps.Strategy.Required()
	var samples []signal.PriceSample
	err := retry.Do(ctx, c.cfg.FetchRetry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		got, err := c.deps.Feed.PriceHistory(callCtx, c.cfg.Instrument, need)
		if err != nil {
			return err
		}
		samples = got
		return nil
	}, c.onRetry(log, PhaseFetching))
	if err != nil {
		return c.finish(log, out.fail(PhaseFetching, fmt.Errorf("fetch price history: %w", err))), nil
	}

	// EVALUATING
	c.setPhase(PhaseEvaluating)
	sig, err := c.deps.Strategy.Evaluate(samples)
	if err != nil {
		if errors.Is(err, strategy.ErrInsufficientData) {
			out.Kind, out.Phase, out.Reason = OutcomeHold, PhaseIdle, err.Error()
			return c.finish(log, out), nil
		}
		return c.finish(log, out.fail(PhaseEvaluating, fmt.Errorf("evaluate: %w", err))), nil
	}
	sig.Symbol = c.cfg.Instrument
	out.Signal = &sig
	metrics.SignalStrength.WithLabelValues(c.cfg.Instrument).Set(signedStrength(sig))
	log.Debug().Str("direction", string(sig.Direction)).Float64("momentum", sig.Momentum).Float64("strength", sig.Strength).Msg("signal")

	if !sig.Actionable() {
		out.Kind, out.Phase, out.Reason = OutcomeHold, PhaseIdle, sig.Reason
		return c.finish(log, out), nil
	}

	// RISK_CHECK
	c.setPhase(PhaseRiskCheck)
	mark := samples[len(samples)-1].Price
	mkt := risk.Market{Price: mark}
	if sig.Direction == signal.Buy {
		err := retry.Do(ctx, c.cfg.FetchRetry, func(ctx context.Context, attempt int) error {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			cash, err := c.deps.Broker.BuyingPower(callCtx)
			if err != nil {
				return err
			}
			mkt.AvailableCash = cash
			return nil
		}, c.onRetry(log, PhaseRiskCheck))
		if err != nil {
			return c.finish(log, out.fail(PhaseRiskCheck, fmt.Errorf("buying power: %w", err))), nil
		}
	}
	decision := c.deps.Risk.Authorize(sig, rec.Position, rec.Risk, mkt)
	out.Decision = &decision
	if !decision.Approved {
		log.Info().Str("reason", decision.Reason).Msg("risk rejected signal")
		out.Kind, out.Phase, out.Reason = OutcomeRejected, PhaseIdle, decision.Reason
		return c.finish(log, out), nil
	}

	// SUBMITTING
	c.setPhase(PhaseSubmitting)
	req := order.NewRequest(c.cfg.Instrument, decision.Side, decision.Quantity, mark, c.now())
	out.Request = &req
	log = log.With().Str("key", req.IdempotencyKey).Logger()

	pending := rec.Clone()
	pending.Pending = &portfolio.OrderRecord{Request: req, Reason: decision.Reason, SubmittedAt: req.CreatedAt}
	if err := c.persist(pending); err != nil {
		return c.finish(log, out.fail(PhaseSubmitting, err)), err
	}
	c.journal(log, entryFor(out, PhaseSubmitting))
	log.Info().Str("side", string(req.Side)).Float64("qty", req.Quantity).Float64("mark", mark).Msg("submit order")

	res, err := c.submit(ctx, log, req)
	if err != nil {
		log.Error().Err(err).Msg("order submission failed, left pending for reconcile")
		return c.finish(log, out.fail(PhaseSubmitting, fmt.Errorf("place order: %w", err))), nil
	}
	out.Result = &res

	// SETTLING
	c.setPhase(PhaseSettling)
	if _, err := c.settle(log, &out, req, res); err != nil {
		return c.finish(log, out), err
	}
	return c.finish(log, out), nil
}

// submit keeps going for ShutdownGrace after ctx is cancelled so an order in flight gets
// an answer instead of being abandoned mid-request.
func (c *Controller) submit(ctx context.Context, log zerolog.Logger, req order.Request) (order.Result, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	grace := c.cfg.ShutdownGrace
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-subCtx.Done():
		}
	})
	defer stop()

	var res order.Result
	err := retry.Do(subCtx, c.cfg.SubmitRetry, func(ctx context.Context, attempt int) error {
		callCtx, cancelCall := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancelCall()
		got, err := c.deps.Broker.PlaceOrder(callCtx, req)
		if err != nil {
			return err
		}
		res = got
		return nil
	}, c.onRetry(log, PhaseSubmitting))
	return res, err
}

// reconcile asks the broker about the pending order and folds the answer into the record.
func (c *Controller) reconcile(ctx context.Context, log zerolog.Logger, out *Outcome) (portfolio.Record, error) {
	rec := c.current()
	p := rec.Pending
	req := p.Request
	out.Request = &req
	log = log.With().Str("key", req.IdempotencyKey).Logger()

	var res order.Result
	err := retry.Do(ctx, c.cfg.FetchRetry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		got, err := c.deps.Broker.GetOrderStatus(callCtx, req.IdempotencyKey)
		if errors.Is(err, order.ErrUnknownOrder) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		res = got
		return nil
	}, c.onRetry(log, PhaseSettling))

	switch {
	case errors.Is(err, order.ErrUnknownOrder):
		log.Warn().Msg("pending order unknown to broker, clearing")
		res = order.Result{Status: order.Failed, Error: "order never reached broker"}
	case err != nil:
		log.Warn().Err(err).Msg("order status lookup failed")
		out.Kind, out.Phase = OutcomePending, PhaseIdle
		out.Reason = "status lookup failed"
		out.Err, out.Error = err, err.Error()
		return rec, nil
	}
	out.Result = &res
	c.setPhase(PhaseSettling)
	return c.settle(log, out, req, res)
}

// settle applies a broker result to the record and persists it in one Save.
func (c *Controller) settle(log zerolog.Logger, out *Outcome, req order.Request, res order.Result) (portfolio.Record, error) {
	rec := c.current()
	now := c.now()
	next := rec.Clone()
	orderRec := &portfolio.OrderRecord{Request: req, Result: res, SubmittedAt: req.CreatedAt}
	if rec.Pending != nil && rec.Pending.Request.IdempotencyKey == req.IdempotencyKey {
		orderRec.Reason = rec.Pending.Reason
		orderRec.SubmittedAt = rec.Pending.SubmittedAt
	}
	out.Phase = PhaseIdle
	keepPending := res.Status == order.Pending

	switch res.Status {
	case order.Filled:
		pos, realized, err := applyResult(rec.Position, req, res, now)
		if err != nil {
			// The venue executed but the fill cannot be booked. Keeping the marker blocks new
			// decisions and re-reads the status every cycle until it can be applied.
			log.Error().Err(err).Msg("cannot apply fill, keeping order pending")
			pendingRec := *orderRec
			pendingRec.Reason = err.Error()
			next.Pending = &pendingRec
			keepPending = true
			*out = out.fail(PhaseSettling, fmt.Errorf("apply fill: %w", err))
			break
		}
		next.Position = pos
		next.Risk = rec.Risk.AfterFill(realized, now, c.cfg.CooldownLossThreshold, c.cfg.Cooldown)
		out.Kind = OutcomeFilled
		log.Info().Float64("filled_qty", res.FilledQuantity).Float64("filled_px", res.FilledPrice).
			Float64("realized", realized).Float64("position", pos.Quantity).Msg("order filled")

	case order.Pending:
		pendingRec := *orderRec
		next.Pending = &pendingRec
		out.Kind = OutcomePending
		out.Reason = "broker reports order pending"
		log.Info().Str("broker_order_id", res.BrokerOrderID).Msg("order pending at broker")

	case order.Rejected:
		next.Risk = rec.Risk.AfterRejection(now)
		out.Kind = OutcomeBrokerRejected
		out.Reason = res.Error
		log.Warn().Str("reason", res.Error).Msg("broker rejected order")

	default:
		next.Risk = rec.Risk.AfterRejection(now)
		*out = out.fail(PhaseSettling, fmt.Errorf("broker status %s: %s", res.Status, res.Error))
	}

	if !keepPending {
		orderRec.SettledAt = now
		next.LastOrder = orderRec
		next.Pending = nil
		metrics.OrdersTotal.WithLabelValues(req.Instrument, string(req.Side), string(res.Status)).Inc()
	}
	if err := c.persist(next); err != nil {
		*out = out.fail(PhaseSettling, err)
		return rec, err
	}
	return next, nil
}

// applyResult folds a FILLED result into a position. A SELL fill larger than the holding is
// trimmed to the holding, and a missing fill price falls back to the reference price.
func applyResult(pos portfolio.Position, req order.Request, res order.Result, at time.Time) (portfolio.Position, float64, error) {
	qty := res.FilledQuantity
	if qty <= 0 {
		return pos, 0, fmt.Errorf("filled result without quantity")
	}
	if req.Side == order.Sell && qty > pos.Quantity {
		qty = pos.Quantity
	}
	price := res.FilledPrice
	if price <= 0 {
		price = req.RefPrice
	}
	next, realized, err := pos.ApplyFill(req.Side, qty, price, at)
	if err != nil {
		return pos, 0, err
	}
	next.Instrument = req.Instrument
	return next, realized, nil
}

func (c *Controller) ensureLoaded() error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	rec, err := c.deps.Store.Load(c.cfg.Instrument)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = portfolio.NewRecord(c.cfg.Instrument, c.cfg.MaxPositionSize)
	case err != nil:
		return c.halt(fmt.Errorf("%w: load: %w", ErrPersistence, err))
	}
	if c.cfg.MaxPositionSize > 0 {
		rec.Risk.MaxPositionSize = c.cfg.MaxPositionSize
	}
	c.mu.Lock()
	c.record = rec
	c.loaded = true
	c.mu.Unlock()
	metrics.PositionQuantity.WithLabelValues(c.cfg.Instrument).Set(rec.Position.Quantity)
	return nil
}

func (c *Controller) persist(next portfolio.Record) error {
	cur := c.current()
	next.Version = cur.Version + 1
	if err := c.deps.Store.Save(next); err != nil {
		return c.halt(fmt.Errorf("%w: save: %w", ErrPersistence, err))
	}
	c.mu.Lock()
	c.record = next
	c.mu.Unlock()
	metrics.PositionQuantity.WithLabelValues(c.cfg.Instrument).Set(next.Position.Quantity)
	return nil
}

func (c *Controller) halt(err error) error {
	c.mu.Lock()
	c.halted = err
	c.mu.Unlock()
	c.log.Error().Err(err).Msg("halting controller")
	return err
}

func (c *Controller) current() portfolio.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) onRetry(log zerolog.Logger, phase Phase) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		metrics.RetriesTotal.WithLabelValues(string(phase)).Inc()
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("phase", string(phase)).Msg("retrying")
	}
}

func (c *Controller) finish(log zerolog.Logger, out Outcome) Outcome {
	out.FinishedAt = c.now()
	if out.Phase == "" {
		out.Phase = PhaseIdle
	}
	if out.Err != nil && out.Error == "" {
		out.Error = out.Err.Error()
	}
	metrics.CyclesTotal.WithLabelValues(string(out.Kind)).Inc()
	metrics.CycleDuration.Observe(out.FinishedAt.Sub(out.StartedAt).Seconds())
	c.journal(log, entryFor(out, out.Phase))

	c.mu.Lock()
	c.phase = out.Phase
	last := out
	c.last = &last
	c.mu.Unlock()
	return out
}

func (c *Controller) journal(log zerolog.Logger, e journal.Entry) {
	e.Instrument = c.cfg.Instrument
	e.Time = c.now()
	if err := c.deps.Journal.Record(e); err != nil {
		log.Warn().Err(err).Msg("journal write failed")
	}
}

func (o Outcome) fail(phase Phase, err error) Outcome {
	o.Kind = OutcomeFailed
	o.Phase = PhaseFailed
	o.FailedIn = phase
	o.Err = err
	o.Error = err.Error()
	return o
}

func entryFor(out Outcome, phase Phase) journal.Entry {
	e := journal.Entry{
		Cycle:   out.Cycle,
		Phase:   string(phase),
		Outcome: string(out.Kind),
		Reason:  out.Reason,
		Error:   out.Error,
	}
	if phase == PhaseSubmitting {
		e.Outcome = "submitting"
	}
	if out.Signal != nil {
		e.Direction = string(out.Signal.Direction)
		e.Strength = out.Signal.Strength
		e.Momentum = out.Signal.Momentum
	}
	if out.Decision != nil {
		e.Approved = out.Decision.Approved
		e.Side = string(out.Decision.Side)
		e.Quantity = out.Decision.Quantity
		if e.Reason == "" {
			e.Reason = out.Decision.Reason
		}
	}
	if out.Request != nil {
		e.IdempotencyKey = out.Request.IdempotencyKey
		e.Side = string(out.Request.Side)
		e.Quantity = out.Request.Quantity
	}
	if out.Result != nil {
		e.OrderStatus = string(out.Result.Status)
		e.FilledQuantity = out.Result.FilledQuantity
		e.FilledPrice = out.Result.FilledPrice
	}
	return e
}

func signedStrength(sig signal.Signal) float64 {
	switch sig.Direction {
	case signal.Buy:
		return sig.Strength
	case signal.Sell:
		return -sig.Strength
	default:
		return 0
	}
}
