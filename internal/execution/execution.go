// Package execution drives one fetch, evaluate, authorize, submit and settle cycle at a time
// and owns the lifecycle of every order the bot places.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/risk"
	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

// Phase is where the controller currently is inside a cycle.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseFetching   Phase = "FETCHING"
	PhaseEvaluating Phase = "EVALUATING"
	PhaseRiskCheck  Phase = "RISK_CHECK"
	PhaseSubmitting Phase = "SUBMITTING"
	PhaseSettling   Phase = "SETTLING"
	PhaseFailed     Phase = "FAILED"
)

// OutcomeKind summarizes how a cycle ended.
type OutcomeKind string

const (
	// OutcomeIdle means there was nothing to do, e.g. Reconcile without a pending order.
	OutcomeIdle           OutcomeKind = "idle"
	OutcomeHold           OutcomeKind = "hold"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomeFilled         OutcomeKind = "filled"
	OutcomeBrokerRejected OutcomeKind = "broker_rejected"
	OutcomePending        OutcomeKind = "pending"
	OutcomeFailed         OutcomeKind = "failed"
)

var (
	// ErrPersistence wraps any store failure. The controller refuses to run further cycles after it.
	ErrPersistence = errors.New("persistence failure")
	// ErrConfig reports a controller built without a required collaborator.
	ErrConfig = errors.New("invalid controller config")
)

// Feed supplies recent price history for an instrument, oldest first.
type Feed interface {
	PriceHistory(ctx context.Context, instrument string, n int) ([]signal.PriceSample, error)
}

// Broker places orders and answers questions about them. PlaceOrder must treat a repeated
// IdempotencyKey as the same order. A business refusal is a REJECTED result with a nil error;
// errors are reserved for transport and availability problems.
type Broker interface {
	PlaceOrder(ctx context.Context, req order.Request) (order.Result, error)
	GetPosition(ctx context.Context, instrument string) (portfolio.Position, error)
	GetOrderStatus(ctx context.Context, idempotencyKey string) (order.Result, error)
	BuyingPower(ctx context.Context) (float64, error)
}

// Outcome is the observable result of one cycle or reconciliation.
type Outcome struct {
	Cycle      uint64         `json:"cycle"`
	Phase      Phase          `json:"phase"`
	FailedIn   Phase          `json:"failed_in,omitempty"`
	Kind       OutcomeKind    `json:"kind"`
	Signal     *signal.Signal `json:"signal,omitempty"`
	Decision   *risk.Decision `json:"decision,omitempty"`
	Request    *order.Request `json:"request,omitempty"`
	Result     *order.Result  `json:"result,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Snapshot is a read-only view for status reporting.
type Snapshot struct {
	Instrument string           `json:"instrument"`
	Phase      Phase            `json:"phase"`
	Cycles     uint64           `json:"cycles"`
	Record     portfolio.Record `json:"record"`
	Last       *Outcome         `json:"last,omitempty"`
	Halted     string           `json:"halted,omitempty"`
}
