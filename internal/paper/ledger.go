package paper

import (
	"sync"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
)

// Fill is one simulated execution.
type Fill struct {
	Key        string     `json:"key"`
	Instrument string     `json:"instrument"`
	Side       order.Side `json:"side"`
	Qty        float64    `json:"qty"`
	Price      float64    `json:"price"`
	Realized   float64    `json:"realized"`
	Ts         time.Time  `json:"ts"`
}

// Ledger keeps the newest simulated fills; older ones roll off once limit is reached.
// Realized PnL is tracked over every fill ever recorded.
type Ledger struct {
	mu       sync.Mutex
	limit    int
	fills    []Fill
	total    int
	realized float64
}

// NewLedger returns a ledger retaining at most limit fills. Non-positive limits keep everything.
func NewLedger(limit int) *Ledger {
	return &Ledger{limit: limit}
}

func (l *Ledger) Record(fill Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.realized += fill.Realized
	if l.limit > 0 && len(l.fills) == l.limit {
		copy(l.fills, l.fills[1:])
		l.fills = l.fills[:l.limit-1]
	}
	l.fills = append(l.fills, fill)
}

// Snapshot returns the retained fills, oldest first.
func (l *Ledger) Snapshot() []Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Fill(nil), l.fills...)
}

// Totals reports how many fills were ever recorded and their summed realized PnL.
func (l *Ledger) Totals() (count int, realized float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, l.realized
}
