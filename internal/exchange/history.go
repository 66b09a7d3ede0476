package exchange

import (
	"math"
	"sync"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/signal"
)

// History is a bounded, strictly time-ordered buffer of price samples. Observations are
// bucketed by the sample interval: the first observation in a bucket appends a sample stamped
// with the bucket start, later ones in the same bucket overwrite its price.
type History struct {
	mu       sync.RWMutex
	capacity int
	interval time.Duration
	samples  []signal.PriceSample
	updated  time.Time
}

// NewHistory returns an empty buffer. A non-positive interval keeps every distinct timestamp.
func NewHistory(capacity int, interval time.Duration) *History {
	if capacity <= 0 {
		capacity = 512
	}
	return &History{capacity: capacity, interval: interval, samples: make([]signal.PriceSample, 0, capacity)}
}

// Observe records a price seen at ts and reports whether a new sample was appended.
// Invalid prices and observations older than the newest bucket are dropped.
func (h *History) Observe(ts time.Time, price float64, seenAt time.Time) bool {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) || ts.IsZero() {
		return false
	}
	if h.interval > 0 {
		ts = ts.Truncate(h.interval)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.samples); n > 0 {
		last := h.samples[n-1].Ts
		switch {
		case ts.Equal(last):
			h.samples[n-1].Price = price
			h.updated = seenAt
			return false
		case ts.Before(last):
			return false
		}
	}
	if len(h.samples) == h.capacity {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:h.capacity-1]
	}
	h.samples = append(h.samples, signal.PriceSample{Ts: ts, Price: price})
	h.updated = seenAt
	return true
}

// Last returns up to n of the newest samples, oldest first.
func (h *History) Last(n int) []signal.PriceSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.samples) {
		n = len(h.samples)
	}
	out := make([]signal.PriceSample, n)
	copy(out, h.samples[len(h.samples)-n:])
	return out
}

// Len reports how many samples are buffered.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}

// Updated is the wall time of the most recent accepted observation.
func (h *History) Updated() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.updated
}
