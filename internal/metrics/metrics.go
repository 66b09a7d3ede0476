// Package metrics registers the bot's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_samples_total", Help: "Price samples appended to feed history"},
		[]string{"instrument"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_cycles_total", Help: "Execution cycles by outcome"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_orders_total", Help: "Orders settled by broker status"},
		[]string{"instrument", "side", "status"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_retries_total", Help: "Retried collaborator calls by phase"},
		[]string{"phase"},
	)
	PositionQuantity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "bot_position_quantity", Help: "Persisted position quantity"},
		[]string{"instrument"},
	)
	SignalStrength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "bot_signal_strength", Help: "Signed strength of the latest signal"},
		[]string{"instrument"},
	)
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_cycle_duration_seconds",
		Help:    "Wall time of one execution cycle",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(SamplesTotal, CyclesTotal, OrdersTotal, RetriesTotal, PositionQuantity, SignalStrength, CycleDuration)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }
