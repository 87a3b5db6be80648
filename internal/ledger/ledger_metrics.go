package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/settle/internal/apperr"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by type and outcome (ok, or the error kind).",
		},
		[]string{"type", "outcome"},
	)

	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settle",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration)
}

// observeOp starts timing op. The returned func records the outcome;
// insufficient funds and duplicates show up under their kind, not as
// failures.
func observeOp(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if kind := apperr.KindOf(err); kind != "" {
				outcome = string(kind)
			}
		}
		opsTotal.WithLabelValues(op, outcome).Inc()
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
