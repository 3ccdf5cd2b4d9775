package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowsync",
		Subsystem: "reconciliation",
		Name:      "conservation_diff",
		Help:      "Deposits minus wallets, escrow and retained fees in the last run. Zero when money is conserved.",
	})

	reconcileStuckSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowsync",
		Subsystem: "reconciliation",
		Name:      "stuck_settlements",
		Help:      "Settled transactions whose seller credit has not completed, found in the last run.",
	})

	reconcileOverdueExpiries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowsync",
		Subsystem: "reconciliation",
		Name:      "overdue_expiries",
		Help:      "Expirable transactions past their window plus grace, found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowsync",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed to read state.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDiff,
		reconcileStuckSettlements,
		reconcileOverdueExpiries,
		reconcileDuration,
		reconcileErrors,
	)
}
