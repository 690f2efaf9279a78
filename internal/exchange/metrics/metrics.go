package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the exchange verification engine.
type Metrics struct {
	CheckIns         *prometheus.CounterVec
	QRTokensIssued   prometheus.Counter
	QRConfirmations  prometheus.Counter
	OutcomesResolved *prometheus.CounterVec
	SweepRuns        prometheus.Counter
	SweepClosed      prometheus.Counter
	SweepErrors      prometheus.Counter
	Disputes         prometheus.Counter
}

// New creates and registers the exchange metrics.
func New() *Metrics {
	return &Metrics{
		CheckIns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_checkins_total",
			Help: "Check-in attempts by slot, method, and result.",
		}, []string{"slot", "method", "result"}),
		QRTokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "handoff_qr_tokens_issued_total",
			Help: "QR confirmation tokens issued.",
		}),
		QRConfirmations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "handoff_qr_confirmations_total",
			Help: "Successful mutual QR confirmations.",
		}),
		OutcomesResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_outcomes_resolved_total",
			Help: "Outcome transitions persisted, by outcome.",
		}, []string{"outcome"}),
		SweepRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "handoff_sweep_runs_total",
			Help: "Window closer sweep executions.",
		}),
		SweepClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "handoff_sweep_closed_total",
			Help: "Instances force-finalized by the window closer.",
		}),
		SweepErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "handoff_sweep_errors_total",
			Help: "Errors encountered while closing instances; retried next sweep.",
		}),
		Disputes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "handoff_disputes_total",
			Help: "Dispute flags raised on resolved instances.",
		}),
	}
}
