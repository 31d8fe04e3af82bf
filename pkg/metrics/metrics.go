// Package metrics defines the Prometheus collectors exported by riskcore.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskcore"

var (
	// RecalculationsTotal counts residual risk recalculations.
	// Labels: mode (single, batch), outcome (success, error)
	RecalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "riskscore",
		Name:      "recalculations_total",
		Help:      "Residual risk recalculations by mode and outcome",
	}, []string{"mode", "outcome"})

	// BatchDuration measures whole-portfolio recalculation time.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "riskscore",
		Name:      "batch_duration_seconds",
		Help:      "Duration of whole-portfolio recalculation",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// KRIEvaluationsTotal counts KRI evaluations by resulting status.
	KRIEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kri",
		Name:      "evaluations_total",
		Help:      "KRI evaluations by resulting status",
	}, []string{"status"})

	// BreachTransitionsTotal counts breach state changes.
	// Labels: kind (opened, level_changed, resolved), level
	BreachTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kri",
		Name:      "breach_transitions_total",
		Help:      "Breach state transitions by kind and level",
	}, []string{"kind", "level"})

	// AlertDispatchTotal counts alert dispatch outcomes.
	// Labels: outcome (sent, failed, skipped, rejected)
	AlertDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "dispatch_total",
		Help:      "Breach alert dispatch outcomes",
	}, []string{"outcome"})

	// MonitorTickDuration measures one pass over all active KRIs.
	MonitorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "kri",
		Name:      "monitor_tick_duration_seconds",
		Help:      "Duration of one KRI monitor pass",
		Buckets:   prometheus.DefBuckets,
	})

	// OpenBreaches reports KRIs currently in breach, as seen by the last monitor pass.
	OpenBreaches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "kri",
		Name:      "breached",
		Help:      "Active KRIs in breach at the last monitor pass",
	})

	// BreakerState reports circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "breaker_state",
		Help:      "Alert channel circuit breaker state",
	}, []string{"channel"})

	// EventsConsumedTotal counts Kafka events handled by topic and outcome.
	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "consumed_total",
		Help:      "Kafka events consumed by topic and outcome",
	}, []string{"topic", "outcome"})
)

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
