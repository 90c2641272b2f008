package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors of the lifecycle subsystem. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Reconciliations   *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	UninstallEvents   *prometheus.CounterVec
	SessionRejected   prometheus.Counter
	OutboxDispatched  prometheus.Counter
	OutboxFailed      prometheus.Counter
	OutboxDead        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storesync_reconciliations_total",
			Help: "Tenant reconciliation operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		ReconcileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storesync_reconcile_duration_seconds",
			Help:    "Duration of tenant reconciliation operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		UninstallEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storesync_uninstall_events_total",
			Help: "Uninstall webhook deliveries by result",
		}, []string{"result"}),
		SessionRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "storesync_session_rejected_total",
			Help: "Requests rejected by session validation",
		}),
		OutboxDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "storesync_outbox_dispatched_total",
			Help: "Lifecycle events published successfully",
		}),
		OutboxFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "storesync_outbox_failed_total",
			Help: "Lifecycle event publish attempts that failed",
		}),
		OutboxDead: f.NewCounter(prometheus.CounterOpts{
			Name: "storesync_outbox_dead_total",
			Help: "Lifecycle events moved to dead after exhausting retries",
		}),
	}
}

func (m *Metrics) ObserveReconcile(operation, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(operation, outcome).Inc()
	m.ReconcileDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementUninstall(result string) {
	if m == nil {
		return
	}
	m.UninstallEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementSessionRejected() {
	if m == nil {
		return
	}
	m.SessionRejected.Inc()
}

func (m *Metrics) IncrementOutboxDispatched() {
	if m == nil {
		return
	}
	m.OutboxDispatched.Inc()
}

func (m *Metrics) IncrementOutboxFailed() {
	if m == nil {
		return
	}
	m.OutboxFailed.Inc()
}

func (m *Metrics) IncrementOutboxDead() {
	if m == nil {
		return
	}
	m.OutboxDead.Inc()
}
