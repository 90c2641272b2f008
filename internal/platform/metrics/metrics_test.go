package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveReconcile("install", "ok", time.Now())
	m.IncrementUninstall("deactivated")
	m.IncrementSessionRejected()
	m.IncrementOutboxDispatched()
	m.IncrementOutboxFailed()
	m.IncrementOutboxDead()
}

func TestObserveReconcile(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveReconcile("sync", "not_found", time.Now())
	m.ObserveReconcile("sync", "ok", time.Now())
	m.ObserveReconcile("sync", "ok", time.Now())

	if got := testutil.ToFloat64(m.Reconciliations.WithLabelValues("sync", "ok")); got != 2 {
		t.Fatalf("ok count = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.ReconcileDuration); got != 1 {
		t.Fatalf("histogram series = %d, want 1", got)
	}
}
