package wishlist

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the sync engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	syncs    *prometheus.CounterVec
	batchOps prometheus.Counter
	pending  prometheus.Gauge
	deferred prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wishlist",
			Name:      "sync_attempts_total",
			Help:      "Sync attempts by result (ok, error, offline, busy).",
		}, []string{"result"}),
		batchOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wishlist",
			Name:      "batch_operations_total",
			Help:      "Pending changes submitted in batch requests.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wishlist",
			Name:      "pending_changes",
			Help:      "Changes waiting in the local change log.",
		}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wishlist",
			Name:      "deferred_changes_total",
			Help:      "Mutations recorded offline instead of sent directly.",
		}),
	}
	reg.MustRegister(m.syncs, m.batchOps, m.pending, m.deferred)
	return m
}

func (m *Metrics) syncResult(result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
}

func (m *Metrics) batchSubmitted(n int) {
	if m == nil {
		return
	}
	m.batchOps.Add(float64(n))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) changeDeferred() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}
