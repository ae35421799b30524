// internal/server/metrics.go
package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// Metrics holds the server's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so wiring stays optional in tests.
type Metrics struct {
	syncRequests      *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	changesApplied    prometheus.Counter
	changesRejected   prometheus.Counter
	conflictsDetected prometheus.Counter
	conflictsResolved prometheus.Counter
}

// NewMetrics registers the sync instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		syncRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goodies",
			Subsystem: "sync",
			Name:      "requests_total",
			Help:      "Sync requests processed, by sync type and outcome.",
		}, []string{"sync_type", "outcome"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goodies",
			Subsystem: "sync",
			Name:      "request_duration_seconds",
			Help:      "Wall time spent processing a sync request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sync_type"}),
		changesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "goodies",
			Subsystem: "sync",
			Name:      "changes_applied_total",
			Help:      "Entity versions accepted into the store.",
		}),
		changesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "goodies",
			Subsystem: "sync",
			Name:      "changes_rejected_total",
			Help:      "Entity versions rejected per-change, e.g. missing parents.",
		}),
		conflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "goodies",
			Subsystem: "sync",
			Name:      "conflicts_detected_total",
			Help:      "Concurrent sibling sets found during replay.",
		}),
		conflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "goodies",
			Subsystem: "sync",
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts closed by a policy-generated merge version.",
		}),
	}
}

func (m *Metrics) observeSync(syncType inbetweenies.SyncType, stats inbetweenies.SyncStats, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(string(syncType), "ok").Inc()
	m.syncDuration.WithLabelValues(string(syncType)).Observe(elapsed.Seconds())
	m.changesApplied.Add(float64(stats.Applied))
	m.changesRejected.Add(float64(stats.Rejected))
}

func (m *Metrics) observeRejected(syncType inbetweenies.SyncType) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(string(syncType), "error").Inc()
}

func (m *Metrics) observeConflict(resolved bool) {
	if m == nil {
		return
	}
	m.conflictsDetected.Inc()
	if resolved {
		m.conflictsResolved.Inc()
	}
}
