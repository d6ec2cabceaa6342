package syncsession

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the lock registry and sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LockWait    prometheus.Histogram
	ActiveLocks prometheus.Gauge
	Flushes     *prometheus.CounterVec
	Warnings    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncsession",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a session lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		ActiveLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncsession",
			Name:      "active_locks",
			Help:      "Number of session ids with a live lock entry.",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncsession",
			Name:      "flushes_total",
			Help:      "Write-backs performed on guarded scope exit.",
		}, []string{"result"}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncsession",
			Name:      "warnings_total",
			Help:      "Stale access warnings emitted.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.LockWait, m.ActiveLocks, m.Flushes, m.Warnings)
	}
	return m
}

func (m *Metrics) observeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) setActiveLocks(n int) {
	if m == nil {
		return
	}
	m.ActiveLocks.Set(float64(n))
}

func (m *Metrics) flushed(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Flushes.WithLabelValues(result).Inc()
}

func (m *Metrics) warned(kind WarningKind) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(kind.String()).Inc()
}
