// Package metrics exposes prometheus collectors for sessiond. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
)

type Metrics struct {
	operations    *prometheus.CounterVec
	casRetries    prometheus.Counter
	sweepRemoved  prometheus.Counter
	sweepPurged   prometheus.Counter
	sweepErrors   prometheus.Counter
	sweepDuration prometheus.Histogram
	rejections    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_operations_total",
			Help: "Session store operations by name and result code.",
		}, []string{"op", "result"}),
		casRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_cas_retries_total",
			Help: "Compare-and-swap attempts that lost a race and were retried.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_sweep_removed_total",
			Help: "Expired sessions removed by the lifecycle sweep.",
		}),
		sweepPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_sweep_purged_total",
			Help: "Deleted sessions physically removed by the lifecycle sweep.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_sweep_errors_total",
			Help: "Per-record failures during the lifecycle sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessiond_sweep_duration_seconds",
			Help:    "Duration of a full lifecycle sweep.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_rejections_total",
			Help: "Requests rejected by rate limits or quotas.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.casRetries, m.sweepRemoved, m.sweepPurged,
			m.sweepErrors, m.sweepDuration, m.rejections)
	}
	return m
}

// ObserveOp counts one store operation. A nil err is recorded as "ok".
func (m *Metrics) ObserveOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) CASRetry() {
	if m == nil {
		return
	}
	m.casRetries.Inc()
}

// ObserveSweep records the outcome of one sweep pass.
func (m *Metrics) ObserveSweep(removed, purged, errs int, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepRemoved.Add(float64(removed))
	m.sweepPurged.Add(float64(purged))
	m.sweepErrors.Add(float64(errs))
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}
