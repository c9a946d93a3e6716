package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for the scheduling core.
type SchedulingMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	seriesOccurrences *prometheus.CounterVec
	waitlistMatches   *prometheus.CounterVec
	historyFailures   *prometheus.CounterVec
	lockWait          prometheus.Histogram
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lindeberg",
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Booking engine operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lindeberg",
			Subsystem: "scheduling",
			Name:      "operation_latency_seconds",
			Help:      "Latency of booking engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		seriesOccurrences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lindeberg",
			Subsystem: "scheduling",
			Name:      "series_occurrences_total",
			Help:      "Series occurrences processed by outcome",
		}, []string{"outcome"}),
		waitlistMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lindeberg",
			Subsystem: "scheduling",
			Name:      "waitlist_matches_total",
			Help:      "Waitlist backfill attempts by outcome",
		}, []string{"outcome"}),
		historyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lindeberg",
			Subsystem: "scheduling",
			Name:      "history_write_failures_total",
			Help:      "History snapshots that could not be written after a committed mutation",
		}, []string{"kind"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lindeberg",
			Subsystem: "scheduling",
			Name:      "resource_lock_wait_seconds",
			Help:      "Time spent acquiring resource locks",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.operationsTotal,
		m.operationLatency,
		m.seriesOccurrences,
		m.waitlistMatches,
		m.historyFailures,
		m.lockWait,
	)
	return m
}

func (m *SchedulingMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveSeriesOccurrence(outcome string) {
	if m == nil {
		return
	}
	m.seriesOccurrences.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveWaitlistMatch(outcome string) {
	if m == nil {
		return
	}
	m.waitlistMatches.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveHistoryFailure(kind string) {
	if m == nil {
		return
	}
	m.historyFailures.WithLabelValues(kind).Inc()
}

func (m *SchedulingMetrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.lockWait.Observe(seconds)
}
