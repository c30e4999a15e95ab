// Package notifymetrics holds the Prometheus metrics shared across the
// poll coalescer, watch scheduler, and push-token gateway, registered via
// promauto the way internal/escrow/metrics.go registers the economic
// barrier's metrics.
package notifymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PollCacheMetrics are the PollCoalescer's (C3) metrics.
type PollCacheMetrics struct {
	InFlight        prometheus.Gauge
	ResultHits      prometheus.Counter
	ResultMisses    prometheus.Counter
	QuotaRejections prometheus.Counter
	PollDuration    prometheus.Histogram
	SharedFetches   prometheus.Counter
}

// NewPollCacheMetrics registers and returns the pollcache metric set.
func NewPollCacheMetrics() *PollCacheMetrics {
	return &PollCacheMetrics{
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pollcache_inflight",
			Help: "Current number of distinct in-flight poll fetches.",
		}),
		ResultHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pollcache_result_hits_total",
			Help: "Total poll() calls served directly from the result cache.",
		}),
		ResultMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pollcache_result_misses_total",
			Help: "Total poll() calls that required a fresh or coalesced fetch.",
		}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pollcache_quota_rejections_total",
			Help: "Total poll() calls rejected because the in-flight cache was at capacity.",
		}),
		PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pollcache_poll_duration_seconds",
			Help:    "Duration of poll() calls, including time spent awaiting a coalesced fetch.",
			Buckets: prometheus.DefBuckets,
		}),
		SharedFetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pollcache_shared_fetches_total",
			Help: "Total poll() calls that shared an in-flight fetch rather than originating one.",
		}),
	}
}

func (m *PollCacheMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *PollCacheMetrics) IncResultHit() {
	if m == nil {
		return
	}
	m.ResultHits.Inc()
}

func (m *PollCacheMetrics) IncResultMiss() {
	if m == nil {
		return
	}
	m.ResultMisses.Inc()
}

func (m *PollCacheMetrics) IncQuotaRejection() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}

func (m *PollCacheMetrics) ObservePollDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
}

func (m *PollCacheMetrics) ObserveShared(shared bool) {
	if m == nil || !shared {
		return
	}
	m.SharedFetches.Inc()
}

// SchedulerMetrics are the WatchScheduler's (C4) sweep metrics.
type SchedulerMetrics struct {
	SweepsTotal      prometheus.Counter
	SweepDuration    prometheus.Histogram
	RecordsMarked    prometheus.Counter
	RecordsProcessed prometheus.Counter
	RecordsFailed    prometheus.Counter
	RescheduleDelay  prometheus.Gauge
}

// NewSchedulerMetrics registers and returns the watchscheduler metric set.
func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		SweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "watchscheduler_sweeps_total",
			Help: "Total sweep ticks executed.",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchscheduler_sweep_duration_seconds",
			Help:    "Duration of a full sweep tick.",
			Buckets: prometheus.DefBuckets,
		}),
		RecordsMarked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "watchscheduler_records_marked_total",
			Help: "Total records claimed via mark() across all sweeps.",
		}),
		RecordsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "watchscheduler_records_processed_total",
			Help: "Total records successfully processed by a watcher function.",
		}),
		RecordsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "watchscheduler_records_failed_total",
			Help: "Total records that failed watcher execution or CAS update.",
		}),
		RescheduleDelay: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "watchscheduler_reschedule_delay_ms",
			Help: "Current backoff delay, in milliseconds, before the next sweep tick.",
		}),
	}
}

// PushTokenMetrics are the push-token gateway's metrics.
type PushTokenMetrics struct {
	TokensIssued    prometheus.Counter
	VerifyFailures  prometheus.Counter
	VerifySuccesses prometheus.Counter
}

// NewPushTokenMetrics registers and returns the pushtoken metric set.
func NewPushTokenMetrics() *PushTokenMetrics {
	return &PushTokenMetrics{
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pushtoken_issued_total",
			Help: "Total push tokens minted.",
		}),
		VerifyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pushtoken_verify_failures_total",
			Help: "Total push token verifications that failed.",
		}),
		VerifySuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pushtoken_verify_successes_total",
			Help: "Total push token verifications that succeeded.",
		}),
	}
}
