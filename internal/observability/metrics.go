package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for gatecell.
// Pass to components that need to record metrics.
type Metrics struct {
	CheckRequestsTotal *prometheus.CounterVec
	CheckDuration      *prometheus.HistogramVec
	InFlight           prometheus.Gauge
	DecisionsTotal     *prometheus.CounterVec
	RetryWait          prometheus.Histogram
	LimiterKeys        *prometheus.GaugeVec
	RuleReloadsTotal   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CheckRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatecell",
				Name:      "check_requests_total",
				Help:      "Total number of admission check requests processed",
			},
			[]string{"endpoint", "status"}, // endpoint=check/check_batch, status=ok/error
		),
		CheckDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatecell",
				Name:      "check_duration_seconds",
				Help:      "Admission check duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"endpoint"},
		),
		InFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gatecell",
				Name:      "in_flight_requests",
				Help:      "Number of admission API requests currently in flight",
			},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatecell",
				Name:      "decisions_total",
				Help:      "Total admission decisions by rule and outcome",
			},
			[]string{"rule", "outcome"}, // outcome=allow/deny
		),
		RetryWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gatecell",
				Name:      "retry_wait_seconds",
				Help:      "Advised retry wait for denied admissions",
				Buckets:   prometheus.DefBuckets,
			},
		),
		LimiterKeys: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gatecell",
				Name:      "limiter_keys",
				Help:      "Number of tracked limiter keys per rule",
			},
			[]string{"rule"},
		),
		RuleReloadsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatecell",
				Name:      "rule_reloads_total",
				Help:      "Total rule set reloads",
			},
		),
	}
}
