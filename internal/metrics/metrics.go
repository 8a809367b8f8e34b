package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	// State machine metrics
	transitionsTotal *prometheus.CounterVec
	poolRecords      *prometheus.GaugeVec

	// Selection metrics
	selectionsTotal *prometheus.CounterVec
	rebindsTotal    prometheus.Counter
	activeSessions  prometheus.Gauge

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		probesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of health probes by result",
			},
			[]string{"result"},
		),
		probeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of proxy status transitions",
			},
			[]string{"from", "to"},
		),
		poolRecords: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_records",
				Help:      "Current number of pool records per status",
			},
			[]string{"status"},
		),
		selectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of proxy selections by policy and result",
			},
			[]string{"policy", "result"},
		),
		rebindsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_rebinds_total",
				Help:      "Total number of sticky sessions rebound to a new proxy",
			},
		),
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of live sticky session bindings",
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordProbe(success bool, seconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	c.probesTotal.WithLabelValues(result).Inc()
	c.probeDuration.Observe(seconds)
}

func (c *Collector) RecordTransition(from, to string) {
	c.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (c *Collector) SetPoolRecords(status string, count int) {
	c.poolRecords.WithLabelValues(status).Set(float64(count))
}

func (c *Collector) RecordSelection(policy string, ok bool) {
	result := "exhausted"
	if ok {
		result = "ok"
	}
	c.selectionsTotal.WithLabelValues(policy, result).Inc()
}

func (c *Collector) RecordRebind() {
	c.rebindsTotal.Inc()
}

func (c *Collector) SetActiveSessions(count int) {
	c.activeSessions.Set(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
