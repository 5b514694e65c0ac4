package bridge

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for request outcomes.
const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeTimeout      = "timeout"
	outcomeCanceled     = "canceled"
	outcomeDisconnected = "disconnected"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_bridge_requests_total",
			Help: "Total number of requests forwarded to storage workers.",
		},
		[]string{"op", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stowage_bridge_request_seconds",
			Help:    "Time from sending a request to receiving its matching response, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	inflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowage_bridge_inflight_requests",
			Help: "Number of requests awaiting a worker response.",
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowage_bridge_active_workers",
			Help: "Number of open worker proxies.",
		},
	)

	bootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stowage_bridge_bootstrap_seconds",
			Help:    "Duration from worker launch to handshake, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	disconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowage_bridge_disconnects_total",
			Help: "Total number of workers lost while their proxy was open.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(inflightRequests)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(bootstrapDuration)
	prometheus.MustRegister(disconnectsTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	for _, op := range []string{OpPut, OpGet, OpDelete, OpBulkPut, OpQuery, OpPutAttachment, OpGetAttachment} {
		for _, outcome := range []string{outcomeOK, outcomeError, outcomeTimeout, outcomeDisconnected} {
			requestsTotal.WithLabelValues(op, outcome)
		}
	}
}
