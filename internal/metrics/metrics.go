package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound calls to the ramp provider.
	RampRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_ramp_requests_total",
			Help: "Total ramp API requests by endpoint and HTTP status.",
		},
		[]string{"endpoint", "status"},
	)

	RampRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kesc_ramp_request_duration_seconds",
			Help:    "Duration of ramp API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"endpoint"},
	)

	// Orchestration runs by flow and terminal state.
	FlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_flows_total",
			Help: "Orchestration runs by flow kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	FlowErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_flow_errors_total",
			Help: "Errors surfaced by orchestration runs by kind.",
		},
		[]string{"flow", "error_kind"},
	)

	FlowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kesc_flow_run_duration_seconds",
			Help:    "Time from submission until the run hands over to status polling or ends.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"kind"},
	)

	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_chain_guard_rejections_total",
			Help: "On-chain pre-transfer guard failures.",
		},
		[]string{"guard"},
	)

	// Status reconciler poll results.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_status_polls_total",
			Help: "Transfer status polls by mapped lifecycle state.",
		},
		[]string{"result"},
	)

	ActiveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kesc_status_active_watches",
			Help: "Transfers currently being polled.",
		},
	)

	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_nats_messages_total",
			Help: "Total number of NATS messages published.",
		},
		[]string{"subject", "result"},
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kesc_nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kesc_secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"},
	)

	LastRefresh = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kesc_last_refresh_timestamp",
			Help: "Unix time of the last successful balance or history refresh.",
		},
		[]string{"component"},
	)
)

// ObserveDuration records the time since start on a histogram or summary vector.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}

func IncRampRequest(endpoint string, status int) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	RampRequestsTotal.WithLabelValues(endpoint, label).Inc()
}

func IncFlow(kind, outcome string) {
	FlowsTotal.WithLabelValues(kind, outcome).Inc()
}

func IncFlowError(flow, kind string) {
	FlowErrors.WithLabelValues(flow, kind).Inc()
}

func IncGuardRejection(guard string) {
	GuardRejections.WithLabelValues(guard).Inc()
}

func IncPoll(result string) {
	PollsTotal.WithLabelValues(result).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func SetLastRefresh(component string, t time.Time) {
	LastRefresh.WithLabelValues(component).Set(float64(t.Unix()))
}
