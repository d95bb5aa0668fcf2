package metrics

import "github.com/prometheus/client_golang/prometheus"

// Runtime-side metrics: lease, gateway and reconciliation queue.
var (
	LeaseRemainingMicros = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "leasegate",
			Name:      "lease_remaining_micros",
			Help:      "Locally remaining lease budget",
		},
		[]string{"agent_id"},
	)

	LeaseRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "lease_refresh_total",
			Help:      "Lease refreshes by outcome",
		},
		[]string{"outcome"}, // approved/denied/error
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "reservations_total",
			Help:      "Local budget reservations by outcome",
		},
		[]string{"outcome"}, // ok/exceeded/denied
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by kind and result code",
		},
		[]string{"kind", "code"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "provider_requests_total",
			Help:      "Provider calls by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasegate",
			Name:      "provider_request_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	ProviderTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "provider_tokens_total",
			Help:      "Provider tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	QueueEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Name:      "queue_events_total",
			Help:      "Reconciliation queue events by kind and result",
		},
		[]string{"kind", "result"}, // delivered/spilled/retried/replayed
	)

	QueueBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasegate",
			Name:      "queue_buffered_events",
			Help:      "Events waiting in the durable buffer",
		},
	)
)

var runtimeMetricsRegistered bool

// RegisterRuntimeMetrics registers runtime metrics. Must be called once from main.
func RegisterRuntimeMetrics() {
	if runtimeMetricsRegistered {
		return
	}
	prometheus.MustRegister(LeaseRemainingMicros)
	prometheus.MustRegister(LeaseRefreshTotal)
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderTokensTotal)
	prometheus.MustRegister(QueueEventsTotal)
	prometheus.MustRegister(QueueBuffered)
	runtimeMetricsRegistered = true
}
