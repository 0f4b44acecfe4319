package bridge

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeResolved = "resolved"
	outcomeTimeout  = "timeout"
	outcomeReaped   = "reaped"
	outcomeShutdown = "shutdown"
	outcomeInvalid  = "invalid"
)

var (
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolwire_pending_requests",
			Help: "In-flight requests per bridged server",
		},
		[]string{"server"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolwire_requests_total",
			Help: "Completed requests per bridged server and outcome",
		},
		[]string{"server", "outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolwire_notifications_total",
			Help: "Messages routed to the notification queue per bridged server",
		},
		[]string{"server"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolwire_request_duration_seconds",
			Help:    "Latency from send to matching response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)
)

func init() {
	prometheus.MustRegister(pendingRequests, requestsTotal, notificationsTotal, requestDuration)
}
