// Package metrics provides Prometheus instrumentation for habrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habrelay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "habrelay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "habrelay_active_sessions",
		Help: "Number of hub sessions currently established on this node.",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habrelay_sessions_total",
		Help: "Total number of hub channel accept attempts by outcome.",
	}, []string{"outcome"})

	LockRenewalLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habrelay_lock_renewal_losses_total",
		Help: "Total number of connection lock renewals lost to another holder.",
	})

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habrelay_protocol_violations_total",
		Help: "Total number of malformed or misaddressed frames received from hubs.",
	})
)

// Multiplexer metrics.
var (
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "habrelay_pending_requests",
		Help: "Number of client requests currently in flight to hubs.",
	})

	ProxiedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habrelay_proxied_requests_total",
		Help: "Total number of client requests multiplexed to hubs by status class.",
	}, []string{"status"})

	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habrelay_cancels_total",
		Help: "Total number of request cancellations by cause.",
	}, []string{"cause"})

	CrossNodeForwards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habrelay_cross_node_forwards_total",
		Help: "Total number of requests re-proxied to the node owning the hub session.",
	})
)

// Push metrics.
var (
	PushDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habrelay_push_dispatch_total",
		Help: "Total number of push notification deliveries by result.",
	}, []string{"result"})

	PushSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habrelay_push_superseded_total",
		Help: "Total number of notifications superseded by a newer one with the same tag.",
	})
)
