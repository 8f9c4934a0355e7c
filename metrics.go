package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay outcomes used as the "outcome" label.
const (
	outcomeOK            = "ok"
	outcomeNoCredential  = "no_credential"
	outcomeUpstreamError = "upstream_error"
	outcomeError         = "error"
)

// upstreamBuckets covers time-to-first-byte for completion requests, from
// 100ms to 2 minutes.
var upstreamBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	relayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Chat relay requests by outcome",
		},
		[]string{"outcome"},
	)

	relayUpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_latency_seconds",
			Help:    "Time until the upstream returned response headers",
			Buckets: upstreamBuckets,
		},
	)

	relayStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Event streams currently being relayed",
		},
	)

	relayEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Server-sent event frames written to clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		relayRequestsTotal,
		relayUpstreamLatency,
		relayStreamsActive,
		relayEventsTotal,
	)
}

// metricsHandler exposes the default registry.
func metricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
