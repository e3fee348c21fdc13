// Package metrics exposes pipeline counters over a Prometheus endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksProcessed counts fully indexed blocks per chain.
	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_blocks_processed_total",
		Help: "Blocks fully indexed and published.",
	}, []string{"chain"})

	// MessagesPublished counts bus messages sent per chain.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_messages_published_total",
		Help: "Filtered transaction messages published to the bus.",
	}, []string{"chain"})

	// ReorgsDetected counts handled reorgs per chain.
	ReorgsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_reorgs_detected_total",
		Help: "Chain reorganizations detected and handled.",
	}, []string{"chain"})

	// EventsConsumed counts decoded events per type on the consumer side.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_events_consumed_total",
		Help: "Decoded events handled by the consumer.",
	}, []string{"event"})

	// RootSubmissions counts ownership root pushes per chain and outcome.
	RootSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainflow_root_submissions_total",
		Help: "Merkle root submissions to relayer contracts.",
	}, []string{"chain", "outcome"})

	// ConcurrencyLimit tracks the adaptive receipt-fetch limit per chain.
	ConcurrencyLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainflow_concurrent_limit",
		Help: "Current adaptive receipt-fetch concurrency limit.",
	}, []string{"chain"})
)

// Serve exposes /metrics on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
