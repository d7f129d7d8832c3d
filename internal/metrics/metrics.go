// Package metrics holds the Prometheus collectors for the live coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveSessions is the number of sessions currently live on this instance's view.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aura_live_sessions",
		Help: "Number of live sessions",
	})

	// SessionsEnded counts session ends by cause.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_sessions_ended_total",
		Help: "Total sessions ended by cause",
	}, []string{"cause"})

	// ViewerDeltas counts applied viewer deltas by direction and whether they were duplicates.
	ViewerDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_viewer_deltas_total",
		Help: "Viewer counter deltas by direction and outcome",
	}, []string{"direction", "outcome"})

	// CoHostTransitions counts co-host request transitions by target status.
	CoHostTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_cohost_transitions_total",
		Help: "Co-host request transitions by status",
	}, []string{"status"})

	// CoHostRejectedCalls counts request calls refused by rate limiting or conflicts.
	CoHostRejectedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_cohost_refused_total",
		Help: "Co-host calls refused by reason",
	}, []string{"reason"})

	// FanoutPublishErrors counts failed fanout publishes by event kind.
	FanoutPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_fanout_publish_errors_total",
		Help: "Fanout publish failures by event kind",
	}, []string{"kind"})

	// TransportErrors counts media transport failures by operation.
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_transport_errors_total",
		Help: "Media transport failures by operation",
	}, []string{"operation"})

	// WebSocketConnections is the gauge of open WebSocket connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aura_live_websocket_connections",
		Help: "Open WebSocket connections",
	})

	// WebSocketDrops counts messages dropped on full client buffers.
	WebSocketDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aura_live_websocket_drops_total",
		Help: "WebSocket messages dropped due to backpressure",
	})

	ArchiveJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_live_archive_jobs_total",
		Help: "Archive jobs processed by outcome (archived, dropped, failed)",
	}, []string{"outcome"})
)
