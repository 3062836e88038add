package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox metrics
	OutboxProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_processed_total",
			Help: "Total number of outbox rows marked processed",
		},
	)

	OutboxRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_retries_total",
			Help: "Total number of outbox publish retries scheduled",
		},
	)

	// Producer metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Total number of events appended to topic streams",
		},
		[]string{"topic"},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_failed_total",
			Help: "Total number of failed stream appends",
		},
		[]string{"topic"},
	)

	// DLQ metrics
	DLQParkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dlq_parked_total",
			Help: "Total number of events parked in the DLQ",
		},
		[]string{"aggregate_type", "reason"},
	)

	DLQReprocessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dlq_reprocess_total",
			Help: "Total number of DLQ reprocess attempts",
		},
		[]string{"aggregate_type", "result"},
	)

	// Fanout metrics
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total number of frames written to client sessions",
		},
		[]string{"transport"},
	)

	FramesFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_failed_total",
			Help: "Total number of failed frame writes",
		},
		[]string{"transport", "reason"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Currently registered client sessions",
		},
		[]string{"transport"},
	)
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
