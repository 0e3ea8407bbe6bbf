// Package metrics exposes Megaphone's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent registry metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "megaphone_agents_total",
			Help: "Total number of virtual agents by status",
		},
		[]string{"status"},
	)

	PipesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "megaphone_pipes_total",
			Help: "Total number of active outbound sync pipes",
		},
	)

	// Channel lifecycle metrics
	ChannelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "megaphone_channels_active",
			Help: "Number of currently open channels",
		},
	)

	ChannelDisposed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megaphone_channel_disposed_total",
			Help: "Total number of channels removed (swept or explicitly dropped)",
		},
	)

	ChannelDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "megaphone_channel_duration_seconds",
			Help:    "Lifetime of a channel from creation to disposal in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 21600},
		},
	)

	MessagesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megaphone_messages_lost_total",
			Help: "Total number of events evicted by force-write or dropped on channel disposal",
		},
	)

	MessagesUnroutable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megaphone_messages_unroutable_total",
			Help: "Total number of writes addressed to a channel that no longer exists",
		},
	)

	ForceWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megaphone_force_writes_total",
			Help: "Total number of force-write evictions performed on full buffers",
		},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megaphone_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "megaphone_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	ReadStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "megaphone_read_streams_active",
			Help: "Number of long-poll read streams currently held open",
		},
	)

	// Sync pipe metrics
	SyncEventsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megaphone_sync_events_sent_total",
			Help: "Total number of SyncEvents enqueued to outbound pipes by type",
		},
		[]string{"type"},
	)

	SyncEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megaphone_sync_events_dropped_total",
			Help: "Total number of SyncEvents dropped because a pipe was full or closed",
		},
		[]string{"type"},
	)

	// Sweeper / reconciler metrics
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "megaphone_sweep_duration_seconds",
			Help:    "Time taken for a sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megaphone_sweep_cycles_total",
			Help: "Total number of sweep cycles completed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "megaphone_reconciliation_duration_seconds",
			Help:    "Time taken for a controller reconcile cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megaphone_reconciliation_cycles_total",
			Help: "Total number of controller reconcile cycles completed",
		},
	)

	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "megaphone_pods_total",
			Help: "Total number of pods observed by the controller, by classification",
		},
		[]string{"classification"},
	)

	WebhookCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megaphone_webhook_calls_total",
			Help: "Total number of webhook fan-out calls by hook name and outcome",
		},
		[]string{"hook", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(PipesTotal)
	prometheus.MustRegister(ChannelsActive)
	prometheus.MustRegister(ChannelDisposed)
	prometheus.MustRegister(ChannelDuration)
	prometheus.MustRegister(MessagesLost)
	prometheus.MustRegister(MessagesUnroutable)
	prometheus.MustRegister(ForceWritesTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ReadStreamsActive)
	prometheus.MustRegister(SyncEventsSent)
	prometheus.MustRegister(SyncEventsDropped)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(WebhookCallsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
