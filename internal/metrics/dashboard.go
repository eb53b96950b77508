package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality (no camera_id/event_id labels)

var (
	// LiveEventsTotal counts live events by outcome: applied, duplicate, closed
	LiveEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_live_events_total",
		Help: "Live events received by the reconciler, by result",
	}, []string{"result"})

	// LiveMessagesDropped counts push messages rejected before reconciliation
	LiveMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_live_messages_dropped_total",
		Help: "Live feed messages dropped, by transport and reason",
	}, []string{"transport", "reason"})

	SnapshotLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_snapshot_loads_total",
		Help: "Snapshot loads, by result",
	}, []string{"result"})

	SnapshotLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dashboard_snapshot_load_duration_ms",
		Help:    "Snapshot load latency in milliseconds",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	RetainedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_retained_events",
		Help: "Events currently held in the reconciled window",
	})

	// LiveFeedConnected is 1 while the live feed is connected
	LiveFeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_live_feed_connected",
		Help: "Live feed connectivity (1=connected, 0=disconnected)",
	})

	LiveFeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_live_feed_reconnects_total",
		Help: "Live feed re-dial attempts, by result",
	}, []string{"result"})

	WSClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_ws_clients_active",
		Help: "Browsers subscribed to dashboard state pushes",
	})
)
