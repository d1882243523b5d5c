package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of admitted real-time connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Connection attempts rejected by the gate",
		},
		[]string{"reason"},
	)

	Subscriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_subscriptions_total",
			Help: "Job subscription requests by result",
		},
		[]string{"result"}, // ok, invalid_payload, access_denied
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Event deliveries handed to connection queues, by event kind",
		},
		[]string{"kind"},
	)

	EventsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_throttled_total",
			Help: "Events dropped by the per-job throttle, by event kind",
		},
		[]string{"kind"},
	)

	SlowConsumerDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_consumer_drops_total",
			Help: "Connections closed because their outbound queue was full",
		},
	)

	MailboxQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_mailbox_queued_total",
			Help: "Notifications appended to offline mailboxes",
		},
	)

	MailboxDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_mailbox_delivered_total",
			Help: "Notifications flushed from offline mailboxes",
		},
	)

	MailboxDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_mailbox_dropped_total",
			Help: "Malformed mailbox entries skipped during flush",
		},
	)

	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_ingest_messages_total",
			Help: "Pipeline messages received by source and result",
		},
		[]string{"source", "result"},
	)
)
