package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchCyclesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailqueue",
			Name:      "dispatch_cycles_total",
			Help:      "Total dispatcher poll cycles.",
		},
		[]string{"outcome"}, // "ok", "storage_error"
	)

	messagesClaimedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailqueue",
			Name:      "messages_claimed_total",
			Help:      "Total messages claimed for delivery.",
		},
	)

	deliveryOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailqueue",
			Name:      "delivery_outcomes_total",
			Help:      "Delivery attempt outcomes by backend.",
		},
		[]string{"backend", "outcome"}, // outcome: "sent", "retry", "failed", "lease_lost"
	)

	sendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailqueue",
			Name:      "send_duration_seconds",
			Help:      "Duration of delivery backend send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	reclaimedLeasesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailqueue",
			Name:      "reclaimed_leases_total",
			Help:      "Expired leases returned to pending.",
		},
	)

	prunedMessagesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailqueue",
			Name:      "pruned_messages_total",
			Help:      "Terminal messages removed by the retention sweep.",
		},
	)

	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailqueue",
			Name:      "queue_depth",
			Help:      "Messages per status, refreshed each dispatch cycle.",
		},
		[]string{"status"},
	)
)
