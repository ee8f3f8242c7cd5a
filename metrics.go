package msgsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgsync_fetch_duration_seconds",
			Help:    "Latency of fetch-layer and mutation HTTP calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_mutations_total",
			Help: "Mutations by outcome (success, rollback, invalid).",
		},
		[]string{"mutation", "outcome"},
	)
	pushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_push_events_total",
			Help: "Push events applied to the cache.",
		},
		[]string{"channel", "type"},
	)
	pushDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_push_dropped_frames_total",
			Help: "Push frames dropped as malformed or unknown.",
		},
		[]string{"channel"},
	)
	pushReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_push_reconnects_total",
			Help: "Reconnect attempts scheduled by the push listener.",
		},
	)
	pushOpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_push_open_connections",
			Help: "Push connections currently in the open state.",
		},
	)
)

// RegisterMetrics registers the package collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		fetchDuration,
		mutationsTotal,
		pushEventsTotal,
		pushDroppedTotal,
		pushReconnectsTotal,
		pushOpenConnections,
	} {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func observeFetch(op string, d time.Duration) {
	fetchDuration.WithLabelValues(op).Observe(d.Seconds())
}

func incMutation(mutation, outcome string) {
	mutationsTotal.WithLabelValues(mutation, outcome).Inc()
}

func incPushEvent(channel, eventType string) {
	pushEventsTotal.WithLabelValues(channel, eventType).Inc()
}

func incPushDropped(channel string) {
	pushDroppedTotal.WithLabelValues(channel).Inc()
}
