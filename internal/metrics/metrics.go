// Package metrics exposes the bridge's Prometheus instrumentation.
// Everything hangs off one Metrics value built against an injected
// registry, so tests can assert on a private registry instead of the
// global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the bridge updates.
type Metrics struct {
	Forwards       *prometheus.CounterVec
	RetryDepth     *prometheus.GaugeVec
	RetryDropped   *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	CacheBytes     prometheus.Gauge
	CacheEvictions prometheus.Counter
	DedupRejected  prometheus.Counter
	WebhookLeases  prometheus.Gauge
	EventQueueLen  prometheus.Gauge
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskbridge",
			Subsystem: "bridge",
			Name:      "forwards_total",
			Help:      "Forward calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		RetryDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deskbridge",
			Subsystem: "retry",
			Name:      "queue_depth",
			Help:      "Messages waiting in the retry queue, per platform",
		}, []string{"platform"}),
		RetryDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskbridge",
			Subsystem: "retry",
			Name:      "dropped_total",
			Help:      "Messages dropped on queue overflow or at the attempt cap",
		}, []string{"platform", "reason"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskbridge",
			Subsystem: "platform",
			Name:      "reconnects_total",
			Help:      "Supervisor reconnect transitions, per platform",
		}, []string{"platform"}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskbridge",
			Subsystem: "mediacache",
			Name:      "bytes",
			Help:      "Bytes held by the media cache",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deskbridge",
			Subsystem: "mediacache",
			Name:      "evictions_total",
			Help:      "Media cache entries evicted by TTL or byte pressure",
		}),
		DedupRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deskbridge",
			Subsystem: "dedup",
			Name:      "rejected_total",
			Help:      "Messages suppressed as duplicates",
		}),
		WebhookLeases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskbridge",
			Subsystem: "webhook",
			Name:      "leases",
			Help:      "Live webhook leases in the pool",
		}),
		EventQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskbridge",
			Subsystem: "bridge",
			Name:      "event_queue_length",
			Help:      "Inbound events waiting in the ingestion queue",
		}),
	}
}
