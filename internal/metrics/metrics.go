// Package metrics exposes prometheus instrumentation for ride coordination.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupride"

// Registry holds every collector served on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// PingsIngested counts stored location pings.
	PingsIngested = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pings_ingested_total",
		Help:      "Location pings accepted and stored.",
	})
	// PingsRejected counts pings refused before storage, by reason.
	PingsRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pings_rejected_total",
		Help:      "Location pings refused before storage.",
	}, []string{"reason"})
	// EventsPublished counts change events handed to the bus, by kind.
	EventsPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Change events published to the realtime bus.",
	}, []string{"kind"})
	// EventsCoalesced counts notifications merged into an already pending event.
	EventsCoalesced = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_coalesced_total",
		Help:      "Change notifications merged into a pending event.",
	})
	// EventsDropped counts events a bus could not deliver, by backend.
	EventsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Change events the realtime bus failed to deliver.",
	}, []string{"backend"})
	// StreamSubscribers tracks live stream handles, by stream kind.
	StreamSubscribers = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "Open subscriber streams.",
	}, []string{"stream"})
	// RateLimitFallbacks counts ingest checks served from memory because
	// redis was unreachable or its breaker was open.
	RateLimitFallbacks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_fallbacks_total",
		Help:      "Rate limit checks answered by the in-memory limiter while redis was down.",
	})
	// SessionFeeds tracks sessions with at least one local watcher.
	SessionFeeds = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_feeds",
		Help:      "Sessions with an attached bus subscription.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
