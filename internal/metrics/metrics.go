// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every gateway metric.
const Namespace = "asset_gateway"

// Metrics groups all collectors. Components receive it by pointer.
type Metrics struct {
	// Resolution
	RequestsTotal         *prometheus.CounterVec
	ResolveDuration       *prometheus.HistogramVec
	NegativeCacheHits     prometheus.Counter
	SecurityRejections    *prometheus.CounterVec
	OriginFetchTotal      *prometheus.CounterVec
	OriginBreakerState    *prometheus.GaugeVec
	BufferDegradedStreams prometheus.Counter

	// Mounts
	MountsActive   prometheus.Gauge
	MountEvictions prometheus.Counter

	// Downloads
	DownloadsActive prometheus.Gauge
	DownloadBytes   prometheus.Counter
	DownloadsTotal  *prometheus.CounterVec
}

// New registers every collector on reg, or the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initResolveMetrics(factory)
	m.initMountMetrics(factory)
	m.initDownloadMetrics(factory)
	return m
}

// Discard returns collectors registered on a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) initResolveMetrics(factory promauto.Factory) {
	m.RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "requests_total",
		Help:      "Dispatched asset requests by the stage that answered them",
	}, []string{"stage", "status"})

	m.ResolveDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "resolve_duration_seconds",
		Help:      "Time to locate and prepare a response body",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"stage"})

	m.NegativeCacheHits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "negative_cache_hits_total",
		Help:      "Candidate paths skipped because they were recently missing",
	})

	m.SecurityRejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "security_rejections_total",
		Help:      "Requests or candidates rejected by path and URL guards",
	}, []string{"reason"})

	m.OriginFetchTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "origin_fetch_total",
		Help:      "Remote origin fetches by origin and outcome",
	}, []string{"origin", "outcome"})

	m.OriginBreakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "origin_breaker_state",
		Help:      "Circuit breaker state per origin (0 closed, 1 open, 2 half-open)",
	}, []string{"origin"})

	m.BufferDegradedStreams = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "buffer_degraded_streams_total",
		Help:      "Files that needed buffering but exceeded the ceiling and were streamed",
	})
}

func (m *Metrics) initMountMetrics(factory promauto.Factory) {
	m.MountsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "mounts",
		Name:      "active",
		Help:      "Archives currently mounted",
	})

	m.MountEvictions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "mounts",
		Name:      "evictions_total",
		Help:      "Archives unmounted by capacity or TTL eviction",
	})
}

func (m *Metrics) initDownloadMetrics(factory promauto.Factory) {
	m.DownloadsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "downloads",
		Name:      "active",
		Help:      "Archive downloads in progress",
	})

	m.DownloadBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "downloads",
		Name:      "bytes_total",
		Help:      "Bytes written by archive downloads",
	})

	m.DownloadsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "downloads",
		Name:      "completed_total",
		Help:      "Finished archive downloads by outcome",
	}, []string{"outcome"})
}
