package metrics

import (
	"context"
	"time"

	"github.com/fjacquet/beaconkit/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SessionCounts is the number of sessions per registry category.
type SessionCounts struct {
	New      int
	Open     int
	Finished int
}

// Source provides live values sampled on every scrape.
type Source interface {
	CacheBytes() int64
	CacheRecords() int
	SenderState() string
	SessionCounts() SessionCounts
}

// CollectorOption configures optional SDKCollector settings.
type CollectorOption func(*collectorOptions)

type collectorOptions struct {
	tracerProvider trace.TracerProvider
}

// WithCollectorTracerProvider sets the TracerProvider for the collector.
// If not provided, tracing operations use a noop provider (no overhead).
func WithCollectorTracerProvider(tp trace.TracerProvider) CollectorOption {
	return func(o *collectorOptions) {
		o.tracerProvider = tp
	}
}

// SDKCollector implements the Prometheus Collector interface for the
// SDK's own state.
//
// The collector exposes:
//   - beaconkit_cache_bytes / beaconkit_cache_records: buffered data
//   - beaconkit_evicted_records_total: records dropped by eviction (labels: strategy)
//   - beaconkit_backend_requests_total: backend requests (labels: type, outcome)
//   - beaconkit_payload_bytes_total: bytes sent in beacon bodies
//   - beaconkit_sender_state: current sending state (labels: state)
//   - beaconkit_sessions: sessions per category (labels: category)
type SDKCollector struct {
	stats   *Stats
	source  Source
	tracing *telemetry.TracerWrapper

	cacheBytes      *prometheus.Desc
	cacheRecords    *prometheus.Desc
	evictedRecords  *prometheus.Desc
	backendRequests *prometheus.Desc
	payloadBytes    *prometheus.Desc
	senderState     *prometheus.Desc
	sessions        *prometheus.Desc
}

// NewSDKCollector creates a collector reading counters from stats and live
// values from source.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(metrics.NewSDKCollector(stats, kit))
func NewSDKCollector(stats *Stats, source Source, opts ...CollectorOption) *SDKCollector {
	var options collectorOptions
	for _, opt := range opts {
		opt(&options)
	}

	return &SDKCollector{
		stats:   stats,
		source:  source,
		tracing: telemetry.NewTracerWrapper(options.tracerProvider, telemetry.ScopeCollector),
		cacheBytes: prometheus.NewDesc(
			"beaconkit_cache_bytes",
			"The quantity of buffered beacon bytes",
			nil, nil,
		),
		cacheRecords: prometheus.NewDesc(
			"beaconkit_cache_records",
			"The quantity of buffered beacon records",
			nil, nil,
		),
		evictedRecords: prometheus.NewDesc(
			"beaconkit_evicted_records_total",
			"The quantity of records removed by cache eviction",
			[]string{"strategy"}, nil,
		),
		backendRequests: prometheus.NewDesc(
			"beaconkit_backend_requests_total",
			"The quantity of requests sent to the beacon backend",
			[]string{"type", "outcome"}, nil,
		),
		payloadBytes: prometheus.NewDesc(
			"beaconkit_payload_bytes_total",
			"The quantity of beacon payload bytes sent",
			nil, nil,
		),
		senderState: prometheus.NewDesc(
			"beaconkit_sender_state",
			"The current state of the beacon sender",
			[]string{"state"}, nil,
		),
		sessions: prometheus.NewDesc(
			"beaconkit_sessions",
			"The quantity of sessions per category",
			[]string{"category"}, nil,
		),
	}
}

// Describe sends the descriptors of each metric to the provided channel.
func (c *SDKCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheBytes
	ch <- c.cacheRecords
	ch <- c.evictedRecords
	ch <- c.backendRequests
	ch <- c.payloadBytes
	ch <- c.senderState
	ch <- c.sessions
}

// Collect samples the source and the counters and sends them to ch.
func (c *SDKCollector) Collect(ch chan<- prometheus.Metric) {
	scrapeStart := time.Now()
	_, span := c.tracing.StartSpan(context.Background(), telemetry.SpanScrape, trace.SpanKindServer)
	defer span.End()

	if c.source != nil {
		c.exposeSourceMetrics(ch)
	}
	if c.stats != nil {
		c.exposeCounterMetrics(ch)
	}

	span.SetAttributes(attribute.Float64(telemetry.AttrHTTPDurationMS, float64(time.Since(scrapeStart).Milliseconds())))
	log.Debug("Collected beaconkit metrics")
}

// exposeSourceMetrics sends the live gauges to the Prometheus channel.
func (c *SDKCollector) exposeSourceMetrics(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.cacheBytes, prometheus.GaugeValue, float64(c.source.CacheBytes()))
	ch <- prometheus.MustNewConstMetric(c.cacheRecords, prometheus.GaugeValue, float64(c.source.CacheRecords()))
	ch <- prometheus.MustNewConstMetric(c.senderState, prometheus.GaugeValue, 1, c.source.SenderState())

	counts := c.source.SessionCounts()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(counts.New), "new")
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(counts.Open), "open")
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(counts.Finished), "finished")
}

// exposeCounterMetrics sends the accumulated counters to the Prometheus channel.
func (c *SDKCollector) exposeCounterMetrics(ch chan<- prometheus.Metric) {
	snap := c.stats.snapshot()
	for strategy, value := range snap.evicted {
		ch <- prometheus.MustNewConstMetric(c.evictedRecords, prometheus.CounterValue, value, strategy)
	}
	for key, value := range snap.requests {
		ch <- prometheus.MustNewConstMetric(c.backendRequests, prometheus.CounterValue, value, key.Labels()...)
	}
	ch <- prometheus.MustNewConstMetric(c.payloadBytes, prometheus.CounterValue, snap.payloadBytes)
}
