// Package observe provides the application's OpenTelemetry metrics and the
// Prometheus exporter bridge, registered with the default Prometheus
// registerer (this repository's HTTP API mounts no /metrics route). A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ttscache metrics.
const meterName = "github.com/MrWong99/ttscache"

// Metrics holds all OpenTelemetry metric instruments for the cache.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Cache outcome counters ---

	// CacheHits counts lookups served from the cache. Use with attribute:
	//   attribute.String("match_type", "exact"|"fuzzy")
	CacheHits metric.Int64Counter

	// CacheMisses counts lookups that found no entry.
	CacheMisses metric.Int64Counter

	// VarietyGenerations counts background variety-pool synthesis runs.
	VarietyGenerations metric.Int64Counter

	// --- Lifecycle counters ---

	// EvictionsTotal counts entries removed by the evictor. Use with
	// attribute: attribute.String("reason", "cold"|"write_pressure")
	EvictionsTotal metric.Int64Counter

	// IntegrityOrphansRemoved counts rows/files removed by the startup
	// reconciler. Use with attribute: attribute.String("kind", "row"|"file")
	IntegrityOrphansRemoved metric.Int64Counter

	// --- Provider counters ---

	// ProviderRequests counts provider synthesis attempts. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CircuitStateChanges counts circuit breaker open/close transitions.
	// Use with attributes: attribute.String("provider", ...), attribute.String("state", "open"|"closed")
	CircuitStateChanges metric.Int64Counter

	// --- Latency histograms ---

	// SynthesisDuration tracks end-to-end provider synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// TranscodeDuration tracks ffmpeg transcoding latency.
	TranscodeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Gauges ---

	// CacheEntries tracks the current number of catalog rows.
	CacheEntries metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// TTS synthesis and transcoding calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CacheHits, err = m.Int64Counter("ttscache.cache.hits",
		metric.WithDescription("Total cache lookups served from the hot index, by match type."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("ttscache.cache.misses",
		metric.WithDescription("Total cache lookups with no matching entry."),
	); err != nil {
		return nil, err
	}
	if met.VarietyGenerations, err = m.Int64Counter("ttscache.variety.generations",
		metric.WithDescription("Total background variety-pool synthesis runs."),
	); err != nil {
		return nil, err
	}

	if met.EvictionsTotal, err = m.Int64Counter("ttscache.evictions.total",
		metric.WithDescription("Total cache entries removed by the evictor, by reason."),
	); err != nil {
		return nil, err
	}
	if met.IntegrityOrphansRemoved, err = m.Int64Counter("ttscache.integrity.orphans_removed",
		metric.WithDescription("Total orphan rows/files removed by startup reconciliation, by kind."),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("ttscache.provider.requests",
		metric.WithDescription("Total provider synthesis attempts, by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitStateChanges, err = m.Int64Counter("ttscache.circuit.state_changes",
		metric.WithDescription("Total circuit breaker state transitions, by provider and state."),
	); err != nil {
		return nil, err
	}

	if met.SynthesisDuration, err = m.Float64Histogram("ttscache.synthesis.duration",
		metric.WithDescription("Latency of provider synthesis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDuration, err = m.Float64Histogram("ttscache.transcode.duration",
		metric.WithDescription("Latency of ffmpeg audio transcoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("ttscache.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.CacheEntries, err = m.Int64UpDownCounter("ttscache.cache.entries",
		metric.WithDescription("Current number of catalog rows."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordHit records a cache hit with its match type ("exact" or "fuzzy").
func (m *Metrics) RecordHit(ctx context.Context, matchType string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("match_type", matchType)))
}

// RecordMiss records a cache miss.
func (m *Metrics) RecordMiss(ctx context.Context) {
	m.CacheMisses.Add(ctx, 1)
}

// RecordEviction records an eviction with its trigger reason (callers pass
// "cold" for the periodic cleanup run and "write_pressure" for the
// write-triggered run).
func (m *Metrics) RecordEviction(ctx context.Context, reason string, count int64) {
	m.EvictionsTotal.Add(ctx, count, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderRequest records a provider synthesis attempt outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordCircuitStateChange records a circuit breaker transition.
func (m *Metrics) RecordCircuitStateChange(ctx context.Context, provider, state string) {
	m.CircuitStateChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
