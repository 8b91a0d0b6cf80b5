// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all convoke metrics.
const meterName = "github.com/MrWong99/convoke"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TTFT tracks time-to-first-token: SSE accept to first delta (or to
	// the meta event on a cache hit).
	TTFT metric.Float64Histogram

	// QueueWait tracks time spent waiting for a pacer lease.
	QueueWait metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts upstream provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts categorised provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// RateLimits counts provider-side rate-limit outcomes per provider.
	RateLimits metric.Int64Counter

	// CacheHits and CacheMisses count response-cache lookups by intent.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// CoalesceLeaders and CoalesceFollowers count coalescer attachments.
	CoalesceLeaders   metric.Int64Counter
	CoalesceFollowers metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of open SSE streams.
	ActiveStreams metric.Int64UpDownCounter

	// AdaptiveRate records each pacer's current effective rate in
	// requests per second. Use with attribute.String("provider", ...).
	AdaptiveRate metric.Float64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// streaming-gateway latencies: TTFT targets sit well under a second, while
// full fallback chains can take tens of seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTFT, err = m.Float64Histogram("convoke.stream.ttft",
		metric.WithDescription("Time from SSE accept to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("convoke.pacer.queue_wait",
		metric.WithDescription("Time spent waiting for a pacer lease."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("convoke.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("convoke.provider.requests",
		metric.WithDescription("Total upstream provider requests by provider, model, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("convoke.provider.errors",
		metric.WithDescription("Total categorised provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimits, err = m.Int64Counter("convoke.provider.rate_limits",
		metric.WithDescription("Total provider-side rate-limit outcomes by provider."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("convoke.cache.hits",
		metric.WithDescription("Response cache hits by intent."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("convoke.cache.misses",
		metric.WithDescription("Response cache misses by intent."),
	); err != nil {
		return nil, err
	}
	if met.CoalesceLeaders, err = m.Int64Counter("convoke.coalesce.leaders",
		metric.WithDescription("Coalescer attachments that became the leader."),
	); err != nil {
		return nil, err
	}
	if met.CoalesceFollowers, err = m.Int64Counter("convoke.coalesce.followers",
		metric.WithDescription("Coalescer attachments that joined an in-flight leader."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveStreams, err = m.Int64UpDownCounter("convoke.streams.active",
		metric.WithDescription("Number of currently open SSE streams."),
	); err != nil {
		return nil, err
	}
	if met.AdaptiveRate, err = m.Float64Gauge("convoke.pacer.rate",
		metric.WithDescription("Current effective pacer rate by provider."),
		metric.WithUnit("{request}/s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordProviderRequest records one upstream call with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, model, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one categorised provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records a response-cache hit or miss for an intent.
func (m *Metrics) RecordCacheLookup(ctx context.Context, intent string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("intent", intent))
	if hit {
		m.CacheHits.Add(ctx, 1, attrs)
	} else {
		m.CacheMisses.Add(ctx, 1, attrs)
	}
}

// RecordCoalesce records a coalescer attachment.
func (m *Metrics) RecordCoalesce(ctx context.Context, provider string, leader bool) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if leader {
		m.CoalesceLeaders.Add(ctx, 1, attrs)
	} else {
		m.CoalesceFollowers.Add(ctx, 1, attrs)
	}
}

// RecordPacerState records the pacer's current effective rate.
func (m *Metrics) RecordPacerState(ctx context.Context, provider string, rate float64) {
	m.AdaptiveRate.Record(ctx, rate,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
