package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestLatencyHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"convoke.stream.ttft", m.TTFT},
		{"convoke.pacer.queue_wait", m.QueueWait},
		{"convoke.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.05)
		tc.h.Record(ctx, 0.7)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumValue returns the int64 sum data point matching all given key/value
// attribute pairs, or -1 when no such point exists.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		matched := 0
		for _, kv := range dp.Attributes.ToSlice() {
			if want[string(kv.Key)] == kv.Value.AsString() {
				matched++
			}
		}
		if matched == len(want) {
			return dp.Value
		}
	}
	return -1
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "gpt-4o", "ok")
	m.RecordProviderRequest(ctx, "openai", "gpt-4o", "ok")
	m.RecordProviderRequest(ctx, "openai", "gpt-4o", "error")

	rm := collect(t, reader)
	got := sumValue(t, rm, "convoke.provider.requests", map[string]string{
		"provider": "openai", "model": "gpt-4o", "status": "ok",
	})
	if got != 2 {
		t.Errorf("ok counter = %d, want 2", got)
	}
	got = sumValue(t, rm, "convoke.provider.requests", map[string]string{
		"provider": "openai", "model": "gpt-4o", "status": "error",
	})
	if got != 1 {
		t.Errorf("error counter = %d, want 1", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "social_chat", true)
	m.RecordCacheLookup(ctx, "social_chat", true)
	m.RecordCacheLookup(ctx, "social_chat", false)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "convoke.cache.hits", map[string]string{"intent": "social_chat"}); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if got := sumValue(t, rm, "convoke.cache.misses", map[string]string{"intent": "social_chat"}); got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
}

func TestRecordCoalesce(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCoalesce(ctx, "openai", true)
	m.RecordCoalesce(ctx, "openai", false)
	m.RecordCoalesce(ctx, "openai", false)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "convoke.coalesce.leaders", map[string]string{"provider": "openai"}); got != 1 {
		t.Errorf("leaders = %d, want 1", got)
	}
	if got := sumValue(t, rm, "convoke.coalesce.followers", map[string]string{"provider": "openai"}); got != 2 {
		t.Errorf("followers = %d, want 2", got)
	}
}

func TestRecordPacerState(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPacerState(ctx, "openai", 5)
	m.RecordPacerState(ctx, "openai", 2.5)

	rm := collect(t, reader)
	met := findMetric(rm, "convoke.pacer.rate")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(gauge.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	// Gauges keep only the last recorded value per attribute set.
	if got := gauge.DataPoints[0].Value; got != 2.5 {
		t.Errorf("rate = %v, want 2.5", got)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
