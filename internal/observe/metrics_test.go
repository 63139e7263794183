package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no point with %s=%s", name, key, value)
	return 0
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesSent.Add(ctx, 50)
	m.FramesNulled.Add(ctx, 3)
	m.HandoffBlocked.Add(ctx, 1)
	m.RecordLateFrame(ctx, 0.004)
	m.RecordLateFrame(ctx, 0.030)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"cadence.frames.sent":            50,
		"cadence.frames.nulled":          3,
		"cadence.frames.handoff_blocked": 1,
		"cadence.frames.late":            2,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("metric %q not found", name)
			continue
		}
		sum := met.Data.(metricdata.Sum[int64])
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	hist, ok := findMetric(rm, "cadence.frames.lateness").Data.(metricdata.Histogram[float64])
	if !ok || hist.DataPoints[0].Count != 2 {
		t.Errorf("lateness histogram = %+v", hist)
	}
}

func TestRecordLoadResult(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLoadResult(ctx, "youtube", "search", 0.4)
	m.RecordLoadResult(ctx, "youtube", "search", 0.2)
	m.RecordLoadResult(ctx, "http", "error", 1.1)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "cadence.resolve.results", "load_type", "search"); got != 2 {
		t.Errorf("search results = %d, want 2", got)
	}
	hist := findMetric(rm, "cadence.resolve.duration").Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("resolve duration samples = %d, want 3", total)
	}
}

func TestRecordTrackExceptionAndDrops(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTrackException(ctx, "corruptStream")
	m.RecordTrackException(ctx, "corruptStream")
	m.RecordEventsDropped(ctx, "drop_oldest", 7)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "cadence.track.exceptions", "kind", "corruptStream"); got != 2 {
		t.Errorf("exceptions = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "cadence.events.dropped", "policy", "drop_oldest"); got != 7 {
		t.Errorf("dropped = %d, want 7", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActivePlayers.Add(ctx, 5)
	m.PlayingPlayers.Add(ctx, 3)
	m.PlayingPlayers.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ControlConnections.Add(ctx, 1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"cadence.players.active", 5},
		{"cadence.players.playing", 2},
		{"cadence.sessions.active", 2},
		{"cadence.connections.active", 1},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
