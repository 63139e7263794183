// Package observe provides the node's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]; [Handler] serves the scrape endpoint. A
// package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all node metrics.
const meterName = "github.com/MrWong99/cadence"

// Metrics holds all OpenTelemetry metric instruments for the node. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Frame pipeline ---

	// FramesSent counts frames handed to a voice link.
	FramesSent metric.Int64Counter

	// FramesNulled counts frames produced while no link was attached.
	FramesNulled metric.Int64Counter

	// FramesLate counts frames that missed their deadline (the deficit).
	FramesLate metric.Int64Counter

	// FrameLateness records how far past its deadline a late frame was sent.
	FrameLateness metric.Float64Histogram

	// HandoffBlocked counts hand-offs that hit transport backpressure.
	HandoffBlocked metric.Int64Counter

	// --- Players and sessions ---

	// ActivePlayers tracks players across all sessions.
	ActivePlayers metric.Int64UpDownCounter

	// PlayingPlayers tracks players currently producing audio.
	PlayingPlayers metric.Int64UpDownCounter

	// ActiveSessions tracks live (connected or resumable) sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ControlConnections tracks open control websockets.
	ControlConnections metric.Int64UpDownCounter

	// EventsDropped counts events lost to a full resume buffer. Use with
	// attribute.String("policy", ...).
	EventsDropped metric.Int64Counter

	// TrackExceptions counts playback failures. Use with
	// attribute.String("kind", ...).
	TrackExceptions metric.Int64Counter

	// --- Resolution ---

	// ResolveDuration tracks query resolution latency. Use with
	// attribute.String("source", ...).
	ResolveDuration metric.Float64Histogram

	// LoadResults counts resolution outcomes. Use with
	// attribute.String("source", ...), attribute.String("load_type", ...).
	LoadResults metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("route", ...),
	// attribute.Int("status", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bounds (in seconds) for upstream lookups.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// latenessBuckets are histogram bounds (in seconds) for frame lateness; one
// frame interval is 0.02.
var latenessBuckets = []float64{
	0.001, 0.002, 0.005, 0.01, 0.02, 0.04, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("cadence.frames.sent",
		metric.WithDescription("Frames handed to a voice link."),
	); err != nil {
		return nil, err
	}
	if met.FramesNulled, err = m.Int64Counter("cadence.frames.nulled",
		metric.WithDescription("Frames produced with no voice link attached."),
	); err != nil {
		return nil, err
	}
	if met.FramesLate, err = m.Int64Counter("cadence.frames.late",
		metric.WithDescription("Frames sent after their deadline."),
	); err != nil {
		return nil, err
	}
	if met.FrameLateness, err = m.Float64Histogram("cadence.frames.lateness",
		metric.WithDescription("How far past its deadline a late frame was sent."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latenessBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandoffBlocked, err = m.Int64Counter("cadence.frames.handoff_blocked",
		metric.WithDescription("Frame hand-offs that waited on transport backpressure."),
	); err != nil {
		return nil, err
	}

	if met.ActivePlayers, err = m.Int64UpDownCounter("cadence.players.active",
		metric.WithDescription("Players across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlayingPlayers, err = m.Int64UpDownCounter("cadence.players.playing",
		metric.WithDescription("Players currently producing audio."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadence.sessions.active",
		metric.WithDescription("Live sessions, connected or awaiting resume."),
	); err != nil {
		return nil, err
	}
	if met.ControlConnections, err = m.Int64UpDownCounter("cadence.connections.active",
		metric.WithDescription("Open control connections."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("cadence.events.dropped",
		metric.WithDescription("Events lost to a full resume buffer."),
	); err != nil {
		return nil, err
	}
	if met.TrackExceptions, err = m.Int64Counter("cadence.track.exceptions",
		metric.WithDescription("Playback failures by error kind."),
	); err != nil {
		return nil, err
	}

	if met.ResolveDuration, err = m.Float64Histogram("cadence.resolve.duration",
		metric.WithDescription("Latency of query resolution by source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoadResults, err = m.Int64Counter("cadence.resolve.results",
		metric.WithDescription("Resolution outcomes by source and load type."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("cadence.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// first call using [otel.GetMeterProvider]. Call it only after
// [InitProvider] so the instruments bind to the exporting provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLoadResult records one resolution outcome and its latency.
func (m *Metrics) RecordLoadResult(ctx context.Context, source, loadType string, seconds float64) {
	m.ResolveDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("source", source)))
	m.LoadResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("load_type", loadType),
	))
}

// RecordTrackException counts one playback failure.
func (m *Metrics) RecordTrackException(ctx context.Context, kind string) {
	m.TrackExceptions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLateFrame counts one frame that missed its deadline by late.
func (m *Metrics) RecordLateFrame(ctx context.Context, lateSeconds float64) {
	m.FramesLate.Add(ctx, 1)
	m.FrameLateness.Record(ctx, lateSeconds)
}

// RecordEventsDropped counts n events lost under the given overflow policy.
func (m *Metrics) RecordEventsDropped(ctx context.Context, policy string, n int64) {
	m.EventsDropped.Add(ctx, n, metric.WithAttributes(attribute.String("policy", policy)))
}
