// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle ---

	// CallDuration tracks the total wall-clock duration of relayed calls.
	CallDuration metric.Float64Histogram

	// SetupDuration tracks the time from media-stream accept to an
	// acknowledged backend session.
	SetupDuration metric.Float64Histogram

	// ActiveCalls tracks the number of live relayed calls.
	ActiveCalls metric.Int64UpDownCounter

	// CallsTotal counts finished calls. Use with attribute:
	//   attribute.String("outcome", "completed"|"failed"|"setup_timeout")
	CallsTotal metric.Int64Counter

	// --- Relay traffic ---

	// InboundFrames counts caller audio frames forwarded to the backend.
	InboundFrames metric.Int64Counter

	// OutboundChunks counts assistant audio chunks forwarded to the caller.
	OutboundChunks metric.Int64Counter

	// BargeIns counts interruptions that triggered an utterance truncation.
	BargeIns metric.Int64Counter

	// ProtocolWarnings counts non-fatal protocol violations, such as an
	// unmatched marker acknowledgement.
	ProtocolWarnings metric.Int64Counter

	// BackendErrors counts explicit error events reported by the backend.
	BackendErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// setupBuckets defines histogram bucket boundaries (in seconds) for backend
// session setup latency.
var setupBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for total call
// durations.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("voxbridge.call.duration",
		metric.WithDescription("Total wall-clock duration of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SetupDuration, err = m.Float64Histogram("voxbridge.call.setup.duration",
		metric.WithDescription("Time from media-stream accept to acknowledged backend session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(setupBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsTotal, err = m.Int64Counter("voxbridge.calls.total",
		metric.WithDescription("Finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.InboundFrames, err = m.Int64Counter("voxbridge.relay.inbound_frames",
		metric.WithDescription("Caller audio frames forwarded to the backend."),
	); err != nil {
		return nil, err
	}
	if met.OutboundChunks, err = m.Int64Counter("voxbridge.relay.outbound_chunks",
		metric.WithDescription("Assistant audio chunks forwarded to the caller."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxbridge.relay.barge_ins",
		metric.WithDescription("Caller interruptions that truncated an assistant utterance."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolWarnings, err = m.Int64Counter("voxbridge.relay.protocol_warnings",
		metric.WithDescription("Non-fatal protocol violations observed on either leg."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("voxbridge.backend.errors",
		metric.WithDescription("Explicit error events reported by the speech backend."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxbridge.active_calls",
		metric.WithDescription("Number of live relayed calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordCallFinished records a finished call: its outcome counter and total
// duration in seconds.
func (m *Metrics) RecordCallFinished(ctx context.Context, outcome string, durationSeconds float64) {
	m.CallsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.CallDuration.Record(ctx, durationSeconds)
}
