// Package observe provides OpenTelemetry metric instruments for the audio
// pipeline, exported through a Prometheus bridge so they can be scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/GriffinCanCode/earshot"

// Metrics holds all metric instruments for the pipeline. The underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// FramesReceived counts PCM frames accepted from clients.
	FramesReceived metric.Int64Counter

	// FramesFiltered counts frames skipped by the voice ignore filter.
	FramesFiltered metric.Int64Counter

	// Transcripts counts transcripts surfaced by the STT bridge. Use with
	// attribute.String("kind", "partial"|"final").
	Transcripts metric.Int64Counter

	// Commands counts emitted volume commands. Use with
	// attribute.String("type", "dim"|"restore").
	Commands metric.Int64Counter

	// QueueDrops counts items dropped from bounded buffers. Use with
	// attribute.String("queue", ...).
	QueueDrops metric.Int64Counter

	// BreakerTrips counts circuit breaker open transitions. Use with
	// attribute.String("operation", ...).
	BreakerTrips metric.Int64Counter

	// LLMDuration tracks attention-fallback LLM call latency.
	LLMDuration metric.Float64Histogram

	// ActiveConnections tracks the number of live client sessions.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// external-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesReceived, err = m.Int64Counter("earshot.frames.received",
		metric.WithDescription("Total PCM frames accepted from clients."),
	); err != nil {
		return nil, err
	}
	if met.FramesFiltered, err = m.Int64Counter("earshot.frames.filtered",
		metric.WithDescription("Total frames skipped by the voice ignore filter."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("earshot.transcripts",
		metric.WithDescription("Total transcripts surfaced, by kind."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("earshot.commands",
		metric.WithDescription("Total volume commands emitted, by type."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("earshot.queue.drops",
		metric.WithDescription("Total items dropped from bounded queues."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTrips, err = m.Int64Counter("earshot.breaker.trips",
		metric.WithDescription("Total circuit breaker open transitions."),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("earshot.llm.duration",
		metric.WithDescription("Latency of attention-fallback LLM calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("earshot.active_connections",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider. Panics if instrument
// creation fails (should not happen with the global provider).
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

// RecordTranscript increments the transcript counter with the kind attribute.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCommand increments the command counter with the type attribute.
func (m *Metrics) RecordCommand(ctx context.Context, typ string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordBreakerTrip increments the trip counter for the named operation.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, operation string) {
	m.BreakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordQueueDrop increments the drop counter for the named queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
