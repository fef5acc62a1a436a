package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer

	stageOutcomes otelmetric.Int64Counter
	stageDuration otelmetric.Float64Histogram
	runOutcomes   otelmetric.Int64Counter

	serviceName    string
	serviceVersion string
}

func NewTelemetry(ctx context.Context, serviceName, serviceVersion, exporter string) (*Telemetry, error) {
	res := Resource(serviceName, serviceVersion)

	tp, err := NewTracerProvider(ctx, res, exporter)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, exporter)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx))
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return New(tp, mp, serviceName, serviceVersion)
}

func Resource(serviceName, serviceVersion string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
}

// New wires instruments onto existing providers.
func New(tp *trace.TracerProvider, mp *metric.MeterProvider, serviceName, serviceVersion string) (*Telemetry, error) {
	t := &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(serviceName),
		tracer: tp.Tracer(serviceName, oteltrace.WithInstrumentationVersion(serviceVersion)),

		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}

	var err error
	t.stageOutcomes, err = t.meter.Int64Counter(
		"tandem_stage_outcomes",
		otelmetric.WithDescription("Number of finished stages by stage, outcome and failure kind."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create stage outcome counter: %w", err)
	}

	t.stageDuration, err = t.meter.Float64Histogram(
		"tandem_stage_duration_seconds",
		otelmetric.WithDescription("Wall time of a stage from dispatch to result."),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create stage duration histogram: %w", err)
	}

	t.runOutcomes, err = t.meter.Int64Counter(
		"tandem_run_outcomes",
		otelmetric.WithDescription("Number of finished pipeline runs by state and release."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create run outcome counter: %w", err)
	}

	return t, nil
}

func (t *Telemetry) TraceStart(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
