package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

func NewTracerProvider(ctx context.Context, res *resource.Resource, exporterName string) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch exporterName {
	case ExporterNone:
		return trace.NewTracerProvider(trace.WithResource(res)), nil
	case ExporterStdout:
		exporter, err = stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	case ExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", exporterName)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(1*time.Second)),
		trace.WithResource(res),
	)
	return tp, nil
}

func NewMeterProvider(ctx context.Context, res *resource.Resource, exporterName string) (*metric.MeterProvider, error) {
	var exporter metric.Exporter
	var err error

	switch exporterName {
	case ExporterNone:
		return metric.NewMeterProvider(metric.WithResource(res)), nil
	case ExporterStdout:
		exporter, err = stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
	case ExporterOTLP:
		exporter, err = otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", exporterName)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(10*time.Second))),
		metric.WithResource(res),
	)
	return mp, nil
}
