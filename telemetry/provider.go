package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// InitOptions configures the global tracer provider installed by Init.
type InitOptions struct {
	ServiceName string
	// OTLPEndpoint is the collector address (host:port) for OTLP over
	// gRPC. When empty, spans go to Writer as JSON instead.
	OTLPEndpoint string
	// Writer receives spans when no collector is configured. Defaults
	// to stdout; tests point it at a buffer.
	Writer io.Writer
}

// Init installs a tracing SDK on the otel globals so spans created via
// Provider actually leave the process. Without this call the global
// tracer is a no-op and every span is dropped. Returns a shutdown
// function that flushes pending spans.
func Init(ctx context.Context, opts InitOptions) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if opts.OTLPEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(opts.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		stdoutOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if opts.Writer != nil {
			stdoutOpts = append(stdoutOpts, stdouttrace.WithWriter(opts.Writer))
		}
		exporter, err = stdouttrace.New(stdoutOpts...)
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
