// internal/tracing/otel.go
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// InitTracer installs a global TracerProvider exporting spans as JSON to w.
// The returned function flushes pending spans and must be called before exit.
// Without InitTracer the global no-op provider stays in place.
func InitTracer(serviceName string, w io.Writer) (func(context.Context) error, error) {
	exporter, err := newExporter(w)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// A one-shot process: export synchronously so nothing is lost on exit.
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func newExporter(w io.Writer) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
	)
}
