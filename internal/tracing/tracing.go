// Package tracing holds the tracer of dask-k8s. Without a registered tracer provider spans are not
// recorded.
package tracing

import (
	"context"

	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dhis2-sre/dask-k8s"

// Tracer is replaced in tests to record spans.
var Tracer = otel.Tracer(tracerName)

// StartSpan starts a span annotated with the cluster identity. Callers must end the span.
func StartSpan(ctx context.Context, name string, identity template.Identity) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("dask.cluster.id", identity.ClusterID),
			attribute.String("k8s.namespace", identity.Namespace),
		),
	)
}

// RecordError records err on span and marks the span as failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// NewJaegerProvider creates a tracer provider exporting spans to the Jaeger collector at endpoint
// and registers it globally. Shut the provider down to flush remaining spans.
func NewJaegerProvider(endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	Tracer = provider.Tracer(tracerName)
	return provider, nil
}
