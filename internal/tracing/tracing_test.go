package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := Tracer
	Tracer = provider.Tracer(tracerName)
	t.Cleanup(func() {
		Tracer = previous
		_ = provider.Shutdown(context.Background())
	})
	return exporter
}

func TestStartSpan(t *testing.T) {
	exporter := recordSpans(t)

	_, span := StartSpan(context.Background(), "Cluster.Create", template.Identity{Namespace: "dhlab", ClusterID: "seguin-0"})
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "Cluster.Create", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("dask.cluster.id", "seguin-0"))
	assert.Contains(t, spans[0].Attributes, attribute.String("k8s.namespace", "dhlab"))
}

func TestRecordError(t *testing.T) {
	exporter := recordSpans(t)

	_, span := StartSpan(context.Background(), "Cluster.Scale", template.Identity{Namespace: "dhlab", ClusterID: "seguin-0"})
	RecordError(span, nil)
	RecordError(span, errors.New("quota exceeded"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "quota exceeded", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
}

func TestNewJaegerProvider(t *testing.T) {
	previous := Tracer
	t.Cleanup(func() { Tracer = previous })

	provider, err := NewJaegerProvider("http://localhost:14268/api/traces", "dask-k8s")

	require.NoError(t, err)
	assert.NoError(t, provider.Shutdown(context.Background()))
}
