package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracer(ctx, "testhost", Options{Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "deploy")
	span.End()
	require.NoError(t, shutdown(ctx))

	assert.Contains(t, buf.String(), `"Name": "deploy"`)
	assert.Contains(t, buf.String(), "testhost")
}

func TestNoneExporter(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "testhost", Options{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestUnknownExporter(t *testing.T) {
	_, err := InitTracer(context.Background(), "testhost", Options{Exporter: "zipkin"})
	assert.Error(t, err)
}
