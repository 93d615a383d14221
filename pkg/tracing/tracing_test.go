package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitWritesSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	path := filepath.Join(t.TempDir(), "trace.json")

	shutdown, err := Init("confreg", "test", path)
	require.NoError(t, err)

	_, span := otel.Tracer("confreg/test").Start(context.Background(), "Spatial smoothing")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Spatial smoothing")
	assert.Contains(t, string(data), "service.name")
}

func TestInitBadPath(t *testing.T) {
	_, err := Init("confreg", "test", filepath.Join(t.TempDir(), "missing", "trace.json"))
	assert.Error(t, err)
}
