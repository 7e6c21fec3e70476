package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("job-dispatch-test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "dispatcher.Submit")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "dispatcher.Submit")
	assert.Contains(t, buf.String(), "job-dispatch-test")
}
