package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipewright/internal/config"
)

func TestNewProvider_WritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewProvider(&buf, "test-service")
	require.NoError(t, err)

	_, span := tp.Tracer(InstrumentationScope).Start(context.Background(), "step A")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"step A"`)
	assert.Contains(t, buf.String(), "test-service")
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Init(config.TelemetryConfig{Enabled: true, File: path})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = Init(config.TelemetryConfig{}) })

	_, span := Tracer().Start(context.Background(), "run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Name":"run"`)
}

func TestInit_BadFile(t *testing.T) {
	_, err := Init(config.TelemetryConfig{Enabled: true, File: filepath.Join(t.TempDir(), "missing", "spans.json")})
	assert.Error(t, err)
}
