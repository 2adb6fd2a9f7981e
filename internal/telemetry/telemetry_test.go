package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/telemetry"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Options{})
	require.NoError(t, err)
	_, span := telemetry.Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.Init(context.Background(), telemetry.Options{
		Enabled:        true,
		ServiceName:    "livestory-test",
		ServiceVersion: "dev",
		Writer:         &buf,
	})
	require.NoError(t, err)
	_, span := telemetry.Tracer("test").Start(context.Background(), "commit.phase")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "commit.phase")

	// leave the global providers as no-ops for other tests
	_, err = telemetry.Init(context.Background(), telemetry.Options{})
	require.NoError(t, err)
}
