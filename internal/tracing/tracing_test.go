package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsSampled())
}

func TestInit_StdoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{
		Enabled:     true,
		SampleRatio: 1,
		ServiceName: "reelbatch-test",
	}, "test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	_, span := Tracer().Start(context.Background(), "sampled")
	defer span.End()
	assert.True(t, span.SpanContext().IsSampled())
}
