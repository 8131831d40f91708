package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_DisabledLeavesGlobalsAlone(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), Config{ServiceName: "scriptorium"})
	require.NoError(t, err)
	assert.Same(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_InstallsProviders(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	shutdown, err := Init(context.Background(), Config{
		Endpoint:     "127.0.0.1:4318",
		ServiceName:  "scriptorium",
		Version:      "test",
		Insecure:     true,
		MetricExport: time.Hour,
	})
	require.NoError(t, err)
	assert.NotSame(t, prevTP, otel.GetTracerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx) // nothing listens on the endpoint; only the call path matters
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	assert.False(t, c.Enabled())
	assert.Equal(t, defaultSpanFlush, c.spanFlush())
	assert.Equal(t, defaultMetricExport, c.metricExport())

	c.SpanFlush, c.MetricExport = time.Second, time.Minute
	assert.Equal(t, time.Second, c.spanFlush())
	assert.Equal(t, time.Minute, c.metricExport())
}
