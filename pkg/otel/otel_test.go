package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("orion-test")
	assert.Equal(t, "orion-test", cfg.ServiceName)
	assert.NotEmpty(t, cfg.CollectorEndpoint)
	assert.InDelta(t, 1.0, cfg.SamplingRate, 1e-9)
}

func TestForecastAttributes(t *testing.T) {
	attrs := ForecastAttributes("product:p1", "Ensemble", 30)
	require.Len(t, attrs, 3)
	assert.Equal(t, AttrEntity, attrs[0].Key)
	assert.Equal(t, "product:p1", attrs[0].Value.AsString())
	assert.Equal(t, int64(30), attrs[2].Value.AsInt64())

	assert.Len(t, PersistAttributes(1, 2, 3), 3)
}

func TestStartSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "forecast.train", AttrTask.String("t"))
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "forecast.train", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)
}

func TestShutdown_Nil(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background(), nil))
}
