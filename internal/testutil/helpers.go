package testutil

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTimeout provides a standard timeout for test contexts
const TestTimeout = 5 * time.Second

// NewTestContext creates a context with standard test timeout
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	t.Cleanup(cancel)
	return ctx
}

// QuietLogs discards output of loggers created afterwards
func QuietLogs(t *testing.T) {
	t.Helper()
	observability.SetLogOutput(io.Discard)
}

// NewTestChunk creates a chunk of documentID with the given index and score
func NewTestChunk(documentID string, index int, score float64) domain.Chunk {
	return domain.Chunk{
		ID:         domain.NewChunkID(documentID, index),
		DocumentID: documentID,
		Index:      index,
		Text:       fmt.Sprintf("text of %s chunk %d", documentID, index),
		Score:      score,
	}
}

// NewTestDocument creates a document with a title and some text
func NewTestDocument(id string) *domain.Document {
	return &domain.Document{
		ID:    id,
		Title: "Minutes " + id,
		Date:  "2024-03-01",
		Link:  "https://example.org/docs/" + id,
		Text:  "Full text of " + id + ". The council approved the proposal on topic X.",
	}
}

// SetupTestTelemetry creates telemetry backed by a span recorder and metric reader
func SetupTestTelemetry(spanRecorder *tracetest.SpanRecorder, metricReader metric.Reader) *observability.Telemetry {
	tracerProvider := trace.NewTracerProvider(
		trace.WithSpanProcessor(spanRecorder),
	)
	meterProvider := metric.NewMeterProvider(
		metric.WithReader(metricReader),
	)
	return observability.NewTelemetryWithProviders(tracerProvider, meterProvider)
}
