package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedEmbedder wraps an Embedder with tracing. Embedding calls feed the
// search index, not the research prompts, so they bypass the gateway.
type InstrumentedEmbedder struct {
	embedder  domain.Embedder
	telemetry *observability.Telemetry
	model     string
	provider  string
}

// NewInstrumentedEmbedder creates a new instrumented embedder
func NewInstrumentedEmbedder(embedder domain.Embedder, telemetry *observability.Telemetry, provider, model string) (*InstrumentedEmbedder, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry is required")
	}

	return &InstrumentedEmbedder{
		embedder:  embedder,
		telemetry: telemetry,
		model:     model,
		provider:  provider,
	}, nil
}

// Embed performs an instrumented embedding generation
func (e *InstrumentedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "llm.embed",
		trace.WithAttributes(
			attribute.String("llm.model", e.model),
			attribute.String("llm.provider", e.provider),
			attribute.Int("llm.input_length", len(text)),
		),
	)
	defer span.End()

	start := time.Now()
	embedding, err := e.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(
		attribute.Int("llm.embedding_dimensions", len(embedding)),
		attribute.Float64("duration.seconds", time.Since(start).Seconds()),
	)

	return embedding, nil
}
