package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentWorkflowNode wraps a workflow node with observability
func (t *Telemetry) InstrumentWorkflowNode(ctx context.Context, nodeName string, round int, fn func(context.Context) error) error {
	ctx, span := t.StartSpan(ctx, fmt.Sprintf("workflow.node.%s", nodeName),
		trace.WithAttributes(
			attribute.String("node.name", nodeName),
			attribute.Int("research.round", round),
		),
	)
	defer span.End()

	startTime := time.Now()
	err := fn(ctx)
	duration := time.Since(startTime)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// LLMCallInfo describes one model call for tracing
type LLMCallInfo struct {
	Provider string
	Model    string
	Step     string
	Priority int
	Attempt  int
}

// InstrumentLLMCall wraps an LLM call with observability
func (t *Telemetry) InstrumentLLMCall(ctx context.Context, info LLMCallInfo, fn func(context.Context) (promptTokens, completionTokens int, err error)) error {
	ctx, span := t.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("llm.model", info.Model),
			attribute.String("llm.provider", info.Provider),
			attribute.String("llm.step", info.Step),
			attribute.Int("llm.priority", info.Priority),
			attribute.Int("llm.attempt", info.Attempt),
		),
	)
	defer span.End()

	startTime := time.Now()
	promptTokens, completionTokens, err := fn(ctx)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", promptTokens),
			attribute.Int("llm.completion_tokens", completionTokens),
			attribute.Int("llm.total_tokens", promptTokens+completionTokens),
		)
	}

	span.SetAttributes(
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// InstrumentSearchCall wraps one search index query with observability
func (t *Telemetry) InstrumentSearchCall(ctx context.Context, query string, topK int, fn func(context.Context) (int, error)) error {
	ctx, span := t.StartSpan(ctx, "search.query",
		trace.WithAttributes(
			attribute.Int("search.query_length", len(query)),
			attribute.Int("search.top_k", topK),
		),
	)
	defer span.End()

	startTime := time.Now()
	count, err := fn(ctx)
	duration := time.Since(startTime)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.String("search.status", status),
		attribute.Int("search.results", count),
		attribute.Float64("search.duration_seconds", duration.Seconds()),
	)

	return err
}

// StartResearchSession starts a root span for a research session
func (t *Telemetry) StartResearchSession(ctx context.Context, sessionID, question string, maxRounds int, iterative bool) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "research.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("question.length", len(question)),
			attribute.Int("research.max_rounds", maxRounds),
			attribute.Bool("research.iterative", iterative),
			attribute.String("complexity", estimateComplexity(question)),
		),
	)
}

func estimateComplexity(question string) string {
	if len(question) < 50 {
		return "low"
	} else if len(question) < 200 {
		return "medium"
	}
	return "high"
}
