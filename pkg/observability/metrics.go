package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// Counters
	sessionsTotal         metric.Int64Counter
	roundsTotal           metric.Int64Counter
	llmRequestsTotal      metric.Int64Counter
	llmRetriesTotal       metric.Int64Counter
	llmTokensUsedTotal    metric.Int64Counter
	searchRequestsTotal   metric.Int64Counter
	chunksRetrievedTotal  metric.Int64Counter
	chunksNewTotal        metric.Int64Counter
	relevanceVerdictTotal metric.Int64Counter
	documentsAnalyzed     metric.Int64Counter

	// Histograms
	sessionDuration    metric.Float64Histogram
	llmRequestDuration metric.Float64Histogram
	searchDuration     metric.Float64Histogram

	// Gauges (using async instruments)
	activeSessions metric.Int64ObservableGauge
	inFlightCalls  metric.Int64ObservableGauge

	activeSessionCount atomic.Int64
	inFlightCallCount  atomic.Int64
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter: meter,
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.sessionsTotal, "research_sessions_total", "Total number of research sessions by terminal status"},
		{&m.roundsTotal, "research_rounds_total", "Total number of research rounds executed"},
		{&m.llmRequestsTotal, "llm_requests_total", "Total number of LLM requests by step and outcome"},
		{&m.llmRetriesTotal, "llm_retries_total", "Total number of LLM call retries"},
		{&m.llmTokensUsedTotal, "llm_tokens_used_total", "Total number of LLM tokens used"},
		{&m.searchRequestsTotal, "search_requests_total", "Total number of search index requests"},
		{&m.chunksRetrievedTotal, "chunks_retrieved_total", "Chunks returned by the search index after autocut"},
		{&m.chunksNewTotal, "chunks_new_total", "Chunks that survived deduplication"},
		{&m.relevanceVerdictTotal, "relevance_verdicts_total", "Relevance verdicts by outcome"},
		{&m.documentsAnalyzed, "documents_analyzed_total", "Documents analyzed by outcome"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.sessionDuration, "research_session_duration_seconds", "Duration of research sessions in seconds"},
		{&m.llmRequestDuration, "llm_request_duration_seconds", "Duration of LLM requests in seconds"},
		{&m.searchDuration, "search_request_duration_seconds", "Duration of search index requests in seconds"},
	}
	for _, h := range histograms {
		histogram, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, err
		}
		*h.dst = histogram
	}

	var err error
	m.activeSessions, err = meter.Int64ObservableGauge(
		"active_research_sessions",
		metric.WithDescription("Number of active research sessions"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeSessionCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.inFlightCalls, err = meter.Int64ObservableGauge(
		"in_flight_external_calls",
		metric.WithDescription("Number of model and search calls holding a concurrency slot"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.inFlightCallCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSessionStart records a new research session
func (m *Metrics) RecordSessionStart(ctx context.Context) {
	m.activeSessionCount.Add(1)
}

// RecordSessionComplete records the end of a session with its terminal status
func (m *Metrics) RecordSessionComplete(ctx context.Context, duration time.Duration, status string, rounds int) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.sessionsTotal.Add(ctx, 1, attrs)
	m.sessionDuration.Record(ctx, duration.Seconds(), attrs)
	m.activeSessionCount.Add(-1)
}

// RecordRound records one executed round
func (m *Metrics) RecordRound(ctx context.Context, round int) {
	m.roundsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("round", round)))
}

// RecordLLMRequest records an LLM request
func (m *Metrics) RecordLLMRequest(ctx context.Context, step, model, outcome string, promptTokens, completionTokens int64, duration time.Duration) {
	m.llmRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		),
	)

	if promptTokens+completionTokens > 0 {
		m.llmTokensUsedTotal.Add(ctx, promptTokens+completionTokens,
			metric.WithAttributes(
				attribute.String("model", model),
				attribute.String("type", "total"),
			),
		)
	}

	m.llmRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("model", model),
		),
	)
}

// RecordLLMRetry records a retried LLM attempt
func (m *Metrics) RecordLLMRetry(ctx context.Context, step, reason string) {
	m.llmRetriesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("reason", reason),
		),
	)
}

// RecordSearch records one search call and how many chunks survived autocut
func (m *Metrics) RecordSearch(ctx context.Context, status string, chunks int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.searchRequestsTotal.Add(ctx, 1, attrs)
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
	if chunks > 0 {
		m.chunksRetrievedTotal.Add(ctx, int64(chunks))
	}
}

// RecordNewChunks records the candidate set size after deduplication
func (m *Metrics) RecordNewChunks(ctx context.Context, count int) {
	m.chunksNewTotal.Add(ctx, int64(count))
}

// RecordRelevanceVerdict records a verdict outcome: relevant, irrelevant or failed
func (m *Metrics) RecordRelevanceVerdict(ctx context.Context, outcome string) {
	m.relevanceVerdictTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDocumentAnalyzed records a document analysis outcome
func (m *Metrics) RecordDocumentAnalyzed(ctx context.Context, outcome string) {
	m.documentsAnalyzed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CallStarted and CallFinished track in-flight external calls
func (m *Metrics) CallStarted() { m.inFlightCallCount.Add(1) }

func (m *Metrics) CallFinished() { m.inFlightCallCount.Add(-1) }

// GetActiveSessionCount returns the current number of active sessions
func (m *Metrics) GetActiveSessionCount() int64 {
	return m.activeSessionCount.Load()
}

// GetInFlightCallCount returns the current number of in-flight external calls
func (m *Metrics) GetInFlightCallCount() int64 {
	return m.inFlightCallCount.Load()
}
