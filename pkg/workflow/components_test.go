package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ncolesummers/doc-research-engine/internal/testutil"
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/limiter"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/search"
	"github.com/ncolesummers/doc-research-engine/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newComponentGateway(t *testing.T, client domain.LLMClient) *llm.Gateway {
	t.Helper()
	testutil.QuietLogs(t)

	lim, err := limiter.New(4)
	require.NoError(t, err)

	gw, err := llm.NewGateway(client, lim, llm.GatewayOptions{
		Provider:       "mock",
		DefaultModel:   "default-model",
		MaxAttempts:    1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		CallTimeout:    time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return gw
}

func newTestSession(question string) *state.ResearchSession {
	return state.NewResearchSession("s1", question, state.SessionConfig{
		MaxRounds:        3,
		MaxParallelCalls: 4,
		QueriesPerRound:  3,
		IterativeEnabled: true,
	})
}

func queryTexts(queries []domain.Query) []string {
	out := make([]string, len(queries))
	for i, q := range queries {
		out[i] = q.Text
	}
	return out
}

func TestQueryPlannerSelectsQueries(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepCreateQueries] = `{"queries": ["  budget 2024 ", "Budget   2024", "", "council vote", "zoning plan", "extra"]}`
	planner := NewQueryPlanner(newComponentGateway(t, client), 3, 0.7)

	session := newTestSession("What did the council decide?")
	queries, err := planner.Plan(testutil.NewTestContext(t), session)
	require.NoError(t, err)

	assert.Equal(t, []string{"budget 2024", "council vote", "zoning plan"}, queryTexts(queries))
	for _, q := range queries {
		assert.Equal(t, 1, q.Round)
		assert.Equal(t, "initial question", q.Rationale)
	}
}

func TestQueryPlannerSkipsIssuedQueries(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepCreateQueries] = `{"queries": ["Council Vote", "zoning plan"]}`
	planner := NewQueryPlanner(newComponentGateway(t, client), 3, 0.7)

	session := newTestSession("What did the council decide?")
	session.AddQueries([]domain.Query{{Text: "council vote", Round: 1}})
	require.True(t, session.NextRound())
	session.AddConsideration("vote counts missing")
	session.AddConsideration("zoning details missing")

	queries, err := planner.Plan(testutil.NewTestContext(t), session)
	require.NoError(t, err)
	assert.Equal(t, []string{"zoning plan"}, queryTexts(queries))
	assert.Equal(t, "zoning details missing", queries[0].Rationale)
	assert.Equal(t, 2, queries[0].Round)

	calls := client.CallsFor(domain.StepCreateQueries)
	require.Len(t, calls, 1)
	system := calls[0].Messages[0].Content
	assert.Contains(t, system, "- council vote")
	assert.Contains(t, system, "zoning details missing")
	assert.Equal(t, "What did the council decide?", calls[0].Prompt())
}

func TestQueryPlannerFallsBackToQuestion(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepCreateQueries] = "I cannot produce JSON today"
	planner := NewQueryPlanner(newComponentGateway(t, client), 3, 0.7)

	session := newTestSession("  What did the   council decide? ")
	queries, err := planner.Plan(testutil.NewTestContext(t), session)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "What did the council decide?", queries[0].Text)
	assert.Equal(t, "fallback", queries[0].Rationale)

	session.AddQueries(queries)
	require.True(t, session.NextRound())

	queries, err = planner.Plan(testutil.NewTestContext(t), session)
	require.NoError(t, err)
	assert.Empty(t, queries)
}

func TestQueryPlannerEmptyQuestion(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepCreateQueries] = `{"queries": []}`
	planner := NewQueryPlanner(newComponentGateway(t, client), 3, 0.7)

	_, err := planner.Plan(testutil.NewTestContext(t), newTestSession(" \t "))
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestRelevanceFilterThreshold(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		threshold float64
		relevant  bool
		score     float64
	}{
		{"binary true", `{"reasoning": "budget", "relevance": true}`, 0, true, 1},
		{"binary string", `{"reasoning": "budget", "relevance": "yes"}`, 0, true, 1},
		{"binary false", `{"reasoning": "other", "relevance": false, "score": 0.9}`, 0, false, 0},
		{"graded below threshold", `{"reasoning": "weak", "relevance": true, "score": 0.4}`, 0.5, false, 0.4},
		{"graded at threshold", `{"reasoning": "ok", "relevance": false, "score": 0.5}`, 0.5, true, 0.5},
		{"graded without score", `{"reasoning": "ok", "relevance": true}`, 0.5, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewMockLLMClient()
			client.Responses[domain.StepCheckRelevance] = tt.response
			filter := NewRelevanceFilter(newComponentGateway(t, client), tt.threshold, 0, nil)

			verdicts, triggered, err := filter.Filter(testutil.NewTestContext(t), "question", 1,
				[]domain.Chunk{testutil.NewTestChunk("d1", 0, 0.9)})
			require.NoError(t, err)
			require.Len(t, verdicts, 1)
			assert.Equal(t, tt.relevant, verdicts[0].Relevant)
			assert.InDelta(t, tt.score, verdicts[0].Score, 1e-9)
			assert.Equal(t, tt.relevant, len(triggered) == 1)
		})
	}
}

func TestRelevanceFilterFailsClosed(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Errors[domain.StepCheckRelevance] = &domain.ProviderError{Provider: "mock", StatusCode: 400, Err: errors.New("bad request")}
	filter := NewRelevanceFilter(newComponentGateway(t, client), 0, 0, nil)

	verdicts, triggered, err := filter.Filter(testutil.NewTestContext(t), "question", 1,
		[]domain.Chunk{testutil.NewTestChunk("d1", 0, 0.9)})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Failed)
	assert.False(t, verdicts[0].Relevant)
	assert.Empty(t, triggered)
}

func TestRelevanceFilterIsIdempotent(t *testing.T) {
	for _, threshold := range []float64{0, 0.5} {
		t.Run(fmt.Sprintf("threshold %.1f", threshold), func(t *testing.T) {
			client := testutil.NewMockLLMClient()
			client.ChatFunc = func(_ context.Context, messages []domain.Message, _ domain.ChatOptions) (*domain.ChatResponse, error) {
				if strings.Contains(messages[len(messages)-1].Content, "text of d1 ") {
					return &domain.ChatResponse{Content: `{"reasoning": "budget", "relevance": true, "score": 0.7}`}, nil
				}
				return &domain.ChatResponse{Content: `{"reasoning": "other", "relevance": false, "score": 0.2}`}, nil
			}
			filter := NewRelevanceFilter(newComponentGateway(t, client), threshold, 0, nil)
			chunks := []domain.Chunk{testutil.NewTestChunk("d1", 0, 0.9), testutil.NewTestChunk("d2", 0, 0.8)}

			first, firstTriggered, err := filter.Filter(testutil.NewTestContext(t), "question", 1, chunks)
			require.NoError(t, err)
			second, secondTriggered, err := filter.Filter(testutil.NewTestContext(t), "question", 1, chunks)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.Equal(t, firstTriggered, secondTriggered)
			assert.True(t, first[0].Relevant)
			assert.False(t, first[1].Relevant)
			assert.Len(t, client.CallsFor(domain.StepCheckRelevance), 4)
		})
	}
}

func TestRelevanceFilterRejectsIncompleteVerdicts(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepCheckRelevance] = `{"reasoning": "truncated"}`
	filter := NewRelevanceFilter(newComponentGateway(t, client), 0, 0, nil)

	verdicts, triggered, err := filter.Filter(testutil.NewTestContext(t), "question", 1,
		[]domain.Chunk{testutil.NewTestChunk("d1", 0, 0.9)})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Failed)
	assert.Contains(t, verdicts[0].Rationale, "relevance")
	assert.Empty(t, triggered)
}

func TestRelevanceFilterCancelled(t *testing.T) {
	client := testutil.NewMockLLMClient()
	filter := NewRelevanceFilter(newComponentGateway(t, client), 0, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := filter.Filter(ctx, "question", 1, []domain.Chunk{testutil.NewTestChunk("d1", 0, 0.9)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupByDocument(t *testing.T) {
	verdicts := []domain.RelevanceVerdict{
		{ChunkID: "d2#3", DocumentID: "d2", Relevant: true},
		{ChunkID: "d1#0", DocumentID: "d1", Relevant: false},
		{ChunkID: "d1#1", DocumentID: "d1", Relevant: true},
		{ChunkID: "d2#0", DocumentID: "d2", Relevant: true},
		{ChunkID: "d3#0", DocumentID: "d3", Failed: true},
	}

	got := GroupByDocument(verdicts)
	assert.Equal(t, []domain.TriggeredDocument{
		{DocumentID: "d2", ChunkIDs: []domain.ChunkID{"d2#3", "d2#0"}},
		{DocumentID: "d1", ChunkIDs: []domain.ChunkID{"d1#1"}},
	}, got)
}

func TestDeduplicateAcrossRounds(t *testing.T) {
	session := newTestSession("question")
	chunk := func(doc string) domain.Chunk { return testutil.NewTestChunk(doc, 0, 0.5) }

	first := Deduplicate(session, []search.QueryResult{
		{Query: domain.Query{Text: "q1"}, Chunks: []domain.Chunk{chunk("A"), chunk("B"), chunk("C")}},
		{Query: domain.Query{Text: "q2"}, Chunks: []domain.Chunk{chunk("B"), chunk("C"), chunk("D")}},
		{Query: domain.Query{Text: "q3"}, Err: errors.New("search down")},
	})
	assert.Equal(t, []domain.ChunkID{"A#0", "B#0", "C#0", "D#0"}, chunkIDs(first))

	second := Deduplicate(session, []search.QueryResult{
		{Query: domain.Query{Text: "q4"}, Chunks: []domain.Chunk{chunk("B"), chunk("E")}},
	})
	assert.Equal(t, []domain.ChunkID{"E#0"}, chunkIDs(second))
	assert.Equal(t, 5, session.SeenCount())
}

func chunkIDs(chunks []domain.Chunk) []domain.ChunkID {
	out := make([]domain.ChunkID, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func TestDocumentAnalyzerSkipsMissingDocuments(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepAnalyzeDocuments] = `{"analysis": "  The council approved topic X.  "}`
	docs := testutil.NewMockDocumentStore(testutil.NewTestDocument("d1"), testutil.NewTestDocument("d3"))
	analyzer := NewDocumentAnalyzer(newComponentGateway(t, client), docs, 0, time.Second, nil)

	insights, err := analyzer.Analyze(testutil.NewTestContext(t), "question", 2, []domain.TriggeredDocument{
		{DocumentID: "d3", ChunkIDs: []domain.ChunkID{"d3#1"}},
		{DocumentID: "missing", ChunkIDs: []domain.ChunkID{"missing#0"}},
		{DocumentID: "d1", ChunkIDs: []domain.ChunkID{"d1#0", "d1#2"}},
	})
	require.NoError(t, err)

	require.Len(t, insights, 2)
	assert.Equal(t, "d3", insights[0].DocumentID)
	assert.Equal(t, "d1", insights[1].DocumentID)
	assert.Equal(t, []domain.ChunkID{"d1#0", "d1#2"}, insights[1].ChunkIDs)
	assert.Equal(t, "The council approved topic X.", insights[1].Summary)
	assert.Equal(t, 2, insights[1].Round)
	assert.Equal(t, "https://example.org/docs/d1", insights[1].Link)
	assert.Len(t, client.CallsFor(domain.StepAnalyzeDocuments), 2)
}

func TestDocumentAnalyzerRejectsEmptyAnalysis(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepAnalyzeDocuments] = `{"analysis": "   "}`
	docs := testutil.NewMockDocumentStore(testutil.NewTestDocument("d1"))
	analyzer := NewDocumentAnalyzer(newComponentGateway(t, client), docs, 0, time.Second, nil)

	insights, err := analyzer.Analyze(testutil.NewTestContext(t), "question", 1, []domain.TriggeredDocument{
		{DocumentID: "d1", ChunkIDs: []domain.ChunkID{"d1#0"}},
	})
	require.NoError(t, err)
	assert.Empty(t, insights)
}

// stallingDocumentStore blocks on the listed ids until the caller gives up
type stallingDocumentStore struct {
	*testutil.MockDocumentStore
	stall map[string]bool
}

func (s *stallingDocumentStore) Get(ctx context.Context, id string) (*domain.Document, error) {
	if s.stall[id] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.MockDocumentStore.Get(ctx, id)
}

func TestDocumentAnalyzerBoundsDocumentFetch(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepAnalyzeDocuments] = `{"analysis": "Approved."}`
	docs := &stallingDocumentStore{
		MockDocumentStore: testutil.NewMockDocumentStore(testutil.NewTestDocument("d1"), testutil.NewTestDocument("d2")),
		stall:             map[string]bool{"d1": true},
	}
	analyzer := NewDocumentAnalyzer(newComponentGateway(t, client), docs, 0, 20*time.Millisecond, nil)

	start := time.Now()
	insights, err := analyzer.Analyze(testutil.NewTestContext(t), "question", 1, []domain.TriggeredDocument{
		{DocumentID: "d1", ChunkIDs: []domain.ChunkID{"d1#0"}},
		{DocumentID: "d2", ChunkIDs: []domain.ChunkID{"d2#0"}},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, insights, 1)
	assert.Equal(t, "d2", insights[0].DocumentID)
	assert.Len(t, client.CallsFor(domain.StepAnalyzeDocuments), 1)
}

func TestSufficiencyJudge(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		err        error
		threshold  float64
		sufficient bool
	}{
		{"finished", `{"reflection": "complete", "finished": true}`, nil, 0, true},
		{"not finished", `{"reflection": "budget missing", "finished": false, "confidence": 0.95}`, nil, 0, false},
		{"confidence below threshold", `{"reflection": "thin", "finished": true, "confidence": 0.6}`, nil, 0.8, false},
		{"confidence above threshold", `{"reflection": "solid", "finished": false, "confidence": 0.85}`, nil, 0.8, true},
		{"call failure", "", &domain.ProviderError{Provider: "mock", StatusCode: 500, Err: errors.New("boom")}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewMockLLMClient()
			client.Responses[domain.StepReflectTask] = tt.response
			if tt.err != nil {
				client.Errors[domain.StepReflectTask] = tt.err
			}
			judge := NewSufficiencyJudge(newComponentGateway(t, client), tt.threshold, 0)

			decision := judge.Decide(testutil.NewTestContext(t), "question", 1, nil)
			assert.Equal(t, tt.sufficient, decision.Sufficient)

			calls := client.CallsFor(domain.StepReflectTask)
			require.Len(t, calls, 1)
			assert.Contains(t, calls[0].Prompt(), "(no relevant documents were found)")
		})
	}
}

func TestReportSynthesizer(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.Responses[domain.StepFinalReport] = `{"report": "## Summary\nApproved.\n"}`
	synth := NewReportSynthesizer(newComponentGateway(t, client), 0)

	report, err := synth.Synthesize(testutil.NewTestContext(t), "question", 1, []domain.DocumentInsight{
		{DocumentID: "d1", Title: "Minutes d1", Summary: "Approved on March 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nApproved.", report)
	assert.Contains(t, client.CallsFor(domain.StepFinalReport)[0].Prompt(), "Approved on March 1")

	client.Responses[domain.StepFinalReport] = `{"report": ""}`
	_, err = synth.Synthesize(testutil.NewTestContext(t), "question", 1, nil)
	var schemaErr *domain.SchemaValidationError
	assert.True(t, errors.As(err, &schemaErr))
}
