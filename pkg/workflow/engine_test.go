package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ncolesummers/doc-research-engine/internal/testutil"
	"github.com/ncolesummers/doc-research-engine/pkg/config"
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var titlePattern = regexp.MustCompile(`Minutes (\S+)`)

// harness scripts a deterministic model over a mock index and document store
type harness struct {
	t        *testing.T
	cfg      *config.Config
	llm      *testutil.MockLLMClient
	index    *testutil.MockSearchIndex
	docs     *testutil.MockDocumentStore
	sessions *state.MemoryStore

	mu               sync.Mutex
	plannerCalls     int
	queries          map[int][]string
	relevantDocs     map[string]bool
	failingDocs      map[string]bool
	relevancePrompts []string
	relevanceDelay   time.Duration
	finished         bool
	confidence       *float64
	onReflect        func(ctx context.Context) error
	reportErr        error

	current, peak atomic.Int32
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Research.MaxRounds = 3
	cfg.Research.IterativeEnabled = true
	cfg.Research.MaxParallelCalls = 4
	cfg.Research.QueriesPerRound = 3
	cfg.Research.AutocutDiscontinuityThreshold = 0
	cfg.Research.MaxAttempts = 2
	cfg.Research.BackoffInitial = "1ms"
	cfg.Research.BackoffMax = "2ms"
	cfg.Research.CallTimeout = "2s"
	cfg.Research.Timeout = "30s"
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testutil.QuietLogs(t)
	h := &harness{
		t:            t,
		cfg:          testConfig(),
		llm:          testutil.NewMockLLMClient(),
		index:        testutil.NewMockSearchIndex(),
		docs:         testutil.NewMockDocumentStore(),
		sessions:     state.NewMemoryStore(),
		queries:      make(map[int][]string),
		relevantDocs: make(map[string]bool),
		failingDocs:  make(map[string]bool),
	}
	h.llm.ChatFunc = h.chat
	return h
}

// addResults makes query return one chunk per id such as "d1#0" and registers the documents
func (h *harness) addResults(query string, chunkIDs ...string) {
	var chunks []domain.Chunk
	for i, id := range chunkIDs {
		doc, idx := splitChunkID(id)
		if _, ok := h.docs.Docs[doc]; !ok {
			h.docs.Docs[doc] = testutil.NewTestDocument(doc)
		}
		chunks = append(chunks, testutil.NewTestChunk(doc, idx, 0.9-float64(i)*0.01))
	}
	h.index.Results[query] = chunks
}

func splitChunkID(id string) (string, int) {
	parts := strings.SplitN(id, "#", 2)
	idx := 0
	if len(parts) == 2 {
		for _, r := range parts[1] {
			idx = idx*10 + int(r-'0')
		}
	}
	return parts[0], idx
}

func (h *harness) deps() Deps {
	return Deps{LLM: h.llm, Search: h.index, Documents: h.docs, Sessions: h.sessions}
}

func (h *harness) run(ctx context.Context, question string) (*domain.Report, error) {
	return Run(ctx, question, h.cfg, h.deps())
}

func reply(v any) (*domain.ChatResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{
		Content: string(data),
		Usage:   domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (h *harness) chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	prompt := messages[len(messages)-1].Content

	switch opts.Step {
	case domain.StepCreateQueries:
		h.mu.Lock()
		h.plannerCalls++
		queries := h.queries[h.plannerCalls]
		h.mu.Unlock()
		return reply(map[string]any{"queries": queries})

	case domain.StepCheckRelevance:
		n := h.current.Add(1)
		for {
			old := h.peak.Load()
			if n <= old || h.peak.CompareAndSwap(old, n) {
				break
			}
		}
		defer h.current.Add(-1)

		h.mu.Lock()
		h.relevancePrompts = append(h.relevancePrompts, prompt)
		delay := h.relevanceDelay
		h.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		for doc := range h.failingDocs {
			if strings.Contains(prompt, "text of "+doc+" ") {
				return nil, &domain.ProviderError{Provider: "mock", StatusCode: 400, Err: errors.New("bad request")}
			}
		}
		relevant := false
		for doc := range h.relevantDocs {
			if strings.Contains(prompt, "text of "+doc+" ") {
				relevant = true
			}
		}
		return reply(map[string]any{"reasoning": "keywords", "relevance": relevant})

	case domain.StepAnalyzeDocuments:
		doc := "unknown"
		if m := titlePattern.FindStringSubmatch(prompt); m != nil {
			doc = m[1]
		}
		return reply(map[string]any{"analysis": "Findings from " + doc})

	case domain.StepReflectTask:
		if h.onReflect != nil {
			if err := h.onReflect(ctx); err != nil {
				return nil, err
			}
		}
		out := map[string]any{"reflection": "need budget details", "finished": h.finished}
		if h.confidence != nil {
			out["confidence"] = *h.confidence
		}
		return reply(out)

	case domain.StepFinalReport:
		if h.reportErr != nil {
			return nil, h.reportErr
		}
		return reply(map[string]any{"report": "## Summary\nThe council approved topic X."})
	}
	return nil, errors.New("unexpected step " + string(opts.Step))
}

func (h *harness) relevanceChecksFor(chunkText string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.relevancePrompts {
		if strings.Contains(p, chunkText) {
			n++
		}
	}
	return n
}

func docIDs(insights []domain.DocumentInsight) []string {
	out := make([]string, len(insights))
	for i, in := range insights {
		out[i] = in.DocumentID
	}
	return out
}

func TestRunSingleRoundEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.IterativeEnabled = false
	h.cfg.Research.MaxRounds = 1
	h.queries[1] = []string{"council decision on topic X", "vote on topic X"}
	h.addResults("council decision on topic X", "d1#0", "d2#0")
	h.addResults("vote on topic X", "d1#0", "d3#0")
	h.relevantDocs["d1"] = true
	h.relevantDocs["d3"] = true

	report, err := h.run(testutil.NewTestContext(t), "What did the council decide on topic X?")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStoppedSinglePass, report.Status)
	assert.Equal(t, 1, report.Rounds)
	assert.Equal(t, "## Summary\nThe council approved topic X.", report.Content)
	assert.Equal(t, []string{"d1", "d3"}, docIDs(report.Insights))
	assert.Equal(t, []domain.ChunkID{"d1#0"}, report.Insights[0].ChunkIDs)
	assert.Equal(t, "Minutes d1", report.Insights[0].Title)
	assert.Equal(t, "Findings from d1", report.Insights[0].Summary)
	assert.Equal(t, 1, report.Insights[0].Round)

	assert.Equal(t, []string{"council decision on topic X", "vote on topic X"}, report.Summary.Queries)
	assert.Equal(t, []domain.ChunkID{"d1#0", "d2#0", "d3#0"}, report.Summary.ChunkIDs)
	assert.Equal(t, []string{"d1", "d3"}, report.Summary.RelevantDocuments)

	assert.Len(t, h.llm.CallsFor(domain.StepReflectTask), 0)
	assert.Len(t, h.llm.CallsFor(domain.StepCheckRelevance), 3)
	assert.Len(t, h.llm.CallsFor(domain.StepAnalyzeDocuments), 2)
	assert.Len(t, h.llm.CallsFor(domain.StepFinalReport), 1)
	assert.Zero(t, h.docs.GetCount("d2"))
	assert.Equal(t, 7*15, report.TokensUsed.TotalTokens)

	snap, err := h.sessions.Load(context.Background(), report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStoppedSinglePass, snap.Status)
	assert.Equal(t, domain.PhaseDone, snap.Phase)
	require.NotNil(t, snap.Report)
	assert.Equal(t, report.ID, snap.Report.ID)
}

func TestRunTerminatesAtMaxRounds(t *testing.T) {
	h := newHarness(t)
	h.queries[1] = []string{"q1"}
	h.queries[2] = []string{"q2"}
	h.queries[3] = []string{"q3"}
	h.addResults("q1", "d1#0")
	h.addResults("q2", "d2#0")
	h.addResults("q3", "d3#0")
	h.relevantDocs["d1"], h.relevantDocs["d2"], h.relevantDocs["d3"] = true, true, true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStoppedMaxRounds, report.Status)
	assert.Equal(t, 3, report.Rounds)
	assert.Equal(t, []string{"q1", "q2", "q3"}, h.index.SearchedQueries())
	assert.Len(t, h.llm.CallsFor(domain.StepCreateQueries), 3)
	assert.Len(t, h.llm.CallsFor(domain.StepReflectTask), 3)

	require.Len(t, report.Insights, 3)
	for i, in := range report.Insights {
		assert.Equal(t, i+1, in.Round)
	}

	second := h.llm.CallsFor(domain.StepCreateQueries)[1]
	system := second.Messages[0].Content
	assert.Contains(t, system, "- q1")
	assert.Contains(t, system, "need budget details")
	assert.Contains(t, system, "Findings from d1")
}

func TestRunStopsWhenSufficient(t *testing.T) {
	h := newHarness(t)
	h.finished = true
	h.queries[1] = []string{"q1"}
	h.addResults("q1", "d1#0")
	h.relevantDocs["d1"] = true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStoppedSufficient, report.Status)
	assert.Equal(t, 1, report.Rounds)
	assert.Len(t, h.llm.CallsFor(domain.StepCreateQueries), 1)
}

func TestRunSufficiencyThreshold(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.MaxRounds = 2
	h.cfg.Research.SufficiencyThreshold = 0.9
	h.finished = true
	low := 0.6
	h.confidence = &low
	h.queries[1] = []string{"q1"}
	h.queries[2] = []string{"q2"}
	h.addResults("q1", "d1#0")
	h.addResults("q2", "d2#0")
	h.relevantDocs["d1"], h.relevantDocs["d2"] = true, true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStoppedMaxRounds, report.Status)
	assert.Len(t, h.llm.CallsFor(domain.StepReflectTask), 2)
}

func TestRoundWithoutNewChunksSkipsReview(t *testing.T) {
	h := newHarness(t)
	h.queries[1] = []string{"q1"}
	h.queries[2] = []string{"q2"}
	h.queries[3] = []string{"q3"}
	h.addResults("q1", "d1#0")
	h.addResults("q2", "d1#0")
	h.addResults("q3", "d1#0")
	h.relevantDocs["d1"] = true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStoppedMaxRounds, report.Status)
	assert.Equal(t, 3, report.Rounds)
	assert.Len(t, h.llm.CallsFor(domain.StepReflectTask), 1)
	assert.Len(t, h.llm.CallsFor(domain.StepCheckRelevance), 1)
	assert.Len(t, report.Insights, 1)
}

func TestChunksAreJudgedOncePerSession(t *testing.T) {
	h := newHarness(t)
	h.queries[1] = []string{"q1", "q2"}
	h.queries[2] = []string{"q3"}
	h.queries[3] = []string{"q4"}
	h.addResults("q1", "a#0", "b#0", "c#0")
	h.addResults("q2", "b#0", "c#0", "d#0")
	h.addResults("q3", "b#0", "e#0")
	h.addResults("q4", "a#0", "e#0", "f#0")
	h.relevantDocs["a"] = true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Equal(t, []domain.ChunkID{"a#0", "b#0", "c#0", "d#0", "e#0", "f#0"}, report.Summary.ChunkIDs)
	assert.Len(t, h.llm.CallsFor(domain.StepCheckRelevance), 6)
	for _, doc := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, 1, h.relevanceChecksFor("text of "+doc+" chunk 0"), "chunk of %s", doc)
	}
}

func TestRelevanceFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.IterativeEnabled = false
	h.queries[1] = []string{"q1"}
	h.addResults("q1", "d1#0", "d2#0")
	h.relevantDocs["d1"], h.relevantDocs["d2"] = true, true
	h.failingDocs["d2"] = true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Equal(t, []string{"d1"}, docIDs(report.Insights))
	assert.Equal(t, []string{"d1"}, report.Summary.RelevantDocuments)
	assert.Zero(t, h.docs.GetCount("d2"))
}

func TestSearchFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.IterativeEnabled = false
	h.queries[1] = []string{"broken", "q1"}
	h.index.Errors["broken"] = errors.New("index unavailable")
	h.addResults("q1", "d1#0")
	h.relevantDocs["d1"] = true

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, docIDs(report.Insights))
}

func TestRunFailsWhenSynthesisFails(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.IterativeEnabled = false
	h.queries[1] = []string{"q1"}
	h.addResults("q1", "d1#0")
	h.relevantDocs["d1"] = true
	providerErr := &domain.ProviderError{Provider: "mock", StatusCode: 401, Err: errors.New("bad key")}
	h.reportErr = providerErr

	report, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.Error(t, err)
	assert.Nil(t, report)

	var failure *domain.FailureResult
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, domain.PhaseSynthesizing, failure.Phase)
	assert.Equal(t, []string{"d1"}, docIDs(failure.Insights))
	assert.Equal(t, []string{"q1"}, failure.Summary.Queries)

	var gotProvider *domain.ProviderError
	assert.True(t, errors.As(err, &gotProvider))

	snap, err := h.sessions.Load(context.Background(), failure.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, snap.Status)
	assert.Contains(t, snap.FailureCause, "bad key")
}

func TestRunWithEmptyQuestionFails(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(testutil.NewTestContext(t), "   ")

	var failure *domain.FailureResult
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, domain.PhasePlanning, failure.Phase)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Empty(t, h.index.SearchedQueries())
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.MaxRounds = 0

	_, err := h.run(testutil.NewTestContext(t), "What was decided?")

	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "research.max_rounds", cfgErr.Field)
	assert.Zero(t, h.llm.GetCallCount())

	_, err = Run(testutil.NewTestContext(t), "q", testConfig(), Deps{LLM: h.llm})
	assert.True(t, domain.IsConfigurationError(err))
}

func TestRunCancellationKeepsInsights(t *testing.T) {
	h := newHarness(t)
	h.queries[1] = []string{"q1"}
	h.addResults("q1", "d1#0")
	h.relevantDocs["d1"] = true

	ctx, cancel := context.WithCancel(testutil.NewTestContext(t))
	defer cancel()
	h.onReflect = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.run(ctx, "What was decided?")

	var failure *domain.FailureResult
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, domain.PhaseDeciding, failure.Phase)
	assert.Equal(t, "session cancelled", failure.Reason)
	assert.Equal(t, []string{"d1"}, docIDs(failure.Insights))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.llm.CallsFor(domain.StepFinalReport), 0)
}

func TestReanalysisPolicy(t *testing.T) {
	setup := func(t *testing.T, reanalyze bool) *harness {
		h := newHarness(t)
		h.cfg.Research.MaxRounds = 2
		h.cfg.Research.ReanalyzeDocuments = reanalyze
		h.queries[1] = []string{"q1"}
		h.queries[2] = []string{"q2"}
		h.addResults("q1", "d1#0")
		h.addResults("q2", "d1#1")
		h.relevantDocs["d1"] = true
		return h
	}

	t.Run("each document analyzed once", func(t *testing.T) {
		h := setup(t, false)
		report, err := h.run(testutil.NewTestContext(t), "What was decided?")
		require.NoError(t, err)

		assert.Len(t, report.Insights, 1)
		assert.Equal(t, 1, h.docs.GetCount("d1"))
		assert.Len(t, h.llm.CallsFor(domain.StepAnalyzeDocuments), 1)
		assert.Len(t, h.llm.CallsFor(domain.StepReflectTask), 1)
	})

	t.Run("new relevant chunks trigger re-analysis", func(t *testing.T) {
		h := setup(t, true)
		report, err := h.run(testutil.NewTestContext(t), "What was decided?")
		require.NoError(t, err)

		require.Len(t, report.Insights, 2)
		assert.Equal(t, 2, report.Insights[1].Round)
		assert.Equal(t, []domain.ChunkID{"d1#1"}, report.Insights[1].ChunkIDs)
		assert.Len(t, h.llm.CallsFor(domain.StepAnalyzeDocuments), 2)
	})
}

func TestRunBoundsConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.IterativeEnabled = false
	h.cfg.Research.MaxParallelCalls = 2
	h.relevanceDelay = 5 * time.Millisecond
	h.queries[1] = []string{"q1"}
	h.addResults("q1", "a#0", "a#1", "a#2", "b#0", "b#1", "c#0", "c#1", "d#0", "e#0", "f#0")

	_, err := h.run(testutil.NewTestContext(t), "What was decided?")
	require.NoError(t, err)

	assert.Len(t, h.llm.CallsFor(domain.StepCheckRelevance), 10)
	assert.LessOrEqual(t, h.peak.Load(), int32(2))
}

func TestRunRecordsSpans(t *testing.T) {
	h := newHarness(t)
	h.cfg.Research.IterativeEnabled = false
	h.queries[1] = []string{"q1"}
	h.addResults("q1", "d1#0")
	h.relevantDocs["d1"] = true

	recorder := tracetest.NewSpanRecorder()
	telemetry := testutil.SetupTestTelemetry(recorder, sdkmetric.NewManualReader())
	deps := h.deps()
	deps.Telemetry = telemetry

	_, err := Run(testutil.NewTestContext(t), "What was decided?", h.cfg, deps)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{
		"research.session",
		"workflow.node.planning",
		"workflow.node.retrieving",
		"workflow.node.filtering",
		"workflow.node.analyzing",
		"workflow.node.deciding",
		"workflow.node.synthesizing",
		"llm.chat",
		"search.query",
	} {
		assert.True(t, names[want], "missing span %s", want)
	}
}
