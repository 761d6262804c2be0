package workflow

import (
	"context"
	"fmt"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"golang.org/x/sync/errgroup"
)

type relevanceCheck struct {
	Reasoning string       `json:"reasoning" jsonschema:"description=Short justification in keywords"`
	Relevance llm.FlexBool `json:"relevance" jsonschema:"description=True if the excerpt could help answer the question"`
	Score     *float64     `json:"score" jsonschema:"minimum=0,maximum=1,description=Graded relevance between 0 and 1"`
}

// RelevanceFilter judges every candidate chunk against the question
type RelevanceFilter struct {
	gateway     *llm.Gateway
	threshold   float64
	temperature float64
	metrics     *observability.Metrics
	logger      observability.Logger
}

// NewRelevanceFilter creates a filter. A threshold above zero switches from the
// binary verdict to the graded score.
func NewRelevanceFilter(gateway *llm.Gateway, threshold, temperature float64, metrics *observability.Metrics) *RelevanceFilter {
	return &RelevanceFilter{
		gateway:     gateway,
		threshold:   threshold,
		temperature: temperature,
		metrics:     metrics,
		logger:      observability.NewStructuredLogger("relevance-filter"),
	}
}

// Filter checks all chunks concurrently and returns one verdict per chunk, in
// input order, plus the relevant chunks grouped by document in first-seen
// order. A failed judgment counts as not relevant.
func (f *RelevanceFilter) Filter(ctx context.Context, question string, round int, chunks []domain.Chunk) ([]domain.RelevanceVerdict, []domain.TriggeredDocument, error) {
	verdicts := make([]domain.RelevanceVerdict, len(chunks))

	var g errgroup.Group
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			verdicts[i] = f.judge(ctx, question, round, c)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("relevance check interrupted: %w", err)
	}

	failed := 0
	for _, v := range verdicts {
		outcome := "not_relevant"
		switch {
		case v.Failed:
			outcome = "failed"
			failed++
		case v.Relevant:
			outcome = "relevant"
		}
		if f.metrics != nil {
			f.metrics.RecordRelevanceVerdict(ctx, outcome)
		}
	}
	if failed > 0 {
		f.logger.Warn(ctx, "Relevance checks failed closed", map[string]interface{}{
			"round":  round,
			"failed": failed,
			"total":  len(chunks),
		})
	}

	return verdicts, GroupByDocument(verdicts), nil
}

func (f *RelevanceFilter) judge(ctx context.Context, question string, round int, c domain.Chunk) domain.RelevanceVerdict {
	verdict := domain.RelevanceVerdict{ChunkID: c.ID, DocumentID: c.DocumentID}

	result := llm.Invoke[relevanceCheck](ctx, f.gateway, llm.Request{
		Step:        domain.StepCheckRelevance,
		System:      checkRelevancePrompt,
		Prompt:      fmt.Sprintf(relevanceInputPrompt, question, c.Text),
		Schema:      llm.GenerateSchema[relevanceCheck](),
		SchemaName:  "relevance_check",
		Priority:    round,
		Temperature: llm.Temp(f.temperature),
	})
	if !result.OK() {
		verdict.Failed = true
		verdict.Rationale = result.Error().Error()
		return verdict
	}

	check := result.Value
	verdict.Rationale = check.Reasoning
	verdict.Score = 0
	if check.Relevance.Bool() {
		verdict.Score = 1
	}
	if f.threshold > 0 {
		if check.Score != nil {
			verdict.Score = *check.Score
		}
		verdict.Relevant = verdict.Score >= f.threshold
	} else {
		verdict.Relevant = check.Relevance.Bool()
	}
	return verdict
}

// GroupByDocument collects relevant chunk ids per document, documents in the
// order their first relevant chunk appears.
func GroupByDocument(verdicts []domain.RelevanceVerdict) []domain.TriggeredDocument {
	index := make(map[string]int)
	var out []domain.TriggeredDocument
	for _, v := range verdicts {
		if !v.Relevant {
			continue
		}
		i, ok := index[v.DocumentID]
		if !ok {
			i = len(out)
			index[v.DocumentID] = i
			out = append(out, domain.TriggeredDocument{DocumentID: v.DocumentID})
		}
		out[i].ChunkIDs = append(out[i].ChunkIDs, v.ChunkID)
	}
	return out
}

const checkRelevancePrompt = `You are a research assistant working over a private collection of official documents.

You are given one or more questions and an excerpt from a document. Judge whether the excerpt could help answer the questions.

Guidelines:
- The excerpt is only part of the document, not the whole document.
- The excerpt does not need to answer the questions completely.
- Judge only whether the excerpt is potentially helpful.

Respond with JSON:
{"reasoning": "<keywords explaining your judgment>", "relevance": true | false, "score": <0.0 to 1.0>}
- relevance true: the excerpt contains information that may help answer the questions.
- relevance false: the excerpt is clearly not relevant.`

const relevanceInputPrompt = `Question:
%s

Excerpt from document:
%s`
