package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"github.com/ncolesummers/doc-research-engine/pkg/state"
)

// ErrEmptyQuestion is returned when neither the model nor the question yields a query
var ErrEmptyQuestion = errors.New("question is empty, no fallback query possible")

type searchQueries struct {
	Queries []string `json:"queries" jsonschema:"description=Search queries for a hybrid lexical and semantic search engine"`
}

// QueryPlanner turns the question, and in later rounds the research so far,
// into a small set of new search queries.
type QueryPlanner struct {
	gateway         *llm.Gateway
	queriesPerRound int
	temperature     float64
	logger          observability.Logger
}

// NewQueryPlanner creates a planner producing at most queriesPerRound queries
func NewQueryPlanner(gateway *llm.Gateway, queriesPerRound int, temperature float64) *QueryPlanner {
	if queriesPerRound < 1 {
		queriesPerRound = 1
	}
	return &QueryPlanner{
		gateway:         gateway,
		queriesPerRound: queriesPerRound,
		temperature:     temperature,
		logger:          observability.NewStructuredLogger("query-planner"),
	}
}

// Plan returns the queries for the session's current round. Unusable model
// output falls back to the normalized question.
func (p *QueryPlanner) Plan(ctx context.Context, session *state.ResearchSession) ([]domain.Query, error) {
	round := session.Round()

	system := fmt.Sprintf(createQueriesPrompt, p.queriesPerRound)
	rationale := "initial question"
	if round > 1 {
		considerations := session.Considerations()
		rationale = "follow-up"
		if len(considerations) > 0 {
			rationale = considerations[len(considerations)-1]
		}
		var previous []string
		for _, q := range session.Queries() {
			previous = append(previous, "- "+q.Text)
		}
		system += fmt.Sprintf(createQueriesFollowUpPrompt,
			strings.Join(previous, "\n"),
			strings.Join(considerations, "\n"),
			condenseInsights(session.Insights()))
	}

	result := llm.Invoke[searchQueries](ctx, p.gateway, llm.Request{
		Step:        domain.StepCreateQueries,
		System:      system,
		Prompt:      session.Question(),
		Schema:      llm.GenerateSchema[searchQueries](),
		SchemaName:  "search_queries",
		Priority:    round,
		Temperature: llm.Temp(p.temperature),
	})
	if ctx.Err() != nil {
		return nil, fmt.Errorf("query planning interrupted: %w", ctx.Err())
	}

	var candidates []string
	if result.OK() {
		candidates = result.Value.Queries
	} else {
		p.logger.Warn(ctx, "Query generation failed, using fallback", map[string]interface{}{
			"round": round,
			"kind":  result.Kind.String(),
			"error": result.Error().Error(),
		})
	}

	queries := p.selectQueries(session, candidates, round, rationale)
	if len(queries) > 0 {
		return queries, nil
	}

	fallback := strings.Join(strings.Fields(session.Question()), " ")
	if fallback == "" {
		return nil, ErrEmptyQuestion
	}
	if session.WasIssued(fallback) {
		p.logger.Info(ctx, "No new queries for this round", map[string]interface{}{
			"round": round,
		})
		return nil, nil
	}
	p.logger.Info(ctx, "No usable queries, searching for the question itself", map[string]interface{}{
		"round": round,
	})
	return []domain.Query{{Text: fallback, Round: round, Rationale: "fallback"}}, nil
}

// selectQueries trims, drops empty and repeated queries and caps the result.
// Every query carries the consideration it was planned from.
func (p *QueryPlanner) selectQueries(session *state.ResearchSession, candidates []string, round int, rationale string) []domain.Query {
	seen := make(map[string]struct{})
	var out []domain.Query
	for _, c := range candidates {
		text := strings.TrimSpace(c)
		if text == "" {
			continue
		}
		key := state.NormalizeQuery(text)
		if _, dup := seen[key]; dup || session.WasIssued(text) {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, domain.Query{Text: text, Round: round, Rationale: rationale})
		if len(out) == p.queriesPerRound {
			break
		}
	}
	return out
}

// condenseInsights keeps the first lines of every insight for the planner prompt
func condenseInsights(insights []domain.DocumentInsight) string {
	if len(insights) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for _, in := range insights {
		summary := in.Summary
		if r := []rune(summary); len(r) > 300 {
			summary = string(r[:300]) + "..."
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", in.Title, in.DocumentID, strings.ReplaceAll(summary, "\n", " "))
	}
	return b.String()
}

const createQueriesPrompt = `You are a research assistant working over a private collection of official documents.

An expert asks you one or more questions and needs thorough research on them.
Your task is to write %d precise and varied search queries the expert can use in a combined lexical and semantic search engine to find relevant documents.

Guidelines:
- Queries may be keywords, broad synonyms or complete sentences.
- Together the queries should cover every relevant aspect of the question.
- If the topic is broad, write several queries covering its sub-topics.
- Each query should focus on one specific aspect of the question.
- Do not write near-duplicate queries; one is enough.

Respond with JSON: {"queries": ["...", "..."]}`

const createQueriesFollowUpPrompt = `

The following queries were already run. Do not repeat them, find new ones:
%s

Take these considerations from the previous review into account:
%s

Findings so far:
%s`
