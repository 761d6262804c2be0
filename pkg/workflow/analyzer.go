package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"golang.org/x/sync/errgroup"
)

type documentAnalysis struct {
	Analysis string `json:"analysis" jsonschema:"description=Summary of the information in the document relevant to the question with quotations"`
}

func (a documentAnalysis) Validate() error {
	if strings.TrimSpace(a.Analysis) == "" {
		return fmt.Errorf("analysis is empty")
	}
	return nil
}

// DocumentAnalyzer reads full documents and summarizes what they say about the question
type DocumentAnalyzer struct {
	gateway     *llm.Gateway
	documents   domain.DocumentStore
	temperature float64
	callTimeout time.Duration
	metrics     *observability.Metrics
	logger      observability.Logger
}

// NewDocumentAnalyzer creates an analyzer. Each document fetch is bounded by callTimeout when positive.
func NewDocumentAnalyzer(gateway *llm.Gateway, documents domain.DocumentStore, temperature float64, callTimeout time.Duration, metrics *observability.Metrics) *DocumentAnalyzer {
	return &DocumentAnalyzer{
		gateway:     gateway,
		documents:   documents,
		temperature: temperature,
		callTimeout: callTimeout,
		metrics:     metrics,
		logger:      observability.NewStructuredLogger("document-analyzer"),
	}
}

// Analyze produces one insight per triggered document, in trigger order. A
// document that cannot be fetched or analyzed is logged and skipped.
func (a *DocumentAnalyzer) Analyze(ctx context.Context, question string, round int, triggered []domain.TriggeredDocument) ([]domain.DocumentInsight, error) {
	insights := make([]*domain.DocumentInsight, len(triggered))

	var g errgroup.Group
	for i, t := range triggered {
		i, t := i, t
		g.Go(func() error {
			insights[i] = a.analyzeOne(ctx, question, round, t)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("document analysis interrupted: %w", err)
	}

	out := make([]domain.DocumentInsight, 0, len(triggered))
	for _, in := range insights {
		if in != nil {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (a *DocumentAnalyzer) analyzeOne(ctx context.Context, question string, round int, t domain.TriggeredDocument) *domain.DocumentInsight {
	doc, err := a.fetch(ctx, t.DocumentID)
	if err != nil {
		if ctx.Err() == nil {
			a.record(ctx, "fetch_failed")
			a.logger.Error(ctx, "Failed to fetch document", err, map[string]interface{}{
				"document_id": t.DocumentID,
				"round":       round,
			})
		}
		return nil
	}

	result := llm.Invoke[documentAnalysis](ctx, a.gateway, llm.Request{
		Step:        domain.StepAnalyzeDocuments,
		System:      analyzeDocumentSystemPrompt,
		Prompt:      fmt.Sprintf(analyzeDocumentPrompt, question, doc.Title, doc.Date, doc.Link, doc.Text),
		Schema:      llm.GenerateSchema[documentAnalysis](),
		SchemaName:  "document_analysis",
		Priority:    round,
		Temperature: llm.Temp(a.temperature),
	})
	if !result.OK() {
		if ctx.Err() == nil {
			a.record(ctx, "failed")
			a.logger.Warn(ctx, "Document analysis failed", map[string]interface{}{
				"document_id": t.DocumentID,
				"round":       round,
				"kind":        result.Kind.String(),
				"error":       result.Error().Error(),
			})
		}
		return nil
	}

	a.record(ctx, "success")
	return &domain.DocumentInsight{
		DocumentID: doc.ID,
		Round:      round,
		ChunkIDs:   append([]domain.ChunkID(nil), t.ChunkIDs...),
		Title:      doc.Title,
		Date:       doc.Date,
		Link:       doc.Link,
		Summary:    strings.TrimSpace(result.Value.Analysis),
	}
}

func (a *DocumentAnalyzer) fetch(ctx context.Context, id string) (*domain.Document, error) {
	if a.callTimeout <= 0 {
		return a.documents.Get(ctx, id)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	return a.documents.Get(fetchCtx, id)
}

func (a *DocumentAnalyzer) record(ctx context.Context, outcome string) {
	if a.metrics != nil {
		a.metrics.RecordDocumentAnalyzed(ctx, outcome)
	}
}

// FormatInsights renders insights as the document blocks used by the
// reflection and report prompts.
func FormatInsights(insights []domain.DocumentInsight) string {
	if len(insights) == 0 {
		return "(no relevant documents were found)"
	}
	blocks := make([]string, len(insights))
	for i, in := range insights {
		blocks[i] = fmt.Sprintf(documentBlock, in.Title, in.Date, in.Link, in.Summary)
	}
	return strings.Join(blocks, "\n\n")
}

const analyzeDocumentSystemPrompt = `You are a research assistant working over a private collection of official documents.

You are given one or more questions and a document. Analyze the document carefully, extract the information relevant to the questions and write a concise summary.

Guidelines:
- Consolidate the most important information and findings.
- Document the source of every statement by quoting the relevant passages and naming any laws or other sources cited.
- Use only information from the document, invent nothing.

Respond with JSON: {"analysis": "<your summary>"}`

const analyzeDocumentPrompt = `Question:
%s

Title
%s

Date
%s

Link
%s

Document text
%s`

const documentBlock = `Document
%s
%s
%s
%s`
