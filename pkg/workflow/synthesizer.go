package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
)

type finalReport struct {
	Report string `json:"report" jsonschema:"description=The research report in Markdown"`
}

func (r finalReport) Validate() error {
	if strings.TrimSpace(r.Report) == "" {
		return fmt.Errorf("report is empty")
	}
	return nil
}

// ReportSynthesizer writes the final report from every insight of the session
type ReportSynthesizer struct {
	gateway     *llm.Gateway
	temperature float64
}

// NewReportSynthesizer creates a synthesizer
func NewReportSynthesizer(gateway *llm.Gateway, temperature float64) *ReportSynthesizer {
	return &ReportSynthesizer{gateway: gateway, temperature: temperature}
}

// Synthesize returns the report text. It is called even when there are no
// insights so the report can state that nothing reliable was found.
func (s *ReportSynthesizer) Synthesize(ctx context.Context, question string, round int, insights []domain.DocumentInsight) (string, error) {
	result := llm.Invoke[finalReport](ctx, s.gateway, llm.Request{
		Step:        domain.StepFinalReport,
		Prompt:      fmt.Sprintf(researchWriterPrompt, question, FormatInsights(insights)),
		Schema:      llm.GenerateSchema[finalReport](),
		SchemaName:  "final_report",
		Priority:    round,
		Temperature: llm.Temp(s.temperature),
	})
	if !result.OK() {
		return "", fmt.Errorf("report synthesis failed after %d attempts: %w", result.Attempts, result.Error())
	}
	return strings.TrimSpace(result.Value.Report), nil
}

const researchWriterPrompt = `You are a research assistant working over a private collection of official documents.
Your task is to summarize the results of a research effort in a thorough, well structured report.
You receive one or more questions and a list of document analyses. From them, write a research report with precise answers.

Guidelines:
- Base your answers only on the researched content.
- Quote every relevant passage, resolution number and law exactly and completely.
- Refer explicitly to concrete sources and link them inline where a link is available, e.g. [Title](link).

Missing or partial information:
- If no reliable answer is possible, write: "I cannot reliably answer your question based on the research." and explain why.
- If only partial information is available, say so explicitly.

Formatting:
- Write in Markdown with level 2 headings (##) for main sections.
- Use hyphens (-) for list items, never asterisks.
- Split longer answers by sub-question.

Report structure:
1. Summary: a short answer, or one per sub-question.
2. Detailed answer: detailed answers based on the research.
3. Sources: every relevant passage, resolution, law and document used.

Start directly with the summary and end with the sources section, without further comments.

Respond with JSON: {"report": "<markdown report>"}

Question:
%s

Analyses of the relevant documents:
%s`
