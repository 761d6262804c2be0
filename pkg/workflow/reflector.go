package workflow

import (
	"context"
	"fmt"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
)

type taskReflection struct {
	Reflection string       `json:"reflection" jsonschema:"description=What is still missing in keywords"`
	Finished   llm.FlexBool `json:"finished" jsonschema:"description=True if the findings answer every question"`
	Confidence *float64     `json:"confidence" jsonschema:"minimum=0,maximum=1,description=Confidence that the findings suffice"`
}

// Decision is the outcome of a sufficiency review
type Decision struct {
	Sufficient    bool
	Consideration string
	Confidence    float64
}

// SufficiencyJudge reviews the findings so far and decides whether to stop
type SufficiencyJudge struct {
	gateway     *llm.Gateway
	threshold   float64
	temperature float64
	logger      observability.Logger
}

// NewSufficiencyJudge creates a judge. A threshold above zero requires the
// model's confidence to reach it.
func NewSufficiencyJudge(gateway *llm.Gateway, threshold, temperature float64) *SufficiencyJudge {
	return &SufficiencyJudge{
		gateway:     gateway,
		threshold:   threshold,
		temperature: temperature,
		logger:      observability.NewStructuredLogger("sufficiency-judge"),
	}
}

// Decide asks the model whether the insights answer the question. A failed
// call is treated as insufficient.
func (j *SufficiencyJudge) Decide(ctx context.Context, question string, round int, insights []domain.DocumentInsight) Decision {
	result := llm.Invoke[taskReflection](ctx, j.gateway, llm.Request{
		Step:        domain.StepReflectTask,
		Prompt:      fmt.Sprintf(reflectTaskPrompt, question, FormatInsights(insights)),
		Schema:      llm.GenerateSchema[taskReflection](),
		SchemaName:  "task_reflection",
		Priority:    round,
		Temperature: llm.Temp(j.temperature),
	})
	if !result.OK() {
		if ctx.Err() == nil {
			j.logger.Warn(ctx, "Reflection failed, continuing research", map[string]interface{}{
				"round": round,
				"kind":  result.Kind.String(),
				"error": result.Error().Error(),
			})
		}
		return Decision{}
	}

	r := result.Value
	d := Decision{Consideration: r.Reflection}
	if r.Finished.Bool() {
		d.Confidence = 1
	}
	if r.Confidence != nil {
		d.Confidence = *r.Confidence
	}
	if j.threshold > 0 {
		d.Sufficient = d.Confidence >= j.threshold
	} else {
		d.Sufficient = r.Finished.Bool()
	}
	return d
}

const reflectTaskPrompt = `You are a research assistant working over a private collection of official documents.
Your task is to review the current state of a research effort and decide whether more work is needed or the research can be concluded.

Guidelines:
- You receive one or more questions from an expert that must be answered.
- You also receive the analyses of the relevant documents found so far.
- Judge whether these findings are enough to answer the questions completely.

Respond with JSON:
{"reflection": "<keywords on what is covered and what is missing>", "finished": true | false, "confidence": <0.0 to 1.0>}
- finished true: the research is complete, every question can be answered.
- finished false: more research is needed to answer the questions completely.

Question:
%s

Analyses of the relevant documents so far:
%s`
