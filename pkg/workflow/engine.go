package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ncolesummers/doc-research-engine/pkg/config"
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/limiter"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"github.com/ncolesummers/doc-research-engine/pkg/search"
	"github.com/ncolesummers/doc-research-engine/pkg/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Deps bundles the external collaborators of the engine
type Deps struct {
	LLM       domain.LLMClient
	Search    domain.SearchIndex
	Documents domain.DocumentStore
	// Sessions archives a snapshot after every phase. Optional.
	Sessions  state.SessionStore
	Telemetry *observability.Telemetry
	Metrics   *observability.Metrics
}

// ResearchEngine drives research sessions through their phases
type ResearchEngine struct {
	config    *config.Config
	deps      Deps
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	logger    *observability.StructuredLogger
}

// sessionRun holds the per-session components and the data passed between phases
type sessionRun struct {
	session     *state.ResearchSession
	gateway     *llm.Gateway
	limiter     *limiter.CallLimiter
	retriever   *search.Retriever
	planner     *QueryPlanner
	relevance   *RelevanceFilter
	analyzer    *DocumentAnalyzer
	judge       *SufficiencyJudge
	synthesizer *ReportSynthesizer

	queries    []domain.Query
	candidates []domain.Chunk
	triggered  []domain.TriggeredDocument
	// skipReview is set when a round ends early and deciding must not call the model
	skipReview bool
	stopStatus domain.SessionStatus
	report     *domain.Report
}

// Run executes one research session. The error is a *domain.ConfigurationError
// when the session cannot start and a *domain.FailureResult when it ends failed.
func Run(ctx context.Context, question string, cfg *config.Config, deps Deps) (*domain.Report, error) {
	engine, err := NewResearchEngine(cfg, deps)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx, question)
}

// NewResearchEngine validates the configuration and dependencies
func NewResearchEngine(cfg *config.Config, deps Deps) (*ResearchEngine, error) {
	if cfg == nil {
		return nil, &domain.ConfigurationError{Field: "config", Reason: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.LLM == nil:
		return nil, &domain.ConfigurationError{Field: "deps.llm", Reason: "is required"}
	case deps.Search == nil:
		return nil, &domain.ConfigurationError{Field: "deps.search", Reason: "is required"}
	case deps.Documents == nil:
		return nil, &domain.ConfigurationError{Field: "deps.documents", Reason: "is required"}
	}

	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = observability.NewNoopTelemetry()
	}
	metrics := deps.Metrics
	if metrics == nil {
		m, err := observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}

	return &ResearchEngine{
		config:    cfg,
		deps:      deps,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    observability.NewStructuredLogger("research-engine"),
	}, nil
}

// Run executes one research session for question
func (e *ResearchEngine) Run(ctx context.Context, question string) (*domain.Report, error) {
	rc := e.config.Research
	sessionID := uuid.NewString()

	if timeout := config.GetDuration(rc.Timeout, 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := e.telemetry.StartResearchSession(ctx, sessionID, question, rc.MaxRounds, rc.IterativeEnabled)
	defer span.End()

	start := time.Now()
	e.metrics.RecordSessionStart(ctx)

	run, err := e.newSessionRun(sessionID, question)
	if err != nil {
		e.metrics.RecordSessionComplete(ctx, time.Since(start), string(domain.StatusFailed), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.logger.Info(ctx, "Research session started", map[string]interface{}{
		"session_id": sessionID,
		"max_rounds": rc.MaxRounds,
		"iterative":  rc.IterativeEnabled,
		"mode":       rc.Mode,
	})

	report, err := e.execute(ctx, run)

	session := run.session
	e.metrics.RecordSessionComplete(ctx, time.Since(start), string(session.Status()), session.Round())
	span.SetAttributes(
		attribute.String("research.status", string(session.Status())),
		attribute.Int("research.rounds", session.Round()),
		attribute.Int("research.insights", len(session.Insights())),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return report, nil
}

func (e *ResearchEngine) newSessionRun(sessionID, question string) (*sessionRun, error) {
	cfg := e.config
	rc := cfg.Research

	lim, err := limiter.New(rc.MaxParallelCalls)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter: %w", err)
	}

	modelPerStep := make(map[domain.Step]string, len(cfg.Models))
	for step, model := range cfg.Models {
		modelPerStep[domain.Step(step)] = model
	}

	callTimeout := config.GetDuration(rc.CallTimeout, 2*time.Minute)
	gateway, err := llm.NewGateway(e.deps.LLM, lim, llm.GatewayOptions{
		Provider:           cfg.LLM.Provider,
		DefaultModel:       cfg.LLM.Model,
		ModelPerStep:       modelPerStep,
		FallbackModel:      cfg.LLM.FallbackModel,
		FallbackTokenLimit: cfg.LLM.FallbackTokenLimit,
		Temperature:        cfg.LLM.TemperatureLow,
		MaxTokens:          cfg.LLM.MaxTokens,
		MaxAttempts:        rc.MaxAttempts,
		BackoffInitial:     config.GetDuration(rc.BackoffInitial, time.Second),
		BackoffMax:         config.GetDuration(rc.BackoffMax, 30*time.Second),
		CallTimeout:        callTimeout,
		RequestsPerMinute:  cfg.LLM.RequestsPerMinute,
	}, e.telemetry, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create model gateway: %w", err)
	}

	retriever, err := search.NewRetriever(e.deps.Search, lim, search.RetrieverOptions{
		TopK:             rc.SearchLimit,
		Alpha:            rc.SearchAlpha,
		MinScore:         rc.MinScore,
		AutocutThreshold: rc.AutocutDiscontinuityThreshold,
		CallTimeout:      callTimeout,
	}, e.telemetry, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	session := state.NewResearchSession(sessionID, question, state.SessionConfig{
		MaxRounds:            rc.MaxRounds,
		MaxParallelCalls:     rc.MaxParallelCalls,
		QueriesPerRound:      rc.QueriesPerRound,
		IterativeEnabled:     rc.IterativeEnabled,
		RelevanceThreshold:   rc.RelevanceThreshold,
		SufficiencyThreshold: rc.SufficiencyThreshold,
		ReanalyzeDocuments:   rc.ReanalyzeDocuments,
	})

	low, high := cfg.LLM.TemperatureLow, cfg.LLM.TemperatureHigh
	return &sessionRun{
		session:     session,
		gateway:     gateway,
		limiter:     lim,
		retriever:   retriever,
		planner:     NewQueryPlanner(gateway, rc.QueriesPerRound, high),
		relevance:   NewRelevanceFilter(gateway, rc.RelevanceThreshold, low, e.metrics),
		analyzer:    NewDocumentAnalyzer(gateway, e.deps.Documents, low, callTimeout, e.metrics),
		judge:       NewSufficiencyJudge(gateway, rc.SufficiencyThreshold, low),
		synthesizer: NewReportSynthesizer(gateway, low),
	}, nil
}

// execute steps the phase machine until the session reaches done or failed.
// Each node is a barrier: its fan-out completes before the next phase starts.
func (e *ResearchEngine) execute(ctx context.Context, run *sessionRun) (*domain.Report, error) {
	session := run.session
	e.checkpoint(ctx, run)

	for {
		phase := session.Phase()
		switch phase {
		case domain.PhaseDone:
			return run.report, nil
		case domain.PhaseFailed:
			return nil, fmt.Errorf("session %s is already failed", session.ID())
		}

		if err := ctx.Err(); err != nil {
			return nil, e.fail(ctx, run, interruptReason(err), err)
		}

		var err error
		switch phase {
		case domain.PhasePlanning:
			err = e.planningNode(ctx, run)
		case domain.PhaseRetrieving:
			err = e.retrievingNode(ctx, run)
		case domain.PhaseFiltering:
			err = e.filteringNode(ctx, run)
		case domain.PhaseAnalyzing:
			err = e.analyzingNode(ctx, run)
		case domain.PhaseDeciding:
			err = e.decidingNode(ctx, run)
		case domain.PhaseSynthesizing:
			err = e.synthesizingNode(ctx, run)
		default:
			err = fmt.Errorf("unknown phase %q", phase)
		}

		if err != nil {
			reason := fmt.Sprintf("%s failed", phase)
			if ctx.Err() != nil {
				reason = interruptReason(ctx.Err())
			}
			return nil, e.fail(ctx, run, reason, err)
		}
		e.checkpoint(ctx, run)
	}
}

// Node implementations

func (e *ResearchEngine) planningNode(ctx context.Context, run *sessionRun) error {
	return e.telemetry.InstrumentWorkflowNode(ctx, "planning", run.session.Round(), func(ctx context.Context) error {
		return e.planningNodeImpl(ctx, run)
	})
}

func (e *ResearchEngine) planningNodeImpl(ctx context.Context, run *sessionRun) error {
	session := run.session
	round := session.Round()
	e.metrics.RecordRound(ctx, round)

	queries, err := run.planner.Plan(ctx, session)
	if err != nil {
		return fmt.Errorf("query planning failed: %w", err)
	}
	session.AddQueries(queries)
	run.queries = queries

	e.logger.Info(ctx, "Queries planned", map[string]interface{}{
		"session_id": session.ID(),
		"round":      round,
		"queries":    len(queries),
	})
	session.SetPhase(domain.PhaseRetrieving)
	return nil
}

func (e *ResearchEngine) retrievingNode(ctx context.Context, run *sessionRun) error {
	return e.telemetry.InstrumentWorkflowNode(ctx, "retrieving", run.session.Round(), func(ctx context.Context) error {
		return e.retrievingNodeImpl(ctx, run)
	})
}

func (e *ResearchEngine) retrievingNodeImpl(ctx context.Context, run *sessionRun) error {
	session := run.session

	results, err := run.retriever.Retrieve(ctx, run.queries)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	// single-threaded, after the retrieval barrier and before any relevance check
	run.candidates = Deduplicate(session, results)
	e.metrics.RecordNewChunks(ctx, len(run.candidates))

	e.logger.Info(ctx, "Retrieval completed", map[string]interface{}{
		"session_id":     session.ID(),
		"round":          session.Round(),
		"queries":        len(results),
		"failed_queries": failed,
		"new_chunks":     len(run.candidates),
		"seen_chunks":    session.SeenCount(),
	})

	if len(run.candidates) == 0 {
		e.endRoundEarly(ctx, run, "no new chunks")
		return nil
	}
	session.SetPhase(domain.PhaseFiltering)
	return nil
}

func (e *ResearchEngine) filteringNode(ctx context.Context, run *sessionRun) error {
	return e.telemetry.InstrumentWorkflowNode(ctx, "filtering", run.session.Round(), func(ctx context.Context) error {
		return e.filteringNodeImpl(ctx, run)
	})
}

func (e *ResearchEngine) filteringNodeImpl(ctx context.Context, run *sessionRun) error {
	session := run.session

	verdicts, triggered, err := run.relevance.Filter(ctx, session.Question(), session.Round(), run.candidates)
	if err != nil {
		return err
	}
	session.RecordRelevant(triggered)
	run.triggered = session.SelectForAnalysis(triggered)

	relevant := 0
	for _, v := range verdicts {
		if v.Relevant {
			relevant++
		}
	}
	e.logger.Info(ctx, "Relevance checked", map[string]interface{}{
		"session_id":      session.ID(),
		"round":           session.Round(),
		"checked":         len(verdicts),
		"relevant":        relevant,
		"documents":       len(triggered),
		"documents_to_do": len(run.triggered),
	})

	if len(run.triggered) == 0 {
		e.endRoundEarly(ctx, run, "no newly relevant documents")
		return nil
	}
	session.SetPhase(domain.PhaseAnalyzing)
	return nil
}

func (e *ResearchEngine) analyzingNode(ctx context.Context, run *sessionRun) error {
	return e.telemetry.InstrumentWorkflowNode(ctx, "analyzing", run.session.Round(), func(ctx context.Context) error {
		return e.analyzingNodeImpl(ctx, run)
	})
}

func (e *ResearchEngine) analyzingNodeImpl(ctx context.Context, run *sessionRun) error {
	session := run.session

	ids := make([]string, len(run.triggered))
	for i, t := range run.triggered {
		ids[i] = t.DocumentID
	}
	session.MarkAnalyzed(ids)

	insights, err := run.analyzer.Analyze(ctx, session.Question(), session.Round(), run.triggered)
	if err != nil {
		return err
	}
	session.AddInsights(insights)

	e.logger.Info(ctx, "Documents analyzed", map[string]interface{}{
		"session_id": session.ID(),
		"round":      session.Round(),
		"documents":  len(run.triggered),
		"insights":   len(insights),
	})
	session.SetPhase(domain.PhaseDeciding)
	return nil
}

func (e *ResearchEngine) decidingNode(ctx context.Context, run *sessionRun) error {
	return e.telemetry.InstrumentWorkflowNode(ctx, "deciding", run.session.Round(), func(ctx context.Context) error {
		return e.decidingNodeImpl(ctx, run)
	})
}

func (e *ResearchEngine) decidingNodeImpl(ctx context.Context, run *sessionRun) error {
	session := run.session
	skip := run.skipReview
	run.skipReview = false

	if !session.Config().IterativeEnabled {
		run.stopStatus = domain.StatusStoppedSinglePass
		session.SetPhase(domain.PhaseSynthesizing)
		return nil
	}

	if !skip {
		decision := run.judge.Decide(ctx, session.Question(), session.Round(), session.Insights())
		if err := ctx.Err(); err != nil {
			return err
		}
		session.AddConsideration(decision.Consideration)

		e.logger.Info(ctx, "Research reviewed", map[string]interface{}{
			"session_id": session.ID(),
			"round":      session.Round(),
			"sufficient": decision.Sufficient,
			"confidence": decision.Confidence,
		})

		if decision.Sufficient {
			run.stopStatus = domain.StatusStoppedSufficient
			session.SetPhase(domain.PhaseSynthesizing)
			return nil
		}
	}

	if !session.NextRound() {
		run.stopStatus = domain.StatusStoppedMaxRounds
		session.SetPhase(domain.PhaseSynthesizing)
		return nil
	}
	run.queries, run.candidates, run.triggered = nil, nil, nil
	session.SetPhase(domain.PhasePlanning)
	return nil
}

func (e *ResearchEngine) synthesizingNode(ctx context.Context, run *sessionRun) error {
	return e.telemetry.InstrumentWorkflowNode(ctx, "synthesizing", run.session.Round(), func(ctx context.Context) error {
		return e.synthesizingNodeImpl(ctx, run)
	})
}

func (e *ResearchEngine) synthesizingNodeImpl(ctx context.Context, run *sessionRun) error {
	session := run.session
	insights := session.Insights()

	content, err := run.synthesizer.Synthesize(ctx, session.Question(), session.Round(), insights)
	if err != nil {
		return err
	}

	usage := run.gateway.Usage()
	session.SetUsage(usage)
	run.report = &domain.Report{
		ID:          uuid.NewString(),
		SessionID:   session.ID(),
		Question:    session.Question(),
		Content:     content,
		Insights:    insights,
		Rounds:      session.Round(),
		Status:      run.stopStatus,
		Summary:     session.Summary(),
		TokensUsed:  usage,
		GeneratedAt: time.Now(),
	}
	session.Complete(run.stopStatus, run.report)

	e.logger.Info(ctx, "Research session completed", map[string]interface{}{
		"session_id":   session.ID(),
		"status":       string(run.stopStatus),
		"rounds":       session.Round(),
		"insights":     len(insights),
		"total_tokens": usage.TotalTokens,
	})
	return nil
}

// endRoundEarly skips the rest of the round; deciding then runs without a model call
func (e *ResearchEngine) endRoundEarly(ctx context.Context, run *sessionRun, reason string) {
	e.logger.Info(ctx, "Round ended early", map[string]interface{}{
		"session_id": run.session.ID(),
		"round":      run.session.Round(),
		"reason":     reason,
	})
	run.skipReview = true
	run.session.SetPhase(domain.PhaseDeciding)
}

func (e *ResearchEngine) fail(ctx context.Context, run *sessionRun, reason string, cause error) *domain.FailureResult {
	run.session.SetUsage(run.gateway.Usage())
	failure := run.session.Fail(reason, cause)
	e.logger.Error(ctx, "Research session failed", cause, map[string]interface{}{
		"session_id": failure.SessionID,
		"phase":      string(failure.Phase),
		"reason":     reason,
		"insights":   len(failure.Insights),
	})
	e.checkpoint(ctx, run)
	return failure
}

// checkpoint archives the session; failures are logged and never end the session
func (e *ResearchEngine) checkpoint(ctx context.Context, run *sessionRun) {
	if e.deps.Sessions == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.deps.Sessions.Save(saveCtx, run.session); err != nil {
		e.logger.Warn(ctx, "Failed to archive session", map[string]interface{}{
			"session_id": run.session.ID(),
			"error":      err.Error(),
		})
	}
}

func interruptReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "session timed out"
	}
	return "session cancelled"
}
