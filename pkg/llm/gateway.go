package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/limiter"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"golang.org/x/time/rate"
)

// GatewayOptions configures model selection, retries and timeouts
type GatewayOptions struct {
	Provider     string
	DefaultModel string
	ModelPerStep map[domain.Step]string
	// FallbackModel replaces the step model when the prompt is estimated above FallbackTokenLimit
	FallbackModel      string
	FallbackTokenLimit int

	Temperature float64
	MaxTokens   int

	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	CallTimeout       time.Duration
	RequestsPerMinute int
}

// Request is one structured model invocation
type Request struct {
	Step       domain.Step
	System     string
	Prompt     string
	Schema     any
	SchemaName string
	// Priority is recorded on spans; every call in a phase is awaited at the same barrier
	Priority    int
	Temperature *float64
	MaxTokens   int
}

// Validator is implemented by response types with constraints beyond their JSON shape
type Validator interface {
	Validate() error
}

// Gateway is the only path from the research engine to a language model. It bounds
// in-flight calls with the session limiter and retries transient failures.
type Gateway struct {
	client    domain.LLMClient
	limiter   *limiter.CallLimiter
	opts      GatewayOptions
	rate      *rate.Limiter
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	logger    observability.Logger

	mu    sync.Mutex
	usage domain.TokenUsage
	calls map[domain.Step]int
}

// NewGateway creates a gateway. telemetry and metrics may be nil.
func NewGateway(client domain.LLMClient, lim *limiter.CallLimiter, opts GatewayOptions, telemetry *observability.Telemetry, metrics *observability.Metrics) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if lim == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.Provider == "" {
		opts.Provider = "unknown"
	}
	if telemetry == nil {
		telemetry = observability.NewNoopTelemetry()
	}
	if metrics == nil {
		m, err := observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}

	gw := &Gateway{
		client:    client,
		limiter:   lim,
		opts:      opts,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    observability.NewStructuredLogger("model-gateway"),
		calls:     make(map[domain.Step]int),
	}
	if opts.RequestsPerMinute > 0 {
		gw.rate = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return gw, nil
}

// ModelFor returns the model used for a step before any fallback
func (g *Gateway) ModelFor(step domain.Step) string {
	if model := g.opts.ModelPerStep[step]; model != "" {
		return model
	}
	return g.opts.DefaultModel
}

func (g *Gateway) selectModel(req Request) string {
	model := g.ModelFor(req.Step)
	if g.opts.FallbackModel != "" && g.opts.FallbackTokenLimit > 0 &&
		EstimateTokens(req.System)+EstimateTokens(req.Prompt) > g.opts.FallbackTokenLimit {
		return g.opts.FallbackModel
	}
	return model
}

// EstimateTokens approximates the token count of text at four characters per token
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Usage returns the total token usage of every call made through the gateway
func (g *Gateway) Usage() domain.TokenUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Calls returns how many invocations were made for a step
func (g *Gateway) Calls(step domain.Step) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[step]
}

// Invoke sends req and decodes the answer into T, retrying transient provider errors
// and schema mismatches with exponential backoff.
func Invoke[T any](ctx context.Context, g *Gateway, req Request) Result[T] {
	g.mu.Lock()
	g.calls[req.Step]++
	g.mu.Unlock()

	model := g.selectModel(req)
	var (
		value    T
		lastRaw  string
		attempts int
		usage    domain.TokenUsage
		hint     retryHint
	)

	operation := func() error {
		attempts++
		content, callUsage, err := g.attempt(ctx, req, model, attempts)
		usage.Add(callUsage)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !domain.IsTransient(err) {
				return backoff.Permanent(err)
			}
			hint.set(err)
			return err
		}

		var decoded T
		if err := Decode(content, &decoded); err != nil {
			lastRaw = content
			return &domain.SchemaValidationError{Step: req.Step, Raw: content, Err: err}
		}
		if err := CheckRequired[T](content); err != nil {
			lastRaw = content
			return &domain.SchemaValidationError{Step: req.Step, Raw: content, Err: err}
		}
		if v, ok := any(&decoded).(Validator); ok {
			if err := v.Validate(); err != nil {
				lastRaw = content
				return &domain.SchemaValidationError{Step: req.Step, Raw: content, Err: err}
			}
		}
		value = decoded
		return nil
	}

	notify := func(err error, wait time.Duration) {
		reason := "transient"
		var schemaErr *domain.SchemaValidationError
		if errors.As(err, &schemaErr) {
			reason = "schema"
		}
		g.metrics.RecordLLMRetry(ctx, string(req.Step), reason)
		g.logger.Warn(ctx, "Retrying model call", map[string]interface{}{
			"step":    req.Step,
			"model":   model,
			"attempt": attempts,
			"wait":    wait.String(),
			"reason":  reason,
			"error":   err.Error(),
		})
	}

	err := backoff.RetryNotify(operation, g.newBackOff(ctx, &hint), notify)

	g.mu.Lock()
	g.usage.Add(usage)
	g.mu.Unlock()

	var result Result[T]
	var schemaErr *domain.SchemaValidationError
	switch {
	case err == nil:
		result = ResultOK(value)
	case errors.As(err, &schemaErr) && ctx.Err() == nil:
		result = ResultSchemaError[T](lastRaw, err)
	default:
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", req.Step, ctx.Err())
		}
		result = ResultFailed[T](err)
	}
	result.Model = model
	result.Attempts = attempts
	result.Usage = usage

	if !result.OK() {
		g.logger.Warn(ctx, "Model call gave up", map[string]interface{}{
			"step":     req.Step,
			"model":    model,
			"attempts": attempts,
			"kind":     result.Kind.String(),
			"error":    result.Error().Error(),
		})
	}
	return result
}

// attempt performs one provider call while holding one limiter slot
func (g *Gateway) attempt(ctx context.Context, req Request, model string, attempt int) (string, domain.TokenUsage, error) {
	if g.rate != nil {
		if err := g.rate.Wait(ctx); err != nil {
			return "", domain.TokenUsage{}, err
		}
	}

	if err := g.limiter.Acquire(ctx); err != nil {
		return "", domain.TokenUsage{}, err
	}
	defer g.limiter.Release()
	g.metrics.CallStarted()
	defer g.metrics.CallFinished()

	callCtx := ctx
	if g.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
	}

	temperature := g.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := g.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	messages := make([]domain.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, domain.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, domain.Message{Role: "user", Content: req.Prompt})

	var (
		content string
		usage   domain.TokenUsage
	)
	start := time.Now()
	info := observability.LLMCallInfo{
		Provider: g.opts.Provider,
		Model:    model,
		Step:     string(req.Step),
		Priority: req.Priority,
		Attempt:  attempt,
	}
	err := g.telemetry.InstrumentLLMCall(callCtx, info, func(ctx context.Context) (int, int, error) {
		resp, err := g.client.Chat(ctx, messages, domain.ChatOptions{
			Model:       model,
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Schema:      req.Schema,
			SchemaName:  req.SchemaName,
			Step:        req.Step,
		})
		if err != nil {
			return 0, 0, err
		}
		content = resp.Content
		usage = resp.Usage
		return resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
	})

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !domain.IsTransient(err) {
		err = &domain.TransientProviderError{Provider: g.opts.Provider, Err: fmt.Errorf("call timed out after %s: %w", g.opts.CallTimeout, err)}
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	g.metrics.RecordLLMRequest(ctx, string(req.Step), model, outcome,
		int64(usage.PromptTokens), int64(usage.CompletionTokens), time.Since(start))

	return content, usage, err
}

func (g *Gateway) newBackOff(ctx context.Context, hint *retryHint) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.opts.BackoffInitial
	expo.MaxInterval = g.opts.BackoffMax
	expo.MaxElapsedTime = 0
	expo.Reset()

	var b backoff.BackOff = &retryAfterBackOff{BackOff: expo, hint: hint}
	b = backoff.WithMaxRetries(b, uint64(g.opts.MaxAttempts-1))
	return backoff.WithContext(b, ctx)
}

// retryHint carries a provider Retry-After from the failed attempt to the next wait
type retryHint struct {
	after time.Duration
}

func (h *retryHint) set(err error) {
	var transient *domain.TransientProviderError
	if errors.As(err, &transient) {
		h.after = transient.RetryAfter
	}
}

type retryAfterBackOff struct {
	backoff.BackOff
	hint *retryHint
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint.after > next {
		next = b.hint.after
	}
	b.hint.after = 0
	return next
}
