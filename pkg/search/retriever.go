package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/limiter"
	"github.com/ncolesummers/doc-research-engine/pkg/observability"
	"golang.org/x/sync/errgroup"
)

// RetrieverOptions configures per-query search parameters
type RetrieverOptions struct {
	TopK             int
	Alpha            float64
	MinScore         float64
	AutocutThreshold float64
	CallTimeout      time.Duration
}

// QueryResult holds the chunks one query produced. Err is set when the search
// failed; Chunks is then empty.
type QueryResult struct {
	Query  domain.Query
	Chunks []domain.Chunk
	Err    error
}

// Retriever fans queries out to the search index, bounded by the session limiter
type Retriever struct {
	index     domain.SearchIndex
	limiter   *limiter.CallLimiter
	opts      RetrieverOptions
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	logger    observability.Logger
}

// NewRetriever creates a retriever. telemetry and metrics may be nil.
func NewRetriever(index domain.SearchIndex, lim *limiter.CallLimiter, opts RetrieverOptions, telemetry *observability.Telemetry, metrics *observability.Metrics) (*Retriever, error) {
	if index == nil {
		return nil, fmt.Errorf("search index is required")
	}
	if lim == nil {
		return nil, fmt.Errorf("limiter is required")
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
	return &Retriever{
		index:     index,
		limiter:   lim,
		opts:      opts,
		telemetry: telemetry,
		metrics:   metrics,
		logger:    observability.NewStructuredLogger("retriever"),
	}, nil
}

// Retrieve runs every query concurrently and returns one result per query, in
// query order. A failing query yields an empty result with Err set; only
// cancellation of ctx fails the whole call.
func (r *Retriever) Retrieve(ctx context.Context, queries []domain.Query) ([]QueryResult, error) {
	results := make([]QueryResult, len(queries))

	var g errgroup.Group
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results[i] = r.retrieveOne(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("retrieval interrupted: %w", err)
	}
	return results, nil
}

func (r *Retriever) retrieveOne(ctx context.Context, q domain.Query) QueryResult {
	result := QueryResult{Query: q}
	start := time.Now()

	var raw []domain.Chunk
	err := r.limiter.Do(ctx, func(ctx context.Context) error {
		r.metrics.CallStarted()
		defer r.metrics.CallFinished()

		callCtx := ctx
		if r.opts.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
		}

		return r.telemetry.InstrumentSearchCall(callCtx, q.Text, r.opts.TopK, func(ctx context.Context) (int, error) {
			chunks, err := r.index.Search(ctx, domain.SearchRequest{
				Query:    q.Text,
				TopK:     r.opts.TopK,
				Alpha:    r.opts.Alpha,
				MinScore: r.opts.MinScore,
			})
			raw = chunks
			return len(chunks), err
		})
	})

	if err != nil {
		var unavailable *domain.SearchUnavailableError
		if !errors.As(err, &unavailable) {
			err = &domain.SearchUnavailableError{Query: q.Text, Err: err}
		}
		result.Err = err
		r.metrics.RecordSearch(ctx, "error", 0, time.Since(start))
		if ctx.Err() == nil {
			r.logger.Warn(ctx, "Search failed for query", map[string]interface{}{
				"query": q.Text,
				"round": q.Round,
				"error": err.Error(),
			})
		}
		return result
	}

	result.Chunks = Autocut(ApplyMinScore(raw, r.opts.MinScore), r.opts.AutocutThreshold)
	r.metrics.RecordSearch(ctx, "success", len(result.Chunks), time.Since(start))
	r.logger.Debug(ctx, "Search completed", map[string]interface{}{
		"query":    q.Text,
		"returned": len(raw),
		"kept":     len(result.Chunks),
	})
	return result
}
