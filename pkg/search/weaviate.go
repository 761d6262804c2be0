package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

// WeaviateConfig configures the hybrid search client
type WeaviateConfig struct {
	URL        string
	APIKey     string
	Collection string
	// Properties are searched lexically; defaults to text and title
	Properties []string
	Timeout    time.Duration
	Breaker    CircuitBreakerOptions
}

// WeaviateClient queries a Weaviate collection of chunks with hybrid search and
// relative score fusion
type WeaviateClient struct {
	cfg      WeaviateConfig
	http     *http.Client
	embedder domain.Embedder
	breaker  *CircuitBreaker
}

// NewWeaviateClient creates a client. embedder may be nil, in which case Weaviate
// vectorizes the query itself.
func NewWeaviateClient(cfg WeaviateConfig, embedder domain.Embedder) (*WeaviateClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("weaviate url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("weaviate collection is required")
	}
	if len(cfg.Properties) == 0 {
		cfg.Properties = []string{"text", "title"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &WeaviateClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		embedder: embedder,
		breaker:  NewCircuitBreaker(cfg.Breaker),
	}, nil
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLResponse struct {
	Data struct {
		Get map[string][]weaviateObject `json:"Get"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type weaviateObject struct {
	Identifier string          `json:"identifier"`
	Text       string          `json:"text"`
	ChunkIndex *int            `json:"chunk_index"`
	Additional weaviateAddInfo `json:"_additional"`
}

type weaviateAddInfo struct {
	ID    string          `json:"id"`
	Score json.RawMessage `json:"score"`
}

// Search implements domain.SearchIndex
func (c *WeaviateClient) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Chunk, error) {
	if !c.breaker.CanExecute() {
		return nil, &domain.SearchUnavailableError{Query: req.Query, Err: ErrCircuitOpen}
	}

	chunks, err := c.search(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.RecordFailure()
		}
		return nil, &domain.SearchUnavailableError{Query: req.Query, Err: err}
	}
	c.breaker.RecordSuccess()
	return chunks, nil
}

// BreakerState exposes the circuit breaker state
func (c *WeaviateClient) BreakerState() CircuitBreakerState {
	return c.breaker.GetState()
}

func (c *WeaviateClient) search(ctx context.Context, req domain.SearchRequest) ([]domain.Chunk, error) {
	var vector []float64
	if c.embedder != nil {
		v, err := c.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		vector = v
	}

	body, err := json.Marshal(graphQLRequest{Query: c.buildQuery(req, vector)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/v1/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weaviate returned status %d: %s", resp.StatusCode, string(data))
	}

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("weaviate graphql error: %s", gr.Errors[0].Message)
	}

	objects := gr.Data.Get[c.cfg.Collection]
	chunks := make([]domain.Chunk, 0, len(objects))
	for _, obj := range objects {
		score, err := parseScore(obj.Additional.Score)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.Additional.ID, err)
		}

		chunk := domain.Chunk{
			DocumentID: obj.Identifier,
			Text:       obj.Text,
			Score:      score,
		}
		if obj.ChunkIndex != nil {
			chunk.Index = *obj.ChunkIndex
			chunk.ID = domain.NewChunkID(obj.Identifier, *obj.ChunkIndex)
		} else {
			chunk.Index = -1
			chunk.ID = domain.ChunkID(obj.Additional.ID)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (c *WeaviateClient) buildQuery(req domain.SearchRequest, vector []float64) string {
	query, _ := json.Marshal(req.Query)
	props, _ := json.Marshal(c.cfg.Properties)

	var hybrid strings.Builder
	fmt.Fprintf(&hybrid, "query: %s, alpha: %s, fusionType: relativeScoreFusion, properties: %s",
		query, strconv.FormatFloat(req.Alpha, 'f', -1, 64), props)
	if len(vector) > 0 {
		vec, _ := json.Marshal(vector)
		fmt.Fprintf(&hybrid, ", vector: %s", vec)
	}

	limit := req.TopK
	if limit <= 0 {
		limit = 10
	}

	return fmt.Sprintf("{ Get { %s(hybrid: {%s}, limit: %d) { identifier text chunk_index _additional { id score } } } }",
		c.cfg.Collection, hybrid.String(), limit)
}

// parseScore accepts the score as Weaviate sends it (a string) or as a number
func parseScore(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("invalid score %s", string(raw))
	}
	return f, nil
}
