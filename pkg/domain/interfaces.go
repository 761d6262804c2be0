package domain

import (
	"context"
)

// LLMClient defines the interface for language model providers
type LLMClient interface {
	// Chat performs a chat completion, optionally constrained by a JSON schema
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error)
}

// Embedder turns text into a vector for hybrid search
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SearchIndex is the external hybrid (lexical + vector) search engine
type SearchIndex interface {
	// Search returns chunks ordered by score, highest first
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)
}

// DocumentStore resolves a document id to its full text
type DocumentStore interface {
	Get(ctx context.Context, documentID string) (*Document, error)
}

// ChatOptions provides options for chat completions
type ChatOptions struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// Schema is a JSON schema the response must follow. Nil means free text.
	Schema     any    `json:"schema,omitempty"`
	SchemaName string `json:"schema_name,omitempty"`
	// Step is the pipeline step issuing the call. Providers only use it for telemetry.
	Step Step `json:"step,omitempty"`
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model,omitempty"`
	Usage        TokenUsage `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// SearchRequest is one hybrid search call
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	// Alpha weights vector against keyword scoring (1 = pure vector)
	Alpha    float64 `json:"alpha"`
	MinScore float64 `json:"min_score,omitempty"`
}
