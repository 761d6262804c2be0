package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

const providerOllama = "ollama"

// OllamaClient implements the LLMClient interface for Ollama
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	options    OllamaOptions
}

// OllamaOptions configures the Ollama client
type OllamaOptions struct {
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	TopK        int           `json:"top_k"`
	EmbedModel  string        `json:"embed_model"`
	Timeout     time.Duration `json:"timeout"`
}

// OllamaRequest represents a request to the Ollama API
type OllamaRequest struct {
	Model    string                 `json:"model"`
	Messages []OllamaMessage        `json:"messages"`
	Options  map[string]interface{} `json:"options,omitempty"`
	// Format holds a JSON schema for structured output
	Format any  `json:"format,omitempty"`
	Stream bool `json:"stream"`
}

// OllamaMessage represents a message in the Ollama format
type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaResponse represents a response from the Ollama API
type OllamaResponse struct {
	Model           string        `json:"model"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	TotalDuration   int64         `json:"total_duration"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// NewOllamaClient creates a new Ollama client
func NewOllamaClient(baseURL, model string, options *OllamaOptions) *OllamaClient {
	if options == nil {
		options = &OllamaOptions{
			Temperature: 0.1,
			MaxTokens:   4096,
			TopP:        0.9,
			Timeout:     2 * time.Minute,
		}
	}
	if options.EmbedModel == "" {
		options.EmbedModel = model
	}

	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: options.Timeout,
		},
		options: *options,
	}
}

// Chat performs a chat completion. A schema in opts is sent as the structured output format.
func (c *OllamaClient) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (*domain.ChatResponse, error) {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	req := OllamaRequest{
		Model:    model,
		Messages: c.convertMessages(messages),
		Options:  c.buildOptions(opts),
		Format:   opts.Schema,
		Stream:   false,
	}

	var ollamaResp OllamaResponse
	if err := c.post(ctx, "/api/chat", req, &ollamaResp); err != nil {
		return nil, err
	}

	finish := ollamaResp.DoneReason
	if finish == "" {
		finish = "stop"
	}

	return &domain.ChatResponse{
		Content: ollamaResp.Message.Content,
		Model:   model,
		Usage: domain.TokenUsage{
			PromptTokens:     ollamaResp.PromptEvalCount,
			CompletionTokens: ollamaResp.EvalCount,
			TotalTokens:      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		},
		FinishReason: finish,
	}, nil
}

// Embed generates an embedding with the configured embedding model
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody := map[string]interface{}{
		"model": c.options.EmbedModel,
		"input": text,
	}

	var embedResp struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := c.post(ctx, "/api/embed", reqBody, &embedResp); err != nil {
		return nil, err
	}
	if len(embedResp.Embeddings) == 0 || len(embedResp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}

	return embedResp.Embeddings[0], nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("request canceled: %w", err)
		}
		return &domain.TransientProviderError{Provider: providerOllama, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return classifyStatus(providerOllama, resp.StatusCode, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *OllamaClient) convertMessages(messages []domain.Message) []OllamaMessage {
	ollamaMessages := make([]OllamaMessage, len(messages))
	for i, msg := range messages {
		ollamaMessages[i] = OllamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return ollamaMessages
}

func (c *OllamaClient) buildOptions(opts domain.ChatOptions) map[string]interface{} {
	options := make(map[string]interface{})

	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	} else {
		options["temperature"] = c.options.Temperature
	}

	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	} else {
		options["num_predict"] = c.options.MaxTokens
	}

	if c.options.TopP > 0 {
		options["top_p"] = c.options.TopP
	}
	if c.options.TopK > 0 {
		options["top_k"] = c.options.TopK
	}

	return options
}

// CheckHealth verifies the Ollama service is accessible
func (c *OllamaClient) CheckHealth(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// classifyStatus maps an HTTP status to the provider error taxonomy
func classifyStatus(provider string, status int, err error) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return &domain.TransientProviderError{Provider: provider, StatusCode: status, Err: err}
	}
	return &domain.ProviderError{Provider: provider, StatusCode: status, Err: err}
}
