package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
)

func TestNewOllamaClient(t *testing.T) {
	client := llm.NewOllamaClient("http://localhost:11434", "llama3.2", nil)
	if client == nil {
		t.Error("Expected client, got nil")
	}

	opts := &llm.OllamaOptions{
		Temperature: 0.8,
		MaxTokens:   1500,
		TopP:        0.95,
		TopK:        50,
		EmbedModel:  "nomic-embed-text",
	}
	clientWithOpts := llm.NewOllamaClient("http://localhost:11434", "llama3.2", opts)
	if clientWithOpts == nil {
		t.Error("Expected client with options, got nil")
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}

		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		// The step model overrides the client default
		if req["model"] != "step-model" {
			t.Errorf("Expected model step-model, got %v", req["model"])
		}
		if req["stream"] != false {
			t.Errorf("Expected stream false, got %v", req["stream"])
		}
		if _, ok := req["format"].(map[string]interface{}); !ok {
			t.Errorf("Expected schema in format field, got %v", req["format"])
		}

		response := map[string]interface{}{
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": `{"relevant": true}`,
			},
			"done":              true,
			"done_reason":       "stop",
			"eval_count":        50,
			"prompt_eval_count": 30,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("Failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "test-model", nil)

	messages := []domain.Message{{Role: "user", Content: "Is this chunk relevant?"}}
	response, err := client.Chat(context.Background(), messages, domain.ChatOptions{
		Model:  "step-model",
		Schema: map[string]interface{}{"type": "object"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if response.Content != `{"relevant": true}` {
		t.Errorf("Unexpected content %s", response.Content)
	}
	if response.Usage.CompletionTokens != 50 {
		t.Errorf("Expected 50 completion tokens, got %d", response.Usage.CompletionTokens)
	}
	if response.Usage.PromptTokens != 30 {
		t.Errorf("Expected 30 prompt tokens, got %d", response.Usage.PromptTokens)
	}
	if response.Usage.TotalTokens != 80 {
		t.Errorf("Expected 80 total tokens, got %d", response.Usage.TotalTokens)
	}
}

func TestOllamaClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("Expected path /api/embed, got %s", r.URL.Path)
		}

		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "nomic-embed-text" {
			t.Errorf("Expected embed model, got %v", req["model"])
		}
		if req["input"] != "Test text for embedding" {
			t.Errorf("Expected input text, got %v", req["input"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float64{{0.1, 0.2, 0.3, 0.4, 0.5}},
		})
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "test-model", &llm.OllamaOptions{EmbedModel: "nomic-embed-text", Timeout: time.Second})

	embeddings, err := client.Embed(context.Background(), "Test text for embedding")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	expectedValues := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	if len(embeddings) != len(expectedValues) {
		t.Fatalf("Expected %d values, got %d", len(expectedValues), len(embeddings))
	}
	for i, val := range embeddings {
		if val != expectedValues[i] {
			t.Errorf("Expected embedding[%d] = %f, got %f", i, expectedValues[i], val)
		}
	}
}

func TestOllamaClient_Chat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error is transient", http.StatusInternalServerError, true},
		{"rate limit is transient", http.StatusTooManyRequests, true},
		{"bad request is permanent", http.StatusBadRequest, false},
		{"missing model is permanent", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
			}))
			defer server.Close()

			client := llm.NewOllamaClient(server.URL, "test-model", nil)
			_, err := client.Chat(context.Background(), []domain.Message{{Role: "user", Content: "x"}}, domain.ChatOptions{})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if got := domain.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v (err: %v)", got, tt.transient, err)
			}
			if !tt.transient {
				var providerErr *domain.ProviderError
				if !errors.As(err, &providerErr) || providerErr.StatusCode != tt.status {
					t.Errorf("Expected ProviderError with status %d, got %v", tt.status, err)
				}
			}
		})
	}
}

func TestOllamaClient_Chat_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "test-model", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Chat(ctx, []domain.Message{{Role: "user", Content: "Test message"}}, domain.ChatOptions{})
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !domain.IsTransient(err) {
		t.Errorf("Expected a deadline to be reported as transient, got %v", err)
	}
}

func TestOllamaClient_CheckHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "test-model", nil)
	if err := client.CheckHealth(context.Background()); err != nil {
		t.Errorf("CheckHealth failed: %v", err)
	}
}
