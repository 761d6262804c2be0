package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]interface{})) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		handler(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := llm.NewOpenAIClient(llm.OpenAIConfig{})
	assert.Error(t, err)
}

func TestOpenAIClient_ChatStructured(t *testing.T) {
	server := newOpenAITestServer(t, func(w http.ResponseWriter, body map[string]interface{}) {
		assert.Equal(t, "step-model", body["model"])

		format, ok := body["response_format"].(map[string]interface{})
		require.True(t, ok, "response_format should be set when a schema is given")
		assert.Equal(t, "json_schema", format["type"])
		schema := format["json_schema"].(map[string]interface{})
		assert.Equal(t, "relevance", schema["name"])
		assert.Equal(t, true, schema["strict"])

		messages := body["messages"].([]interface{})
		require.Len(t, messages, 2)
		assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "step-model",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": `{"relevant":true}`},
			}},
			"usage": map[string]interface{}{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	})

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: "test", BaseURL: server.URL, Model: "default-model"})
	require.NoError(t, err)

	resp, err := client.Chat(context.Background(), []domain.Message{
		{Role: "system", Content: "judge relevance"},
		{Role: "user", Content: "chunk text"},
	}, domain.ChatOptions{
		Model:      "step-model",
		Schema:     llm.GenerateSchema[struct{ Relevant bool }](),
		SchemaName: "relevance",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"relevant":true}`, resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestOpenAIClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newOpenAITestServer(t, func(w http.ResponseWriter, _ map[string]interface{}) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
			})

			client, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: "test", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = client.Chat(context.Background(), []domain.Message{{Role: "user", Content: "q"}}, domain.ChatOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.transient, domain.IsTransient(err), "error: %v", err)
		})
	}
}
