package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

// RecordedCall is one Chat call seen by MockLLMClient
type RecordedCall struct {
	Step     domain.Step
	Model    string
	Messages []domain.Message
}

// Prompt returns the user message of the call
func (c RecordedCall) Prompt() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[len(c.Messages)-1].Content
}

// MockLLMClient is a mock implementation of LLMClient for testing. Responses are
// routed by the step in ChatOptions.
type MockLLMClient struct {
	mu           sync.Mutex
	Responses    map[domain.Step]string
	Errors       map[domain.Step]error
	CallCount    int
	Calls        []RecordedCall
	LastMessages []domain.Message
	ShouldError  bool
	ErrorMessage string
	// ChatFunc allows custom chat behavior for tests
	ChatFunc func(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (*domain.ChatResponse, error)
}

// NewMockLLMClient creates a new mock LLM client
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{
		Responses: make(map[domain.Step]string),
		Errors:    make(map[domain.Step]error),
	}
}

// Chat implements domain.LLMClient
func (m *MockLLMClient) Chat(ctx context.Context, messages []domain.Message, options domain.ChatOptions) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.CallCount++
	m.LastMessages = messages
	m.Calls = append(m.Calls, RecordedCall{Step: options.Step, Model: options.Model, Messages: messages})
	chatFunc := m.ChatFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ChatFunc runs without the lock so tests can block in it
	if chatFunc != nil {
		return chatFunc(ctx, messages, options)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldError {
		return nil, fmt.Errorf("%s", m.ErrorMessage)
	}
	if err, ok := m.Errors[options.Step]; ok && err != nil {
		return nil, err
	}

	content, ok := m.Responses[options.Step]
	if !ok {
		content = "Mock response"
	}

	return &domain.ChatResponse{
		Content: content,
		Model:   options.Model,
		Usage: domain.TokenUsage{
			PromptTokens:     50,
			CompletionTokens: 50,
			TotalTokens:      100,
		},
		FinishReason: "stop",
	}, nil
}

// GetCallCount returns the number of Chat calls made
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// CallsFor returns the recorded calls of one step
func (m *MockLLMClient) CallsFor(step domain.Step) []RecordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedCall
	for _, c := range m.Calls {
		if c.Step == step {
			out = append(out, c)
		}
	}
	return out
}

// MockSearchIndex is a mock implementation of SearchIndex keyed by query text
type MockSearchIndex struct {
	mu         sync.Mutex
	Results    map[string][]domain.Chunk
	Errors     map[string]error
	Queries    []string
	SearchFunc func(ctx context.Context, req domain.SearchRequest) ([]domain.Chunk, error)
}

// NewMockSearchIndex creates a new mock search index
func NewMockSearchIndex() *MockSearchIndex {
	return &MockSearchIndex{
		Results: make(map[string][]domain.Chunk),
		Errors:  make(map[string]error),
	}
}

// Search implements domain.SearchIndex
func (s *MockSearchIndex) Search(ctx context.Context, req domain.SearchRequest) ([]domain.Chunk, error) {
	s.mu.Lock()
	s.Queries = append(s.Queries, req.Query)
	searchFunc := s.SearchFunc
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if searchFunc != nil {
		return searchFunc(ctx, req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.Errors[req.Query]; ok {
		return nil, err
	}
	chunks := s.Results[req.Query]
	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

// SearchedQueries returns every query seen so far
func (s *MockSearchIndex) SearchedQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Queries))
	copy(out, s.Queries)
	return out
}

// MockDocumentStore is a mock implementation of DocumentStore
type MockDocumentStore struct {
	mu   sync.Mutex
	Docs map[string]*domain.Document
	Gets map[string]int
}

// NewMockDocumentStore creates a mock store holding docs
func NewMockDocumentStore(docs ...*domain.Document) *MockDocumentStore {
	s := &MockDocumentStore{
		Docs: make(map[string]*domain.Document),
		Gets: make(map[string]int),
	}
	for _, d := range docs {
		s.Docs[d.ID] = d
	}
	return s
}

// Get implements domain.DocumentStore
func (s *MockDocumentStore) Get(ctx context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Gets[id]++
	doc, ok := s.Docs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrDocumentNotFound)
	}
	cp := *doc
	return &cp, nil
}

// GetCount returns how many times id was fetched
func (s *MockDocumentStore) GetCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Gets[id]
}
