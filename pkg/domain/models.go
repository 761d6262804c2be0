package domain

import (
	"fmt"
	"time"
)

// SessionStatus represents the terminal (or running) state of a research session
type SessionStatus string

const (
	StatusInProgress        SessionStatus = "in_progress"
	StatusStoppedSufficient SessionStatus = "stopped_sufficient"
	StatusStoppedMaxRounds  SessionStatus = "stopped_max_rounds"
	StatusStoppedSinglePass SessionStatus = "stopped_single_pass"
	StatusFailed            SessionStatus = "failed"
)

// IsTerminal reports whether the status ends a session
func (s SessionStatus) IsTerminal() bool {
	return s != StatusInProgress && s != ""
}

// Phase represents a state of the iteration controller
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseRetrieving   Phase = "retrieving"
	PhaseFiltering    Phase = "filtering"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseDeciding     Phase = "deciding"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// Step names a model-bearing step. Steps key the model_per_step configuration.
type Step string

const (
	StepCreateQueries    Step = "create_queries"
	StepCheckRelevance   Step = "check_relevance"
	StepAnalyzeDocuments Step = "analyze_documents"
	StepReflectTask      Step = "reflect_task"
	StepFinalReport      Step = "final_report"
)

// Steps lists every known step in pipeline order
func Steps() []Step {
	return []Step{
		StepCreateQueries,
		StepCheckRelevance,
		StepAnalyzeDocuments,
		StepReflectTask,
		StepFinalReport,
	}
}

// IsValid reports whether s is a known step
func (s Step) IsValid() bool {
	for _, known := range Steps() {
		if s == known {
			return true
		}
	}
	return false
}

// ChunkID identifies a chunk within the index
type ChunkID string

// NewChunkID builds the canonical id for a chunk of a document
func NewChunkID(documentID string, index int) ChunkID {
	return ChunkID(fmt.Sprintf("%s#%d", documentID, index))
}

// Chunk is a fixed-size segment of a source document returned by the search index
type Chunk struct {
	ID         ChunkID `json:"id"`
	DocumentID string  `json:"document_id"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Query is a generated search string with its provenance
type Query struct {
	Text      string `json:"text"`
	Round     int    `json:"round"`
	Rationale string `json:"rationale,omitempty"`
}

// RelevanceVerdict is the judgment on one chunk
type RelevanceVerdict struct {
	ChunkID    ChunkID `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Relevant   bool    `json:"relevant"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale,omitempty"`
	// Failed marks a verdict produced by the fail-closed path
	Failed bool `json:"failed,omitempty"`
}

// TriggeredDocument groups the relevant chunks one document contributed in a round
type TriggeredDocument struct {
	DocumentID string    `json:"document_id"`
	ChunkIDs   []ChunkID `json:"chunk_ids"`
}

// Document is a full source document from the document store
type Document struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title,omitempty"`
	Date     string                 `json:"date,omitempty"`
	Link     string                 `json:"link,omitempty"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DocumentInsight is a document-level summary of findings relevant to the question
type DocumentInsight struct {
	DocumentID string    `json:"document_id"`
	Round      int       `json:"round"`
	ChunkIDs   []ChunkID `json:"chunk_ids"`
	Title      string    `json:"title,omitempty"`
	Date       string    `json:"date,omitempty"`
	Link       string    `json:"link,omitempty"`
	Summary    string    `json:"summary"`
}

// ResultsSummary lists what a session touched
type ResultsSummary struct {
	Queries           []string  `json:"queries"`
	ChunkIDs          []ChunkID `json:"chunk_ids"`
	RelevantDocuments []string  `json:"relevant_documents"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Report is the final synthesized output of a session
type Report struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Question    string            `json:"question"`
	Content     string            `json:"content"`
	Insights    []DocumentInsight `json:"insights"`
	Rounds      int               `json:"rounds"`
	Status      SessionStatus     `json:"status"`
	Summary     ResultsSummary    `json:"summary"`
	TokensUsed  TokenUsage        `json:"tokens_used"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// FailureResult is returned instead of a Report when a session ends failed.
// It carries every insight gathered before the failure.
type FailureResult struct {
	SessionID string            `json:"session_id"`
	Question  string            `json:"question"`
	Phase     Phase             `json:"phase"`
	Reason    string            `json:"reason"`
	Insights  []DocumentInsight `json:"insights"`
	Rounds    int               `json:"rounds"`
	Summary   ResultsSummary    `json:"summary"`
	FailedAt  time.Time         `json:"failed_at"`
	Cause     error             `json:"-"`
}

func (f *FailureResult) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("research session %s failed in %s: %s: %v", f.SessionID, f.Phase, f.Reason, f.Cause)
	}
	return fmt.Sprintf("research session %s failed in %s: %s", f.SessionID, f.Phase, f.Reason)
}

func (f *FailureResult) Unwrap() error {
	return f.Cause
}

// Message represents a chat message sent to a language model
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}
