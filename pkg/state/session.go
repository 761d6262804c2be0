package state

import (
	"strings"
	"sync"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

// SessionConfig holds the per-session limits and policies
type SessionConfig struct {
	MaxRounds            int     `json:"max_rounds"`
	MaxParallelCalls     int     `json:"max_parallel_calls"`
	QueriesPerRound      int     `json:"queries_per_round"`
	IterativeEnabled     bool    `json:"iterative_enabled"`
	RelevanceThreshold   float64 `json:"relevance_threshold"`
	SufficiencyThreshold float64 `json:"sufficiency_threshold"`
	ReanalyzeDocuments   bool    `json:"reanalyze_documents"`
}

// ResearchSession is the mutable state of one research run. It is owned by the
// engine for the duration of a Run; all methods are safe for concurrent use.
type ResearchSession struct {
	mu       sync.RWMutex
	id       string
	question string
	config   SessionConfig

	round  int
	phase  domain.Phase
	status domain.SessionStatus

	seen     map[domain.ChunkID]struct{}
	chunkIDs []domain.ChunkID

	queries        []domain.Query
	issued         map[string]struct{}
	considerations []string

	// analyzed maps a document id to the last round it was analyzed in
	analyzed     map[string]int
	relevantDocs []string
	relevantSet  map[string]struct{}
	insights     []domain.DocumentInsight
	usage        domain.TokenUsage

	report  *domain.Report
	failure *domain.FailureResult

	createdAt time.Time
	updatedAt time.Time
}

// NewResearchSession creates a session positioned at round 1, planning
func NewResearchSession(id, question string, cfg SessionConfig) *ResearchSession {
	now := time.Now()
	return &ResearchSession{
		id:          id,
		question:    question,
		config:      cfg,
		round:       1,
		phase:       domain.PhasePlanning,
		status:      domain.StatusInProgress,
		seen:        make(map[domain.ChunkID]struct{}),
		issued:      make(map[string]struct{}),
		analyzed:    make(map[string]int),
		relevantSet: make(map[string]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}
}

// NormalizeQuery folds a query for duplicate detection
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

func (s *ResearchSession) ID() string            { return s.id }
func (s *ResearchSession) Question() string      { return s.question }
func (s *ResearchSession) Config() SessionConfig { return s.config }

// Round returns the current round, starting at 1
func (s *ResearchSession) Round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// NextRound advances the round counter. It returns false, leaving the counter
// unchanged, when the session is already at its last round.
func (s *ResearchSession) NextRound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round >= s.config.MaxRounds {
		return false
	}
	s.round++
	s.updatedAt = time.Now()
	return true
}

// IsLastRound reports whether the current round is the final one allowed
func (s *ResearchSession) IsLastRound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round >= s.config.MaxRounds
}

// SetPhase sets the current phase
func (s *ResearchSession) SetPhase(phase domain.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.updatedAt = time.Now()
}

// Phase returns the current phase
func (s *ResearchSession) Phase() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Status returns the session status
func (s *ResearchSession) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// AddQueries records queries issued in the current round
func (s *ResearchSession) AddQueries(queries []domain.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range queries {
		s.queries = append(s.queries, q)
		s.issued[NormalizeQuery(q.Text)] = struct{}{}
	}
	s.updatedAt = time.Now()
}

// WasIssued reports whether an equivalent query was already issued
func (s *ResearchSession) WasIssued(text string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.issued[NormalizeQuery(text)]
	return ok
}

// Queries returns every issued query in order
func (s *ResearchSession) Queries() []domain.Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Query, len(s.queries))
	copy(out, s.queries)
	return out
}

// MarkSeen filters chunks down to those never seen in this session, dropping
// duplicates within the batch, and adds the survivors to the seen set.
func (s *ResearchSession) MarkSeen(chunks []domain.Chunk) []domain.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := s.seen[c.ID]; ok {
			continue
		}
		s.seen[c.ID] = struct{}{}
		s.chunkIDs = append(s.chunkIDs, c.ID)
		fresh = append(fresh, c)
	}
	s.updatedAt = time.Now()
	return fresh
}

// IsSeen reports whether a chunk id is in the seen set
func (s *ResearchSession) IsSeen(id domain.ChunkID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

// SeenCount returns the size of the seen set
func (s *ResearchSession) SeenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// RecordRelevant remembers the documents that produced relevant chunks
func (s *ResearchSession) RecordRelevant(triggered []domain.TriggeredDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range triggered {
		if _, ok := s.relevantSet[t.DocumentID]; ok {
			continue
		}
		s.relevantSet[t.DocumentID] = struct{}{}
		s.relevantDocs = append(s.relevantDocs, t.DocumentID)
	}
}

// SelectForAnalysis applies the re-analysis policy: a document already
// analyzed is skipped unless ReanalyzeDocuments is set.
func (s *ResearchSession) SelectForAnalysis(triggered []domain.TriggeredDocument) []domain.TriggeredDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TriggeredDocument
	for _, t := range triggered {
		if len(t.ChunkIDs) == 0 {
			continue
		}
		if _, done := s.analyzed[t.DocumentID]; done && !s.config.ReanalyzeDocuments {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MarkAnalyzed records that an analysis of the document was attempted this round
func (s *ResearchSession) MarkAnalyzed(documentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range documentIDs {
		s.analyzed[id] = s.round
	}
}

// AnalyzedCount returns how many distinct documents were analyzed
func (s *ResearchSession) AnalyzedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.analyzed)
}

// AddInsights appends insights in the given order
func (s *ResearchSession) AddInsights(insights []domain.DocumentInsight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insights...)
	s.updatedAt = time.Now()
}

// Insights returns all insights gathered so far, in order
func (s *ResearchSession) Insights() []domain.DocumentInsight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DocumentInsight, len(s.insights))
	copy(out, s.insights)
	return out
}

// AddConsideration appends a reflection note for later planning rounds
func (s *ResearchSession) AddConsideration(consideration string) {
	if strings.TrimSpace(consideration) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.considerations = append(s.considerations, consideration)
}

// Considerations returns every reflection note so far
func (s *ResearchSession) Considerations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.considerations...)
}

// SetUsage records the token usage accumulated by the session's gateway
func (s *ResearchSession) SetUsage(usage domain.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = usage
}

// Summary lists the queries, chunk ids and relevant documents of the session
func (s *ResearchSession) Summary() domain.ResultsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked()
}

func (s *ResearchSession) summaryLocked() domain.ResultsSummary {
	queries := make([]string, len(s.queries))
	for i, q := range s.queries {
		queries[i] = q.Text
	}
	return domain.ResultsSummary{
		Queries:           queries,
		ChunkIDs:          append([]domain.ChunkID{}, s.chunkIDs...),
		RelevantDocuments: append([]string{}, s.relevantDocs...),
	}
}

// Complete ends the session successfully
func (s *ResearchSession) Complete(status domain.SessionStatus, report *domain.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.phase = domain.PhaseDone
	s.report = report
	s.updatedAt = time.Now()
}

// Fail ends the session and builds the failure result from the current state
func (s *ResearchSession) Fail(reason string, cause error) *domain.FailureResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	failure := &domain.FailureResult{
		SessionID: s.id,
		Question:  s.question,
		Phase:     s.phase,
		Reason:    reason,
		Insights:  append([]domain.DocumentInsight{}, s.insights...),
		Rounds:    s.round,
		Summary:   s.summaryLocked(),
		FailedAt:  time.Now(),
		Cause:     cause,
	}
	s.status = domain.StatusFailed
	s.phase = domain.PhaseFailed
	s.failure = failure
	s.updatedAt = failure.FailedAt
	return failure
}

// Snapshot returns a copy of the state suitable for persistence
func (s *ResearchSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:             s.id,
		Question:       s.question,
		Config:         s.config,
		Round:          s.round,
		Phase:          s.phase,
		Status:         s.status,
		Queries:        append([]domain.Query{}, s.queries...),
		Considerations: append([]string{}, s.considerations...),
		Summary:        s.summaryLocked(),
		Insights:       append([]domain.DocumentInsight{}, s.insights...),
		TokensUsed:     s.usage,
		Report:         s.report,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if s.failure != nil {
		snap.Failure = s.failure
		if s.failure.Cause != nil {
			snap.FailureCause = s.failure.Cause.Error()
		}
	}
	return snap
}

// SessionSnapshot is an immutable, serializable view of a session
type SessionSnapshot struct {
	ID             string                   `json:"id"`
	Question       string                   `json:"question"`
	Config         SessionConfig            `json:"config"`
	Round          int                      `json:"round"`
	Phase          domain.Phase             `json:"phase"`
	Status         domain.SessionStatus     `json:"status"`
	Queries        []domain.Query           `json:"queries"`
	Considerations []string                 `json:"considerations,omitempty"`
	Summary        domain.ResultsSummary    `json:"summary"`
	Insights       []domain.DocumentInsight `json:"insights"`
	TokensUsed     domain.TokenUsage        `json:"tokens_used"`
	Report         *domain.Report           `json:"report,omitempty"`
	Failure        *domain.FailureResult    `json:"failure,omitempty"`
	FailureCause   string                   `json:"failure_cause,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}
