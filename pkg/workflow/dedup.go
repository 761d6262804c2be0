package workflow

import (
	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/ncolesummers/doc-research-engine/pkg/search"
	"github.com/ncolesummers/doc-research-engine/pkg/state"
)

// Deduplicate merges per-query results in query order and returns the chunks
// never seen in the session. Survivors join the seen set before any relevance
// check runs, so a chunk is judged at most once per session.
func Deduplicate(session *state.ResearchSession, results []search.QueryResult) []domain.Chunk {
	var merged []domain.Chunk
	for _, r := range results {
		merged = append(merged, r.Chunks...)
	}
	return session.MarkSeen(merged)
}
