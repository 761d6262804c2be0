package search

import (
	"sort"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

// Autocut sorts chunks by score, highest first, and truncates the list at the first
// drop between consecutive scores strictly greater than threshold. A threshold of
// zero disables the cut. The input slice is not modified.
func Autocut(chunks []domain.Chunk, threshold float64) []domain.Chunk {
	sorted := make([]domain.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	if threshold <= 0 {
		return sorted
	}

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Score-sorted[i].Score > threshold {
			return sorted[:i]
		}
	}
	return sorted
}

// ApplyMinScore drops chunks scoring below minScore
func ApplyMinScore(chunks []domain.Chunk, minScore float64) []domain.Chunk {
	if minScore <= 0 {
		return chunks
	}
	out := chunks[:0:0]
	for _, c := range chunks {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	return out
}
