// Package retrieval finds the transcript chunks most similar to a question.
package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
)

const (
	DefaultTopK            = 5
	DefaultSimilarityFloor = 0.7
)

var ErrEmptyEmbedding = errors.New("retrieval: empty query embedding")

// SearchOptions scope one search. VideoIDs and TenantID restrict the candidate
// set before ranking, never after.
type SearchOptions struct {
	TopK            int
	SimilarityFloor float64
	VideoIDs        []string
	TenantID        string
}

func (o SearchOptions) normalized() SearchOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.SimilarityFloor <= 0 {
		o.SimilarityFloor = DefaultSimilarityFloor
	}
	return o
}

// Searcher returns chunks ordered by descending similarity, all at or above the
// floor. An empty result is valid.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]RetrievedChunk, error)
}

// CosineSimilarity is 1 - cosine distance; mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank applies the floor and top-K to an already filtered candidate set.
func rank(candidates []RetrievedChunk, opts SearchOptions) []RetrievedChunk {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Similarity >= opts.SimilarityFloor {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity == out[j].Similarity {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Similarity > out[j].Similarity
	})
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out
}
