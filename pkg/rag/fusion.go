package rag

import (
	"sort"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// rrfK dampens the rank contribution so that position 1 and position
// 5 do not differ by an order of magnitude.
const rrfK = 60

// FusedHit is one candidate after reciprocal rank fusion.
type FusedHit struct {
	Chunk         store.Chunk
	DocumentTitle string
	// Similarity is the vector cosine similarity, 0 when the chunk
	// only matched lexically.
	Similarity float64
	// Score is the fused RRF score.
	Score float64
	// RerankScore is set when the reranker has reordered the hits.
	RerankScore *float64
}

// FuseRRF merges the vector and lexical rankings with reciprocal rank
// fusion. A chunk absent from one list contributes nothing from that
// channel. Ties break on higher vector similarity, then lower chunk
// index.
func FuseRRF(vectorHits, lexicalHits []store.SearchHit, alpha float64) []FusedHit {
	fused := make(map[uuid.UUID]*FusedHit)

	ensure := func(h store.SearchHit) *FusedHit {
		if f, ok := fused[h.Chunk.ID]; ok {
			return f
		}
		f := &FusedHit{Chunk: h.Chunk, DocumentTitle: h.DocumentTitle}
		fused[h.Chunk.ID] = f
		return f
	}

	for rank, h := range vectorHits {
		f := ensure(h)
		f.Similarity = h.Score
		f.Score += alpha / float64(rrfK+rank+1)
	}
	for rank, h := range lexicalHits {
		f := ensure(h)
		f.Score += (1 - alpha) / float64(rrfK+rank+1)
	}

	hits := make([]FusedHit, 0, len(fused))
	for _, f := range fused {
		hits = append(hits, *f)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Chunk.ChunkIndex < hits[j].Chunk.ChunkIndex
	})
	return hits
}
