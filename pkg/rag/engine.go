package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// stitchChars bounds the neighbour fragments attached to each result.
const stitchChars = 150

// SearchStore is the slice of the storage layer the engine needs.
type SearchStore interface {
	VectorSearch(ctx context.Context, embedding []float32, filter store.SearchFilter, limit int) ([]store.SearchHit, error)
	LexicalSearch(ctx context.Context, tsquery string, filter store.SearchFilter, limit int) ([]store.SearchHit, error)
	GetChunks(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Chunk, error)
	NeighborFragments(ctx context.Context, chunkID uuid.UUID, maxChars int) (string, string, error)
}

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker reorders candidates with a cross-encoder.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []RerankDocument, topK int) ([]RerankResult, error)
}

// SearchOptions are the per-request retrieval knobs. Zero values fall
// back to the engine's configuration.
type SearchOptions struct {
	// Universes restricts hits to these universes; empty means all.
	Universes []uuid.UUID
	// Rerank overrides the global reranker default when non-nil.
	Rerank *bool
}

// Result is one retrieved chunk ready for prompt assembly.
type Result struct {
	Chunk         store.Chunk
	DocumentTitle string
	Similarity    float64
	Score         float64
	RerankScore   *float64
	// PrevTail and NextHead are short fragments of the adjacent
	// chunks, for preview stitching. Empty when stitching is off or
	// the neighbour does not exist.
	PrevTail string
	NextHead string
}

// Engine runs hybrid retrieval: adaptive-alpha RRF fusion of vector
// and lexical rankings, parent/child resolution, optional reranking
// and adjacency stitching.
type Engine struct {
	cfg      config.SearchConfig
	rerankON bool
	rerankK  int
	hier     bool
	store    SearchStore
	embedder QueryEmbedder
	reranker Reranker
	metrics  observability.Metrics
}

// NewEngine wires the engine. Reranker.Enabled only sets the default;
// a per-request override can still turn reranking on, so the reranker
// client should be passed whenever one is configured. A nil reranker
// disables reranking outright.
func NewEngine(searchCfg config.SearchConfig, rerankerCfg config.RerankerConfig, chunkerCfg config.ChunkerConfig, st SearchStore, embedder QueryEmbedder, reranker Reranker, metrics observability.Metrics) *Engine {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Engine{
		cfg:      searchCfg,
		rerankON: rerankerCfg.Enabled,
		rerankK:  rerankerCfg.TopK,
		hier:     chunkerCfg.Hierarchical,
		store:    st,
		embedder: embedder,
		reranker: reranker,
		metrics:  metrics,
	}
}

// Search retrieves the best chunks for a query. The embedding service
// failing degrades to lexical-only; the reranker failing falls back
// to the fused order; storage errors are fatal.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	start := time.Now()
	results, mode, err := e.search(ctx, query, opts)
	e.metrics.RecordSearch(ctx, mode, time.Since(start), len(results), err)
	return results, err
}

func (e *Engine) search(ctx context.Context, query string, opts SearchOptions) ([]Result, string, error) {
	if query == "" {
		return nil, "hybrid", fmt.Errorf("empty query")
	}

	alpha := e.alpha(query)
	lexQuery := LexicalQuery(query)
	if lexQuery == "" {
		// Nothing significant to match lexically.
		alpha = 1.0
	}

	filter := store.SearchFilter{Universes: opts.Universes}
	if e.hier {
		filter.Level = store.ChunkLevelChild
	}

	rerank := e.rerankActive(opts)
	// The reranker wants a wider candidate pool than the fused cut.
	candidateK := e.cfg.TopK
	if rerank && e.rerankK > 0 {
		candidateK = e.rerankK
	}

	var vectorHits []store.SearchHit
	embedding, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if lexQuery == "" {
			return nil, "vector", fmt.Errorf("embedding failed and no lexical terms to fall back to: %w", err)
		}
		slog.Warn("embedding service failed, degrading to lexical-only", "error", err)
		alpha = 0.0
	} else {
		vectorHits, err = e.store.VectorSearch(ctx, embedding, filter, candidateK)
		if err != nil {
			return nil, searchMode(alpha), err
		}
	}

	var lexicalHits []store.SearchHit
	if alpha < 1.0 && lexQuery != "" {
		lexicalHits, err = e.store.LexicalSearch(ctx, lexQuery, filter, candidateK)
		if err != nil {
			return nil, searchMode(alpha), err
		}
	}

	fused := FuseRRF(vectorHits, lexicalHits, alpha)

	if e.hier {
		fused, err = e.resolveParents(ctx, fused)
		if err != nil {
			return nil, searchMode(alpha), err
		}
	}

	results := e.finalize(ctx, query, fused, rerank)

	if e.cfg.UseAdjacentChunks {
		e.stitch(ctx, results)
	}
	return results, searchMode(alpha), nil
}

// rerankActive resolves the per-request override against the global
// default. Reranking needs a wired client either way.
func (e *Engine) rerankActive(opts SearchOptions) bool {
	rerank := e.rerankON
	if opts.Rerank != nil {
		rerank = *opts.Rerank
	}
	return rerank && e.reranker != nil
}

func searchMode(alpha float64) string {
	switch {
	case alpha >= 1.0:
		return "vector"
	case alpha <= 0.0:
		return "lexical"
	default:
		return "hybrid"
	}
}

func (e *Engine) alpha(query string) float64 {
	if !e.cfg.HybridEnabled {
		return 1.0
	}
	if e.cfg.AlphaAutoMode() {
		return AdaptiveAlpha(query)
	}
	// Config validation already rejected non-numeric alpha.
	v, err := e.cfg.AlphaValue()
	if err != nil {
		return 0.5
	}
	return v
}

// resolveParents substitutes each child hit with its parent chunk,
// emitting every parent once with its best child's score.
func (e *Engine) resolveParents(ctx context.Context, hits []FusedHit) ([]FusedHit, error) {
	parentIDs := make([]uuid.UUID, 0, len(hits))
	seen := make(map[uuid.UUID]bool)
	for _, h := range hits {
		if h.Chunk.ParentChunkID != nil && !seen[*h.Chunk.ParentChunkID] {
			seen[*h.Chunk.ParentChunkID] = true
			parentIDs = append(parentIDs, *h.Chunk.ParentChunkID)
		}
	}
	if len(parentIDs) == 0 {
		return hits, nil
	}

	parents, err := e.store.GetChunks(ctx, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent chunks: %w", err)
	}

	var resolved []FusedHit
	emitted := make(map[uuid.UUID]bool)
	for _, h := range hits {
		if h.Chunk.ParentChunkID == nil {
			resolved = append(resolved, h)
			continue
		}
		parentID := *h.Chunk.ParentChunkID
		if emitted[parentID] {
			// A better-ranked sibling already carried this parent.
			continue
		}
		parent, ok := parents[parentID]
		if !ok {
			slog.Warn("child chunk references missing parent", "chunk_id", h.Chunk.ID, "parent_id", parentID)
			resolved = append(resolved, h)
			continue
		}
		emitted[parentID] = true
		h.Chunk = parent
		resolved = append(resolved, h)
	}
	return resolved, nil
}

// finalize applies reranking when enabled and cuts the list to the
// configured return size.
func (e *Engine) finalize(ctx context.Context, query string, fused []FusedHit, rerank bool) []Result {
	returnK := e.cfg.ReturnK
	if rerank && len(fused) > 0 {
		docs := make([]RerankDocument, len(fused))
		for i, h := range fused {
			docs[i] = RerankDocument{
				ChunkID:       h.Chunk.ID,
				DocumentTitle: h.DocumentTitle,
				Content:       h.Chunk.Content,
				Similarity:    h.Similarity,
			}
		}
		reranked, err := e.reranker.Rerank(ctx, query, docs, returnK)
		if err != nil {
			slog.Warn("reranker unavailable, fallback", "error", err)
		} else {
			byID := make(map[uuid.UUID]FusedHit, len(fused))
			for _, h := range fused {
				byID[h.Chunk.ID] = h
			}
			var results []Result
			for _, r := range reranked {
				h, ok := byID[r.ChunkID]
				if !ok {
					continue
				}
				score := r.RerankScore
				results = append(results, Result{
					Chunk:         h.Chunk,
					DocumentTitle: h.DocumentTitle,
					Similarity:    h.Similarity,
					Score:         h.Score,
					RerankScore:   &score,
				})
				if len(results) == returnK {
					break
				}
			}
			return results
		}
	}

	var results []Result
	for _, h := range fused {
		results = append(results, Result{
			Chunk:         h.Chunk,
			DocumentTitle: h.DocumentTitle,
			Similarity:    h.Similarity,
			Score:         h.Score,
		})
		if len(results) == returnK {
			break
		}
	}
	return results
}

// stitch attaches neighbour fragments to each result. Failures only
// cost the preview, never the result.
func (e *Engine) stitch(ctx context.Context, results []Result) {
	for i := range results {
		prev, next, err := e.store.NeighborFragments(ctx, results[i].Chunk.ID, stitchChars)
		if err != nil {
			slog.Debug("failed to stitch adjacent chunks", "chunk_id", results[i].Chunk.ID, "error", err)
			continue
		}
		results[i].PrevTail = prev
		results[i].NextHead = next
	}
}
