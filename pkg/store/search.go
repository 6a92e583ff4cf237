package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SearchHit is one retrieval candidate with its raw channel score.
type SearchHit struct {
	Chunk         Chunk
	DocumentTitle string
	Score         float64
}

// SearchFilter narrows retrieval to visible, non-blacklisted content.
type SearchFilter struct {
	// Universes restricts hits to these universes; documents with no
	// universe always match. Empty means no universe restriction.
	Universes []uuid.UUID
	// Level restricts hits to one chunk level ("child" for
	// hierarchical retrieval). Empty matches both.
	Level ChunkLevel
}

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.content,
	c.token_count, c.section_hierarchy, c.heading_context,
	c.document_position, c.prev_chunk_id, c.next_chunk_id,
	c.parent_chunk_id, c.chunk_level, c.metadata, c.created_at`

func (f SearchFilter) clauses(args *[]any) string {
	var sb strings.Builder
	sb.WriteString(` AND c.id NOT IN (SELECT chunk_id FROM chunk_blacklist)`)
	if len(f.Universes) > 0 {
		// Documents without a universe are visible to everyone.
		*args = append(*args, f.Universes)
		fmt.Fprintf(&sb, ` AND (d.universe_id = ANY($%d) OR d.universe_id IS NULL)`, len(*args))
	}
	if f.Level != "" {
		*args = append(*args, f.Level)
		fmt.Fprintf(&sb, ` AND c.chunk_level = $%d`, len(*args))
	}
	return sb.String()
}

func scanHits(ctx context.Context, s *Store, query string, args []any) ([]SearchHit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		c := &h.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.TokenCount, &c.SectionHierarchy, &c.HeadingContext,
			&c.DocumentPosition, &c.PrevChunkID, &c.NextChunkID,
			&c.ParentChunkID, &c.ChunkLevel, &c.Metadata, &c.CreatedAt,
			&h.DocumentTitle, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// VectorSearch returns the chunks nearest to the query embedding by
// cosine similarity, best first. Score is 1 - cosine distance.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, filter SearchFilter, limit int) ([]SearchHit, error) {
	args := []any{pgvector.NewVector(embedding)}
	where := filter.clauses(&args)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s, d.title, 1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL%s
		ORDER BY c.embedding <=> $1
		LIMIT $%d`, chunkColumns, where, len(args))

	return scanHits(ctx, s, query, args)
}

// LexicalSearch ranks chunks against a prebuilt French tsquery using
// ts_rank_cd over the trigger-maintained tsvector.
func (s *Store) LexicalSearch(ctx context.Context, tsquery string, filter SearchFilter, limit int) ([]SearchHit, error) {
	if tsquery == "" {
		return nil, nil
	}
	args := []any{tsquery}
	where := filter.clauses(&args)
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s, d.title,
		       ts_rank_cd(c.content_tsv, to_tsquery('french', $1)) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.content_tsv @@ to_tsquery('french', $1)%s
		ORDER BY score DESC
		LIMIT $%d`, chunkColumns, where, len(args))

	return scanHits(ctx, s, query, args)
}

// GetChunks fetches chunks by id, preserving no particular order.
func (s *Store) GetChunks(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Chunk, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]Chunk{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+`, d.title, 0::float8
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks: %w", err)
	}
	defer rows.Close()

	chunks := make(map[uuid.UUID]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		var title string
		var score float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.TokenCount, &c.SectionHierarchy, &c.HeadingContext,
			&c.DocumentPosition, &c.PrevChunkID, &c.NextChunkID,
			&c.ParentChunkID, &c.ChunkLevel, &c.Metadata, &c.CreatedAt,
			&title, &score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks[c.ID] = c
	}
	return chunks, rows.Err()
}

// NeighborFragments returns the leading/trailing content of the prev
// and next chunks of a chunk, for adjacency stitching. Either string
// may be empty when the neighbour does not exist.
func (s *Store) NeighborFragments(ctx context.Context, chunkID uuid.UUID, maxChars int) (prevTail, nextHead string, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT coalesce(right(p.content, $2), ''),
		       coalesce(left(n.content, $2), '')
		FROM chunks c
		LEFT JOIN chunks p ON p.id = c.prev_chunk_id
		LEFT JOIN chunks n ON n.id = c.next_chunk_id
		WHERE c.id = $1`, chunkID, maxChars,
	).Scan(&prevTail, &nextHead)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch neighbour fragments: %w", err)
	}
	return prevTail, nextHead, nil
}
