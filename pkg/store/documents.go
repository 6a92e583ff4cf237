package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// InsertDocumentWithChunks persists a document, all its chunks and its
// extracted images in a single transaction, wiring prev/next sequence
// links and parent links for hierarchical chunks. Chunks must arrive
// ordered by ChunkIndex; parentOf maps each child's position in the
// children slice to its parent's position in parents. A failure
// anywhere rolls back the whole document.
func (s *Store) InsertDocumentWithChunks(ctx context.Context, doc *Document, parents, children []Chunk, parentOf map[int]int, images []DocumentImage) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO documents (title, source, content, universe_id, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`,
			doc.Title, doc.Source, doc.Content, doc.UniverseID, doc.Metadata,
		).Scan(&doc.ID, &doc.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}

		parentIDs, err := insertChunks(ctx, tx, doc.ID, parents, nil)
		if err != nil {
			return err
		}
		for i := range parents {
			parents[i].ID = parentIDs[i]
		}

		if len(children) > 0 {
			childParents := make([]*uuid.UUID, len(children))
			for i := range children {
				if pi, ok := parentOf[i]; ok {
					childParents[i] = &parentIDs[pi]
				}
			}
			childIDs, err := insertChunks(ctx, tx, doc.ID, children, childParents)
			if err != nil {
				return err
			}
			for i := range children {
				children[i].ID = childIDs[i]
			}
		}

		for i := range images {
			img := &images[i]
			img.DocumentID = doc.ID
			err := tx.QueryRow(ctx, `
				INSERT INTO document_images (document_id, chunk_id, page_number,
					position, ocr_text, description, confidence, storage_path)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id, created_at`,
				img.DocumentID, img.ChunkID, img.PageNumber,
				img.Position, img.OCRText, img.Description, img.Confidence, img.StoragePath,
			).Scan(&img.ID, &img.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert document image: %w", err)
			}
		}
		return nil
	})
}

// insertChunks inserts one level of chunks and stitches prev/next links
// in a second pass, since neighbour ids are unknown until insert.
func insertChunks(ctx context.Context, tx pgx.Tx, docID uuid.UUID, chunks []Chunk, parents []*uuid.UUID) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		var parentID *uuid.UUID
		if parents != nil {
			parentID = parents[i]
		}
		var embedding any
		if len(c.Embedding) > 0 {
			embedding = pgvector.NewVector(c.Embedding)
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO chunks (document_id, chunk_index, content, embedding,
				token_count, section_hierarchy, heading_context,
				document_position, parent_chunk_id, chunk_level, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			docID, c.ChunkIndex, c.Content, embedding,
			c.TokenCount, c.SectionHierarchy, c.HeadingContext,
			c.DocumentPosition, parentID, c.ChunkLevel, c.Metadata,
		).Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	for i := range chunks {
		var prev, next *uuid.UUID
		if i > 0 {
			prev = &ids[i-1]
		}
		if i < len(chunks)-1 {
			next = &ids[i+1]
		}
		if prev == nil && next == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE chunks SET prev_chunk_id = $2, next_chunk_id = $3 WHERE id = $1`,
			ids[i], prev, next); err != nil {
			return nil, fmt.Errorf("failed to link chunk %d: %w", chunks[i].ChunkIndex, err)
		}
	}
	return ids, nil
}

const documentColumns = `id, title, source, content, universe_id, metadata, created_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Title, &d.Source, &d.Content, &d.UniverseID, &d.Metadata, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &d, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// ListDocuments returns documents visible in the given universes, most
// recent first. An empty universes slice lists everything.
func (s *Store) ListDocuments(ctx context.Context, universes []uuid.UUID, limit, offset int) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if len(universes) > 0 {
		query += ` WHERE universe_id = ANY($1)`
		args = append(args, universes)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.Content, &d.UniverseID, &d.Metadata, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; chunks, images and quality rows
// cascade.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocumentImages returns the images extracted from a document.
func (s *Store) ListDocumentImages(ctx context.Context, documentID uuid.UUID) ([]DocumentImage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_id, page_number, position,
		       ocr_text, description, confidence, storage_path, created_at
		FROM document_images WHERE document_id = $1
		ORDER BY page_number, created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document images: %w", err)
	}
	defer rows.Close()

	var images []DocumentImage
	for rows.Next() {
		var img DocumentImage
		if err := rows.Scan(&img.ID, &img.DocumentID, &img.ChunkID, &img.PageNumber,
			&img.Position, &img.OCRText, &img.Description, &img.Confidence,
			&img.StoragePath, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}
