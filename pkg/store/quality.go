package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertValidation records the AI classification of a thumbs-down.
// Idempotent per rating: a duplicate insert for the same rating_id is
// silently ignored and reported as already-present.
func (s *Store) InsertValidation(ctx context.Context, v *ThumbsDownValidation) (inserted bool, err error) {
	err = s.pool.QueryRow(ctx, `
		INSERT INTO thumbs_down_validations
			(rating_id, ai_classification, confidence, rationale, needs_admin_review)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rating_id) DO NOTHING
		RETURNING id, created_at`,
		v.RatingID, v.AIClassification, v.Confidence, v.Rationale, v.NeedsAdminReview,
	).Scan(&v.ID, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert validation: %w", err)
	}
	return true, nil
}

// SetAdminDecision resolves a validation flagged for review.
func (s *Store) SetAdminDecision(ctx context.Context, validationID uuid.UUID, decision, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE thumbs_down_validations
		SET admin_decision = $2, admin_reason = $3, needs_admin_review = false
		WHERE id = $1`, validationID, decision, reason)
	if err != nil {
		return fmt.Errorf("failed to record admin decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnanalyzedThumbsDown returns negative ratings with no validation row,
// oldest first. The analyser sweep uses it to catch notifications
// missed while disconnected.
func (s *Store) UnanalyzedThumbsDown(ctx context.Context, limit int) ([]MessageRating, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.message_id, r.user_id, r.rating, r.feedback,
		       r.created_at, r.updated_at
		FROM message_ratings r
		LEFT JOIN thumbs_down_validations v ON v.rating_id = r.id
		WHERE r.rating = -1 AND v.id IS NULL
		ORDER BY r.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unanalyzed ratings: %w", err)
	}
	defer rows.Close()

	var ratings []MessageRating
	for rows.Next() {
		var r MessageRating
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Rating, &r.Feedback,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		ratings = append(ratings, r)
	}
	return ratings, rows.Err()
}

// ChunkSatisfaction aggregates per-chunk rating signals from message
// sources. A chunk's satisfaction is the mean rating of the messages
// that cited it.
func (s *Store) RecomputeChunkSatisfaction(ctx context.Context, since time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunk_quality_scores (chunk_id, satisfaction_score, rating_count, updated_at)
		SELECT (src->>'chunk_id')::uuid, avg(r.rating)::float8, count(*), now()
		FROM message_ratings r
		JOIN messages m ON m.id = r.message_id,
		     jsonb_array_elements(m.sources) src
		WHERE r.updated_at >= $1
		GROUP BY 1
		ON CONFLICT (chunk_id) DO UPDATE SET
			satisfaction_score = EXCLUDED.satisfaction_score,
			rating_count = EXCLUDED.rating_count,
			updated_at = EXCLUDED.updated_at`, since)
	if err != nil {
		return fmt.Errorf("failed to recompute chunk satisfaction: %w", err)
	}
	return nil
}

// BlacklistCandidates returns chunks whose satisfaction fell at or
// below the threshold with at least minRatings ratings, excluding
// chunks already blacklisted.
func (s *Store) BlacklistCandidates(ctx context.Context, threshold float64, minRatings int) ([]ChunkQualityScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.chunk_id, q.satisfaction_score, q.rating_count, q.updated_at
		FROM chunk_quality_scores q
		LEFT JOIN chunk_blacklist b ON b.chunk_id = q.chunk_id
		WHERE q.satisfaction_score <= $1 AND q.rating_count >= $2
		  AND b.chunk_id IS NULL
		ORDER BY q.satisfaction_score`, threshold, minRatings)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist candidates: %w", err)
	}
	defer rows.Close()

	var scores []ChunkQualityScore
	for rows.Next() {
		var q ChunkQualityScore
		if err := rows.Scan(&q.ChunkID, &q.SatisfactionScore, &q.RatingCount, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality score: %w", err)
		}
		scores = append(scores, q)
	}
	return scores, rows.Err()
}

// BlacklistChunk excludes a chunk from future retrieval. Sources on
// already-persisted messages are untouched.
func (s *Store) BlacklistChunk(ctx context.Context, chunkID uuid.UUID, reason, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunk_blacklist (chunk_id, reason, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (chunk_id) DO NOTHING`, chunkID, reason, source)
	if err != nil {
		return fmt.Errorf("failed to blacklist chunk: %w", err)
	}
	return nil
}

// UnblacklistChunk restores a chunk to the retrieval pool.
func (s *Store) UnblacklistChunk(ctx context.Context, chunkID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chunk_blacklist WHERE chunk_id = $1`, chunkID)
	if err != nil {
		return fmt.Errorf("failed to unblacklist chunk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDocumentForReingestion flags a document whose chunks keep
// underperforming.
func (s *Store) MarkDocumentForReingestion(ctx context.Context, documentID uuid.UUID, notes string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_quality_scores (document_id, needs_reingestion, analysis_notes, last_analyzed_at)
		VALUES ($1, true, $2, now())
		ON CONFLICT (document_id) DO UPDATE SET
			needs_reingestion = true,
			analysis_notes = EXCLUDED.analysis_notes,
			last_analyzed_at = now()`, documentID, notes)
	if err != nil {
		return fmt.Errorf("failed to mark document for reingestion: %w", err)
	}
	return nil
}

// MissingSourcesDocuments returns documents whose chunks were cited in
// at least minCount confirmed missing-sources validations.
func (s *Store) MissingSourcesDocuments(ctx context.Context, minCount int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.document_id
		FROM thumbs_down_validations v
		JOIN message_ratings r ON r.id = v.rating_id
		JOIN messages m ON m.id = r.message_id,
		     jsonb_array_elements(m.sources) src
		JOIN chunks c ON c.id = (src->>'chunk_id')::uuid
		WHERE v.ai_classification = 'missing_sources'
		  AND NOT v.needs_admin_review
		GROUP BY c.document_id
		HAVING count(DISTINCT v.id) >= $1`, minCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate missing-sources documents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendAudit records a quality decision for traceability.
func (s *Store) AppendAudit(ctx context.Context, e *QualityAuditEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quality_audit_log (action, target_id, actor, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.Action, e.TargetID, e.Actor, e.Details,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// RatingContext loads everything the analyser needs to classify one
// thumbs-down: the rated assistant message, the user question that
// preceded it, and the cited sources.
type RatingContext struct {
	Rating    MessageRating
	Answer    Message
	Question  string
	Sources   []MessageSource
}

// GetRatingContext assembles the classification context for a rating.
func (s *Store) GetRatingContext(ctx context.Context, ratingID uuid.UUID) (*RatingContext, error) {
	rating, err := s.GetRating(ctx, ratingID)
	if err != nil {
		return nil, err
	}
	answer, err := s.GetMessage(ctx, rating.MessageID)
	if err != nil {
		return nil, err
	}

	var question string
	err = s.pool.QueryRow(ctx, `
		SELECT content FROM messages
		WHERE conversation_id = $1 AND role = 'user' AND created_at < $2
		ORDER BY created_at DESC LIMIT 1`,
		answer.ConversationID, answer.CreatedAt,
	).Scan(&question)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to load preceding question: %w", err)
	}

	return &RatingContext{
		Rating:   *rating,
		Answer:   *answer,
		Question: question,
		Sources:  answer.Sources,
	}, nil
}
