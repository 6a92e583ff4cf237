package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, filename, file_size, status, progress,
	document_id, chunks_created, error_message, created_at,
	started_at, completed_at`

func scanJob(row pgx.Row) (*IngestionJob, error) {
	var j IngestionJob
	err := row.Scan(&j.ID, &j.Filename, &j.FileSize, &j.Status, &j.Progress,
		&j.DocumentID, &j.ChunksCreated, &j.ErrorMessage, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ingestion job: %w", err)
	}
	return &j, nil
}

// EnqueueJob creates a pending ingestion job for an uploaded file.
func (s *Store) EnqueueJob(ctx context.Context, filename string, fileSize int64) (*IngestionJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_jobs (filename, file_size)
		VALUES ($1, $2)
		RETURNING `+jobColumns, filename, fileSize)
	return scanJob(row)
}

// ClaimNextJob atomically claims the oldest pending job, moving it to
// processing. SKIP LOCKED lets concurrent workers claim disjoint jobs.
// Returns ErrNotFound when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context) (*IngestionJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ingestion_jobs
		SET status = 'processing', started_at = now(), progress = 10
		WHERE id = (
			SELECT id FROM ingestion_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns)
	return scanJob(row)
}

// SetJobProgress advances the progress indicator of a processing job.
func (s *Store) SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs SET progress = $2
		WHERE id = $1 AND status = 'processing'`, id, progress)
	if err != nil {
		return fmt.Errorf("failed to set job progress: %w", err)
	}
	return nil
}

// CompleteJob marks a job finished and links the produced document.
func (s *Store) CompleteJob(ctx context.Context, id, documentID uuid.UUID, chunksCreated int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = 'completed', progress = 100, document_id = $2,
		    chunks_created = $3, completed_at = now()
		WHERE id = $1`, id, documentID, chunksCreated)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a job failed with a diagnostic message.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = 'failed', error_message = $2, completed_at = now()
		WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob fetches one job for status polling.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*IngestionJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]IngestionJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM ingestion_jobs
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []IngestionJob
	for rows.Next() {
		var j IngestionJob
		if err := rows.Scan(&j.ID, &j.Filename, &j.FileSize, &j.Status, &j.Progress,
			&j.DocumentID, &j.ChunksCreated, &j.ErrorMessage, &j.CreatedAt,
			&j.StartedAt, &j.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
