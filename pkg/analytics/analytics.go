// Package analytics is the dashboard read model. It queries the
// materialised views maintained in the store schema and refreshes them
// on a timer; nothing here runs on the message write path.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultRangeDays bounds an unqualified dashboard query.
const defaultRangeDays = 30

// DayUsage is one row of the conversation activity series.
type DayUsage struct {
	Day           time.Time `json:"day"`
	Conversations int       `json:"conversations"`
	Questions     int       `json:"questions"`
	TokensUsed    int64     `json:"tokens_used"`
}

// DayRatings is one row of the feedback series.
type DayRatings struct {
	Day        time.Time `json:"day"`
	ThumbsUp   int       `json:"thumbs_up"`
	ThumbsDown int       `json:"thumbs_down"`
}

// Overview is the dashboard headline block.
type Overview struct {
	Documents            int   `json:"documents"`
	Chunks               int   `json:"chunks"`
	Conversations        int   `json:"conversations"`
	Messages             int   `json:"messages"`
	TokensUsed           int64 `json:"tokens_used"`
	PendingReviews       int   `json:"pending_reviews"`
	BlacklistedChunks    int   `json:"blacklisted_chunks"`
	ReingestionCandidates int  `json:"reingestion_candidates"`
}

// Service reads the analytics views.
type Service struct {
	pool *pgxpool.Pool
}

// NewService wraps the shared pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// normalizeRange fills missing bounds with a trailing default window
// and swaps inverted bounds.
func normalizeRange(from, to time.Time, now time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -defaultRangeDays)
	}
	if from.After(to) {
		from, to = to, from
	}
	return from, to
}

// Usage returns the per-day conversation activity series.
func (s *Service) Usage(ctx context.Context, from, to time.Time) ([]DayUsage, error) {
	from, to = normalizeRange(from, to, time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT day, conversations, questions, tokens_used
		FROM conversation_stats
		WHERE day >= $1 AND day <= $2
		ORDER BY day`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation stats: %w", err)
	}
	defer rows.Close()

	var series []DayUsage
	for rows.Next() {
		var u DayUsage
		if err := rows.Scan(&u.Day, &u.Conversations, &u.Questions, &u.TokensUsed); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		series = append(series, u)
	}
	return series, rows.Err()
}

// Ratings returns the per-day thumbs-up/down series.
func (s *Service) Ratings(ctx context.Context, from, to time.Time) ([]DayRatings, error) {
	from, to = normalizeRange(from, to, time.Now())
	rows, err := s.pool.Query(ctx, `
		SELECT day, thumbs_up, thumbs_down
		FROM rating_stats
		WHERE day >= $1 AND day <= $2
		ORDER BY day`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query rating stats: %w", err)
	}
	defer rows.Close()

	var series []DayRatings
	for rows.Next() {
		var r DayRatings
		if err := rows.Scan(&r.Day, &r.ThumbsUp, &r.ThumbsDown); err != nil {
			return nil, fmt.Errorf("failed to scan rating row: %w", err)
		}
		series = append(series, r)
	}
	return series, rows.Err()
}

// GetOverview returns the headline counters. These hit the base tables,
// not the views, so they are always current.
func (s *Service) GetOverview(ctx context.Context) (*Overview, error) {
	var o Overview
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM documents),
			(SELECT count(*) FROM chunks),
			(SELECT count(*) FROM conversations WHERE NOT archived),
			(SELECT count(*) FROM messages),
			(SELECT coalesce(sum(tokens_used), 0) FROM messages),
			(SELECT count(*) FROM thumbs_down_validations WHERE needs_admin_review),
			(SELECT count(*) FROM chunk_blacklist),
			(SELECT count(*) FROM document_quality_scores WHERE needs_reingestion)`,
	).Scan(&o.Documents, &o.Chunks, &o.Conversations, &o.Messages, &o.TokensUsed,
		&o.PendingReviews, &o.BlacklistedChunks, &o.ReingestionCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load analytics overview: %w", err)
	}
	return &o, nil
}

// Refresh rebuilds both views. CONCURRENTLY keeps dashboard reads
// unblocked; the unique day indexes make that legal.
func (s *Service) Refresh(ctx context.Context) error {
	for _, view := range []string{"conversation_stats", "rating_stats"} {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`REFRESH MATERIALIZED VIEW CONCURRENTLY %s`, view)); err != nil {
			return fmt.Errorf("failed to refresh %s: %w", view, err)
		}
	}
	return nil
}

// RunRefresher refreshes the views on a fixed interval until ctx is
// cancelled.
func (s *Service) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				slog.Error("analytics view refresh failed", "error", err)
			}
		}
	}
}
