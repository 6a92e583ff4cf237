package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

const (
	// Blacklist thresholds: sustained dissatisfaction, not a single
	// bad day.
	blacklistScoreMax   = -0.5
	blacklistMinRatings = 3

	// scoringWindow bounds how far back the satisfaction aggregation
	// reaches.
	scoringWindow = 30 * 24 * time.Hour
)

// SchedulerStore is the storage surface the scheduler needs.
type SchedulerStore interface {
	WithLeaderLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error)
	RecomputeChunkSatisfaction(ctx context.Context, since time.Time) error
	BlacklistCandidates(ctx context.Context, threshold float64, minRatings int) ([]store.ChunkQualityScore, error)
	BlacklistChunk(ctx context.Context, chunkID uuid.UUID, reason, source string) error
	GetChunks(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Chunk, error)
	MissingSourcesDocuments(ctx context.Context, minCount int) ([]uuid.UUID, error)
	MarkDocumentForReingestion(ctx context.Context, documentID uuid.UUID, notes string) error
	AppendAudit(ctx context.Context, e *store.QualityAuditEntry) error
}

// Scheduler runs the daily corpus maintenance pass. Leader election
// via advisory lock keeps it single-instance across replicas.
type Scheduler struct {
	cfg   config.QualityConfig
	store SchedulerStore
	llm   llms.ChatProvider
}

// NewScheduler wires the scheduler.
func NewScheduler(cfg config.QualityConfig, st SchedulerStore, llm llms.ChatProvider) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, llm: llm}
}

// Run sleeps until the configured wall-clock time each day and runs
// the maintenance pass. Returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	hour, minute, err := s.cfg.ScheduleTime()
	if err != nil {
		slog.Error("invalid quality schedule, scheduler disabled", "schedule", s.cfg.Schedule, "error", err)
		return
	}
	slog.Info("quality scheduler started", "schedule", s.cfg.Schedule)

	for {
		next := nextRun(time.Now(), hour, minute)
		select {
		case <-ctx.Done():
			slog.Info("quality scheduler stopped")
			return
		case <-time.After(time.Until(next)):
		}

		ran, err := s.store.WithLeaderLock(ctx, store.LockQualityScheduler, s.RunOnce)
		if err != nil {
			slog.Error("quality maintenance pass failed", "error", err)
		} else if !ran {
			slog.Info("quality maintenance skipped, another instance leads")
		}
	}
}

// nextRun returns the next occurrence of HH:MM strictly after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunOnce executes one maintenance pass: score, blacklist, recommend.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	started := time.Now()
	slog.Info("quality maintenance pass starting")

	if err := s.store.RecomputeChunkSatisfaction(ctx, started.Add(-scoringWindow)); err != nil {
		return fmt.Errorf("chunk scoring failed: %w", err)
	}

	blacklisted, err := s.blacklistPass(ctx)
	if err != nil {
		return err
	}

	recommended, err := s.reingestionPass(ctx)
	if err != nil {
		return err
	}

	slog.Info("quality maintenance pass finished",
		"duration", time.Since(started),
		"blacklisted", blacklisted,
		"reingestion_recommended", recommended)
	return nil
}

// blacklistPass flags persistently disliked chunks, each confirmed by
// an LLM validation before the flag is written.
func (s *Scheduler) blacklistPass(ctx context.Context) (int, error) {
	candidates, err := s.store.BlacklistCandidates(ctx, blacklistScoreMax, blacklistMinRatings)
	if err != nil {
		return 0, fmt.Errorf("failed to list blacklist candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	chunks, err := s.store.GetChunks(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to load candidate chunks: %w", err)
	}

	blacklisted := 0
	for _, candidate := range candidates {
		chunk, ok := chunks[candidate.ChunkID]
		if !ok {
			continue
		}
		confirmed, reason := s.confirmBlacklist(ctx, chunk, candidate)
		if !confirmed {
			continue
		}
		if err := s.store.BlacklistChunk(ctx, chunk.ID, reason, "ai"); err != nil {
			slog.Error("failed to blacklist chunk", "chunk_id", chunk.ID, "error", err)
			continue
		}
		s.audit(ctx, "chunk_blacklisted", chunk.ID, map[string]any{
			"satisfaction_score": candidate.SatisfactionScore,
			"rating_count":       candidate.RatingCount,
			"reason":             reason,
		})
		blacklisted++
	}
	return blacklisted, nil
}

// confirmBlacklist asks the LLM whether a low-scoring chunk is truly
// off-topic or misleading. Errors mean "keep the chunk".
func (s *Scheduler) confirmBlacklist(ctx context.Context, chunk store.Chunk, score store.ChunkQualityScore) (bool, string) {
	prompt := fmt.Sprintf(`Ce passage documentaire a reçu un score de satisfaction de %.2f sur %d évaluations :

%s

Est-il hors sujet, obsolète ou trompeur au point de devoir être exclu des recherches ? Réponds par OUI ou NON, suivi d'une justification d'une phrase.`,
		score.SatisfactionScore, score.RatingCount, chunk.Content)

	completion, err := s.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		slog.Warn("blacklist validation failed, keeping chunk", "chunk_id", chunk.ID, "error", err)
		return false, ""
	}

	answer := strings.TrimSpace(completion.Content)
	if !strings.HasPrefix(strings.ToUpper(answer), "OUI") {
		return false, ""
	}
	reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(answer, "OUI"), ","))
	if reason == "" {
		reason = "validation automatique"
	}
	return true, reason
}

// reingestionPass recommends re-ingestion for documents repeatedly
// implicated in missing-sources feedback.
func (s *Scheduler) reingestionPass(ctx context.Context) (int, error) {
	docs, err := s.store.MissingSourcesDocuments(ctx, s.cfg.MissingSourcesMin)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate missing-sources documents: %w", err)
	}
	recommended := 0
	for _, docID := range docs {
		notes := fmt.Sprintf("cited in >= %d missing_sources validations", s.cfg.MissingSourcesMin)
		if err := s.store.MarkDocumentForReingestion(ctx, docID, notes); err != nil {
			slog.Error("failed to recommend re-ingestion", "document_id", docID, "error", err)
			continue
		}
		s.audit(ctx, "needs_reingestion", docID, map[string]any{
			"missing_sources_min": s.cfg.MissingSourcesMin,
		})
		recommended++
	}
	return recommended, nil
}

func (s *Scheduler) audit(ctx context.Context, action string, target uuid.UUID, details map[string]any) {
	entry := &store.QualityAuditEntry{
		Action:   action,
		TargetID: target,
		Actor:    "scheduler",
		Details:  details,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("failed to append audit entry", "action", action, "error", err)
	}
}
