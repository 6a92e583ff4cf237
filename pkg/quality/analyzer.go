// Package quality turns user feedback into corpus maintenance: the
// analyser classifies thumbs-down ratings with an LLM, the scheduler
// aggregates ratings into chunk scores, blacklists and re-ingestion
// recommendations.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// sweepBatchSize bounds one sweep pass.
const sweepBatchSize = 50

// AnalyzerStore is the storage surface the analyser needs.
type AnalyzerStore interface {
	Listen(ctx context.Context, channel string, handle func(payload string)) error
	GetRatingContext(ctx context.Context, ratingID uuid.UUID) (*store.RatingContext, error)
	InsertValidation(ctx context.Context, v *store.ThumbsDownValidation) (bool, error)
	UnanalyzedThumbsDown(ctx context.Context, limit int) ([]store.MessageRating, error)
	MarkDocumentForReingestion(ctx context.Context, documentID uuid.UUID, notes string) error
	GetChunks(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Chunk, error)
	InsertNotification(ctx context.Context, n *store.Notification) error
	AppendAudit(ctx context.Context, e *store.QualityAuditEntry) error
}

// Analyzer consumes thumbs-down notifications and classifies them.
// Processing is at-least-once; the validation insert is idempotent per
// rating, so repeats are harmless.
type Analyzer struct {
	cfg     config.QualityConfig
	store   AnalyzerStore
	llm     llms.ChatProvider
	metrics observability.Metrics
}

// NewAnalyzer wires the analyser.
func NewAnalyzer(cfg config.QualityConfig, st AnalyzerStore, llm llms.ChatProvider, metrics observability.Metrics) *Analyzer {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Analyzer{cfg: cfg, store: st, llm: llm, metrics: metrics}
}

// Run listens for thumbs-down notifications and sweeps periodically
// for ratings missed while disconnected. Returns when ctx is
// cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	go a.sweepLoop(ctx)

	err := a.store.Listen(ctx, store.ChannelThumbsDown, func(payload string) {
		ratingID, parseErr := uuid.Parse(payload)
		if parseErr != nil {
			slog.Error("invalid thumbs-down notification payload", "payload", payload)
			return
		}
		if handleErr := a.Analyze(ctx, ratingID); handleErr != nil {
			// Left for the sweep; never blocks rating creation.
			slog.Error("thumbs-down analysis failed", "rating_id", ratingID, "error", handleErr)
		}
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("thumbs-down listener terminated", "error", err)
	}
}

func (a *Analyzer) sweepLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				slog.Error("thumbs-down sweep failed", "error", err)
			}
		}
	}
}

// Sweep classifies negative ratings that never received a validation
// row.
func (a *Analyzer) Sweep(ctx context.Context) error {
	ratings, err := a.store.UnanalyzedThumbsDown(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, r := range ratings {
		if err := a.Analyze(ctx, r.ID); err != nil {
			slog.Error("sweep classification failed", "rating_id", r.ID, "error", err)
		}
	}
	if len(ratings) > 0 {
		slog.Info("thumbs-down sweep processed backlog", "count", len(ratings))
	}
	return nil
}

// classification is the JSON contract asked of the model.
type classification struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale"`
}

// Analyze classifies one negative rating and applies side effects.
func (a *Analyzer) Analyze(ctx context.Context, ratingID uuid.UUID) error {
	rc, err := a.store.GetRatingContext(ctx, ratingID)
	if err != nil {
		return fmt.Errorf("failed to load rating context: %w", err)
	}
	if rc.Rating.Rating != -1 {
		return nil
	}

	result, err := a.classify(ctx, rc)
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}

	validation := &store.ThumbsDownValidation{
		RatingID:         ratingID,
		AIClassification: result.Classification,
		Confidence:       result.Confidence,
		Rationale:        result.Rationale,
		NeedsAdminReview: result.Confidence < a.cfg.ConfidenceThreshold,
	}
	inserted, err := a.store.InsertValidation(ctx, validation)
	if err != nil {
		return err
	}
	if !inserted {
		// A previous delivery already classified this rating.
		return nil
	}

	a.metrics.RecordClassification(ctx, result.Classification, validation.NeedsAdminReview)
	slog.Info("thumbs-down classified",
		"rating_id", ratingID,
		"classification", result.Classification,
		"confidence", result.Confidence,
		"needs_review", validation.NeedsAdminReview)

	a.applySideEffects(ctx, rc, validation)
	return nil
}

func (a *Analyzer) classify(ctx context.Context, rc *store.RatingContext) (*classification, error) {
	var sourceList strings.Builder
	for _, s := range rc.Sources {
		fmt.Fprintf(&sourceList, "- %s : %s\n", s.DocumentTitle, s.ContentPreview)
	}

	prompt := fmt.Sprintf(`Un utilisateur a noté négativement une réponse de l'assistant documentaire.

Question : %s
Réponse : %s
Sources citées :
%s
Commentaire de l'utilisateur : %s

Classe ce retour dans une des catégories :
- bad_answer : la réponse est fausse ou hors sujet alors que les sources couvrent la question
- bad_question : la question est trop vague ou mal formulée
- missing_sources : la base documentaire ne couvre pas la question
- ambiguous : impossible de trancher

Réponds en JSON : {"classification": "...", "confidence": 0.0, "rationale": "..."}`,
		rc.Question, rc.Answer.Content, sourceList.String(), rc.Rating.Feedback)

	completion, err := a.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}

	var result classification
	if err := json.Unmarshal([]byte(extractJSON(completion.Content)), &result); err != nil {
		return nil, fmt.Errorf("unparseable classification %q: %w", completion.Content, err)
	}
	switch result.Classification {
	case store.ClassBadAnswer, store.ClassBadQuestion, store.ClassMissingSources, store.ClassAmbiguous:
	default:
		return nil, fmt.Errorf("unknown classification %q", result.Classification)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", result.Confidence)
	}
	return &result, nil
}

// applySideEffects runs best-effort follow-ups; failures are logged
// and never undo the classification.
func (a *Analyzer) applySideEffects(ctx context.Context, rc *store.RatingContext, v *store.ThumbsDownValidation) {
	switch v.AIClassification {
	case store.ClassBadQuestion:
		if !a.cfg.AutoNotifications {
			return
		}
		notification := &store.Notification{
			UserID: rc.Rating.UserID,
			Kind:   "question_reformulation",
			Payload: map[string]any{
				"message_id": rc.Answer.ID.String(),
				"rationale":  v.Rationale,
			},
		}
		if err := a.store.InsertNotification(ctx, notification); err != nil {
			slog.Error("failed to enqueue pedagogical notification", "error", err)
		}

	case store.ClassMissingSources:
		if v.NeedsAdminReview {
			return
		}
		for _, docID := range a.citedDocuments(ctx, rc.Sources) {
			notes := fmt.Sprintf("missing_sources validation %s", v.ID)
			if err := a.store.MarkDocumentForReingestion(ctx, docID, notes); err != nil {
				slog.Error("failed to mark document for re-ingestion",
					"document_id", docID, "error", err)
				continue
			}
			a.audit(ctx, "needs_reingestion", docID, map[string]any{
				"validation_id": v.ID.String(),
				"rating_id":     v.RatingID.String(),
			})
		}
	}
}

// citedDocuments resolves the distinct documents behind the cited
// chunks.
func (a *Analyzer) citedDocuments(ctx context.Context, sources []store.MessageSource) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.ChunkID)
	}
	chunks, err := a.store.GetChunks(ctx, ids)
	if err != nil {
		slog.Error("failed to resolve cited chunks", "error", err)
		return nil
	}
	seen := make(map[uuid.UUID]bool)
	var docs []uuid.UUID
	for _, c := range chunks {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docs = append(docs, c.DocumentID)
		}
	}
	return docs
}

func (a *Analyzer) audit(ctx context.Context, action string, target uuid.UUID, details map[string]any) {
	entry := &store.QualityAuditEntry{
		Action:   action,
		TargetID: target,
		Actor:    "analyzer",
		Details:  details,
	}
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("failed to append audit entry", "action", action, "error", err)
	}
}

// extractJSON tolerates models that wrap their JSON in prose or code
// fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
