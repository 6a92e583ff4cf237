package quality

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

type fakeAnalyzerStore struct {
	ratingCtx     *store.RatingContext
	validations   map[uuid.UUID]*store.ThumbsDownValidation
	unanalyzed    []store.MessageRating
	chunks        map[uuid.UUID]store.Chunk
	reingestion   map[uuid.UUID]string
	notifications []*store.Notification
	audits        []*store.QualityAuditEntry
}

func newFakeAnalyzerStore() *fakeAnalyzerStore {
	return &fakeAnalyzerStore{
		validations: map[uuid.UUID]*store.ThumbsDownValidation{},
		chunks:      map[uuid.UUID]store.Chunk{},
		reingestion: map[uuid.UUID]string{},
	}
}

func (f *fakeAnalyzerStore) Listen(ctx context.Context, channel string, handle func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAnalyzerStore) GetRatingContext(ctx context.Context, ratingID uuid.UUID) (*store.RatingContext, error) {
	if f.ratingCtx == nil {
		return nil, store.ErrNotFound
	}
	return f.ratingCtx, nil
}

func (f *fakeAnalyzerStore) InsertValidation(ctx context.Context, v *store.ThumbsDownValidation) (bool, error) {
	if _, exists := f.validations[v.RatingID]; exists {
		return false, nil
	}
	v.ID = uuid.New()
	f.validations[v.RatingID] = v
	return true, nil
}

func (f *fakeAnalyzerStore) UnanalyzedThumbsDown(ctx context.Context, limit int) ([]store.MessageRating, error) {
	return f.unanalyzed, nil
}

func (f *fakeAnalyzerStore) MarkDocumentForReingestion(ctx context.Context, documentID uuid.UUID, notes string) error {
	f.reingestion[documentID] = notes
	return nil
}

func (f *fakeAnalyzerStore) GetChunks(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Chunk, error) {
	out := map[uuid.UUID]store.Chunk{}
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeAnalyzerStore) InsertNotification(ctx context.Context, n *store.Notification) error {
	n.ID = uuid.New()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeAnalyzerStore) AppendAudit(ctx context.Context, e *store.QualityAuditEntry) error {
	e.ID = uuid.New()
	f.audits = append(f.audits, e)
	return nil
}

type fixedLLM struct {
	answer string
	err    error
}

func (f *fixedLLM) Chat(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (*llms.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.Completion{Content: f.answer}, nil
}

func (f *fixedLLM) ModelName() string { return "test-model" }

func ratingContext(st *fakeAnalyzerStore) (*store.RatingContext, uuid.UUID) {
	docID := uuid.New()
	chunkID := uuid.New()
	st.chunks[chunkID] = store.Chunk{ID: chunkID, DocumentID: docID}

	rc := &store.RatingContext{
		Rating: store.MessageRating{
			ID:       uuid.New(),
			UserID:   uuid.New(),
			Rating:   -1,
			Feedback: "la documentation ne couvre pas mon cas",
		},
		Answer:   store.Message{ID: uuid.New(), Role: store.RoleAssistant, Content: "réponse"},
		Question: "comment déclarer un sinistre ?",
		Sources:  []store.MessageSource{{ChunkID: chunkID, DocumentTitle: "Guide X"}},
	}
	st.ratingCtx = rc
	return rc, docID
}

func qualityConfig() config.QualityConfig {
	return config.QualityConfig{
		ConfidenceThreshold: 0.7,
		MissingSourcesMin:   2,
		AutoNotifications:   true,
	}
}

func TestAnalyzeMissingSources(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, docID := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "missing_sources", "confidence": 0.9, "rationale": "la base ne couvre pas ce cas"}`}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))

	v := st.validations[rc.Rating.ID]
	require.NotNil(t, v)
	assert.Equal(t, store.ClassMissingSources, v.AIClassification)
	assert.False(t, v.NeedsAdminReview)

	// Every document cited by the rated answer is flagged.
	assert.Contains(t, st.reingestion, docID)
	require.Len(t, st.audits, 1)
	assert.Equal(t, "needs_reingestion", st.audits[0].Action)
}

func TestAnalyzeLowConfidenceNeedsReview(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, docID := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "missing_sources", "confidence": 0.4, "rationale": "incertain"}`}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))

	v := st.validations[rc.Rating.ID]
	require.NotNil(t, v)
	assert.True(t, v.NeedsAdminReview)
	// Unconfirmed classifications trigger no corpus side effects.
	assert.NotContains(t, st.reingestion, docID)
}

func TestAnalyzeBadQuestionNotifies(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "bad_question", "confidence": 0.85, "rationale": "question trop vague"}`}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))

	require.Len(t, st.notifications, 1)
	assert.Equal(t, rc.Rating.UserID, st.notifications[0].UserID)
	assert.Equal(t, "question_reformulation", st.notifications[0].Kind)
}

func TestAnalyzeBadQuestionNotificationsDisabled(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "bad_question", "confidence": 0.85, "rationale": "vague"}`}

	cfg := qualityConfig()
	cfg.AutoNotifications = false
	analyzer := NewAnalyzer(cfg, st, llm, nil)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))
	assert.Empty(t, st.notifications)
}

func TestAnalyzeIdempotent(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, docID := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "missing_sources", "confidence": 0.9, "rationale": "ok"}`}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))

	// One validation, one side-effect application.
	assert.Len(t, st.validations, 1)
	assert.Len(t, st.audits, 1)
	assert.Contains(t, st.reingestion, docID)
}

func TestAnalyzeLLMFailureSurfaces(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	llm := &fixedLLM{err: fmt.Errorf("provider down")}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	err := analyzer.Analyze(context.Background(), rc.Rating.ID)
	require.Error(t, err)
	assert.Empty(t, st.validations, "no validation row on failure, left for the sweep")
}

func TestAnalyzeRejectsUnknownClassification(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "autre_chose", "confidence": 0.9, "rationale": "?"}`}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	assert.Error(t, analyzer.Analyze(context.Background(), rc.Rating.ID))
}

func TestAnalyzeToleratesProseWrappedJSON(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	llm := &fixedLLM{answer: "Voici mon analyse :\n```json\n{\"classification\": \"ambiguous\", \"confidence\": 0.5, \"rationale\": \"difficile à trancher\"}\n```"}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))
	assert.Equal(t, store.ClassAmbiguous, st.validations[rc.Rating.ID].AIClassification)
}

type captureClassificationMetrics struct {
	observability.NoopMetrics
	calls       int
	class       string
	needsReview bool
}

func (m *captureClassificationMetrics) RecordClassification(ctx context.Context, class string, needsReview bool) {
	m.calls++
	m.class = class
	m.needsReview = needsReview
}

func TestAnalyzeRecordsClassificationMetric(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	llm := &fixedLLM{answer: `{"classification": "bad_answer", "confidence": 0.9, "rationale": "réponse fausse"}`}
	m := &captureClassificationMetrics{}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, m)
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))
	// A repeat delivery must not count twice.
	require.NoError(t, analyzer.Analyze(context.Background(), rc.Rating.ID))

	assert.Equal(t, 1, m.calls)
	assert.Equal(t, store.ClassBadAnswer, m.class)
	assert.False(t, m.needsReview)
}

func TestSweepProcessesBacklog(t *testing.T) {
	st := newFakeAnalyzerStore()
	rc, _ := ratingContext(st)
	st.unanalyzed = []store.MessageRating{rc.Rating}
	llm := &fixedLLM{answer: `{"classification": "bad_answer", "confidence": 0.8, "rationale": "réponse incorrecte"}`}

	analyzer := NewAnalyzer(qualityConfig(), st, llm, nil)
	require.NoError(t, analyzer.Sweep(context.Background()))
	assert.Len(t, st.validations, 1)
}
