package quality

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

type fakeSchedulerStore struct {
	leader       bool
	candidates   []store.ChunkQualityScore
	chunks       map[uuid.UUID]store.Chunk
	missingDocs  []uuid.UUID
	recomputedAt *time.Time

	blacklisted map[uuid.UUID]string
	reingestion map[uuid.UUID]string
	audits      []*store.QualityAuditEntry
}

func newFakeSchedulerStore() *fakeSchedulerStore {
	return &fakeSchedulerStore{
		leader:      true,
		chunks:      map[uuid.UUID]store.Chunk{},
		blacklisted: map[uuid.UUID]string{},
		reingestion: map[uuid.UUID]string{},
	}
}

func (f *fakeSchedulerStore) WithLeaderLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error) {
	if !f.leader {
		return false, nil
	}
	return true, fn(ctx)
}

func (f *fakeSchedulerStore) RecomputeChunkSatisfaction(ctx context.Context, since time.Time) error {
	f.recomputedAt = &since
	return nil
}

func (f *fakeSchedulerStore) BlacklistCandidates(ctx context.Context, threshold float64, minRatings int) ([]store.ChunkQualityScore, error) {
	return f.candidates, nil
}

func (f *fakeSchedulerStore) BlacklistChunk(ctx context.Context, chunkID uuid.UUID, reason, source string) error {
	f.blacklisted[chunkID] = source
	return nil
}

func (f *fakeSchedulerStore) GetChunks(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.Chunk, error) {
	out := map[uuid.UUID]store.Chunk{}
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) MissingSourcesDocuments(ctx context.Context, minCount int) ([]uuid.UUID, error) {
	return f.missingDocs, nil
}

func (f *fakeSchedulerStore) MarkDocumentForReingestion(ctx context.Context, documentID uuid.UUID, notes string) error {
	f.reingestion[documentID] = notes
	return nil
}

func (f *fakeSchedulerStore) AppendAudit(ctx context.Context, e *store.QualityAuditEntry) error {
	e.ID = uuid.New()
	f.audits = append(f.audits, e)
	return nil
}

func schedulerConfig() config.QualityConfig {
	return config.QualityConfig{
		Schedule:          "03:00",
		MissingSourcesMin: 2,
	}
}

func addCandidate(st *fakeSchedulerStore, score float64, ratings int) uuid.UUID {
	id := uuid.New()
	st.chunks[id] = store.Chunk{ID: id, Content: "passage obsolète sur l'ancienne procédure"}
	st.candidates = append(st.candidates, store.ChunkQualityScore{
		ChunkID:           id,
		SatisfactionScore: score,
		RatingCount:       ratings,
	})
	return id
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 1, 30, 0, 0, loc)

	next := nextRun(now, 3, 0)
	assert.Equal(t, time.Date(2026, 3, 10, 3, 0, 0, 0, loc), next)

	// Already past today's slot: tomorrow.
	next = nextRun(time.Date(2026, 3, 10, 3, 0, 0, 0, loc), 3, 0)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, loc), next)

	next = nextRun(time.Date(2026, 3, 10, 23, 59, 0, 0, loc), 3, 0)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, loc), next)
}

func TestRunOnceBlacklistsConfirmedChunks(t *testing.T) {
	st := newFakeSchedulerStore()
	chunkID := addCandidate(st, -0.8, 5)
	llm := &fixedLLM{answer: "OUI, ce passage décrit une procédure abandonnée en 2023."}

	sched := NewScheduler(schedulerConfig(), st, llm)
	require.NoError(t, sched.RunOnce(context.Background()))

	require.NotNil(t, st.recomputedAt)
	assert.WithinDuration(t, time.Now().Add(-scoringWindow), *st.recomputedAt, time.Minute)

	assert.Equal(t, "ai", st.blacklisted[chunkID])
	require.Len(t, st.audits, 1)
	assert.Equal(t, "chunk_blacklisted", st.audits[0].Action)
	assert.Equal(t, "scheduler", st.audits[0].Actor)
}

func TestRunOnceKeepsChunkOnNegativeConfirmation(t *testing.T) {
	st := newFakeSchedulerStore()
	addCandidate(st, -0.9, 4)
	llm := &fixedLLM{answer: "NON, le passage reste pertinent malgré les notes."}

	sched := NewScheduler(schedulerConfig(), st, llm)
	require.NoError(t, sched.RunOnce(context.Background()))

	assert.Empty(t, st.blacklisted)
	assert.Empty(t, st.audits)
}

func TestRunOnceKeepsChunkOnValidationError(t *testing.T) {
	st := newFakeSchedulerStore()
	addCandidate(st, -0.7, 3)
	llm := &fixedLLM{err: context.DeadlineExceeded}

	sched := NewScheduler(schedulerConfig(), st, llm)
	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Empty(t, st.blacklisted)
}

func TestRunOnceRecommendsReingestion(t *testing.T) {
	st := newFakeSchedulerStore()
	docID := uuid.New()
	st.missingDocs = []uuid.UUID{docID}
	llm := &fixedLLM{answer: "NON"}

	sched := NewScheduler(schedulerConfig(), st, llm)
	require.NoError(t, sched.RunOnce(context.Background()))

	assert.Contains(t, st.reingestion, docID)
	require.Len(t, st.audits, 1)
	assert.Equal(t, "needs_reingestion", st.audits[0].Action)
	assert.Equal(t, docID, st.audits[0].TargetID)
}

func TestRunOnceNoCandidatesNoLLMCalls(t *testing.T) {
	st := newFakeSchedulerStore()
	llm := &fixedLLM{err: context.DeadlineExceeded}

	sched := NewScheduler(schedulerConfig(), st, llm)
	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Empty(t, st.blacklisted)
	assert.Empty(t, st.reingestion)
}

func TestLeaderLockSkipsNonLeader(t *testing.T) {
	st := newFakeSchedulerStore()
	st.leader = false

	ran, err := st.WithLeaderLock(context.Background(), store.LockQualityScheduler,
		NewScheduler(schedulerConfig(), st, &fixedLLM{}).RunOnce)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Nil(t, st.recomputedAt)
}
