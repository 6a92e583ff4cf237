package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/rag"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

type fakeJobStore struct {
	queue     []*store.IngestionJob
	progress  map[uuid.UUID][]int
	completed map[uuid.UUID]int
	failed    map[uuid.UUID]string
	doc       *store.Document
	chunks    int
	images    int
}

func newFakeJobStore(jobs ...*store.IngestionJob) *fakeJobStore {
	return &fakeJobStore{
		queue:     jobs,
		progress:  map[uuid.UUID][]int{},
		completed: map[uuid.UUID]int{},
		failed:    map[uuid.UUID]string{},
	}
}

func (f *fakeJobStore) ClaimNextJob(ctx context.Context) (*store.IngestionJob, error) {
	if len(f.queue) == 0 {
		return nil, store.ErrNotFound
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = store.JobProcessing
	return job, nil
}

func (f *fakeJobStore) SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	f.progress[id] = append(f.progress[id], progress)
	return nil
}

func (f *fakeJobStore) CompleteJob(ctx context.Context, id, documentID uuid.UUID, chunksCreated int) error {
	f.completed[id] = chunksCreated
	return nil
}

func (f *fakeJobStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	f.failed[id] = message
	return nil
}

func (f *fakeJobStore) InsertDocumentWithChunks(ctx context.Context, doc *store.Document, parents, children []store.Chunk, parentOf map[int]int, images []store.DocumentImage) error {
	doc.ID = uuid.New()
	f.doc = doc
	f.chunks = len(parents) + len(children)
	f.images = len(images)
	return nil
}

type fakeReader struct {
	result *ReadResult
	err    error
}

func (f *fakeReader) Read(ctx context.Context, path string) (*ReadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakePassageEmbedder struct {
	err   error
	calls int
}

func (f *fakePassageEmbedder) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = make([]float32, 1024)
	}
	return vectors, nil
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }
func (wordCounter) Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text
	}
	return strings.Join(words[:maxTokens], " ")
}

func setupJob(t *testing.T, dir, filename string) *store.IngestionJob {
	t.Helper()
	job := &store.IngestionJob{ID: uuid.New(), Filename: filename, Status: store.JobPending}
	jobDir := filepath.Join(dir, job.ID.String())
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, filename), []byte("pdf bytes"), 0o644))
	return job
}

func newTestWorker(st *fakeJobStore, reader Reader, embedder PassageEmbedder, dir string) *Worker {
	chunker := rag.NewChunker(config.ChunkerConfig{Overlap: 0}, wordCounter{})
	return NewWorker(config.IngestionConfig{}, dir, st, reader, chunker, embedder, nil)
}

func documentText(words int) string {
	var sb strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 && i%50 == 0 {
			sb.WriteString("\n\n")
		} else if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "mot%d", i)
	}
	return sb.String()
}

func TestWorkerProcessesJob(t *testing.T) {
	dir := t.TempDir()
	job := setupJob(t, dir, "guide.pdf")
	st := newFakeJobStore(job)

	reader := &fakeReader{result: &ReadResult{
		Title:  "Guide RH",
		Text:   documentText(1000),
		Images: []ReadImage{{PageNumber: 1, Description: "schéma"}},
	}}
	embedder := &fakePassageEmbedder{}

	newTestWorker(st, reader, embedder, dir).drain(context.Background())

	require.NotNil(t, st.doc)
	assert.Equal(t, "Guide RH", st.doc.Title)
	assert.Equal(t, "guide.pdf", st.doc.Source)
	assert.Equal(t, st.chunks, st.completed[job.ID])
	assert.Equal(t, 1, st.images)
	assert.Equal(t, []int{progressRead, progressEmbed}, st.progress[job.ID])
	assert.Empty(t, st.failed)
}

func TestWorkerTitleFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	job := setupJob(t, dir, "procedure_conges.pdf")
	st := newFakeJobStore(job)
	reader := &fakeReader{result: &ReadResult{Text: documentText(100)}}

	newTestWorker(st, reader, &fakePassageEmbedder{}, dir).drain(context.Background())

	require.NotNil(t, st.doc)
	assert.Equal(t, "procedure_conges", st.doc.Title)
}

func TestWorkerReaderFailureFailsJob(t *testing.T) {
	dir := t.TempDir()
	job := setupJob(t, dir, "guide.pdf")
	st := newFakeJobStore(job)
	reader := &fakeReader{err: fmt.Errorf("OCR engine crashed")}

	newTestWorker(st, reader, &fakePassageEmbedder{}, dir).drain(context.Background())

	assert.Nil(t, st.doc)
	assert.Contains(t, st.failed[job.ID], "reader failed")
	assert.Empty(t, st.completed)
}

func TestWorkerEmptyDocumentFailsJob(t *testing.T) {
	dir := t.TempDir()
	job := setupJob(t, dir, "vide.pdf")
	st := newFakeJobStore(job)
	reader := &fakeReader{result: &ReadResult{Text: "   "}}

	newTestWorker(st, reader, &fakePassageEmbedder{}, dir).drain(context.Background())

	assert.Contains(t, st.failed[job.ID], "no text")
}

func TestWorkerEmbeddingFailureFailsJob(t *testing.T) {
	dir := t.TempDir()
	job := setupJob(t, dir, "guide.pdf")
	st := newFakeJobStore(job)
	reader := &fakeReader{result: &ReadResult{Text: documentText(500)}}
	embedder := &fakePassageEmbedder{err: fmt.Errorf("service unavailable")}

	newTestWorker(st, reader, embedder, dir).drain(context.Background())

	assert.Nil(t, st.doc, "no partial document on embedding failure")
	assert.Contains(t, st.failed[job.ID], "embedding failed")
}

func TestWorkerMissingUploadFailsJob(t *testing.T) {
	dir := t.TempDir()
	job := &store.IngestionJob{ID: uuid.New(), Filename: "absent.pdf"}
	st := newFakeJobStore(job)

	newTestWorker(st, &fakeReader{}, &fakePassageEmbedder{}, dir).drain(context.Background())

	assert.Contains(t, st.failed[job.ID], "uploaded file missing")
}

type captureJobMetrics struct {
	observability.NoopMetrics
	jobs   int
	chunks int
	errs   int
}

func (m *captureJobMetrics) RecordIngestionJob(ctx context.Context, duration time.Duration, chunks int, err error) {
	m.jobs++
	m.chunks = chunks
	if err != nil {
		m.errs++
	}
}

func TestWorkerRecordsJobMetrics(t *testing.T) {
	dir := t.TempDir()
	job := setupJob(t, dir, "guide.pdf")
	st := newFakeJobStore(job)
	reader := &fakeReader{result: &ReadResult{Text: documentText(1000)}}
	m := &captureJobMetrics{}

	chunker := rag.NewChunker(config.ChunkerConfig{Overlap: 0}, wordCounter{})
	w := NewWorker(config.IngestionConfig{}, dir, st, reader, chunker, &fakePassageEmbedder{}, m)
	w.drain(context.Background())

	assert.Equal(t, 1, m.jobs)
	assert.Equal(t, st.chunks, m.chunks)
	assert.Zero(t, m.errs)
}

func TestWorkerDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	jobA := setupJob(t, dir, "a.pdf")
	jobB := setupJob(t, dir, "b.pdf")
	st := newFakeJobStore(jobA, jobB)
	reader := &fakeReader{result: &ReadResult{Text: documentText(100)}}

	newTestWorker(st, reader, &fakePassageEmbedder{}, dir).drain(context.Background())

	assert.Len(t, st.completed, 2)
}
