package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/rag"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// Progress milestones reported on the job row. The claim itself sets
// 10; reading, embedding and persisting advance the rest.
const (
	progressRead  = 30
	progressEmbed = 70
)

// JobStore is the storage surface the worker needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (*store.IngestionJob, error)
	SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error
	CompleteJob(ctx context.Context, id, documentID uuid.UUID, chunksCreated int) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	InsertDocumentWithChunks(ctx context.Context, doc *store.Document, parents, children []store.Chunk, parentOf map[int]int, images []store.DocumentImage) error
}

// PassageEmbedder embeds document chunks.
type PassageEmbedder interface {
	EmbedPassages(ctx context.Context, texts []string) ([][]float32, error)
}

// Worker is the long-lived ingestion loop. Multiple workers are safe:
// the job claim uses FOR UPDATE SKIP LOCKED.
type Worker struct {
	cfg       config.IngestionConfig
	uploadDir string
	store     JobStore
	reader    Reader
	chunker   *rag.Chunker
	embedder  PassageEmbedder
	metrics   observability.Metrics
}

// NewWorker wires an ingestion worker.
func NewWorker(cfg config.IngestionConfig, uploadDir string, st JobStore, reader Reader, chunker *rag.Chunker, embedder PassageEmbedder, metrics observability.Metrics) *Worker {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Worker{
		cfg:       cfg,
		uploadDir: uploadDir,
		store:     st,
		reader:    reader,
		chunker:   chunker,
		embedder:  embedder,
		metrics:   metrics,
	}
}

// Run polls for pending jobs until ctx is cancelled. Job failures are
// recorded on the job row and never tear down the worker.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	slog.Info("ingestion worker started", "poll_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			slog.Info("ingestion worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// drain processes jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimNextJob(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			slog.Error("failed to claim ingestion job", "error", err)
			return
		}

		slog.Info("processing ingestion job", "job_id", job.ID, "filename", job.Filename)
		start := time.Now()
		chunks, err := w.process(ctx, job)
		w.metrics.RecordIngestionJob(ctx, time.Since(start), chunks, err)
		if err != nil {
			slog.Error("ingestion job failed", "job_id", job.ID, "error", err)
			if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
				slog.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
			}
		}
	}
}

// process runs one job end to end and reports the number of chunks
// created. Persistence is a single transaction: readers never observe
// a partial document.
func (w *Worker) process(ctx context.Context, job *store.IngestionJob) (int, error) {
	path, err := w.resolveUpload(job)
	if err != nil {
		return 0, err
	}

	result, err := w.reader.Read(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("reader failed: %w", err)
	}
	if strings.TrimSpace(result.Text) == "" {
		return 0, fmt.Errorf("document contains no text")
	}
	if err := w.store.SetJobProgress(ctx, job.ID, progressRead); err != nil {
		slog.Warn("failed to update job progress", "job_id", job.ID, "error", err)
	}

	set, err := w.chunker.Chunk(result.Text, result.Headings)
	if err != nil {
		return 0, fmt.Errorf("chunking failed: %w", err)
	}

	if err := w.embed(ctx, set); err != nil {
		return 0, fmt.Errorf("embedding failed: %w", err)
	}
	if err := w.store.SetJobProgress(ctx, job.ID, progressEmbed); err != nil {
		slog.Warn("failed to update job progress", "job_id", job.ID, "error", err)
	}

	title := result.Title
	if title == "" {
		title = strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	}
	doc := &store.Document{
		Title:   title,
		Source:  job.Filename,
		Content: result.Text,
		Metadata: map[string]any{
			"word_count":    len(strings.Fields(result.Text)),
			"language":      "fr",
			"chunk_overlap": w.chunker.Overlap(),
			"hierarchical":  len(set.Children) > 0,
		},
	}

	images := make([]store.DocumentImage, 0, len(result.Images))
	for _, img := range result.Images {
		images = append(images, store.DocumentImage{
			PageNumber:  img.PageNumber,
			Position:    img.Position,
			OCRText:     img.OCRText,
			Description: img.Description,
			Confidence:  img.Confidence,
			StoragePath: img.StoragePath,
		})
	}

	if err := w.store.InsertDocumentWithChunks(ctx, doc, set.Parents, set.Children, set.ParentOf, images); err != nil {
		return 0, fmt.Errorf("persisting document failed: %w", err)
	}

	chunksCreated := len(set.Parents) + len(set.Children)
	if err := w.store.CompleteJob(ctx, job.ID, doc.ID, chunksCreated); err != nil {
		return chunksCreated, fmt.Errorf("failed to complete job: %w", err)
	}
	slog.Info("ingestion job completed",
		"job_id", job.ID, "document_id", doc.ID, "chunks", chunksCreated)
	return chunksCreated, nil
}

// embed fills in the embedding of every chunk, children included.
func (w *Worker) embed(ctx context.Context, set *rag.ChunkSet) error {
	texts := make([]string, 0, len(set.Parents)+len(set.Children))
	for _, c := range set.Parents {
		texts = append(texts, c.Content)
	}
	for _, c := range set.Children {
		texts = append(texts, c.Content)
	}

	vectors, err := w.embedder.EmbedPassages(ctx, texts)
	if err != nil {
		return err
	}
	for i := range set.Parents {
		set.Parents[i].Embedding = vectors[i]
	}
	for i := range set.Children {
		set.Children[i].Embedding = vectors[len(set.Parents)+i]
	}
	return nil
}

// resolveUpload locates the uploaded file on the shared volume, keyed
// by job id.
func (w *Worker) resolveUpload(job *store.IngestionJob) (string, error) {
	path := filepath.Join(w.uploadDir, job.ID.String(), job.Filename)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("uploaded file missing: %w", err)
	}
	return path, nil
}
