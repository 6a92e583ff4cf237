package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// maxUploadBytes bounds one document upload.
const maxUploadBytes = 100 << 20

// jobJSON is the wire form of an ingestion job.
type jobJSON struct {
	ID            uuid.UUID       `json:"id"`
	Filename      string          `json:"filename"`
	FileSize      int64           `json:"file_size"`
	Status        store.JobStatus `json:"status"`
	Progress      int             `json:"progress"`
	DocumentID    *uuid.UUID      `json:"document_id,omitempty"`
	ChunksCreated int             `json:"chunks_created"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func toJobJSON(j *store.IngestionJob) jobJSON {
	return jobJSON{
		ID:            j.ID,
		Filename:      j.Filename,
		FileSize:      j.FileSize,
		Status:        j.Status,
		Progress:      j.Progress,
		DocumentID:    j.DocumentID,
		ChunksCreated: j.ChunksCreated,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// handleEnqueueJob accepts a multipart upload and queues it for the
// ingestion worker. The file is staged before the job row is created
// and renamed into place after, so the worker never claims a job whose
// upload is still streaming in.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	stagingDir := filepath.Join(s.uploadDir, ".staging", uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		writeStoreError(w, fmt.Errorf("failed to create staging dir: %w", err))
		return
	}
	defer os.RemoveAll(stagingDir)

	staged, err := os.Create(filepath.Join(stagingDir, filename))
	if err != nil {
		writeStoreError(w, fmt.Errorf("failed to stage upload: %w", err))
		return
	}
	size, err := io.Copy(staged, file)
	if closeErr := staged.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		writeStoreError(w, fmt.Errorf("failed to write upload: %w", err))
		return
	}

	job, err := s.store.EnqueueJob(r.Context(), filename, size)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := os.Rename(stagingDir, filepath.Join(s.uploadDir, job.ID.String())); err != nil {
		// The job exists but its file does not; fail it rather than
		// leave the worker to time out on a missing upload.
		_ = s.store.FailJob(r.Context(), job.ID, "upload could not be stored")
		writeStoreError(w, fmt.Errorf("failed to move upload into place: %w", err))
		return
	}

	writeJSON(w, http.StatusAccepted, toJobJSON(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	jobs, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]jobJSON, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobJSON(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}
