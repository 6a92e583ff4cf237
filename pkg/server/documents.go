package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

type documentJSON struct {
	ID         uuid.UUID      `json:"id"`
	Title      string         `json:"title"`
	Source     string         `json:"source"`
	UniverseID *uuid.UUID     `json:"universe_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toDocumentJSON(d *store.Document) documentJSON {
	return documentJSON{
		ID:         d.ID,
		Title:      d.Title,
		Source:     d.Source,
		UniverseID: d.UniverseID,
		Metadata:   d.Metadata,
		CreatedAt:  d.CreatedAt,
	}
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	var universes []uuid.UUID
	if raw := r.URL.Query().Get("universe_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid universe_id")
			return
		}
		universes = append(universes, id)
	}

	docs, err := s.store.ListDocuments(r.Context(), universes, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]documentJSON, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentJSON(&docs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "documentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentJSON(doc))
}

// handleDeleteDocument removes a document and, through the schema's
// cascades, its chunks and images.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "documentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if err := s.store.DeleteDocument(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type documentImageJSON struct {
	ID          uuid.UUID `json:"id"`
	PageNumber  int       `json:"page_number"`
	Description string    `json:"description,omitempty"`
	OCRText     string    `json:"ocr_text,omitempty"`
	Confidence  float64   `json:"confidence"`
	StoragePath string    `json:"storage_path"`
}

func (s *Server) handleListDocumentImages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "documentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	images, err := s.store.ListDocumentImages(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]documentImageJSON, 0, len(images))
	for _, img := range images {
		out = append(out, documentImageJSON{
			ID:          img.ID,
			PageNumber:  img.PageNumber,
			Description: img.Description,
			OCRText:     img.OCRText,
			Confidence:  img.Confidence,
			StoragePath: img.StoragePath,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
