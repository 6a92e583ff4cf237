package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Admin decisions on flagged validations.
const (
	decisionConfirmed = "confirmed"
	decisionRejected  = "rejected"
)

type adminDecisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// handleAdminDecision resolves a thumbs-down validation the analyser
// flagged for review.
func (s *Server) handleAdminDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "validationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validation id")
		return
	}
	var req adminDecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Decision != decisionConfirmed && req.Decision != decisionRejected {
		writeError(w, http.StatusBadRequest, "decision must be confirmed or rejected")
		return
	}
	if err := s.store.SetAdminDecision(r.Context(), id, req.Decision, req.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"validation_id": id,
		"decision":      req.Decision,
	})
}

type ratingJSON struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Rating    int       `json:"rating"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleGetRating exposes a single rating for review tooling.
func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ratingID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rating id")
		return
	}
	rating, err := s.store.GetRating(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratingJSON{
		ID:        rating.ID,
		MessageID: rating.MessageID,
		UserID:    rating.UserID,
		Rating:    rating.Rating,
		Feedback:  rating.Feedback,
		CreatedAt: rating.CreatedAt,
		UpdatedAt: rating.UpdatedAt,
	})
}

// handleUnblacklistChunk reverses a blacklist entry after an admin
// rejects the AI's judgement. Future retrieval sees the chunk again.
func (s *Server) handleUnblacklistChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "chunkID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}
	if err := s.store.UnblacklistChunk(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
