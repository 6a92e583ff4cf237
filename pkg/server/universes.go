package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

type universeJSON struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleListUniverses(w http.ResponseWriter, r *http.Request) {
	universes, err := s.store.ListUniverses(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]universeJSON, 0, len(universes))
	for _, u := range universes {
		out = append(out, universeJSON{ID: u.ID, Name: u.Name, Description: u.Description, CreatedAt: u.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type createUniverseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateUniverse(w http.ResponseWriter, r *http.Request) {
	var req createUniverseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	u := &store.ProductUniverse{Name: req.Name, Description: req.Description}
	if err := s.store.CreateUniverse(r.Context(), u); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, universeJSON{ID: u.ID, Name: u.Name, Description: u.Description, CreatedAt: u.CreatedAt})
}

type grantAccessRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	IsDefault bool      `json:"is_default"`
}

func (s *Server) handleGrantUniverseAccess(w http.ResponseWriter, r *http.Request) {
	universeID, err := pathID(r, "universeID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid universe id")
		return
	}
	var req grantAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.store.GrantUniverseAccess(r.Context(), req.UserID, universeID, req.IsDefault); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     req.UserID,
		"universe_id": universeID,
		"is_default":  req.IsDefault,
	})
}

func (s *Server) handleRevokeUniverseAccess(w http.ResponseWriter, r *http.Request) {
	universeID, err := pathID(r, "universeID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid universe id")
		return
	}
	uid, err := pathID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.store.RevokeUniverseAccess(r.Context(), uid, universeID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMyUniverses(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
		return
	}
	ids, err := s.store.UserUniverses(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, ids)
}
