package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// conversationJSON is the wire form of a conversation.
type conversationJSON struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	Provider         string     `json:"provider"`
	UseTools         bool       `json:"use_tools"`
	RerankingEnabled *bool      `json:"reranking_enabled"`
	UniverseID       *uuid.UUID `json:"universe_id,omitempty"`
	Archived         bool       `json:"archived"`
	MessageCount     int        `json:"message_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toConversationJSON(c *store.Conversation) conversationJSON {
	return conversationJSON{
		ID:               c.ID,
		Title:            c.Title,
		Provider:         c.Provider,
		UseTools:         c.UseTools,
		RerankingEnabled: c.RerankingEnabled,
		UniverseID:       c.UniverseID,
		Archived:         c.Archived,
		MessageCount:     c.MessageCount,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

type createConversationRequest struct {
	Title            string     `json:"title"`
	Provider         string     `json:"provider"`
	UseTools         *bool      `json:"use_tools"`
	RerankingEnabled *bool      `json:"reranking_enabled"`
	UniverseID       *uuid.UUID `json:"universe_id"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
		return
	}

	var req createConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conv := &store.Conversation{
		UserID:           uid,
		Title:            req.Title,
		Provider:         req.Provider,
		UseTools:         true,
		RerankingEnabled: req.RerankingEnabled,
		UniverseID:       req.UniverseID,
	}
	if req.UseTools != nil {
		conv.UseTools = *req.UseTools
	}

	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationJSON(conv))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
		return
	}
	limit, offset := pagination(r)
	includeArchived := r.URL.Query().Get("archived") == "true"

	convs, err := s.store.ListConversations(r.Context(), uid, includeArchived, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for i := range convs {
		out = append(out, toConversationJSON(&convs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationJSON(conv))
}

type updateConversationRequest struct {
	Title            *string `json:"title"`
	Provider         *string `json:"provider"`
	UseTools         *bool   `json:"use_tools"`
	RerankingEnabled *bool   `json:"reranking_enabled"`
	ClearReranking   bool    `json:"clear_reranking"`
	Archived         *bool   `json:"archived"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req updateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Provider != nil {
		conv.Provider = *req.Provider
	}
	if req.UseTools != nil {
		conv.UseTools = *req.UseTools
	}
	if req.RerankingEnabled != nil {
		conv.RerankingEnabled = req.RerankingEnabled
	}
	// clear_reranking reverts the conversation to the global default.
	if req.ClearReranking {
		conv.RerankingEnabled = nil
	}
	if req.Archived != nil {
		conv.Archived = *req.Archived
	}

	if err := s.store.UpdateConversation(r.Context(), conv); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationJSON(conv))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
