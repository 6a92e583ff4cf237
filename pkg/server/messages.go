package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// messageJSON is the wire form of a message.
type messageJSON struct {
	ID              uuid.UUID             `json:"id"`
	ConversationID  uuid.UUID             `json:"conversation_id"`
	Role            store.MessageRole     `json:"role"`
	Content         string                `json:"content"`
	Sources         []store.MessageSource `json:"sources"`
	Provider        string                `json:"provider,omitempty"`
	Model           string                `json:"model,omitempty"`
	TokensUsed      int                   `json:"tokens_used,omitempty"`
	ParentMessageID *uuid.UUID            `json:"parent_message_id,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
}

func toMessageJSON(m *store.Message) messageJSON {
	sources := m.Sources
	if sources == nil {
		sources = []store.MessageSource{}
	}
	return messageJSON{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Role:            m.Role,
		Content:         m.Content,
		Sources:         sources,
		Provider:        m.Provider,
		Model:           m.Model,
		TokensUsed:      m.TokensUsed,
		ParentMessageID: m.ParentMessageID,
		CreatedAt:       m.CreatedAt,
	}
}

// answerJSON wraps the assistant message with turn-level flags.
type answerJSON struct {
	Message       messageJSON `json:"message"`
	Truncated     bool        `json:"truncated"`
	TopicShift    bool        `json:"topic_shift"`
	EnrichedQuery string      `json:"enriched_query,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]messageJSON, 0, len(messages))
	for i := range messages {
		out = append(out, toMessageJSON(&messages[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "conversationID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req postMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	answer, err := s.responder.Respond(r.Context(), id, req.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.ensureTitle(r, id, req.Content)
	writeJSON(w, http.StatusCreated, answerJSON{
		Message:       toMessageJSON(answer.Message),
		Truncated:     answer.Truncated,
		TopicShift:    answer.TopicShift,
		EnrichedQuery: answer.EnrichedQuery,
	})
}

// titleRunes bounds auto-derived conversation titles.
const titleRunes = 60

// ensureTitle derives the conversation title from its first user
// message. Best-effort: a failure never affects the turn.
func (s *Server) ensureTitle(r *http.Request, conversationID uuid.UUID, content string) {
	conv, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil || conv.Title != "" {
		return
	}
	title := strings.Join(strings.Fields(content), " ")
	if runes := []rune(title); len(runes) > titleRunes {
		title = string(runes[:titleRunes]) + "…"
	}
	conv.Title = title
	if err := s.store.UpdateConversation(r.Context(), conv); err != nil {
		slog.Warn("failed to derive conversation title", "conversation_id", conversationID, "error", err)
	}
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	answer, err := s.responder.Regenerate(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, answerJSON{
		Message:   toMessageJSON(answer.Message),
		Truncated: answer.Truncated,
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	msg, err := s.store.GetMessage(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	sources := msg.Sources
	if sources == nil {
		sources = []store.MessageSource{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type ratingRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "messageID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	uid, err := userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
		return
	}
	var req ratingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Rating != 1 && req.Rating != -1 {
		writeError(w, http.StatusBadRequest, "rating must be 1 or -1")
		return
	}

	rating := &store.MessageRating{
		MessageID: id,
		UserID:    uid,
		Rating:    req.Rating,
		Feedback:  req.Feedback,
	}
	if err := s.store.UpsertRating(r.Context(), rating); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         rating.ID,
		"message_id": rating.MessageID,
		"rating":     rating.Rating,
		"feedback":   rating.Feedback,
	})
}
