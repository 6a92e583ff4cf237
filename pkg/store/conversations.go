package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, user_id, title, provider, use_tools,
	reranking_enabled, universe_id, current_topic, archived,
	message_count, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Provider, &c.UseTools,
		&c.RerankingEnabled, &c.UniverseID, &c.CurrentTopic, &c.Archived,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &c, nil
}

// CreateConversation inserts a new conversation and fills in the
// generated fields.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title, provider, use_tools,
			reranking_enabled, universe_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		c.UserID, c.Title, c.Provider, c.UseTools, c.RerankingEnabled, c.UniverseID,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// ListConversations returns a user's conversations, most recently
// active first. Archived conversations are included only on request.
func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID, includeArchived bool, limit, offset int) ([]Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = $1`
	if !includeArchived {
		query += ` AND NOT archived`
	}
	query += ` ORDER BY updated_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Provider, &c.UseTools,
			&c.RerankingEnabled, &c.UniverseID, &c.CurrentTopic, &c.Archived,
			&c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversation persists mutable conversation settings.
func (s *Store) UpdateConversation(ctx context.Context, c *Conversation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET title = $2, provider = $3, use_tools = $4,
		    reranking_enabled = $5, universe_id = $6, archived = $7,
		    updated_at = now()
		WHERE id = $1`,
		c.ID, c.Title, c.Provider, c.UseTools, c.RerankingEnabled, c.UniverseID, c.Archived)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationTopic caches the extracted topic.
func (s *Store) SetConversationTopic(ctx context.Context, id uuid.UUID, topic string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET current_topic = $2 WHERE id = $1`, id, topic)
	if err != nil {
		return fmt.Errorf("failed to set conversation topic: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage appends a message. Sources are serialised to JSONB;
// the message-count trigger keeps the conversation aggregate in step.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	sources := m.Sources
	if sources == nil {
		sources = []MessageSource{}
	}
	payload, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, sources,
			provider, model, tokens_used, parent_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		m.ConversationID, m.Role, m.Content, payload,
		m.Provider, m.Model, m.TokensUsed, m.ParentMessageID,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, role, content, sources, provider,
		       model, tokens_used, parent_message_id, created_at
		FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var sources []byte
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sources,
		&m.Provider, &m.Model, &m.TokensUsed, &m.ParentMessageID, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if err := json.Unmarshal(sources, &m.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in chronological
// order.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, sources, provider,
		       model, tokens_used, parent_message_id, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sources []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sources,
			&m.Provider, &m.Model, &m.TokensUsed, &m.ParentMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(sources, &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecentMessages returns the last n messages of a conversation in
// chronological order. Used to build the model context window.
func (s *Store) RecentMessages(ctx context.Context, conversationID uuid.UUID, n int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, sources, provider,
		       model, tokens_used, parent_message_id, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sources []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sources,
			&m.Provider, &m.Model, &m.TokensUsed, &m.ParentMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(sources, &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CitedDocumentTitles returns the distinct document titles cited by
// every assistant message of a conversation, in first-cited order.
func (s *Store) CitedDocumentTitles(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src->>'document_title'
		FROM messages m, jsonb_array_elements(m.sources) src
		WHERE m.conversation_id = $1 AND m.role = 'assistant'
		ORDER BY m.created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cited documents: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("failed to scan cited title: %w", err)
		}
		if !seen[title] {
			seen[title] = true
			titles = append(titles, title)
		}
	}
	return titles, rows.Err()
}

// UpsertRating records a user's rating of a message. Ratings are
// one-per-message: a second rating replaces the first in place, and
// the rating trigger re-fires the analyser notification on a change
// to thumbs-down.
func (s *Store) UpsertRating(ctx context.Context, r *MessageRating) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO message_ratings (message_id, user_id, rating, feedback)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			rating = EXCLUDED.rating,
			feedback = EXCLUDED.feedback,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		r.MessageID, r.UserID, r.Rating, r.Feedback,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rating: %w", err)
	}
	return nil
}

// GetRating fetches a rating by id.
func (s *Store) GetRating(ctx context.Context, id uuid.UUID) (*MessageRating, error) {
	var r MessageRating
	err := s.pool.QueryRow(ctx, `
		SELECT id, message_id, user_id, rating, feedback, created_at, updated_at
		FROM message_ratings WHERE id = $1`, id,
	).Scan(&r.ID, &r.MessageID, &r.UserID, &r.Rating, &r.Feedback, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rating: %w", err)
	}
	return &r, nil
}

// InsertNotification queues a user-facing notification.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, kind, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		n.UserID, n.Kind, n.Payload,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
