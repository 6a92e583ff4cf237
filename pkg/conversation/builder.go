// Package conversation builds the per-turn context handed to the LLM:
// current topic, recent exchanges, cited documents and, when the user
// message is terse, an enriched standalone query.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

const (
	// recentExchanges bounds the history loaded per turn.
	recentExchanges = 5
	// promptExchanges bounds the exchanges summarised into the
	// system prompt.
	promptExchanges = 3
	// previewChars bounds each history preview in the prompt.
	previewChars = 200
	// enrichTokenThreshold: shorter user messages are assumed to
	// lean on conversation context.
	enrichTokenThreshold = 5
)

// implicitMarkers open French follow-up questions that reference the
// current topic without naming it.
var implicitMarkers = []string{
	"comment", "pourquoi", "et si", "ça", "ca", "la ", "le ", "les ",
}

const baseSystemPrompt = `Tu es un assistant documentaire. Tu réponds en français, uniquement à partir des documents de la base de connaissances. Utilise l'outil search_knowledge_base pour chercher les passages pertinents avant de répondre. Si la base ne couvre pas la question, dis-le explicitement.`

// ConversationStore is the storage surface the builder needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, n int) ([]store.Message, error)
	SetConversationTopic(ctx context.Context, id uuid.UUID, topic string) error
	CitedDocumentTitles(ctx context.Context, conversationID uuid.UUID) ([]string, error)
}

// TurnContext is everything the orchestrator needs for one turn.
type TurnContext struct {
	Conversation *store.Conversation
	SystemPrompt string
	// RetrievalQuery is the query handed to the search engine: the
	// raw user message, or its enriched rewrite.
	RetrievalQuery string
	// Enriched is true when RetrievalQuery differs from the user
	// message.
	Enriched bool
	// TopicShift is an advisory signal that the message changes
	// subject; the UI may suggest a new conversation.
	TopicShift bool
	// CitedDocuments are the distinct document titles cited by every
	// past assistant message in this conversation, not just the
	// recent window.
	CitedDocuments []string
}

// Builder assembles turn contexts.
type Builder struct {
	store ConversationStore
	llm   llms.ChatProvider
}

// NewBuilder wires the builder. The LLM is used for topic extraction,
// query enrichment and topic-shift detection.
func NewBuilder(st ConversationStore, llm llms.ChatProvider) *Builder {
	return &Builder{store: st, llm: llm}
}

// Build prepares the turn context for a new user message. LLM
// assistance is best-effort: every helper call that fails degrades to
// the raw message rather than failing the turn.
func (b *Builder) Build(ctx context.Context, conversationID uuid.UUID, userMessage string) (*TurnContext, error) {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	history, err := b.store.RecentMessages(ctx, conversationID, recentExchanges*2)
	if err != nil {
		return nil, err
	}

	cited, err := b.store.CitedDocumentTitles(ctx, conversationID)
	if err != nil {
		// Degrade to the titles visible in the recent window.
		slog.Warn("failed to load cited documents", "error", err)
		cited = citedDocuments(history)
	}

	turn := &TurnContext{
		Conversation:   conv,
		RetrievalQuery: userMessage,
		CitedDocuments: cited,
	}

	topic := conv.CurrentTopic
	if topic == "" && len(history) > 0 {
		topic = b.extractTopic(ctx, history)
		if topic != "" {
			if err := b.store.SetConversationTopic(ctx, conversationID, topic); err != nil {
				slog.Warn("failed to cache conversation topic", "error", err)
			}
		}
	}

	if topic != "" {
		if shift := b.detectTopicShift(ctx, topic, userMessage); shift {
			turn.TopicShift = true
			// A shifted topic is stale; re-extract next turn.
			if err := b.store.SetConversationTopic(ctx, conversationID, ""); err != nil {
				slog.Warn("failed to reset conversation topic", "error", err)
			}
			topic = ""
		}
	}

	if topic != "" && needsEnrichment(userMessage) {
		if enriched := b.enrichQuery(ctx, topic, history, userMessage); enriched != "" {
			turn.RetrievalQuery = enriched
			turn.Enriched = true
		}
	}

	turn.SystemPrompt = buildSystemPrompt(topic, history, turn.CitedDocuments)
	return turn, nil
}

// needsEnrichment reports whether the message is too terse or too
// implicit to retrieve on directly.
func needsEnrichment(message string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(message))
	if len(strings.Fields(trimmed)) <= enrichTokenThreshold {
		return true
	}
	for _, marker := range implicitMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}

// citedDocuments collects the distinct document titles cited within
// the recent history window, in first-cited order. Fallback for when
// the full-conversation lookup fails.
func citedDocuments(history []store.Message) []string {
	seen := make(map[string]bool)
	var titles []string
	for _, m := range history {
		for _, src := range m.Sources {
			if !seen[src.DocumentTitle] {
				seen[src.DocumentTitle] = true
				titles = append(titles, src.DocumentTitle)
			}
		}
	}
	return titles
}

// extractTopic asks the LLM for a 3-5 word topic of the conversation.
func (b *Builder) extractTopic(ctx context.Context, history []store.Message) string {
	prompt := "Résume le sujet de cette conversation en 3 à 5 mots, sans ponctuation:\n\n" +
		renderHistory(history, recentExchanges)
	completion, err := b.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		slog.Warn("topic extraction failed", "error", err)
		return ""
	}
	topic := strings.TrimSpace(completion.Content)
	if len(strings.Fields(topic)) > 8 {
		// The model rambled; an unusable topic is worse than none.
		return ""
	}
	return topic
}

// enrichQuery rewrites a terse follow-up into a standalone query that
// names the current topic.
func (b *Builder) enrichQuery(ctx context.Context, topic string, history []store.Message, message string) string {
	prompt := fmt.Sprintf(
		"Sujet de la conversation : %s\n\nDerniers échanges :\n%s\nQuestion de l'utilisateur : %q\n\n"+
			"Réécris cette question en une question autonome qui mentionne explicitement le sujet. "+
			"Réponds uniquement avec la question réécrite.",
		topic, renderHistory(history, promptExchanges), message)

	completion, err := b.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		slog.Warn("query enrichment failed, using raw message", "error", err)
		return ""
	}
	enriched := strings.Trim(strings.TrimSpace(completion.Content), `"`)
	if enriched == "" {
		return ""
	}
	slog.Info("query enriched", "original", message, "enriched", enriched)
	return enriched
}

// detectTopicShift asks the LLM whether the message leaves the stored
// topic. Advisory only: errors mean "no shift".
func (b *Builder) detectTopicShift(ctx context.Context, topic, message string) bool {
	prompt := fmt.Sprintf(
		"Sujet actuel : %s\nNouveau message : %q\n\n"+
			"Ce message porte-t-il sur le même sujet ? Réponds uniquement par OUI ou NON.",
		topic, message)

	completion, err := b.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		slog.Warn("topic shift detection failed", "error", err)
		return false
	}
	answer := strings.ToUpper(strings.TrimSpace(completion.Content))
	return strings.HasPrefix(answer, "NON")
}

// buildSystemPrompt appends the conversation context to the base
// template. Raw history is never passed to the model; each turn is a
// fresh single-message prompt so the model reliably reaches for the
// search tool.
func buildSystemPrompt(topic string, history []store.Message, cited []string) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)

	if topic != "" {
		sb.WriteString("\n\nSujet en cours : ")
		sb.WriteString(topic)
	}

	if rendered := renderHistory(history, promptExchanges); rendered != "" {
		sb.WriteString("\n\nDerniers échanges :\n")
		sb.WriteString(rendered)
	}

	if len(cited) > 0 {
		sb.WriteString("\nDocuments déjà cités : ")
		sb.WriteString(strings.Join(cited, ", "))
	}
	return sb.String()
}

// renderHistory renders the last n exchanges as compact role-prefixed
// previews.
func renderHistory(history []store.Message, n int) string {
	start := len(history) - n*2
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, m := range history[start:] {
		preview := m.Content
		if len([]rune(preview)) > previewChars {
			preview = string([]rune(preview)[:previewChars]) + "…"
		}
		label := "Utilisateur"
		if m.Role == store.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&sb, "%s : %s\n", label, preview)
	}
	return sb.String()
}
