// Package orchestrator drives one conversational turn: persist the
// user message, run the LLM tool loop against the retrieval engine,
// and persist the assistant answer with sanitised sources.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/conversation"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/rag"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

const (
	// maxToolIterations bounds the tool loop.
	maxToolIterations = 3
	// maxLoopTokens bounds the cumulative tokens a single turn may
	// spend across tool-loop iterations.
	maxLoopTokens = 8000
	// sourcePreviewChars bounds the content preview persisted per
	// source. Full chunk content is never persisted in sources.
	sourcePreviewChars = 500
)

// Tool-loop states.
type loopState int

const (
	stateAwaitModel loopState = iota
	stateAwaitTool
	stateFinalised
	stateAborted
)

// searchTool is the single tool exposed to the model.
var searchTool = llms.ToolDefinition{
	Name:        "search_knowledge_base",
	Description: "Recherche des passages pertinents dans la base documentaire. Appelle cet outil avant de répondre.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "La question à rechercher, reformulée de façon autonome.",
			},
		},
		"required": []string{"query"},
	},
}

// MessageStore is the storage surface the orchestrator needs.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error)
}

// Searcher runs retrieval for tool calls.
type Searcher interface {
	Search(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.Result, error)
}

// ContextBuilder prepares the per-turn context.
type ContextBuilder interface {
	Build(ctx context.Context, conversationID uuid.UUID, userMessage string) (*conversation.TurnContext, error)
}

// ProviderRegistry resolves the conversation's provider.
type ProviderRegistry interface {
	Get(name string) llms.ChatProvider
}

// Answer is the outcome of one turn.
type Answer struct {
	Message *store.Message
	Sources []store.MessageSource
	// Truncated is set when the tool loop hit its iteration bound or
	// token budget and the answer may be partial.
	Truncated bool
	// TopicShift is the builder's advisory new-conversation signal.
	TopicShift bool
	// EnrichedQuery is the rewritten retrieval query, empty when the
	// raw message was used.
	EnrichedQuery string
}

// Orchestrator runs conversational turns.
type Orchestrator struct {
	store     MessageStore
	builder   ContextBuilder
	engine    Searcher
	providers ProviderRegistry
	metrics   observability.Metrics
}

// New wires the orchestrator.
func New(st MessageStore, builder ContextBuilder, engine Searcher, providers ProviderRegistry, metrics observability.Metrics) *Orchestrator {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Orchestrator{store: st, builder: builder, engine: engine, providers: providers, metrics: metrics}
}

// Respond handles one user message end to end. Cancellation is
// honoured between tool-loop iterations; a cancelled turn persists
// nothing beyond the user message.
func (o *Orchestrator) Respond(ctx context.Context, conversationID uuid.UUID, userMessage string) (*Answer, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, fmt.Errorf("empty message")
	}

	turn, err := o.builder.Build(ctx, conversationID, userMessage)
	if err != nil {
		return nil, err
	}
	conv := turn.Conversation

	userMsg := &store.Message{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        userMessage,
	}
	if err := o.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	provider := o.providers.Get(conv.Provider)
	searchOpts := rag.SearchOptions{Rerank: conv.RerankingEnabled}
	if conv.UniverseID != nil {
		searchOpts.Universes = []uuid.UUID{*conv.UniverseID}
	}

	var content string
	var sources []store.MessageSource
	var tokens int
	truncated := false

	if conv.UseTools {
		content, sources, tokens, truncated, err = o.toolLoop(ctx, provider, turn, searchOpts)
	} else {
		content, sources, tokens, err = o.singlePass(ctx, provider, turn, searchOpts)
	}
	if err != nil {
		return nil, err
	}

	assistantMsg := &store.Message{
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		Sources:        sources,
		Provider:       conv.Provider,
		Model:          provider.ModelName(),
		TokensUsed:     tokens,
	}
	if err := o.store.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	answer := &Answer{
		Message:    assistantMsg,
		Sources:    sources,
		Truncated:  truncated,
		TopicShift: turn.TopicShift,
	}
	if turn.Enriched {
		answer.EnrichedQuery = turn.RetrievalQuery
	}
	return answer, nil
}

// Regenerate produces a fresh assistant answer for the user message
// that preceded a given assistant message. The original message is
// never mutated; the new one links to it via parent_message_id.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID uuid.UUID) (*Answer, error) {
	original, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if original.Role != store.RoleAssistant {
		return nil, fmt.Errorf("only assistant messages can be regenerated")
	}

	turn, err := o.builder.Build(ctx, original.ConversationID, "")
	if err != nil {
		return nil, err
	}
	conv := turn.Conversation

	provider := o.providers.Get(conv.Provider)
	searchOpts := rag.SearchOptions{Rerank: conv.RerankingEnabled}
	if conv.UniverseID != nil {
		searchOpts.Universes = []uuid.UUID{*conv.UniverseID}
	}

	content, sources, tokens, truncated, err := o.toolLoop(ctx, provider, turn, searchOpts)
	if err != nil {
		return nil, err
	}

	regenerated := &store.Message{
		ConversationID:  original.ConversationID,
		Role:            store.RoleAssistant,
		Content:         content,
		Sources:         sources,
		Provider:        conv.Provider,
		Model:           provider.ModelName(),
		TokensUsed:      tokens,
		ParentMessageID: &original.ID,
	}
	if err := o.store.InsertMessage(ctx, regenerated); err != nil {
		return nil, err
	}
	return &Answer{Message: regenerated, Sources: sources, Truncated: truncated}, nil
}

// toolLoop runs the {await-model, await-tool, finalised, aborted}
// state machine around the provider. The loop aborts with a partial
// answer after maxToolIterations or once the turn's cumulative token
// spend passes maxLoopTokens.
func (o *Orchestrator) toolLoop(ctx context.Context, provider llms.ChatProvider, turn *conversation.TurnContext, searchOpts rag.SearchOptions) (string, []store.MessageSource, int, bool, error) {
	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: turn.SystemPrompt},
		{Role: llms.RoleUser, Content: turn.RetrievalQuery},
	}
	providerName := turn.Conversation.Provider

	var sources []store.MessageSource
	tokens := 0
	content := ""
	state := stateAwaitModel
	iterations := 0

	for state != stateFinalised && state != stateAborted {
		if err := ctx.Err(); err != nil {
			return "", nil, 0, false, err
		}
		if iterations >= maxToolIterations {
			slog.Warn("tool loop exceeded iteration bound, returning partial answer",
				"iterations", iterations)
			state = stateAborted
			break
		}
		if tokens >= maxLoopTokens {
			slog.Warn("tool loop exceeded token budget, returning partial answer",
				"tokens", tokens, "iterations", iterations)
			state = stateAborted
			break
		}

		start := time.Now()
		completion, err := provider.Chat(ctx, messages, []llms.ToolDefinition{searchTool})
		used := 0
		if err == nil {
			used = completion.Usage.TotalTokens
		}
		o.metrics.RecordLLMCall(ctx, providerName, time.Since(start), used, err)
		if err != nil {
			return "", nil, 0, false, fmt.Errorf("llm request failed: %w", err)
		}
		iterations++
		tokens += used

		if len(completion.ToolCalls) == 0 {
			content = completion.Content
			state = stateFinalised
			break
		}

		state = stateAwaitTool
		// Keep whatever text came with the tool calls; it is the
		// best partial answer if the loop aborts.
		content = completion.Content
		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})

		for _, call := range completion.ToolCalls {
			result, callSources := o.executeSearch(ctx, call, turn.RetrievalQuery, searchOpts)
			sources = mergeSources(sources, callSources)
			messages = append(messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		state = stateAwaitModel
	}

	truncated := state == stateAborted
	o.metrics.RecordToolLoop(ctx, providerName, iterations, truncated)
	return content, sources, tokens, truncated, nil
}

// singlePass retrieves unconditionally and inlines the results in the
// prompt; used when tools are disabled for the conversation.
func (o *Orchestrator) singlePass(ctx context.Context, provider llms.ChatProvider, turn *conversation.TurnContext, searchOpts rag.SearchOptions) (string, []store.MessageSource, int, error) {
	results, err := o.engine.Search(ctx, turn.RetrievalQuery, searchOpts)
	if err != nil {
		return "", nil, 0, err
	}

	var sb strings.Builder
	sb.WriteString(turn.SystemPrompt)
	sb.WriteString("\n\nPassages de la base documentaire :\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s\n", i+1, r.DocumentTitle, r.Chunk.Content)
	}

	start := time.Now()
	completion, err := provider.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: sb.String()},
		{Role: llms.RoleUser, Content: turn.RetrievalQuery},
	}, nil)
	used := 0
	if err == nil {
		used = completion.Usage.TotalTokens
	}
	o.metrics.RecordLLMCall(ctx, turn.Conversation.Provider, time.Since(start), used, err)
	if err != nil {
		return "", nil, 0, fmt.Errorf("llm request failed: %w", err)
	}
	return completion.Content, sanitizeSources(results), used, nil
}

// executeSearch runs one search_knowledge_base call. Tool failures are
// reported to the model as text so it can answer from what it has.
func (o *Orchestrator) executeSearch(ctx context.Context, call llms.ToolCall, fallbackQuery string, opts rag.SearchOptions) (string, []store.MessageSource) {
	if call.Name != searchTool.Name {
		return fmt.Sprintf("outil inconnu : %s", call.Name), nil
	}

	var args struct {
		Query string `json:"query"`
	}
	query := fallbackQuery
	if err := json.Unmarshal(call.Arguments, &args); err == nil && strings.TrimSpace(args.Query) != "" {
		query = args.Query
	}

	results, err := o.engine.Search(ctx, query, opts)
	if err != nil {
		slog.Error("tool search failed", "query", query, "error", err)
		return "La recherche documentaire a échoué. Réponds avec les informations déjà disponibles.", nil
	}
	if len(results) == 0 {
		return "Aucun passage pertinent trouvé dans la base documentaire.", nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (similarité %.3f)\n%s\n\n", i+1, r.DocumentTitle, r.Similarity, r.Chunk.Content)
	}
	return sb.String(), sanitizeSources(results)
}

// sanitizeSources converts retrieval results to the persisted source
// form: truncated preview, never the full content.
func sanitizeSources(results []rag.Result) []store.MessageSource {
	sources := make([]store.MessageSource, 0, len(results))
	for _, r := range results {
		preview := r.Chunk.Content
		if len([]rune(preview)) > sourcePreviewChars {
			preview = string([]rune(preview)[:sourcePreviewChars]) + "…"
		}
		pageNumber := 0
		if pn, ok := r.Chunk.Metadata["page_number"].(int); ok {
			pageNumber = pn
		}
		sources = append(sources, store.MessageSource{
			ChunkID:        r.Chunk.ID,
			DocumentTitle:  r.DocumentTitle,
			Similarity:     r.Similarity,
			ContentPreview: preview,
			PageNumber:     pageNumber,
			SectionTitles:  r.Chunk.SectionHierarchy,
		})
	}
	return sources
}

// mergeSources appends new sources, deduplicating by chunk id.
func mergeSources(existing, added []store.MessageSource) []store.MessageSource {
	seen := make(map[uuid.UUID]bool, len(existing))
	for _, s := range existing {
		seen[s.ChunkID] = true
	}
	for _, s := range added {
		if !seen[s.ChunkID] {
			seen[s.ChunkID] = true
			existing = append(existing, s)
		}
	}
	return existing
}
