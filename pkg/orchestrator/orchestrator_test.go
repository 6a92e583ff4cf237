package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famatulli1/ragfab2-sub003/pkg/conversation"
	"github.com/famatulli1/ragfab2-sub003/pkg/llms"
	"github.com/famatulli1/ragfab2-sub003/pkg/observability"
	"github.com/famatulli1/ragfab2-sub003/pkg/rag"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

func newTestOrchestrator(st MessageStore, builder ContextBuilder, engine Searcher, providers ProviderRegistry) *Orchestrator {
	return New(st, builder, engine, providers, observability.NoopMetrics{})
}

type fakeMessageStore struct {
	messages []*store.Message
}

func (f *fakeMessageStore) InsertMessage(ctx context.Context, m *store.Message) error {
	m.ID = uuid.New()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeMessageStore) GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeBuilder struct {
	turn *conversation.TurnContext
}

func (f *fakeBuilder) Build(ctx context.Context, conversationID uuid.UUID, userMessage string) (*conversation.TurnContext, error) {
	return f.turn, nil
}

type fakeSearcher struct {
	results []rag.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

// scriptedProvider replays a fixed sequence of completions.
type scriptedProvider struct {
	completions []*llms.Completion
	calls       int
}

func (f *scriptedProvider) Chat(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (*llms.Completion, error) {
	if f.calls >= len(f.completions) {
		return nil, fmt.Errorf("unexpected call %d", f.calls)
	}
	c := f.completions[f.calls]
	f.calls++
	return c, nil
}

func (f *scriptedProvider) ModelName() string { return "test-model" }

type fakeRegistry struct {
	provider llms.ChatProvider
}

func (f *fakeRegistry) Get(name string) llms.ChatProvider { return f.provider }

func toolCall(query string) llms.ToolCall {
	args, _ := json.Marshal(map[string]string{"query": query})
	return llms.ToolCall{ID: "call_1", Name: "search_knowledge_base", Arguments: args}
}

func searchResult(content string) rag.Result {
	return rag.Result{
		Chunk: store.Chunk{
			ID:               uuid.New(),
			Content:          content,
			SectionHierarchy: []string{"Guide", "Procédures"},
		},
		DocumentTitle: "Guide RH",
		Similarity:    0.91,
	}
}

func turnContext(useTools bool) *conversation.TurnContext {
	return &conversation.TurnContext{
		Conversation: &store.Conversation{
			ID:       uuid.New(),
			Provider: "mistral",
			UseTools: useTools,
		},
		SystemPrompt:   "prompt système",
		RetrievalQuery: "procédure RTT",
	}
}

func TestRespondToolLoop(t *testing.T) {
	st := &fakeMessageStore{}
	searcher := &fakeSearcher{results: []rag.Result{searchResult("Les RTT se posent via l'outil interne.")}}
	provider := &scriptedProvider{completions: []*llms.Completion{
		{ToolCalls: []llms.ToolCall{toolCall("procédure RTT")}, Usage: llms.Usage{TotalTokens: 50}},
		{Content: "Pour poser des RTT, utilisez l'outil interne.", FinishReason: "stop", Usage: llms.Usage{TotalTokens: 80}},
	}}

	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(true)}, searcher, &fakeRegistry{provider: provider})
	answer, err := o.Respond(context.Background(), uuid.New(), "comment poser mes RTT ?")
	require.NoError(t, err)

	assert.Equal(t, "Pour poser des RTT, utilisez l'outil interne.", answer.Message.Content)
	assert.False(t, answer.Truncated)
	assert.Equal(t, 130, answer.Message.TokensUsed)
	assert.Equal(t, "test-model", answer.Message.Model)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "Guide RH", answer.Sources[0].DocumentTitle)

	// The tool call's own query reached retrieval.
	assert.Equal(t, []string{"procédure RTT"}, searcher.queries)

	// User then assistant messages persisted, in order.
	require.Len(t, st.messages, 2)
	assert.Equal(t, store.RoleUser, st.messages[0].Role)
	assert.Equal(t, store.RoleAssistant, st.messages[1].Role)
	assert.Len(t, st.messages[1].Sources, 1)
}

func TestRespondIterationBound(t *testing.T) {
	st := &fakeMessageStore{}
	searcher := &fakeSearcher{results: []rag.Result{searchResult("contenu")}}
	// The model keeps calling the tool forever.
	looping := &llms.Completion{
		Content:   "Je cherche encore…",
		ToolCalls: []llms.ToolCall{toolCall("encore")},
		Usage:     llms.Usage{TotalTokens: 10},
	}
	provider := &scriptedProvider{completions: []*llms.Completion{looping, looping, looping, looping}}

	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(true)}, searcher, &fakeRegistry{provider: provider})
	answer, err := o.Respond(context.Background(), uuid.New(), "question")
	require.NoError(t, err)

	assert.True(t, answer.Truncated)
	assert.Equal(t, 3, provider.calls)
	// The partial answer from the last model turn is preserved.
	assert.Equal(t, "Je cherche encore…", answer.Message.Content)
}

func TestRespondTokenBudget(t *testing.T) {
	st := &fakeMessageStore{}
	searcher := &fakeSearcher{results: []rag.Result{searchResult("contenu")}}
	// Each model turn keeps calling the tool and burns most of the
	// budget, so the loop must stop on tokens before iterations.
	expensive := &llms.Completion{
		Content:   "Je creuse la question…",
		ToolCalls: []llms.ToolCall{toolCall("encore")},
		Usage:     llms.Usage{TotalTokens: 5000},
	}
	provider := &scriptedProvider{completions: []*llms.Completion{expensive, expensive, expensive}}

	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(true)}, searcher, &fakeRegistry{provider: provider})
	answer, err := o.Respond(context.Background(), uuid.New(), "question")
	require.NoError(t, err)

	assert.True(t, answer.Truncated)
	// 5000 tokens after the first call is under budget; 10000 after the
	// second is not, so no third call happens.
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, 10000, answer.Message.TokensUsed)
	assert.Equal(t, "Je creuse la question…", answer.Message.Content)
}

type captureLoopMetrics struct {
	observability.NoopMetrics
	llmCalls   int
	loopCalls  int
	provider   string
	iterations int
	truncated  bool
}

func (m *captureLoopMetrics) RecordLLMCall(ctx context.Context, provider string, duration time.Duration, tokens int, err error) {
	m.llmCalls++
}

func (m *captureLoopMetrics) RecordToolLoop(ctx context.Context, provider string, iterations int, truncated bool) {
	m.loopCalls++
	m.provider = provider
	m.iterations = iterations
	m.truncated = truncated
}

func TestRespondRecordsLoopMetrics(t *testing.T) {
	st := &fakeMessageStore{}
	searcher := &fakeSearcher{results: []rag.Result{searchResult("contenu")}}
	provider := &scriptedProvider{completions: []*llms.Completion{
		{ToolCalls: []llms.ToolCall{toolCall("question")}, Usage: llms.Usage{TotalTokens: 50}},
		{Content: "Réponse.", FinishReason: "stop", Usage: llms.Usage{TotalTokens: 60}},
	}}
	m := &captureLoopMetrics{}

	o := New(st, &fakeBuilder{turn: turnContext(true)}, searcher, &fakeRegistry{provider: provider}, m)
	_, err := o.Respond(context.Background(), uuid.New(), "question")
	require.NoError(t, err)

	assert.Equal(t, 2, m.llmCalls)
	assert.Equal(t, 1, m.loopCalls)
	assert.Equal(t, "mistral", m.provider)
	assert.Equal(t, 2, m.iterations)
	assert.False(t, m.truncated)
}

func TestRespondSinglePassWithoutTools(t *testing.T) {
	st := &fakeMessageStore{}
	searcher := &fakeSearcher{results: []rag.Result{searchResult("Les RTT se posent via l'outil interne.")}}
	provider := &scriptedProvider{completions: []*llms.Completion{
		{Content: "Réponse directe.", Usage: llms.Usage{TotalTokens: 60}},
	}}

	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(false)}, searcher, &fakeRegistry{provider: provider})
	answer, err := o.Respond(context.Background(), uuid.New(), "comment poser mes RTT ?")
	require.NoError(t, err)

	// Retrieval ran unconditionally before the single LLM pass.
	assert.Equal(t, 1, len(searcher.queries))
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, "Réponse directe.", answer.Message.Content)
	assert.Len(t, answer.Sources, 1)
}

func TestRespondCancelledBeforeLoop(t *testing.T) {
	st := &fakeMessageStore{}
	provider := &scriptedProvider{}
	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(true)}, &fakeSearcher{}, &fakeRegistry{provider: provider})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Respond(ctx, uuid.New(), "question")
	require.Error(t, err)
	// No assistant message persisted for a cancelled turn.
	for _, m := range st.messages {
		assert.NotEqual(t, store.RoleAssistant, m.Role)
	}
}

func TestSourceSanitisation(t *testing.T) {
	long := strings.Repeat("a", 1200)
	sources := sanitizeSources([]rag.Result{{
		Chunk:         store.Chunk{ID: uuid.New(), Content: long, Metadata: map[string]any{"page_number": 4}},
		DocumentTitle: "Doc",
		Similarity:    0.8,
	}})
	require.Len(t, sources, 1)
	assert.LessOrEqual(t, len([]rune(sources[0].ContentPreview)), 501)
	assert.Equal(t, 4, sources[0].PageNumber)
}

func TestSearchFailureReportedToModel(t *testing.T) {
	st := &fakeMessageStore{}
	searcher := &fakeSearcher{err: fmt.Errorf("database down")}
	provider := &scriptedProvider{completions: []*llms.Completion{
		{ToolCalls: []llms.ToolCall{toolCall("question")}},
		{Content: "Je n'ai pas pu consulter la base.", FinishReason: "stop"},
	}}

	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(true)}, searcher, &fakeRegistry{provider: provider})
	answer, err := o.Respond(context.Background(), uuid.New(), "question")
	require.NoError(t, err)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, "Je n'ai pas pu consulter la base.", answer.Message.Content)
}

func TestRegenerateLinksParent(t *testing.T) {
	st := &fakeMessageStore{}
	original := &store.Message{
		ConversationID: uuid.New(),
		Role:           store.RoleAssistant,
		Content:        "première réponse",
	}
	require.NoError(t, st.InsertMessage(context.Background(), original))

	provider := &scriptedProvider{completions: []*llms.Completion{
		{Content: "réponse régénérée", FinishReason: "stop"},
	}}
	o := newTestOrchestrator(st, &fakeBuilder{turn: turnContext(true)}, &fakeSearcher{}, &fakeRegistry{provider: provider})

	answer, err := o.Regenerate(context.Background(), original.ID)
	require.NoError(t, err)
	require.NotNil(t, answer.Message.ParentMessageID)
	assert.Equal(t, original.ID, *answer.Message.ParentMessageID)
	assert.Equal(t, "réponse régénérée", answer.Message.Content)
}
