package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
)

func testClient(url string) *Client {
	cfg := config.LLMProviderConfig{
		BaseURL:    url,
		APIKey:     "test-key",
		Model:      "mistral-small-latest",
		MaxTokens:  512,
		TimeoutSec: 5,
		MaxRetries: 1,
	}
	return NewClient(cfg)
}

func TestChatFinalAnswer(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "Voici la réponse."},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
		})
	}))
	defer server.Close()

	completion, err := testClient(server.URL).Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "Tu es un assistant."},
		{Role: RoleUser, Content: "Bonjour"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Voici la réponse.", completion.Content)
	assert.Empty(t, completion.ToolCalls)
	assert.Equal(t, 120, completion.Usage.TotalTokens)
	assert.Equal(t, "mistral-small-latest", captured.Model)
	assert.Empty(t, captured.ToolChoice)
}

func TestChatToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "search_knowledge_base", req.Tools[0].Function.Name)
		assert.Equal(t, "auto", req.ToolChoice)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "search_knowledge_base",
							"arguments": `{"query":"procédure RTT"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer server.Close()

	tools := []ToolDefinition{{
		Name:        "search_knowledge_base",
		Description: "Recherche dans la base documentaire",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}}

	completion, err := testClient(server.URL).Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "Combien de RTT ?"}}, tools)
	require.NoError(t, err)

	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "search_knowledge_base", completion.ToolCalls[0].Name)
	assert.Equal(t, "tool_calls", completion.FinishReason)

	var args struct {
		Query string `json:"query"`
	}
	require.NoError(t, json.Unmarshal(completion.ToolCalls[0].Arguments, &args))
	assert.Equal(t, "procédure RTT", args.Query)
}

func TestChatProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "auth"},
		})
	}))
	defer server.Close()

	_, err := testClient(server.URL).Chat(context.Background(),
		[]Message{{Role: RoleUser, Content: "test"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestRegistryFallback(t *testing.T) {
	registry := NewRegistry(config.LLMConfig{
		Provider:    ProviderMistral,
		Mistral:     config.LLMProviderConfig{Model: "mistral-small-latest"},
		Chocolatine: config.LLMProviderConfig{Model: "chocolatine-2-14b"},
	})

	assert.Equal(t, "chocolatine-2-14b", registry.Get(ProviderChocolatine).ModelName())
	assert.Equal(t, "mistral-small-latest", registry.Get("unknown").ModelName())
	assert.Equal(t, "mistral-small-latest", registry.Get("").ModelName())
}
