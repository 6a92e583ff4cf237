package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/httpclient"
)

// Provider names form a sealed set; selection happens per
// conversation.
const (
	ProviderMistral     = "mistral"
	ProviderChocolatine = "chocolatine"
)

// ChatProvider is the capability both providers share.
type ChatProvider interface {
	// Chat runs one completion. tools may be nil for plain chat.
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (*Completion, error)
	// ModelName identifies the configured model, recorded on
	// assistant messages.
	ModelName() string
}

// Client is an OpenAI-compatible chat-completions client.
type Client struct {
	cfg  config.LLMProviderConfig
	http *httpclient.Client
}

// NewClient builds a client for one provider endpoint.
func NewClient(cfg config.LLMProviderConfig) *Client {
	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

// Registry resolves provider names to configured clients.
type Registry struct {
	providers map[string]ChatProvider
	fallback  string
}

// NewRegistry wires the sealed provider set from configuration.
func NewRegistry(cfg config.LLMConfig) *Registry {
	return &Registry{
		providers: map[string]ChatProvider{
			ProviderMistral:     NewClient(cfg.Mistral),
			ProviderChocolatine: NewClient(cfg.Chocolatine),
		},
		fallback: cfg.Provider,
	}
}

// Get returns the provider for a name, falling back to the configured
// default for unknown or empty names.
func (r *Registry) Get(name string) ChatProvider {
	if p, ok := r.providers[name]; ok {
		return p
	}
	return r.providers[r.fallback]
}

func (c *Client) ModelName() string {
	return c.cfg.Model
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage     `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Chat runs one completion against the provider.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (*Completion, error) {
	request := chatRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	for _, m := range messages {
		cm := chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chatFunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		request.Messages = append(request.Messages, cm)
	}
	for _, t := range tools {
		request.Tools = append(request.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(tools) > 0 {
		request.ToolChoice = "auto"
	}

	response, err := c.makeRequest(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("provider error: %s (type: %s, code: %s)",
			response.Error.Message, response.Error.Type, response.Error.Code)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	choice := response.Choices[0]
	completion := &Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        response.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return completion, nil
}

func (c *Client) makeRequest(ctx context.Context, request chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var parsed struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
			return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	return &response, nil
}
