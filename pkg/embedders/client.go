// Package embedders talks to the embedding inference service.
//
// The service exposes POST /embed and returns one fixed-dimension
// vector per input text. Texts are prefixed by role ("query: " or
// "passage: ") as the underlying model expects asymmetric inputs.
package embedders

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

// InputType tells the model which side of the retrieval pair a text
// belongs to.
type InputType string

const (
	InputQuery   InputType = "query"
	InputPassage InputType = "passage"
)

type embedRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Client is an HTTP client for the embedding service.
type Client struct {
	baseURL   string
	dimension int
	batchSize int
	http      *httpclient.Client
}

// New builds a client from configuration.
func New(cfg config.EmbeddingConfig) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

// Dimension returns the vector width the service produces.
func (c *Client) Dimension() int {
	return c.dimension
}

// EmbedQuery embeds a single search query with the query prefix.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{"query: " + text}, InputQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedPassages embeds document chunks with the passage prefix,
// batching requests to the configured batch size. Output order matches
// input order.
func (c *Client) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = "passage: " + t
	}

	results := make([][]float32, 0, len(prefixed))
	for start := 0; start < len(prefixed); start += c.batchSize {
		end := start + c.batchSize
		if end > len(prefixed) {
			end = len(prefixed)
		}
		vectors, err := c.embed(ctx, prefixed[start:end], InputPassage)
		if err != nil {
			return nil, fmt.Errorf("batch %d failed: %w", start/c.batchSize, err)
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (c *Client) embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Texts: texts, InputType: string(inputType)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("embedding service request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors",
			len(texts), len(parsed.Embeddings))
	}
	for i, v := range parsed.Embeddings {
		if len(v) != c.dimension {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), c.dimension)
		}
	}
	return parsed.Embeddings, nil
}

// Healthy probes the service's health endpoint with a short timeout.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("embedding service unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
