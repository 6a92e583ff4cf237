package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/httpclient"
)

// RerankDocument is one candidate sent to the cross-encoder.
type RerankDocument struct {
	ChunkID       uuid.UUID `json:"chunk_id"`
	DocumentTitle string    `json:"document_title"`
	Content       string    `json:"content"`
	Similarity    float64   `json:"similarity"`
}

// RerankResult is one candidate as reordered by the cross-encoder.
type RerankResult struct {
	RerankDocument
	RerankScore float64 `json:"rerank_score"`
}

type rerankRequest struct {
	Query     string           `json:"query"`
	Documents []RerankDocument `json:"documents"`
	TopK      int              `json:"top_k"`
}

type rerankResponse struct {
	Results        []RerankResult `json:"results"`
	ProcessingTime float64        `json:"processing_time"`
}

// RerankerClient calls the cross-encoder reranking service. Failures
// are surfaced to the engine, which falls back to the fused order.
type RerankerClient struct {
	baseURL string
	http    *httpclient.Client
}

// NewRerankerClient builds a client from configuration. Retries are
// kept tight: reranking is an optimisation, not a dependency.
func NewRerankerClient(cfg config.RerankerConfig) *RerankerClient {
	return &RerankerClient{
		baseURL: cfg.BaseURL,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

// Rerank sends the query and candidates to the service and returns
// its top-k ordering.
func (c *RerankerClient) Rerank(ctx context.Context, query string, docs []RerankDocument, topK int) ([]RerankResult, error) {
	payload, err := json.Marshal(rerankRequest{Query: query, Documents: docs, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("reranker request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return parsed.Results, nil
}
