package embedders

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

func testClient(t *testing.T, dimension, batchSize int, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.EmbeddingConfig{
		BaseURL:    srv.URL,
		Dimension:  dimension,
		BatchSize:  batchSize,
		TimeoutSec: 5,
	})
}

func vectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		out[i][0] = float32(i)
	}
	return out
}

func TestEmbedQueryPrefixesAndDecodes(t *testing.T) {
	var got embedRequest
	c := testClient(t, 3, 10, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors(1, 3)})
	})

	vec, err := c.EmbedQuery(context.Background(), "horaires du service")
	require.NoError(t, err)

	assert.Equal(t, []string{"query: horaires du service"}, got.Texts)
	assert.Equal(t, "query", got.InputType)
	assert.Len(t, vec, 3)
}

func TestEmbedPassagesBatchesInOrder(t *testing.T) {
	var batches [][]string
	c := testClient(t, 2, 2, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batches = append(batches, req.Texts)
		assert.Equal(t, "passage", req.InputType)
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors(len(req.Texts), 2)})
	})

	out, err := c.EmbedPassages(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, out, 3)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"passage: a", "passage: b"}, batches[0])
	assert.Equal(t, []string{"passage: c"}, batches[1])
}

func TestEmbedPassagesEmptyInput(t *testing.T) {
	c := testClient(t, 2, 2, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty input")
	})

	out, err := c.EmbedPassages(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	c := testClient(t, 1024, 10, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors(1, 8)})
	})

	_, err := c.EmbedQuery(context.Background(), "question")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestEmbedRejectsCountMismatch(t *testing.T) {
	c := testClient(t, 2, 10, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors(1, 2)})
	})

	_, err := c.EmbedPassages(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestHealthy(t *testing.T) {
	healthy := true
	c := testClient(t, 2, 10, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	require.NoError(t, c.Healthy(context.Background()))

	healthy = false
	assert.Error(t, c.Healthy(context.Background()))
}
