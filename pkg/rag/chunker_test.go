package rag

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// wordCounter approximates one token per word, which keeps the chunk
// boundary arithmetic exact in tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func (wordCounter) Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text
	}
	return strings.Join(words[:maxTokens], " ")
}

func makeText(words int) string {
	var sb strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			if i%100 == 0 {
				sb.WriteString("\n\n")
			} else {
				sb.WriteString(" ")
			}
		}
		fmt.Fprintf(&sb, "mot%d", i)
	}
	return sb.String()
}

func flatChunker(overlap int) *Chunker {
	cfg := config.ChunkerConfig{Overlap: overlap}
	return NewChunker(cfg, wordCounter{})
}

func TestChunkEmptyDocumentRejected(t *testing.T) {
	_, err := flatChunker(0).Chunk("   \n  ", nil)
	assert.Error(t, err)
}

func TestChunkVerySmallDocumentStaysWhole(t *testing.T) {
	set, err := flatChunker(0).Chunk(makeText(700), nil)
	require.NoError(t, err)
	require.Len(t, set.Parents, 1)
	assert.Equal(t, SizeVerySmall, set.Parents[0].Metadata["size_category"])
	assert.Equal(t, 0, set.Parents[0].ChunkIndex)
}

func TestChunkBoundaryAt800Words(t *testing.T) {
	// Exactly 800 words falls under the small policy, not very_small.
	set, err := flatChunker(0).Chunk(makeText(800), nil)
	require.NoError(t, err)
	assert.Equal(t, SizeSmall, set.Parents[0].Metadata["size_category"])
}

func TestChunkIndexesContiguous(t *testing.T) {
	set, err := flatChunker(50).Chunk(makeText(6000), nil)
	require.NoError(t, err)
	require.Greater(t, len(set.Parents), 1)
	for i, c := range set.Parents {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, SizeLarge, c.Metadata["size_category"])
		assert.Equal(t, store.ChunkLevelParent, c.ChunkLevel)
	}
}

func TestChunkTokenBudgetRespected(t *testing.T) {
	set, err := flatChunker(0).Chunk(makeText(6000), nil)
	require.NoError(t, err)
	for _, c := range set.Parents {
		// Large policy targets 512 tokens per chunk.
		assert.LessOrEqual(t, c.TokenCount, 512+120,
			"chunk %d exceeds the target by more than one paragraph", c.ChunkIndex)
	}
}

func TestChunkDocumentPositionMonotonic(t *testing.T) {
	set, err := flatChunker(0).Chunk(makeText(6000), nil)
	require.NoError(t, err)
	last := -1.0
	for _, c := range set.Parents {
		assert.GreaterOrEqual(t, c.DocumentPosition, 0.0)
		assert.LessOrEqual(t, c.DocumentPosition, 1.0)
		assert.Greater(t, c.DocumentPosition, last)
		last = c.DocumentPosition
	}
}

func TestChunkHeadingMetadata(t *testing.T) {
	text := "Introduction générale du guide pratique.\n\n" +
		strings.Repeat("contenu ", 80) + "\n\n" +
		"Détails de la procédure standard ici.\n\n" +
		strings.Repeat("suite ", 80)
	headings := []Heading{
		{Title: "Guide", Level: 1, Offset: 0},
		{Title: "Procédure", Level: 2, Offset: len([]rune(text)) / 2},
	}

	set, err := flatChunker(0).Chunk(text, headings)
	require.NoError(t, err)
	require.NotEmpty(t, set.Parents)
	first := set.Parents[0]
	assert.Equal(t, []string{"Guide"}, first.SectionHierarchy)
	assert.Equal(t, "Guide", first.HeadingContext)
}

func TestChunkHierarchicalMode(t *testing.T) {
	cfg := config.ChunkerConfig{
		Hierarchical: true,
		ParentTokens: 400,
		ChildTokens:  100,
		Overlap:      0,
	}
	set, err := NewChunker(cfg, wordCounter{}).Chunk(makeText(3000), nil)
	require.NoError(t, err)

	require.Greater(t, len(set.Parents), 1)
	require.Greater(t, len(set.Children), len(set.Parents))

	for i, child := range set.Children {
		assert.Equal(t, len(set.Parents)+i, child.ChunkIndex)
		assert.Equal(t, store.ChunkLevelChild, child.ChunkLevel)
		pi, ok := set.ParentOf[i]
		require.True(t, ok, "child %d has no parent mapping", i)
		assert.Less(t, pi, len(set.Parents))
	}

	// Both levels land in one table with a per-document unique index,
	// so every chunk_index must be distinct across parents and children.
	seen := map[int]bool{}
	for _, c := range append(append([]store.Chunk{}, set.Parents...), set.Children...) {
		require.False(t, seen[c.ChunkIndex], "duplicate chunk_index %d", c.ChunkIndex)
		seen[c.ChunkIndex] = true
	}

	// Children cover their parents' content.
	var parentWords, childWords int
	for _, p := range set.Parents {
		parentWords += p.TokenCount
	}
	for _, c := range set.Children {
		childWords += c.TokenCount
	}
	assert.GreaterOrEqual(t, childWords, parentWords*9/10)
}

func TestChunkReingestionDeterministic(t *testing.T) {
	text := makeText(4000)
	first, err := flatChunker(100).Chunk(text, nil)
	require.NoError(t, err)
	second, err := flatChunker(100).Chunk(text, nil)
	require.NoError(t, err)
	require.Equal(t, len(first.Parents), len(second.Parents))
	for i := range first.Parents {
		assert.Equal(t, first.Parents[i].Content, second.Parents[i].Content)
	}
}

func TestPolicyThresholds(t *testing.T) {
	tests := []struct {
		words    int
		target   int
		category string
	}{
		{100, 4000, SizeVerySmall},
		{799, 4000, SizeVerySmall},
		{800, 1500, SizeSmall},
		{1999, 1500, SizeSmall},
		{2000, 800, SizeMedium},
		{4999, 800, SizeMedium},
		{5000, 512, SizeLarge},
	}
	for _, tt := range tests {
		target, category := policy(tt.words)
		assert.Equal(t, tt.target, target, "words=%d", tt.words)
		assert.Equal(t, tt.category, category, "words=%d", tt.words)
	}
}
