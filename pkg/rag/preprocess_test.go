package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLexicalQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{
			name:     "stopwords removed",
			query:    "comment créer une procédure de remboursement",
			expected: "comment & créer & procédure & remboursement",
		},
		{
			name:     "acronym preserved",
			query:    "la procédure RTT",
			expected: "procédure & rtt",
		},
		{
			name:     "proper noun after first position preserved",
			query:    "le contrat Alptis",
			expected: "contrat & alptis",
		},
		{
			name:     "punctuation stripped",
			query:    "erreur 6102, que faire ?",
			expected: "erreur & 6102 & faire",
		},
		{
			name:     "only stopwords yields empty",
			query:    "et si la le les",
			expected: "",
		},
		{
			name:     "empty query",
			query:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LexicalQuery(tt.query))
		})
	}
}

func TestAdaptiveAlpha(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected float64
	}{
		{"acronym biases lexical", "procédure RTT", 0.3},
		{"proper noun biases lexical", "le contrat Alptis de janvier", 0.3},
		{"pourquoi biases semantic", "pourquoi mon dossier est-il bloqué exactement", 0.7},
		{"comment biases semantic", "comment déclarer un sinistre en ligne", 0.7},
		{"short query", "déclarer un sinistre", 0.4},
		{"default", "je voudrais déclarer un sinistre habitation", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, AdaptiveAlpha(tt.query), 1e-9)
		})
	}
}

func TestAdaptiveAlphaAcronymWinsOverSemantic(t *testing.T) {
	// Acronym detection runs before semantic markers.
	assert.InDelta(t, 0.3, AdaptiveAlpha("comment poser mes RTT"), 1e-9)
}

func TestIsAcronym(t *testing.T) {
	assert.True(t, isAcronym("RTT"))
	assert.True(t, isAcronym("TP"))
	assert.False(t, isAcronym("R"))
	assert.False(t, isAcronym("Rtt"))
	assert.False(t, isAcronym("rtt"))
}
