package rag

import (
	"strings"
	"unicode"
)

// StopwordsVersion identifies the curated French stopword list. Bump
// when the list changes so cached preprocessed queries can be
// invalidated.
const StopwordsVersion = "fr-v1"

// frenchStopwords is the curated list applied before lexical search.
// Acronyms and proper nouns survive filtering regardless.
var frenchStopwords = map[string]struct{}{}

func init() {
	words := []string{
		"a", "à", "â", "afin", "ai", "ainsi", "après", "as", "au", "aucun",
		"aucune", "aujourd", "auquel", "aussi", "autre", "autres", "aux",
		"avant", "avec", "avoir", "c", "car", "ce", "ceci", "cela", "celle",
		"celles", "celui", "cependant", "ces", "cet", "cette", "ceux", "chaque",
		"ci", "comme", "d", "dans", "de", "depuis", "des", "desquelles",
		"desquels", "dessous", "dessus", "donc", "dont", "du", "duquel",
		"elle", "elles", "en", "encore", "entre", "es", "est", "et", "étaient",
		"était", "étant", "été", "être", "eu", "eux", "fait", "faites",
		"fois", "hors", "il", "ils", "j", "je", "jusqu", "l", "la", "laquelle",
		"le", "lequel", "les", "lesquelles", "lesquels", "leur", "leurs",
		"lors", "lui", "m", "ma", "mais", "me", "même", "mes", "moi", "mon",
		"n", "ne", "ni", "non", "nos", "notre", "nous", "on", "ont", "ou",
		"où", "par", "parce", "pas", "peu", "peut", "plus", "pour", "quand",
		"que", "quel", "quelle", "quelles", "quels", "qui", "quoi", "s",
		"sa", "sans", "se", "selon", "ses", "si", "sinon", "soi", "soit",
		"son", "sont", "sous", "sur", "t", "ta", "te", "tes", "toi", "ton",
		"tous", "tout", "toute", "toutes", "tu", "un", "une", "vos", "votre",
		"vous", "y",
	}
	for _, w := range words {
		frenchStopwords[w] = struct{}{}
	}
}

// isAcronym reports whether a token is two or more uppercase letters.
func isAcronym(token string) bool {
	letters := 0
	for _, r := range token {
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 2
}

// isCapitalized reports whether a token starts with an uppercase
// letter.
func isCapitalized(token string) bool {
	for _, r := range token {
		return unicode.IsUpper(r)
	}
	return false
}

// stripPunct removes leading/trailing punctuation from a token,
// keeping interior characters (hyphenated terms, error codes).
func stripPunct(token string) string {
	return strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// LexicalQuery builds a French tsquery from a raw user query:
// punctuation stripped, stopwords removed, significant terms joined
// with the AND operator. Acronyms and mid-sentence capitalised tokens
// are kept verbatim. Returns "" when nothing significant remains, in
// which case the caller falls back to pure vector search.
func LexicalQuery(query string) string {
	var terms []string
	for i, token := range strings.Fields(query) {
		cleaned := stripPunct(token)
		if cleaned == "" {
			continue
		}
		keep := isAcronym(cleaned) || (i > 0 && isCapitalized(cleaned))
		lower := strings.ToLower(cleaned)
		if !keep {
			if _, stop := frenchStopwords[lower]; stop {
				continue
			}
		}
		terms = append(terms, lower)
	}
	return strings.Join(terms, " & ")
}

// semanticMarkers bias alpha toward vector search: open questions need
// meaning, not keywords.
var semanticMarkers = []string{"pourquoi", "comment", "expliquer", "signifie"}

// AdaptiveAlpha picks the vector/lexical balance for a query when the
// configured alpha is "auto".
func AdaptiveAlpha(query string) float64 {
	tokens := strings.Fields(query)

	for _, token := range tokens {
		if isAcronym(stripPunct(token)) {
			return 0.3
		}
	}
	for i, token := range tokens {
		if i > 0 && isCapitalized(stripPunct(token)) {
			return 0.3
		}
	}

	lower := strings.ToLower(query)
	for _, marker := range semanticMarkers {
		if strings.Contains(lower, marker) {
			return 0.7
		}
	}

	if len(tokens) <= 4 {
		return 0.4
	}
	return 0.5
}
