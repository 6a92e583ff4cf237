// Package rag implements the retrieval pipeline: size-adaptive
// chunking, query preprocessing, hybrid vector+lexical fusion,
// parent/child resolution and cross-encoder reranking.
package rag

import (
	"fmt"
	"strings"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
	"github.com/famatulli1/ragfab2-sub003/pkg/store"
)

// Heading is one heading annotation from the document reader, located
// by rune offset into the normalised text.
type Heading struct {
	Title  string
	Level  int
	Offset int
}

// Size categories recorded in chunk metadata.
const (
	SizeVerySmall = "very_small"
	SizeSmall     = "small"
	SizeMedium    = "medium"
	SizeLarge     = "large"
)

// ChunkSet is the chunker's output. In flat mode only Parents is
// populated (every chunk is level parent). In hierarchical mode
// Children holds the retrieval units, numbered after the parents so
// both levels share one per-document index space, and ParentOf maps
// each child's position in Children to its parent's index.
type ChunkSet struct {
	Parents  []store.Chunk
	Children []store.Chunk
	ParentOf map[int]int
}

// Counter abstracts token counting for the chunker.
type Counter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// Chunker splits normalised document text into token-bounded chunks
// with structural metadata.
type Chunker struct {
	cfg     config.ChunkerConfig
	counter Counter
}

// NewChunker builds a chunker; the token counter is shared across
// documents.
func NewChunker(cfg config.ChunkerConfig, counter Counter) *Chunker {
	return &Chunker{cfg: cfg, counter: counter}
}

// Overlap returns the configured token overlap, recorded in document
// metadata for re-ingestion comparisons.
func (c *Chunker) Overlap() int {
	return c.cfg.Overlap
}

// policy returns the target chunk size in tokens and the size
// category for a document of the given word count. Documents under
// 800 words stay whole so that short procedures keep their context.
func policy(wordCount int) (targetTokens int, category string) {
	switch {
	case wordCount < 800:
		return 4000, SizeVerySmall
	case wordCount < 2000:
		return 1500, SizeSmall
	case wordCount < 5000:
		return 800, SizeMedium
	default:
		return 512, SizeLarge
	}
}

// Chunk splits text according to the adaptive policy. Headings may be
// nil when the reader produced no structure.
func (c *Chunker) Chunk(text string, headings []Heading) (*ChunkSet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("document is empty")
	}
	wordCount := len(strings.Fields(text))
	target, category := policy(wordCount)

	if c.cfg.Hierarchical {
		return c.chunkHierarchical(text, headings, category)
	}

	chunks := c.split(text, headings, target, c.overlapFor(target), category, store.ChunkLevelParent)
	return &ChunkSet{Parents: chunks}, nil
}

// chunkHierarchical produces coarse parents and splits each into
// children. Children are the retrieval units; parents carry the
// content handed to the model.
func (c *Chunker) chunkHierarchical(text string, headings []Heading, category string) (*ChunkSet, error) {
	parents := c.split(text, headings, c.cfg.ParentTokens, 0, category, store.ChunkLevelParent)

	var children []store.Chunk
	parentOf := make(map[int]int)
	// Children continue the parents' numbering: chunk_index is unique
	// per document across both levels.
	next := len(parents)
	for pi, parent := range parents {
		subHeadings := shiftHeadings(headings, parent.Metadata["offset"].(int))
		sub := c.split(parent.Content, subHeadings, c.cfg.ChildTokens,
			c.overlapFor(c.cfg.ChildTokens), category, store.ChunkLevelChild)
		for _, child := range sub {
			child.ChunkIndex = next
			next++
			child.SectionHierarchy = parent.SectionHierarchy
			child.HeadingContext = parent.HeadingContext
			child.DocumentPosition = parent.DocumentPosition
			parentOf[len(children)] = pi
			children = append(children, child)
		}
	}
	return &ChunkSet{Parents: parents, Children: children, ParentOf: parentOf}, nil
}

// overlapFor clamps the configured overlap so successive chunks always
// advance.
func (c *Chunker) overlapFor(target int) int {
	overlap := c.cfg.Overlap
	if overlap >= target/2 {
		overlap = target / 2
	}
	return overlap
}

// split accumulates paragraphs into chunks of roughly targetTokens,
// carrying overlapTokens of trailing text into the next chunk. A
// single paragraph larger than the target is hard-cut on token
// boundaries.
func (c *Chunker) split(text string, headings []Heading, targetTokens, overlapTokens int, category string, level store.ChunkLevel) []store.Chunk {
	totalLen := len([]rune(text))
	paragraphs := splitParagraphs(text)

	var chunks []store.Chunk
	var buf strings.Builder
	bufTokens := 0
	bufStart := 0
	offset := 0

	flush := func(end int) {
		content := strings.TrimSpace(buf.String())
		if content == "" {
			return
		}
		mid := (bufStart + end) / 2
		chunks = append(chunks, store.Chunk{
			ChunkIndex:       len(chunks),
			Content:          content,
			TokenCount:       c.counter.Count(content),
			SectionHierarchy: headingPath(headings, bufStart),
			HeadingContext:   nearestHeading(headings, bufStart),
			DocumentPosition: position(mid, totalLen),
			ChunkLevel:       level,
			Metadata: map[string]any{
				"size_category": category,
				"offset":        bufStart,
			},
		})
		buf.Reset()
		bufTokens = 0
	}

	for _, para := range paragraphs {
		paraTokens := c.counter.Count(para.text)

		if paraTokens > targetTokens {
			flush(para.offset)
			for _, piece := range c.hardCut(para.text, targetTokens, overlapTokens) {
				bufStart = para.offset
				buf.WriteString(piece)
				bufTokens = c.counter.Count(piece)
				flush(para.offset + len([]rune(para.text)))
			}
			offset = para.offset + len([]rune(para.text))
			continue
		}

		if bufTokens+paraTokens > targetTokens {
			tail := c.overlapTail(buf.String(), overlapTokens)
			flush(para.offset)
			if tail != "" {
				buf.WriteString(tail)
				buf.WriteString("\n\n")
				bufTokens = c.counter.Count(tail)
			}
			bufStart = para.offset
		}
		if buf.Len() == 0 {
			bufStart = para.offset
		}
		buf.WriteString(para.text)
		buf.WriteString("\n\n")
		bufTokens += paraTokens
		offset = para.offset + len([]rune(para.text))
	}
	flush(offset)

	return chunks
}

// hardCut slices an oversize paragraph into token windows.
func (c *Chunker) hardCut(text string, targetTokens, overlapTokens int) []string {
	var pieces []string
	step := targetTokens - overlapTokens
	if step <= 0 {
		step = targetTokens
	}
	remaining := text
	for {
		piece := c.counter.Truncate(remaining, targetTokens)
		pieces = append(pieces, piece)
		if piece == remaining {
			return pieces
		}
		advance := c.counter.Truncate(remaining, step)
		remaining = remaining[len(advance):]
	}
}

// overlapTail returns the trailing overlapTokens worth of text, cut on
// a word boundary.
func (c *Chunker) overlapTail(text string, overlapTokens int) string {
	if overlapTokens <= 0 {
		return ""
	}
	text = strings.TrimSpace(text)
	words := strings.Fields(text)
	// Walk back word by word until the tail exceeds the budget.
	tailStart := len(words)
	for tailStart > 0 {
		candidate := strings.Join(words[tailStart-1:], " ")
		if c.counter.Count(candidate) > overlapTokens {
			break
		}
		tailStart--
	}
	if tailStart == len(words) {
		return ""
	}
	return strings.Join(words[tailStart:], " ")
}

type paragraph struct {
	text   string
	offset int
}

// splitParagraphs splits on blank lines, tracking rune offsets.
func splitParagraphs(text string) []paragraph {
	var paragraphs []paragraph
	offset := 0
	for _, block := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(block)
		if trimmed != "" {
			// Offset of the trimmed text within the original.
			lead := len([]rune(block)) - len([]rune(strings.TrimLeft(block, " \t\n")))
			paragraphs = append(paragraphs, paragraph{text: trimmed, offset: offset + lead})
		}
		offset += len([]rune(block)) + 2
	}
	return paragraphs
}

// headingPath returns the ordered heading titles from the document
// root down to the heading governing the given offset.
func headingPath(headings []Heading, offset int) []string {
	var path []string
	levels := map[int]string{}
	maxLevel := 0
	for _, h := range headings {
		if h.Offset > offset {
			break
		}
		levels[h.Level] = h.Title
		// A heading resets everything deeper than itself.
		for l := h.Level + 1; l <= maxLevel; l++ {
			delete(levels, l)
		}
		if h.Level > maxLevel {
			maxLevel = h.Level
		}
	}
	for l := 1; l <= maxLevel; l++ {
		if title, ok := levels[l]; ok {
			path = append(path, title)
		}
	}
	if path == nil {
		path = []string{}
	}
	return path
}

// nearestHeading returns the closest heading at or before offset.
func nearestHeading(headings []Heading, offset int) string {
	nearest := ""
	for _, h := range headings {
		if h.Offset > offset {
			break
		}
		nearest = h.Title
	}
	return nearest
}

// shiftHeadings rebases heading offsets relative to a parent chunk's
// start.
func shiftHeadings(headings []Heading, base int) []Heading {
	var shifted []Heading
	for _, h := range headings {
		if h.Offset >= base {
			shifted = append(shifted, Heading{Title: h.Title, Level: h.Level, Offset: h.Offset - base})
		}
	}
	return shifted
}

func position(mid, total int) float64 {
	if total == 0 {
		return 0
	}
	p := float64(mid) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}
