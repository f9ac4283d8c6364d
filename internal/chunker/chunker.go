// Package chunker splits raw source text into ordered, bounded-size segments
// for embedding and retrieval.
//
// Sizes are measured in words. The chunker prefers splitting at structural
// boundaries (blank-line paragraphs, headings, fenced code regions) nearest
// the maximum size, falls back to a sliding window with overlap inside
// oversized blocks, and never splits a fenced code region.
package chunker

import (
	"fmt"
	"strings"
)

// Segment kinds, matching the structural type tags stored with each chunk.
const (
	KindText    = "text"
	KindCode    = "code"
	KindHeading = "heading"
)

// Config bounds segment sizes. All values are in words.
type Config struct {
	MinWords     int // segments below this merge into their predecessor
	MaxWords     int // preferred upper bound; only atomic code blocks exceed it
	OverlapWords int // words carried between windows of an oversized block
}

// Segment is one chunk of the input, in document order.
// StartWord and EndWord are offsets into the whitespace-separated word
// sequence of the whole input; overlapping windows overlap in these ranges.
type Segment struct {
	Ordinal   int
	Text      string
	Kind      string
	WordCount int
	StartWord int
	EndWord   int
}

// Chunker splits text according to a validated configuration.
// A Chunker is immutable and safe for concurrent use.
type Chunker struct {
	cfg Config
}

// New validates the configuration once, up front. Range faults here are
// permanent errors: callers must not retry them.
func New(cfg Config) (*Chunker, error) {
	if cfg.MaxWords <= 0 {
		return nil, fmt.Errorf("max_words must be positive, got %d", cfg.MaxWords)
	}
	if cfg.MinWords < 1 {
		return nil, fmt.Errorf("min_words must be at least 1, got %d", cfg.MinWords)
	}
	if cfg.MinWords > cfg.MaxWords {
		return nil, fmt.Errorf("min_words %d exceeds max_words %d", cfg.MinWords, cfg.MaxWords)
	}
	if cfg.OverlapWords < 0 {
		return nil, fmt.Errorf("overlap_words must not be negative, got %d", cfg.OverlapWords)
	}
	if cfg.OverlapWords >= cfg.MaxWords {
		return nil, fmt.Errorf("overlap_words %d must be smaller than max_words %d",
			cfg.OverlapWords, cfg.MaxWords)
	}
	return &Chunker{cfg: cfg}, nil
}

// block is a structural unit of the input: a paragraph, a heading line, or a
// whole fenced code region.
type block struct {
	kind      string
	text      string
	words     int
	startWord int
}

// Chunk splits text into ordered segments covering the input without gaps.
// Empty or whitespace-only input yields zero segments and no error.
func (c *Chunker) Chunk(text string) ([]Segment, error) {
	blocks := parseBlocks(text)
	if len(blocks) == 0 {
		return nil, nil
	}

	total := 0
	for _, b := range blocks {
		total += b.words
	}

	// A document shorter than the minimum is exactly one segment.
	if total < c.cfg.MinWords {
		kind := KindText
		if len(blocks) == 1 {
			kind = blocks[0].kind
		}
		return []Segment{{
			Text:      joinBlocks(blocks),
			Kind:      kind,
			WordCount: total,
			StartWord: 0,
			EndWord:   total,
		}}, nil
	}

	var (
		segments []Segment
		cur      []block
		curWords int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		segments = append(segments, Segment{
			Text:      joinBlocks(cur),
			Kind:      segmentKind(cur),
			WordCount: curWords,
			StartWord: cur[0].startWord,
			EndWord:   cur[0].startWord + spanWords(cur),
		})
		cur, curWords = nil, 0
	}

	for _, b := range blocks {
		switch {
		case curWords+b.words <= c.cfg.MaxWords:
			cur = append(cur, b)
			curWords += b.words

		case b.words <= c.cfg.MaxWords || b.kind == KindCode:
			// Block fits on its own, or is an atomic code region that must
			// not be split even though it exceeds the maximum.
			flush()
			cur = append(cur, b)
			curWords = b.words

		default:
			// Oversized prose block with no interior boundary: slide a
			// window of MaxWords, carrying OverlapWords into each successor.
			flush()
			windows := c.window(b)
			for _, w := range windows[:len(windows)-1] {
				segments = append(segments, w)
			}
			last := windows[len(windows)-1]
			cur = []block{{
				kind:      last.Kind,
				text:      last.Text,
				words:     last.WordCount,
				startWord: last.StartWord,
			}}
			curWords = last.WordCount
		}
	}
	flush()

	// A trailing segment shorter than the minimum merges into its
	// predecessor; a trailing segment of exactly MinWords stands alone.
	if n := len(segments); n >= 2 && segments[n-1].WordCount < c.cfg.MinWords {
		prev, tail := segments[n-2], segments[n-1]
		prev.Text = prev.Text + "\n\n" + tail.Text
		prev.WordCount += tail.WordCount
		prev.EndWord = tail.EndWord
		segments = append(segments[:n-2], prev)
	}

	for i := range segments {
		segments[i].Ordinal = i
	}
	return segments, nil
}

// window slices an oversized block into overlapping word windows.
// The final window may be shorter than MaxWords.
func (c *Chunker) window(b block) []Segment {
	words := strings.Fields(b.text)
	step := c.cfg.MaxWords - c.cfg.OverlapWords

	var out []Segment
	for start := 0; ; start += step {
		end := start + c.cfg.MaxWords
		if end > len(words) {
			end = len(words)
		}
		out = append(out, Segment{
			Text:      strings.Join(words[start:end], " "),
			Kind:      b.kind,
			WordCount: end - start,
			StartWord: b.startWord + start,
			EndWord:   b.startWord + end,
		})
		if end == len(words) {
			return out
		}
	}
}

// parseBlocks splits the input into paragraphs, heading lines, and fenced
// code regions, tracking each block's offset in the global word sequence.
func parseBlocks(text string) []block {
	lines := strings.Split(text, "\n")

	var (
		blocks  []block
		para    []string
		code    []string
		inFence bool
		wordPos int
	)
	emit := func(kind, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		n := len(strings.Fields(body))
		blocks = append(blocks, block{kind: kind, text: body, words: n, startWord: wordPos})
		wordPos += n
	}
	flushPara := func() {
		if len(para) > 0 {
			emit(KindText, strings.Join(para, "\n"))
			para = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				code = append(code, line)
				emit(KindCode, strings.Join(code, "\n"))
				code = nil
				inFence = false
			} else {
				flushPara()
				code = []string{line}
				inFence = true
			}
			continue
		}

		if inFence {
			code = append(code, line)
			continue
		}

		switch {
		case trimmed == "":
			flushPara()
		case strings.HasPrefix(trimmed, "#"):
			flushPara()
			emit(KindHeading, trimmed)
		default:
			para = append(para, line)
		}
	}

	// Unterminated fence: keep the region atomic rather than reinterpreting
	// its lines as prose.
	if inFence {
		emit(KindCode, strings.Join(code, "\n"))
	}
	flushPara()

	return blocks
}

func joinBlocks(blocks []block) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.text
	}
	return strings.Join(parts, "\n\n")
}

func spanWords(blocks []block) int {
	n := 0
	for _, b := range blocks {
		n += b.words
	}
	return n
}

func segmentKind(blocks []block) string {
	if len(blocks) == 1 {
		return blocks[0].kind
	}
	allCode := true
	for _, b := range blocks {
		if b.kind != KindCode {
			allCode = false
			break
		}
	}
	if allCode {
		return KindCode
	}
	return KindText
}
