package channels

import (
	"strings"
	"unicode"
)

// Chunker splits reply text into pieces that fit a platform's message
// limit, preferring natural boundaries and keeping fenced code blocks
// renderable by closing and reopening them across the split.
type Chunker struct {
	MaxSize int
}

// NewChunker builds a chunker for the given limit; non-positive limits get
// a conservative default.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = 4000
	}
	return &Chunker{MaxSize: maxSize}
}

// ChunkerFor builds a chunker from channel capabilities.
func ChunkerFor(caps Capabilities) *Chunker {
	return NewChunker(caps.MaxMessageLength)
}

// Split breaks text into chunks of at most MaxSize characters. Break points
// are tried in order: paragraph break, line break, sentence end, word
// boundary, then a hard cut. A chunk that would end inside a code fence is
// closed with the fence and the next chunk reopens it with the original
// info string.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > c.MaxSize {
		cut := c.breakPoint(remaining)
		chunk := remaining[:cut]
		rest := remaining[cut:]

		if fence := openFence(chunk); fence != nil {
			chunk = strings.TrimRightFunc(chunk, unicode.IsSpace) + "\n" + fence.marker
			rest = fence.openLine + "\n" + strings.TrimLeftFunc(rest, unicode.IsSpace)
		} else {
			rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		}

		if chunk = strings.TrimSpace(chunk); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = rest
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func (c *Chunker) breakPoint(text string) int {
	// Leave headroom for a closing fence when the cut lands inside one.
	limit := c.MaxSize - 4
	if limit < 1 {
		limit = c.MaxSize
	}
	window := text[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, end := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, end); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return limit
}

type fenceState struct {
	marker   string // ``` or ~~~
	openLine string // full opening line, including info string
}

// openFence reports the unclosed code fence at the end of text, if any.
func openFence(text string) *fenceState {
	var open *fenceState
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case open == nil && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")):
			open = &fenceState{marker: trimmed[:3], openLine: line}
		case open != nil && strings.HasPrefix(trimmed, open.marker):
			open = nil
		}
	}
	return open
}
