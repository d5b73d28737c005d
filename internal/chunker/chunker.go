// Package chunker splits normalized document text into overlapping, line-aligned
// segments suitable for embedding.
//
// Chunking is deterministic: the same text and parameters always yield the same
// chunk boundaries, which re-embedding relies on to overwrite chunks in place.
//
// Known limitation: a single line longer than the maximum chunk size is emitted as
// an oversized chunk rather than being cut mid-line.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxChars is the default maximum chunk length in characters.
	DefaultMaxChars = 500
	// DefaultOverlapChars is the default number of trailing characters carried into the next chunk.
	DefaultOverlapChars = 50
)

// Chunker splits text into line-aligned chunks with character overlap.
type Chunker struct {
	maxChars     int
	overlapChars int
}

// New creates a Chunker. maxChars must be positive and overlapChars must be in [0, maxChars).
func New(maxChars, overlapChars int) (*Chunker, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("max chunk size must be greater than 0, got %d", maxChars)
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", maxChars, overlapChars)
	}
	return &Chunker{maxChars: maxChars, overlapChars: overlapChars}, nil
}

// MaxChars returns the configured maximum chunk length.
func (c *Chunker) MaxChars() int { return c.maxChars }

// OverlapChars returns the configured overlap length.
func (c *Chunker) OverlapChars() int { return c.overlapChars }

// Chunk splits text on line boundaries and greedily packs lines into chunks.
// When the next line would push the buffer past the maximum size, the buffer is
// flushed and the next buffer starts with the last overlapChars characters of the
// flushed chunk. Lengths are measured in runes. Blank lines are skipped.
func (c *Chunker) Chunk(text string) []string {
	var chunks []string
	var buf strings.Builder
	bufLen := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lineLen := utf8.RuneCountInString(line)

		if bufLen > 0 && bufLen+1+lineLen > c.maxChars {
			chunk := strings.TrimSpace(buf.String())
			chunks = append(chunks, chunk)

			buf.Reset()
			bufLen = 0
			if seed := strings.TrimSpace(tail(chunk, c.overlapChars)); seed != "" {
				buf.WriteString(seed)
				bufLen = utf8.RuneCountInString(seed)
			}
		}

		if bufLen > 0 {
			buf.WriteByte('\n')
			bufLen++
		}
		buf.WriteString(line)
		bufLen += lineLen
	}

	if chunk := strings.TrimSpace(buf.String()); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}
