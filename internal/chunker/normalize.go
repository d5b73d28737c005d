package chunker

import (
	"regexp"
	"strings"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	blankRuns    = regexp.MustCompile(`[ \t\p{Zs}]+`)
)

// Normalize cleans extracted text while keeping its line structure: control
// characters are removed, runs of horizontal whitespace collapse to one space,
// lines are trimmed and empty lines dropped. Line breaks are preserved because
// the chunker splits on them.
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = controlChars.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(blankRuns.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.Join(cleaned, "\n")
}

// QualityScore rates a document from 0 to 100 by size and structure:
// up to 40 points for word count, 30 for line count and 30 for sentence count.
// It is a coarse heuristic, not a measure of content quality.
func QualityScore(text string) int {
	lines := len(strings.Split(text, "\n"))
	words := len(strings.Fields(text))
	sentences := len(strings.Split(text, "."))

	score := 0

	switch {
	case words > 1000:
		score += 40
	case words > 500:
		score += 30
	case words > 100:
		score += 20
	default:
		score += 10
	}

	switch {
	case lines > 50:
		score += 30
	case lines > 20:
		score += 20
	case lines > 5:
		score += 10
	}

	switch {
	case sentences > 30:
		score += 30
	case sentences > 10:
		score += 20
	default:
		score += 10
	}

	return min(100, score)
}
