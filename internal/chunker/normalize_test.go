package chunker

import (
	"fmt"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"collapses spaces and tabs", "  Hello\t\t world  ", "Hello world"},
		{"crlf and blank lines", "first\r\n\r\n\r\nsecond\rthird", "first\nsecond\nthird"},
		{"control characters removed", "a\x00b\x07c\x1Fd", "abcd"},
		{"no-break space collapses", "one  two", "one two"},
		{"arabic preserved", "  مرحبا   بالعالم  ", "مرحبا بالعالم"},
		{"invalid utf8 dropped", "ok\xffay", "okay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQualityScore(t *testing.T) {
	var large strings.Builder
	for i := 0; i < 60; i++ {
		large.WriteString(strings.Repeat("word ", 20))
		fmt.Fprintf(&large, "end %d.\n", i)
	}

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty text gets floor score", "", 20},
		{"short text", "A single sentence.", 20},
		{"large structured text caps at 100", large.String(), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QualityScore(tt.text); got != tt.want {
				t.Errorf("QualityScore() = %d, want %d", got, tt.want)
			}
		})
	}
}
