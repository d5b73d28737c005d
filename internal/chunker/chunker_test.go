package chunker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		maxChars int
		overlap  int
		wantErr  bool
	}{
		{"defaults", DefaultMaxChars, DefaultOverlapChars, false},
		{"no overlap", 100, 0, false},
		{"zero max", 0, 0, true},
		{"negative overlap", 100, -1, true},
		{"overlap equal to max", 100, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.maxChars, tt.overlap)
			if tt.wantErr {
				if err == nil {
					t.Errorf("New(%d, %d) expected error, got nil", tt.maxChars, tt.overlap)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%d, %d) unexpected error: %v", tt.maxChars, tt.overlap, err)
			}
			if c.MaxChars() != tt.maxChars || c.OverlapChars() != tt.overlap {
				t.Errorf("New() = %d/%d, want %d/%d", c.MaxChars(), c.OverlapChars(), tt.maxChars, tt.overlap)
			}
		})
	}
}

func TestChunker_Chunk(t *testing.T) {
	tests := []struct {
		name     string
		maxChars int
		overlap  int
		text     string
		want     []string
	}{
		{
			name:     "empty text",
			maxChars: 20,
			text:     "",
			want:     nil,
		},
		{
			name:     "blank lines only",
			maxChars: 20,
			text:     "\n  \n\t\n",
			want:     nil,
		},
		{
			name:     "fits in one chunk",
			maxChars: 100,
			overlap:  10,
			text:     "first line\nsecond line",
			want:     []string{"first line\nsecond line"},
		},
		{
			name:     "overlap seeds next chunk",
			maxChars: 20,
			overlap:  5,
			text:     "aaaa bbbb\ncccc dddd\neeee ffff",
			want:     []string{"aaaa bbbb\ncccc dddd", "dddd\neeee ffff"},
		},
		{
			name:     "no overlap",
			maxChars: 20,
			overlap:  0,
			text:     "aaaa bbbb\ncccc dddd\neeee ffff",
			want:     []string{"aaaa bbbb\ncccc dddd", "eeee ffff"},
		},
		{
			name:     "oversized line is kept whole",
			maxChars: 10,
			overlap:  0,
			text:     "short\nthis line is definitely longer than ten\nend",
			want:     []string{"short", "this line is definitely longer than ten", "end"},
		},
		{
			name:     "lengths counted in runes",
			maxChars: 5,
			overlap:  2,
			text:     "héllo\nwörld",
			want:     []string{"héllo", "lo\nwörld"},
		},
		{
			name:     "blank lines between content are skipped",
			maxChars: 100,
			overlap:  0,
			text:     "one\n\n\ntwo",
			want:     []string{"one\ntwo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.maxChars, tt.overlap)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			got := c.Chunk(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Chunk() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChunker_Deterministic(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "Line %d of the policy handbook covers section %d in detail.\n", i, i%17)
	}
	text := sb.String()

	c, err := New(DefaultMaxChars, DefaultOverlapChars)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := c.Chunk(text)
	if len(first) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(first))
	}
	for i := 0; i < 5; i++ {
		if again := c.Chunk(text); !reflect.DeepEqual(first, again) {
			t.Fatalf("Chunk() is not deterministic on run %d", i)
		}
	}

	for i := 1; i < len(first); i++ {
		seed := strings.TrimSpace(tail(first[i-1], DefaultOverlapChars))
		if !strings.HasPrefix(first[i], seed) {
			t.Errorf("chunk %d does not start with the overlap of chunk %d: %q", i, i-1, seed)
		}
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want string
	}{
		{"abcdef", 3, "def"},
		{"abc", 5, "abc"},
		{"abc", 0, ""},
		{"مرحبا", 2, "با"},
	}
	for _, tt := range tests {
		if got := tail(tt.s, tt.n); got != tt.want {
			t.Errorf("tail(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
		}
	}
}
