package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Local embeds text by hashing word unigrams and bigrams into a fixed number of
// buckets (the hashing trick). Vectors are L2-normalized, so texts sharing
// vocabulary score high under cosine similarity. It needs no corpus preparation
// and no network, and the same text always yields the same vector.
type Local struct {
	dim int
}

// NewLocal creates a hashing embedder producing vectors of length dim.
func NewLocal(dim int) *Local {
	return &Local{dim: dim}
}

// Name implements Embedder.
func (l *Local) Name() string { return "local:hashing" }

// Dimension implements Embedder.
func (l *Local) Dimension() int { return l.dim }

// Embed implements Embedder.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("%v", err)
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, unavailable("empty input")
	}

	vec := make([]float64, l.dim)
	for i, tok := range tokens {
		l.add(vec, tok, 1)
		if i > 0 {
			l.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, l.dim)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// add hashes feature into a bucket. A second hash bit picks the sign so that
// collisions tend to cancel rather than accumulate.
func (l *Local) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(l.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize lower-cases text and splits it into letter/digit runs. Text with no
// such runs falls back to whitespace-separated fields.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	tokens := tokenPattern.FindAllString(lower, -1)
	if len(tokens) == 0 {
		tokens = strings.Fields(lower)
	}
	return tokens
}
