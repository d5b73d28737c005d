// Package embedding converts text into dense vectors.
//
// Providers form a closed set selected once at startup by New. Every provider
// failure (authentication, rate limiting, network, timeout, malformed output)
// is reported as an error wrapping ErrUnavailable, which callers treat as a
// recoverable per-chunk outcome.
package embedding

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_embedder.go -package=mocks knowledge-rag/internal/embedding Embedder

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is wrapped by every embedding failure.
var ErrUnavailable = errors.New("embedding unavailable")

// Embedder produces fixed-dimension vectors for text.
type Embedder interface {
	// Embed returns the vector for text. Errors wrap ErrUnavailable.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the length of every vector Embed produces.
	Dimension() int
	// Name identifies the provider and model, e.g. "hosted:text-embedding-3-small".
	Name() string
}

// Kind selects an embedding provider.
type Kind string

const (
	// KindHosted calls an OpenAI-compatible /v1/embeddings endpoint.
	KindHosted Kind = "hosted"
	// KindLocal hashes tokens in process without any network access.
	KindLocal Kind = "local"
)

// Config configures an embedding provider.
type Config struct {
	Kind          Kind
	BaseURL       string
	APIKey        string
	Model         string
	Dimension     int
	MaxInputChars int
	Timeout       time.Duration
	// RateLimit caps hosted requests per second; zero disables limiting.
	RateLimit float64
}

// New resolves the provider for cfg.Kind.
func New(cfg Config) (Embedder, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be greater than 0, got %d", cfg.Dimension)
	}
	switch cfg.Kind {
	case KindHosted:
		return NewHosted(cfg), nil
	case KindLocal:
		return NewLocal(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Kind)
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
