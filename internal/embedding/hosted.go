package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const defaultMaxInputChars = 8191

// Hosted is a client for OpenAI-compatible embeddings APIs.
type Hosted struct {
	BaseURL       string
	APIKey        string
	Model         string
	ExpectedSize  int // every returned vector is validated against this size
	MaxInputChars int
	Timeout       time.Duration

	client  *http.Client
	limiter *rate.Limiter
}

// NewHosted creates a hosted embeddings client.
func NewHosted(cfg Config) *Hosted {
	h := &Hosted{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		ExpectedSize:  cfg.Dimension,
		MaxInputChars: cfg.MaxInputChars,
		Timeout:       cfg.Timeout,
		client:        http.DefaultClient,
	}
	if h.MaxInputChars <= 0 {
		h.MaxInputChars = defaultMaxInputChars
	}
	if cfg.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return h
}

// embeddingsRequest is the request payload for the embeddings API.
type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingData `json:"data"`
}

// Name implements Embedder.
func (h *Hosted) Name() string { return "hosted:" + h.Model }

// Dimension implements Embedder.
func (h *Hosted) Dimension() int { return h.ExpectedSize }

// Embed implements Embedder. Input longer than MaxInputChars runes is truncated.
func (h *Hosted) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, unavailable("empty input")
	}
	if utf8.RuneCountInString(text) > h.MaxInputChars {
		text = string([]rune(text)[:h.MaxInputChars])
	}

	vecs, err := h.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts generates embeddings for texts in one request.
// Returns one vector per input, each validated against ExpectedSize.
func (h *Hosted) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, unavailable("empty input array")
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrUnavailable, err)
		}
	}

	body, err := json.Marshal(embeddingsRequest{Model: h.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", ErrUnavailable, err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", h.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", h.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request timed out: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: failed to send request: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, unavailable("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrUnavailable, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, unavailable("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	result := make([][]float32, len(parsed.Data))
	for i, data := range parsed.Data {
		if len(data.Embedding) != h.ExpectedSize {
			return nil, unavailable("embedding %d has size %d, expected %d", i, len(data.Embedding), h.ExpectedSize)
		}
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		result[i] = vec
	}
	return result, nil
}
