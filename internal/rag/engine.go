package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"knowledge-rag/internal/contextutil"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/llm"
	"knowledge-rag/internal/vectorstore"
)

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrUnavailable is returned when the question could not be embedded.
	// It also wraps the embedding error, so errors.Is matches embedding.ErrUnavailable.
	ErrUnavailable = errors.New("retrieval unavailable")
	// ErrGeneration is returned when the language model fails.
	ErrGeneration = errors.New("answer generation failed")
)

// Engine retrieves context for a question and generates a grounded answer.
type Engine struct {
	embedder embedding.Embedder
	store    vectorstore.Store
	llm      llm.Completer
	language string
}

// NewEngine creates a new Engine. defaultLanguage is used for requests that
// name no supported language.
func NewEngine(embedder embedding.Embedder, store vectorstore.Store, completer llm.Completer, defaultLanguage string) *Engine {
	if !SupportedLanguage(defaultLanguage) {
		defaultLanguage = LanguageEnglish
	}
	return &Engine{
		embedder: embedder,
		store:    store,
		llm:      completer,
		language: defaultLanguage,
	}
}

// ClampTopK applies the default and the upper bound to a requested top_k.
func ClampTopK(k int) int {
	switch {
	case k <= 0:
		return DefaultTopK
	case k > MaxTopK:
		return MaxTopK
	default:
		return k
	}
}

// Retrieve embeds the question and returns the tenant's most similar chunks.
// An embedding failure ends in StateUnavailable with an error; finding
// nothing ends in StateNoContext without one.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) (Retrieval, error) {
	logger := contextutil.LoggerFromContext(ctx)

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Retrieval{State: StateUnavailable}, ErrEmptyQuestion
	}
	topK := ClampTopK(req.TopK)

	state := StateEmbedding
	logger.DebugContext(ctx, "retrieval started", "state", state, "tenant_id", req.TenantID, "top_k", topK, "category", req.Category)

	queryVector, err := e.embedder.Embed(ctx, question)
	if err != nil {
		logger.WarnContext(ctx, "failed to embed question", "tenant_id", req.TenantID, "error", err)
		return Retrieval{State: StateUnavailable}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	state = StateSearching
	results, err := e.store.Search(ctx, queryVector, req.TenantID, topK*candidateFactor)
	if err != nil {
		logger.ErrorContext(ctx, "failed to search vector store", "state", state, "tenant_id", req.TenantID, "error", err)
		return Retrieval{State: StateUnavailable}, fmt.Errorf("failed to search vector store: %w", err)
	}

	chunks := make([]RetrievedChunk, 0, topK)
	for _, r := range results {
		if req.Category != "" {
			if category, _ := r.Metadata["category"].(string); category != req.Category {
				continue
			}
		}
		chunks = append(chunks, RetrievedChunk{
			ID:       r.ID,
			Text:     r.Text,
			Score:    r.Score,
			Metadata: r.Metadata,
		})
		if len(chunks) == topK {
			break
		}
	}

	if len(chunks) == 0 {
		logger.InfoContext(ctx, "no context found", "tenant_id", req.TenantID, "candidates", len(results))
		return Retrieval{State: StateNoContext}, nil
	}

	logger.InfoContext(ctx, "context assembled", "tenant_id", req.TenantID, "candidates", len(results), "chunks", len(chunks), "top_score", chunks[0].Score)
	return Retrieval{State: StateContextAssembled, Chunks: chunks}, nil
}

// Answer generates an answer from chunks. With no chunks it returns the
// insufficient-information answer without calling the language model.
func (e *Engine) Answer(ctx context.Context, question string, chunks []RetrievedChunk, language string) (AnswerResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	p := promptFor(language, e.language)
	if len(chunks) == 0 {
		return AnswerResult{
			Answer:  p.insufficient,
			Sources: []Source{},
		}, nil
	}

	used := chunks[:min(len(chunks), maxContextChunks)]
	contextText := buildContext(used)
	userMessage := fmt.Sprintf(p.user, contextText, question)

	logger.DebugContext(ctx, "sending request to LLM", "chunks_used", len(used), "context_length", len(contextText))

	answer, err := e.llm.Complete(ctx, p.system, userMessage)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get LLM response", "error", err)
		return AnswerResult{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	sources := make([]Source, 0, len(used))
	for _, c := range used {
		sources = append(sources, sourceOf(c))
	}

	logger.InfoContext(ctx, "answer generated", "answer_length", len(answer), "sources", len(sources))
	return AnswerResult{
		Answer:     answer,
		Sources:    sources,
		Confidence: clamp01(chunks[0].Score),
		HasContext: true,
	}, nil
}

// Ask retrieves context for the question and answers it.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (AnswerResult, error) {
	retrieval, err := e.Retrieve(ctx, RetrieveRequest{
		TenantID: req.TenantID,
		Question: req.Question,
		Category: req.Category,
		TopK:     req.TopK,
	})
	if err != nil {
		return AnswerResult{}, err
	}
	return e.Answer(ctx, strings.TrimSpace(req.Question), retrieval.Chunks, req.Language)
}

func sourceOf(c RetrievedChunk) Source {
	s := Source{
		ChunkID:  c.ID,
		Filename: "Unknown",
		Category: "General",
		Score:    c.Score,
	}
	if v, ok := c.Metadata["filename"].(string); ok && v != "" {
		s.Filename = v
	}
	if v, ok := c.Metadata["category"].(string); ok && v != "" {
		s.Category = v
	}
	if v, ok := c.Metadata["document_id"].(string); ok {
		s.DocumentID = v
	}
	return s
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
