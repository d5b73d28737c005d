package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"knowledge-rag/internal/chunker"
	"knowledge-rag/internal/config"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/indexer"
	"knowledge-rag/internal/llm"
	"knowledge-rag/internal/rag"
	"knowledge-rag/internal/service"
	"knowledge-rag/internal/storage"
	"knowledge-rag/internal/vectorstore"
)

// app owns every long-lived dependency of a command invocation.
type app struct {
	svc   service.KnowledgeService
	db    *sql.DB
	store vectorstore.Store
}

// newLogger builds the process logger from the configured level and format.
// Logs go to w so that command output on stdout stays machine readable.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// openApp wires the engine together from cfg.
func openApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	logger := slog.Default()

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	if err := storage.Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.DebugContext(ctx, "database initialized", "path", cfg.DBPath)

	embedder, err := embedding.New(embedding.Config{
		Kind:          embedding.Kind(cfg.EmbeddingProvider),
		BaseURL:       cfg.EmbeddingBaseURL,
		APIKey:        cfg.EmbeddingAPIKey,
		Model:         cfg.EmbeddingModelName,
		Dimension:     cfg.EmbeddingDimension,
		MaxInputChars: cfg.EmbeddingMaxInputChars,
		Timeout:       cfg.EmbeddingTimeout,
		RateLimit:     cfg.EmbeddingRateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var store vectorstore.Store
	switch cfg.VectorBackend {
	case config.BackendQdrant:
		store, err = vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  cfg.EmbeddingDimension,
		})
	default:
		store, err = vectorstore.NewLocalStore(ctx, storage.NewChunkRepo(db), cfg.EmbeddingDimension)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	logger.DebugContext(ctx, "vector store ready", "backend", cfg.VectorBackend, "dimension", store.Dimension(), "embedder", embedder.Name())

	c, err := chunker.New(cfg.ChunkMaxChars, cfg.ChunkOverlapChars)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create chunker: %w", err)
	}

	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModelName)
	llmClient.Timeout = cfg.LLMTimeout
	llmClient.Defaults = llm.ChatParams{
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	}

	docs := storage.NewDocumentRepo(db)
	pipeline := indexer.NewPipeline(docs, store, embedder, c, indexer.Config{
		Concurrency:  cfg.EmbeddingConcurrency,
		MaxAttempts:  cfg.EmbeddingMaxAttempts,
		EmbedTimeout: cfg.EmbeddingTimeout,
	})
	engine := rag.NewEngine(embedder, store, llmClient, cfg.DefaultLanguage)

	return &app{
		svc:   service.NewKnowledgeService(docs, store, pipeline, engine),
		db:    db,
		store: store,
	}, nil
}

// Close releases the store and then the database.
func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.db.Close())
}
