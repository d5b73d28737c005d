package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"knowledge-rag/internal/chunker"
	"knowledge-rag/internal/contextutil"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/extract"
	"knowledge-rag/internal/storage"
	"knowledge-rag/internal/vectorstore"
)

var (
	// ErrInvalidRequest is returned for a request without exactly one source.
	ErrInvalidRequest = errors.New("invalid ingest request")
	// ErrEmptyDocument is returned when a document has no text after normalization.
	ErrEmptyDocument = errors.New("document has no text")
	// ErrNoContent is returned when re-embedding a document whose text was not kept.
	ErrNoContent = errors.New("document has no stored content")
	// ErrInvalidDocumentID is returned for a document id that could collide
	// with the chunk ids of another document.
	ErrInvalidDocumentID = errors.New("invalid document id")
)

// chunkSeparator joins the document id and chunk index in a chunk id.
const chunkSeparator = "_chunk_"

// Pipeline extracts, chunks and embeds documents into a vector store and
// tracks each document in the registry.
type Pipeline struct {
	docs     storage.DocumentStore
	store    vectorstore.Store
	embedder embedding.Embedder
	chunker  *chunker.Chunker
	cfg      Config
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(docs storage.DocumentStore, store vectorstore.Store, embedder embedding.Embedder, c *chunker.Chunker, cfg Config) *Pipeline {
	return &Pipeline{
		docs:     docs,
		store:    store,
		embedder: embedder,
		chunker:  c,
		cfg:      cfg.withDefaults(),
	}
}

// ChunkID is the record id of a document chunk.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("doc_%s%s%d", documentID, chunkSeparator, index)
}

// ChunkPrefix matches every chunk of a document and, for ids accepted by
// ValidateDocumentID, no chunk of another.
func ChunkPrefix(documentID string) string {
	return "doc_" + documentID + chunkSeparator
}

// ValidateDocumentID rejects ids that contain the chunk separator or end with
// it minus its last underscore. With such an id, the chunk prefix of one
// document would match chunks of another: "doc_a_chunk_" is a prefix of both
// "doc_a_chunk_0_chunk_0" and "doc_a_chunk_chunk_0".
func ValidateDocumentID(documentID string) error {
	if strings.Contains(documentID, chunkSeparator) || strings.HasSuffix(documentID, strings.TrimSuffix(chunkSeparator, "_")) {
		return fmt.Errorf("%w: %q must not contain %q or end with %q",
			ErrInvalidDocumentID, documentID, chunkSeparator, strings.TrimSuffix(chunkSeparator, "_"))
	}
	return nil
}

// Ingest runs a document through the pipeline.
//
// Chunks that fail to embed are skipped: if some succeed the document is
// partial and Ingest returns a nil error. If none succeed the document is
// failed and the error wraps embedding.ErrUnavailable; chunks stored by an
// earlier ingestion of the same document are kept. A store write failure is
// fatal and wraps vectorstore.ErrStoreWrite. On a store failure or cancellation
// the chunk ids created by this attempt are removed again.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if (req.FilePath == "") == (req.Text == "") {
		return nil, fmt.Errorf("%w: exactly one of file path and text is required", ErrInvalidRequest)
	}
	if err := ValidateDocumentID(req.DocumentID); err != nil {
		return nil, err
	}

	text, title, filename := req.Text, "", req.Filename
	if req.FilePath != "" {
		doc, err := extract.Extract(ctx, req.FilePath, req.DeclaredType)
		if err != nil {
			return nil, err
		}
		text, title = doc.Text, doc.Title
		if filename == "" {
			filename = filepath.Base(req.FilePath)
		}
		if doc.Skipped > 0 {
			logger.WarnContext(ctx, "extraction skipped parts of document", "path", req.FilePath, "skipped", doc.Skipped)
		}
	}

	normalized := chunker.Normalize(strings.ToValidUTF8(text, "�"))
	if normalized == "" {
		return nil, ErrEmptyDocument
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = uuid.NewString()
	}

	prevChunks := 0
	if prev, err := p.docs.Get(ctx, req.TenantID, documentID); err == nil {
		prevChunks = prev.ChunksCreated
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}

	doc := &storage.Document{
		ID:           documentID,
		TenantID:     req.TenantID,
		Filename:     filename,
		Title:        title,
		Category:     req.Category,
		Tags:         req.Tags,
		Status:       storage.StatusProcessing,
		QualityScore: chunker.QualityScore(normalized),
		Content:      normalized,
	}
	if err := p.docs.Upsert(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	logger.InfoContext(ctx, "ingesting document", "tenant_id", req.TenantID, "document_id", documentID,
		"filename", filename, "text_length", len([]rune(normalized)), "quality_score", doc.QualityScore)
	return p.index(ctx, doc, prevChunks)
}

// Reembed re-chunks a document's stored text and embeds it again. Chunk ids
// are stable, so existing chunks are overwritten in place and chunks beyond
// the new count are removed.
func (p *Pipeline) Reembed(ctx context.Context, tenantID int64, documentID string) (*Result, error) {
	doc, err := p.docs.Get(ctx, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get document %q: %w", documentID, err)
	}
	if doc.Content == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoContent, documentID)
	}

	prevChunks := doc.ChunksCreated
	if err := p.docs.UpdateStatus(ctx, tenantID, documentID, storage.StatusProcessing, doc.ChunksCreated, doc.ChunksEmbedded, ""); err != nil {
		return nil, fmt.Errorf("failed to update document status: %w", err)
	}
	return p.index(ctx, doc, prevChunks)
}

// index chunks, embeds and stores doc, then records the outcome.
func (p *Pipeline) index(ctx context.Context, doc *storage.Document, prevChunks int) (*Result, error) {
	logger := contextutil.LoggerFromContext(ctx)

	pieces := p.chunker.Chunk(doc.Content)
	result := &Result{
		DocumentID:    doc.ID,
		Title:         doc.Title,
		ChunksCreated: len(pieces),
		QualityScore:  doc.QualityScore,
		TextLength:    len([]rune(doc.Content)),
	}

	// A failed attempt records at least the previous chunk count so a later
	// ingestion still removes chunks the previous version left behind.
	failedCount := max(len(pieces), prevChunks)

	vectors, err := p.embedAll(ctx, pieces)
	if err != nil {
		p.finish(ctx, doc, result, storage.StatusFailed, err.Error(), failedCount)
		return result, err
	}

	var written []int
	for i, vec := range vectors {
		if vec == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			p.rollback(ctx, doc, result, written, prevChunks)
			p.finish(ctx, doc, result, storage.StatusFailed, err.Error(), prevChunks)
			return result, err
		}
		rec := vectorstore.Record{
			ID:        ChunkID(doc.ID, i),
			TenantID:  doc.TenantID,
			Text:      pieces[i],
			Embedding: vec,
			Metadata:  chunkMetadata(doc, i, len(pieces)),
		}
		if err := p.store.Add(ctx, rec); err != nil {
			p.rollback(ctx, doc, result, written, prevChunks)
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.finish(ctx, doc, result, storage.StatusFailed, ctxErr.Error(), prevChunks)
				return result, ctxErr
			}
			logger.ErrorContext(ctx, "failed to store chunk", "document_id", doc.ID, "chunk_index", i, "error", err)
			p.finish(ctx, doc, result, storage.StatusFailed, err.Error(), failedCount)
			return result, fmt.Errorf("failed to store chunk %d of document %q: %w", i, doc.ID, err)
		}
		written = append(written, i)
		result.ChunksEmbedded++
	}

	if result.ChunksEmbedded == 0 {
		err := fmt.Errorf("%w: none of %d chunks of document %q could be embedded",
			embedding.ErrUnavailable, result.ChunksCreated, doc.ID)
		p.finish(ctx, doc, result, storage.StatusFailed, err.Error(), failedCount)
		return result, err
	}

	if err := p.removeStale(ctx, doc, len(pieces), prevChunks); err != nil {
		p.finish(ctx, doc, result, storage.StatusFailed, err.Error(), failedCount)
		return result, err
	}

	status, msg := storage.StatusCompleted, ""
	if result.ChunksEmbedded < result.ChunksCreated {
		status = storage.StatusPartial
		msg = fmt.Sprintf("%d of %d chunks could not be embedded", result.ChunksCreated-result.ChunksEmbedded, result.ChunksCreated)
		logger.WarnContext(ctx, "document partially embedded", "document_id", doc.ID,
			"chunks_created", result.ChunksCreated, "chunks_embedded", result.ChunksEmbedded)
	}
	p.finish(ctx, doc, result, status, msg, result.ChunksCreated)

	logger.InfoContext(ctx, "indexed document", "document_id", doc.ID, "status", status,
		"chunks_created", result.ChunksCreated, "chunks_embedded", result.ChunksEmbedded)
	return result, nil
}

// embedAll embeds every piece with bounded concurrency. A piece that cannot be
// embedded leaves a nil vector; only cancellation of ctx is an error.
func (p *Pipeline) embedAll(ctx context.Context, pieces []string) ([][]float32, error) {
	logger := contextutil.LoggerFromContext(ctx)

	vectors := make([][]float32, len(pieces))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, piece := range pieces {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			vec, err := p.embedWithRetry(ctx, piece)
			if err != nil {
				logger.WarnContext(ctx, "failed to embed chunk", "chunk_index", i, "error", err)
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *Pipeline) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	backoff := p.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
		vec, err := p.embedder.Embed(attemptCtx, text)
		cancel()
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// removeStale deletes chunks left over from an earlier ingestion that
// produced more chunks. A chunk id used as a prefix only matches ids with a
// longer index, which are stale too.
func (p *Pipeline) removeStale(ctx context.Context, doc *storage.Document, count, prevCount int) error {
	for i := count; i < prevCount; i++ {
		if _, err := p.store.DeleteForTenant(ctx, doc.TenantID, ChunkID(doc.ID, i)); err != nil {
			return fmt.Errorf("failed to remove stale chunk %d of document %q: %w", i, doc.ID, err)
		}
	}
	return nil
}

// rollback removes the chunks written by an interrupted attempt that did not
// exist before it. Chunks below prevCount overwrote the previous version in
// place and are kept.
func (p *Pipeline) rollback(ctx context.Context, doc *storage.Document, result *Result, written []int, prevCount int) {
	logger := contextutil.LoggerFromContext(ctx)
	cleanupCtx := context.WithoutCancel(ctx)

	for _, i := range written {
		if i < prevCount {
			continue
		}
		if _, err := p.store.DeleteForTenant(cleanupCtx, doc.TenantID, ChunkID(doc.ID, i)); err != nil {
			logger.ErrorContext(ctx, "failed to roll back chunk", "document_id", doc.ID, "chunk_index", i, "error", err)
			continue
		}
		result.ChunksEmbedded--
	}
}

// finish records the outcome in the registry with chunkCount as the number of
// chunk ids the document may own. It runs even when ctx was cancelled so the
// document does not stay in processing.
func (p *Pipeline) finish(ctx context.Context, doc *storage.Document, result *Result, status storage.DocumentStatus, msg string, chunkCount int) {
	logger := contextutil.LoggerFromContext(ctx)

	result.Status = status
	err := p.docs.UpdateStatus(context.WithoutCancel(ctx), doc.TenantID, doc.ID, status,
		chunkCount, result.ChunksEmbedded, msg)
	if err != nil {
		logger.ErrorContext(ctx, "failed to update document status", "document_id", doc.ID, "status", status, "error", err)
	}
}

func chunkMetadata(doc *storage.Document, index, count int) map[string]any {
	meta := map[string]any{
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"category":    doc.Category,
		"tags":        doc.Tags,
		"chunk_index": index,
		"chunk_count": count,
	}
	if doc.Title != "" {
		meta["title"] = doc.Title
	}
	return meta
}
