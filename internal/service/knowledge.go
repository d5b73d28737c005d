package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"knowledge-rag/internal/contextutil"
	"knowledge-rag/internal/indexer"
	"knowledge-rag/internal/rag"
	"knowledge-rag/internal/storage"
	"knowledge-rag/internal/vectorstore"
)

// IngestRequest is a document to add to a tenant's knowledge base. Exactly one
// of FilePath and Text is set.
type IngestRequest struct {
	TenantID     int64
	FilePath     string
	Text         string
	DeclaredType string
	// DocumentID is generated when empty. Re-ingesting an id replaces the document.
	DocumentID string
	Filename   string
	Category   string
	Tags       []string
}

// IngestResponse reports the outcome of an ingestion.
type IngestResponse struct {
	DocumentID     string                 `json:"document_id"`
	Title          string                 `json:"title,omitempty"`
	ChunksCreated  int                    `json:"chunks_created"`
	ChunksEmbedded int                    `json:"chunks_embedded"`
	QualityScore   int                    `json:"quality_score"`
	TextLength     int                    `json:"text_length"`
	Status         storage.DocumentStatus `json:"status"`
}

// QueryRequest is a question answered from a tenant's knowledge base.
type QueryRequest struct {
	TenantID int64
	Question string
	Category string
	// TopK defaults to 5 and is capped at 20.
	TopK int
	// Language is "en" or "ar"; empty uses the configured default.
	Language string
}

// QueryResponse is a generated answer. HasContext is false when nothing
// relevant was found and Answer is the insufficient-information message.
type QueryResponse = rag.AnswerResult

// DocumentListing summarizes a stored chunk.
type DocumentListing = vectorstore.Listing

// SearchHit is a chunk matched by Search.
type SearchHit struct {
	ID       string         `json:"id"`
	Text     string         `json:"content"`
	Score    float64        `json:"relevance_score"`
	Metadata map[string]any `json:"metadata"`
}

// KnowledgeService is the inbound interface of the engine.
type KnowledgeService interface {
	// Ingest extracts, chunks and embeds a document.
	Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error)
	// Query answers a question from the tenant's documents.
	Query(ctx context.Context, req QueryRequest) (QueryResponse, error)
	// Search returns the chunks most similar to query without generating an answer.
	Search(ctx context.Context, tenantID int64, query string, topK int) ([]SearchHit, error)
	// DeleteDocument removes a document and all of its chunks.
	DeleteDocument(ctx context.Context, tenantID int64, documentID string) error
	// ListDocuments returns up to limit of the tenant's chunks in insertion order.
	ListDocuments(ctx context.Context, tenantID int64, limit int) ([]DocumentListing, error)
	// Documents returns the tenant's registered documents.
	Documents(ctx context.Context, tenantID int64) ([]storage.Document, error)
	// ClearTenant removes every chunk and document of a tenant and returns how
	// many chunks were removed.
	ClearTenant(ctx context.Context, tenantID int64) (int, error)
	// Reembed embeds a stored document again.
	Reembed(ctx context.Context, tenantID int64, documentID string) (IngestResponse, error)
	// ReembedAll re-embeds every document of a tenant. A document that fails
	// does not stop the others; the first error is returned.
	ReembedAll(ctx context.Context, tenantID int64) ([]IngestResponse, error)
	// Stats reports ingestion coverage for a tenant.
	Stats(ctx context.Context, tenantID int64) (*indexer.CoverageStats, error)
	// Export writes a snapshot of every tenant's records to w.
	Export(ctx context.Context, w io.Writer) (int, error)
	// Import adds every record of a snapshot read from r.
	Import(ctx context.Context, r io.Reader) (int, error)
}

// knowledgeService implements KnowledgeService.
type knowledgeService struct {
	docs     storage.DocumentStore
	store    vectorstore.Store
	pipeline *indexer.Pipeline
	engine   *rag.Engine
}

// NewKnowledgeService creates a new KnowledgeService.
func NewKnowledgeService(docs storage.DocumentStore, store vectorstore.Store, pipeline *indexer.Pipeline, engine *rag.Engine) KnowledgeService {
	return &knowledgeService{
		docs:     docs,
		store:    store,
		pipeline: pipeline,
		engine:   engine,
	}
}

// withTenant returns ctx with a logger carrying the tenant id.
func withTenant(ctx context.Context, tenantID int64) context.Context {
	return contextutil.WithAttrs(ctx, "tenant_id", tenantID)
}

func validateTenant(tenantID int64) error {
	if tenantID <= 0 {
		return &ValidationError{Field: "tenant_id", Message: "must be a positive integer"}
	}
	return nil
}

func (s *knowledgeService) Ingest(ctx context.Context, req IngestRequest) (IngestResponse, error) {
	ctx = withTenant(ctx, req.TenantID)
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateTenant(req.TenantID); err != nil {
		return IngestResponse{}, err
	}

	result, err := s.pipeline.Ingest(ctx, indexer.Request{
		TenantID:     req.TenantID,
		DocumentID:   req.DocumentID,
		FilePath:     req.FilePath,
		Text:         req.Text,
		DeclaredType: req.DeclaredType,
		Filename:     req.Filename,
		Category:     req.Category,
		Tags:         req.Tags,
	})
	switch {
	case errors.Is(err, indexer.ErrInvalidRequest):
		return IngestResponse{}, &ValidationError{Field: "source", Message: "exactly one of file path and text is required"}
	case errors.Is(err, indexer.ErrInvalidDocumentID):
		return IngestResponse{}, &ValidationError{Field: "document_id", Message: err.Error()}
	case errors.Is(err, indexer.ErrEmptyDocument):
		return IngestResponse{}, &ValidationError{Field: "text", Message: "document has no text"}
	case err != nil:
		logger.ErrorContext(ctx, "failed to ingest document", "document_id", req.DocumentID, "path", req.FilePath, "error", err)
		// A failed ingestion still reports its counts.
		return toIngestResponse(result), WrapError(err, "failed to ingest document")
	}

	return toIngestResponse(result), nil
}

func (s *knowledgeService) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	ctx = withTenant(ctx, req.TenantID)

	if err := validateTenant(req.TenantID); err != nil {
		return QueryResponse{}, err
	}
	if strings.TrimSpace(req.Question) == "" {
		return QueryResponse{}, &ValidationError{Field: "question", Message: "cannot be empty"}
	}

	answer, err := s.engine.Ask(ctx, rag.AskRequest{
		TenantID: req.TenantID,
		Question: req.Question,
		Category: req.Category,
		TopK:     req.TopK,
		Language: req.Language,
	})
	if errors.Is(err, rag.ErrGeneration) {
		return QueryResponse{}, fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	if err != nil {
		return QueryResponse{}, WrapError(err, "failed to answer question")
	}
	return answer, nil
}

func (s *knowledgeService) Search(ctx context.Context, tenantID int64, query string, topK int) ([]SearchHit, error) {
	ctx = withTenant(ctx, tenantID)

	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Message: "cannot be empty"}
	}

	retrieval, err := s.engine.Retrieve(ctx, rag.RetrieveRequest{TenantID: tenantID, Question: query, TopK: topK})
	if err != nil {
		return nil, WrapError(err, "failed to search knowledge base")
	}

	hits := make([]SearchHit, 0, len(retrieval.Chunks))
	for _, c := range retrieval.Chunks {
		hits = append(hits, SearchHit{ID: c.ID, Text: c.Text, Score: c.Score, Metadata: c.Metadata})
	}
	return hits, nil
}

func (s *knowledgeService) DeleteDocument(ctx context.Context, tenantID int64, documentID string) error {
	ctx = withTenant(ctx, tenantID)
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if documentID == "" {
		return &ValidationError{Field: "document_id", Message: "cannot be empty"}
	}
	if err := indexer.ValidateDocumentID(documentID); err != nil {
		return &ValidationError{Field: "document_id", Message: err.Error()}
	}

	removed, err := s.store.DeleteForTenant(ctx, tenantID, indexer.ChunkPrefix(documentID))
	if err != nil {
		return WrapError(err, "failed to delete document chunks")
	}

	err = s.docs.Delete(ctx, tenantID, documentID)
	switch {
	case errors.Is(err, storage.ErrNotFound) && removed == 0:
		return fmt.Errorf("document %q: %w", documentID, ErrNotFound)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return WrapError(err, "failed to delete document")
	}

	logger.InfoContext(ctx, "deleted document", "document_id", documentID, "chunks_removed", removed)
	return nil
}

func (s *knowledgeService) ListDocuments(ctx context.Context, tenantID int64, limit int) ([]DocumentListing, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	listing, err := s.store.List(withTenant(ctx, tenantID), tenantID, limit)
	if err != nil {
		return nil, WrapError(err, "failed to list documents")
	}
	return listing, nil
}

func (s *knowledgeService) Documents(ctx context.Context, tenantID int64) ([]storage.Document, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	docs, err := s.docs.List(ctx, tenantID)
	if err != nil {
		return nil, WrapError(err, "failed to list registered documents")
	}
	return docs, nil
}

func (s *knowledgeService) ClearTenant(ctx context.Context, tenantID int64) (int, error) {
	ctx = withTenant(ctx, tenantID)
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateTenant(tenantID); err != nil {
		return 0, err
	}

	removed, err := s.store.Clear(ctx, tenantID)
	if err != nil {
		return 0, WrapError(err, "failed to clear vector store")
	}
	docs, err := s.docs.DeleteTenant(ctx, tenantID)
	if err != nil {
		return removed, WrapError(err, "failed to clear document registry")
	}

	logger.InfoContext(ctx, "cleared tenant", "chunks_removed", removed, "documents_removed", docs)
	return removed, nil
}

func (s *knowledgeService) Reembed(ctx context.Context, tenantID int64, documentID string) (IngestResponse, error) {
	ctx = withTenant(ctx, tenantID)

	if err := validateTenant(tenantID); err != nil {
		return IngestResponse{}, err
	}
	result, err := s.pipeline.Reembed(ctx, tenantID, documentID)
	if err != nil {
		return toIngestResponse(result), WrapError(err, "failed to re-embed document")
	}
	return toIngestResponse(result), nil
}

func (s *knowledgeService) ReembedAll(ctx context.Context, tenantID int64) ([]IngestResponse, error) {
	ctx = withTenant(ctx, tenantID)
	logger := contextutil.LoggerFromContext(ctx)

	docs, err := s.Documents(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var firstErr error
	out := make([]IngestResponse, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		resp, err := s.Reembed(ctx, tenantID, doc.ID)
		if err != nil {
			logger.WarnContext(ctx, "failed to re-embed document", "document_id", doc.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if resp.DocumentID != "" {
			out = append(out, resp)
		}
	}

	logger.InfoContext(ctx, "re-embedded tenant", "documents", len(docs))
	return out, firstErr
}

func (s *knowledgeService) Stats(ctx context.Context, tenantID int64) (*indexer.CoverageStats, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	stats, err := s.pipeline.Stats(withTenant(ctx, tenantID), tenantID)
	if err != nil {
		return nil, WrapError(err, "failed to compute stats")
	}
	return stats, nil
}

func (s *knowledgeService) Export(ctx context.Context, w io.Writer) (int, error) {
	exporter, ok := s.store.(vectorstore.Exporter)
	if !ok {
		return 0, fmt.Errorf("%w: vector store does not support export", ErrInvalidInput)
	}
	n, err := vectorstore.WriteSnapshot(ctx, w, exporter)
	if err != nil {
		return n, WrapError(err, "failed to export snapshot")
	}
	return n, nil
}

func (s *knowledgeService) Import(ctx context.Context, r io.Reader) (int, error) {
	n, err := vectorstore.ReadSnapshot(ctx, r, s.store)
	if err != nil {
		return n, WrapError(err, "failed to import snapshot")
	}
	return n, nil
}

func toIngestResponse(r *indexer.Result) IngestResponse {
	if r == nil {
		return IngestResponse{}
	}
	return IngestResponse{
		DocumentID:     r.DocumentID,
		Title:          r.Title,
		ChunksCreated:  r.ChunksCreated,
		ChunksEmbedded: r.ChunksEmbedded,
		QualityScore:   r.QualityScore,
		TextLength:     r.TextLength,
		Status:         r.Status,
	}
}
