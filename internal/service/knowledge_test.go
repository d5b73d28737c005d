package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"knowledge-rag/internal/chunker"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/indexer"
	llm_mocks "knowledge-rag/internal/llm/mocks"
	"knowledge-rag/internal/rag"
	"knowledge-rag/internal/storage"
	storage_mocks "knowledge-rag/internal/storage/mocks"
	"knowledge-rag/internal/vectorstore"
	vectorstore_mocks "knowledge-rag/internal/vectorstore/mocks"
)

const testDim = 64

type testService struct {
	KnowledgeService
	llm *llm_mocks.MockCompleter
}

func newTestService(t *testing.T, ctrl *gomock.Controller) *testService {
	t.Helper()
	ctx := context.Background()

	db, err := storage.New(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	store, err := vectorstore.NewLocalStore(ctx, storage.NewChunkRepo(db), testDim)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	c, err := chunker.New(500, 50)
	if err != nil {
		t.Fatalf("chunker.New() error = %v", err)
	}

	docs := storage.NewDocumentRepo(db)
	embedder := embedding.NewLocal(testDim)
	completer := llm_mocks.NewMockCompleter(ctrl)

	pipeline := indexer.NewPipeline(docs, store, embedder, c, indexer.Config{RetryBackoff: -1})
	engine := rag.NewEngine(embedder, store, completer, rag.LanguageEnglish)

	return &testService{
		KnowledgeService: NewKnowledgeService(docs, store, pipeline, engine),
		llm:              completer,
	}
}

const handbook = "Employees receive 30 vacation days per year. Vacation requests go to the HR portal."

func TestKnowledgeService_IngestAndQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	resp, err := svc.Ingest(ctx, IngestRequest{
		TenantID:   1,
		DocumentID: "hr",
		Text:       handbook,
		Filename:   "handbook.txt",
		Category:   "hr",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if resp.DocumentID != "hr" || resp.ChunksCreated != 1 || resp.ChunksEmbedded != 1 || resp.Status != storage.StatusCompleted {
		t.Errorf("Ingest() = %+v", resp)
	}

	svc.llm.EXPECT().
		Complete(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, system, user string) (string, error) {
			if !strings.Contains(user, "[1] "+handbook) {
				t.Errorf("user message missing passage: %q", user)
			}
			return "Employees receive 30 vacation days per year.", nil
		})

	answer, err := svc.Query(ctx, QueryRequest{TenantID: 1, Question: "How many vacation days do employees receive?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !answer.HasContext {
		t.Fatal("Query() HasContext = false, want true")
	}
	if answer.Answer != "Employees receive 30 vacation days per year." {
		t.Errorf("Answer = %q", answer.Answer)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].Filename != "handbook.txt" || answer.Sources[0].Category != "hr" {
		t.Errorf("Sources = %+v", answer.Sources)
	}
	if answer.Confidence <= 0 || answer.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0, 1]", answer.Confidence)
	}

	// Another tenant sees nothing and the language model is not called.
	other, err := svc.Query(ctx, QueryRequest{TenantID: 2, Question: "How many vacation days do employees receive?", Language: "ar"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if other.HasContext || other.Answer != rag.InsufficientAnswer("ar") || len(other.Sources) != 0 {
		t.Errorf("Query() for other tenant = %+v", other)
	}
}

func TestKnowledgeService_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	tests := []struct {
		name      string
		call      func() error
		wantField string
	}{
		{
			name: "ingest without tenant",
			call: func() error {
				_, err := svc.Ingest(ctx, IngestRequest{Text: "x"})
				return err
			},
			wantField: "tenant_id",
		},
		{
			name: "ingest with two sources",
			call: func() error {
				_, err := svc.Ingest(ctx, IngestRequest{TenantID: 1, Text: "x", FilePath: "a.txt"})
				return err
			},
			wantField: "source",
		},
		{
			name: "ingest blank text",
			call: func() error {
				_, err := svc.Ingest(ctx, IngestRequest{TenantID: 1, Text: "  \n "})
				return err
			},
			wantField: "text",
		},
		{
			name: "empty question",
			call: func() error {
				_, err := svc.Query(ctx, QueryRequest{TenantID: 1, Question: "  "})
				return err
			},
			wantField: "question",
		},
		{
			name: "empty search",
			call: func() error {
				_, err := svc.Search(ctx, 1, "", 5)
				return err
			},
			wantField: "query",
		},
		{
			name: "ingest id with chunk separator",
			call: func() error {
				_, err := svc.Ingest(ctx, IngestRequest{TenantID: 1, DocumentID: "a_chunk_0", Text: "x"})
				return err
			},
			wantField: "document_id",
		},
		{
			name:      "delete id with chunk separator",
			call:      func() error { return svc.DeleteDocument(ctx, 1, "a_chunk_0") },
			wantField: "document_id",
		},
		{
			name:      "delete without id",
			call:      func() error { return svc.DeleteDocument(ctx, 1, "") },
			wantField: "document_id",
		},
		{
			name: "negative tenant",
			call: func() error {
				_, err := svc.ClearTenant(ctx, -1)
				return err
			},
			wantField: "tenant_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.wantField {
				t.Errorf("ValidationError field = %v, want %q", ve, tt.wantField)
			}
		})
	}
}

func TestKnowledgeService_IngestUnsupportedFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	_, err := svc.Ingest(context.Background(), IngestRequest{TenantID: 1, FilePath: "diagram.png"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Ingest() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestKnowledgeService_GenerationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()
	if _, err := svc.Ingest(ctx, IngestRequest{TenantID: 1, Text: handbook}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	svc.llm.EXPECT().Complete(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("status 503"))

	_, err := svc.Query(ctx, QueryRequest{TenantID: 1, Question: "vacation days"})
	if !errors.Is(err, ErrExternalService) || !errors.Is(err, rag.ErrGeneration) {
		t.Errorf("Query() error = %v, want ErrExternalService", err)
	}
}

func TestKnowledgeService_Search(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	texts := map[string]string{
		"hr":  handbook,
		"it":  "Reset your laptop password from the IT self service page.",
		"ops": "The warehouse opens at seven and closes at five.",
	}
	for id, text := range texts {
		if _, err := svc.Ingest(ctx, IngestRequest{TenantID: 4, DocumentID: id, Text: text}); err != nil {
			t.Fatalf("Ingest(%s) error = %v", id, err)
		}
	}

	hits, err := svc.Search(ctx, 4, "laptop password reset", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 || len(hits) > 2 {
		t.Fatalf("len(Search()) = %d, want 1 or 2", len(hits))
	}
	if hits[0].ID != indexer.ChunkID("it", 0) {
		t.Errorf("top hit = %q, want %q", hits[0].ID, indexer.ChunkID("it", 0))
	}
	if hits[0].Metadata["document_id"] != "it" {
		t.Errorf("top hit metadata = %v", hits[0].Metadata)
	}
}

func TestKnowledgeService_DeleteDocument(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	for _, id := range []string{"1", "10"} {
		if _, err := svc.Ingest(ctx, IngestRequest{TenantID: 1, DocumentID: id, Text: handbook}); err != nil {
			t.Fatalf("Ingest(%s) error = %v", id, err)
		}
	}
	if _, err := svc.Ingest(ctx, IngestRequest{TenantID: 2, DocumentID: "1", Text: handbook}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if err := svc.DeleteDocument(ctx, 1, "1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	listing, err := svc.ListDocuments(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(listing) != 1 || listing[0].ID != indexer.ChunkID("10", 0) {
		t.Errorf("ListDocuments() = %+v, want only document 10", listing)
	}
	docs, err := svc.Documents(ctx, 1)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "10" {
		t.Errorf("Documents() = %+v", docs)
	}

	// The same document id in another tenant is untouched.
	other, err := svc.ListDocuments(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(other) != 1 {
		t.Errorf("len(ListDocuments(2)) = %d, want 1", len(other))
	}

	if err := svc.DeleteDocument(ctx, 1, "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteDocument() error = %v, want ErrNotFound", err)
	}
}

func TestKnowledgeService_DeleteDocumentLeavesPrefixedIDs(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	for _, id := range []string{"a", "a_chunks", "ab"} {
		if _, err := svc.Ingest(ctx, IngestRequest{TenantID: 1, DocumentID: id, Text: handbook}); err != nil {
			t.Fatalf("Ingest(%s) error = %v", id, err)
		}
	}

	if err := svc.DeleteDocument(ctx, 1, "a"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	listing, err := svc.ListDocuments(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	got := make(map[string]bool)
	for _, l := range listing {
		got[l.ID] = true
	}
	for _, id := range []string{"a_chunks", "ab"} {
		if !got[indexer.ChunkID(id, 0)] {
			t.Errorf("chunks of document %q removed with document a: %v", id, got)
		}
	}
	docs, err := svc.Documents(ctx, 1)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(docs) != 2 || len(listing) != 2 {
		t.Errorf("Documents() = %d, chunks = %d, want 2 and 2", len(docs), len(listing))
	}
}

func TestKnowledgeService_ClearTenant(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	for _, tenant := range []int64{1, 1, 2} {
		if _, err := svc.Ingest(ctx, IngestRequest{TenantID: tenant, Text: handbook}); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	removed, err := svc.ClearTenant(ctx, 1)
	if err != nil {
		t.Fatalf("ClearTenant() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("ClearTenant() = %d, want 2", removed)
	}

	docs, err := svc.Documents(ctx, 1)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("len(Documents(1)) = %d, want 0", len(docs))
	}
	remaining, err := svc.ListDocuments(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("len(ListDocuments(2)) = %d, want 1", len(remaining))
	}
}

func TestKnowledgeService_ReembedAll(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc := newTestService(t, ctrl)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := svc.Ingest(ctx, IngestRequest{TenantID: 3, DocumentID: id, Text: handbook}); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	results, err := svc.ReembedAll(ctx, 3)
	if err != nil {
		t.Fatalf("ReembedAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(ReembedAll()) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != storage.StatusCompleted || r.ChunksEmbedded != 1 {
			t.Errorf("ReembedAll() result = %+v", r)
		}
	}

	if _, err := svc.Reembed(ctx, 3, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reembed() error = %v, want ErrNotFound", err)
	}

	stats, err := svc.Stats(ctx, 3)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Documents != 2 || stats.ChunksEmbedded != 2 || stats.DocumentsByStatus[storage.StatusCompleted] != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestKnowledgeService_ExportImport(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := newTestService(t, ctrl)
	ctx := context.Background()

	if _, err := src.Ingest(ctx, IngestRequest{TenantID: 1, DocumentID: "hr", Text: handbook, Category: "hr"}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := src.Ingest(ctx, IngestRequest{TenantID: 2, DocumentID: "it", Text: "Reset your password."}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	var buf bytes.Buffer
	n, err := src.Export(ctx, &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Export() = %d, want 2", n)
	}

	dst := newTestService(t, ctrl)
	n, err = dst.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Import() = %d, want 2", n)
	}

	for _, tenant := range []int64{1, 2} {
		want, err := src.ListDocuments(ctx, tenant, 0)
		if err != nil {
			t.Fatalf("ListDocuments() error = %v", err)
		}
		got, err := dst.ListDocuments(ctx, tenant, 0)
		if err != nil {
			t.Fatalf("ListDocuments() error = %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("tenant %d: len = %d, want %d", tenant, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i].ID || !got[i].AddedAt.Equal(want[i].AddedAt) {
				t.Errorf("tenant %d record %d = %+v, want %+v", tenant, i, got[i], want[i])
			}
		}
	}
}

func TestKnowledgeService_DeleteAndClearFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	docs := storage_mocks.NewMockDocumentStore(ctrl)
	store := vectorstore_mocks.NewMockStore(ctrl)
	svc := NewKnowledgeService(docs, store, nil, nil)
	ctx := context.Background()

	t.Run("orphan chunks without registry row", func(t *testing.T) {
		store.EXPECT().DeleteForTenant(gomock.Any(), int64(1), "doc_7_chunk_").Return(2, nil)
		docs.EXPECT().Delete(gomock.Any(), int64(1), "7").Return(storage.ErrNotFound)

		if err := svc.DeleteDocument(ctx, 1, "7"); err != nil {
			t.Errorf("DeleteDocument() error = %v, want nil", err)
		}
	})

	t.Run("store write failure", func(t *testing.T) {
		store.EXPECT().DeleteForTenant(gomock.Any(), int64(1), "doc_8_chunk_").
			Return(0, fmt.Errorf("%w: database is locked", vectorstore.ErrStoreWrite))

		if err := svc.DeleteDocument(ctx, 1, "8"); !errors.Is(err, ErrStoreWrite) {
			t.Errorf("DeleteDocument() error = %v, want ErrStoreWrite", err)
		}
	})

	t.Run("registry failure after clear", func(t *testing.T) {
		store.EXPECT().Clear(gomock.Any(), int64(2)).Return(3, nil)
		docs.EXPECT().DeleteTenant(gomock.Any(), int64(2)).Return(0, errors.New("disk full"))

		removed, err := svc.ClearTenant(ctx, 2)
		if err == nil {
			t.Fatal("ClearTenant() error = nil, want error")
		}
		if removed != 3 {
			t.Errorf("ClearTenant() = %d, want 3", removed)
		}
	})

	t.Run("export unsupported", func(t *testing.T) {
		if _, err := svc.Export(ctx, new(bytes.Buffer)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Export() error = %v, want ErrInvalidInput", err)
		}
	})
}
