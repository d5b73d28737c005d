package storage

import (
	"context"
	"errors"
	"testing"
)

func TestDocumentRepo_UpsertAndGet(t *testing.T) {
	repo := NewDocumentRepo(newTestDB(t))
	ctx := context.Background()

	doc := &Document{
		ID:           "doc-1",
		TenantID:     7,
		Filename:     "handbook.pdf",
		Title:        "Employee Handbook",
		Category:     "hr",
		Tags:         []string{"policy", "leave"},
		Status:       StatusProcessing,
		QualityScore: 60,
		Content:      "Employees receive 25 days of leave.",
	}
	if err := repo.Upsert(ctx, doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	created := doc.CreatedAt

	got, err := repo.Get(ctx, 7, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Filename != "handbook.pdf" || got.Title != "Employee Handbook" || got.Category != "hr" || got.Status != StatusProcessing {
		t.Errorf("Get() = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "leave" {
		t.Errorf("Get() Tags = %v", got.Tags)
	}
	if got.Content != doc.Content {
		t.Errorf("Get() Content = %q", got.Content)
	}

	doc.Status = StatusCompleted
	doc.Tags = nil
	if err := repo.Upsert(ctx, doc); err != nil {
		t.Fatalf("Upsert() replace error = %v", err)
	}
	if !doc.CreatedAt.Equal(created) {
		t.Errorf("replace changed CreatedAt from %v to %v", created, doc.CreatedAt)
	}
	got, _ = repo.Get(ctx, 7, "doc-1")
	if got.Status != StatusCompleted || len(got.Tags) != 0 {
		t.Errorf("Get() after replace = %+v", got)
	}

	if _, err := repo.Get(ctx, 8, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() from other tenant error = %v, want ErrNotFound", err)
	}
}

func TestDocumentRepo_UpdateStatus(t *testing.T) {
	repo := NewDocumentRepo(newTestDB(t))
	ctx := context.Background()

	if err := repo.Upsert(ctx, &Document{ID: "doc-1", TenantID: 1, Status: StatusProcessing}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	tests := []struct {
		name     string
		tenantID int64
		id       string
		wantErr  error
	}{
		{"existing document", 1, "doc-1", nil},
		{"missing document", 1, "doc-2", ErrNotFound},
		{"other tenant", 2, "doc-1", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.UpdateStatus(ctx, tt.tenantID, tt.id, StatusPartial, 3, 2, "chunk 1: embedding unavailable")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateStatus() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := repo.Get(ctx, 1, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusPartial || got.ChunksCreated != 3 || got.ChunksEmbedded != 2 {
		t.Errorf("Get() = %+v, want partial 3/2", got)
	}
	if got.Error == "" {
		t.Error("UpdateStatus() did not record the error message")
	}
}

func TestDocumentRepo_ListAndDelete(t *testing.T) {
	repo := NewDocumentRepo(newTestDB(t))
	ctx := context.Background()

	for _, d := range []Document{
		{ID: "a", TenantID: 1, Status: StatusCompleted},
		{ID: "b", TenantID: 1, Status: StatusFailed},
		{ID: "c", TenantID: 2, Status: StatusCompleted},
	} {
		d := d
		if err := repo.Upsert(ctx, &d); err != nil {
			t.Fatalf("Upsert(%s) error = %v", d.ID, err)
		}
	}

	docs, err := repo.List(ctx, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("List() returned %d documents, want 2", len(docs))
	}

	if err := repo.Delete(ctx, 1, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, 1, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}

	n, err := repo.DeleteTenant(ctx, 1)
	if err != nil {
		t.Fatalf("DeleteTenant() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteTenant() = %d, want 1", n)
	}
	if docs, _ := repo.List(ctx, 2); len(docs) != 1 {
		t.Errorf("other tenant lost documents: %d remain", len(docs))
	}
}
