package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_document_store.go -package=mocks knowledge-rag/internal/storage DocumentStore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DocumentStore defines the interface for the document registry.
type DocumentStore interface {
	// Upsert inserts a document or replaces an existing one with the same tenant and id.
	// CreatedAt is preserved on replace.
	Upsert(ctx context.Context, doc *Document) error
	// UpdateStatus records the outcome of an ingestion attempt.
	UpdateStatus(ctx context.Context, tenantID int64, id string, status DocumentStatus, created, embedded int, errMsg string) error
	// Get returns a document. Returns ErrNotFound if not found.
	Get(ctx context.Context, tenantID int64, id string) (*Document, error)
	// List returns a tenant's documents ordered by creation time.
	List(ctx context.Context, tenantID int64) ([]Document, error)
	// Delete removes a document. Returns ErrNotFound if not found.
	Delete(ctx context.Context, tenantID int64, id string) error
	// DeleteTenant removes every document of a tenant and returns how many were removed.
	DeleteTenant(ctx context.Context, tenantID int64) (int, error)
}

// DocumentRepo provides methods for document registry operations.
// It implements the DocumentStore interface.
type DocumentRepo struct {
	db *sql.DB
}

// NewDocumentRepo creates a new DocumentRepo.
func NewDocumentRepo(db *sql.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, tenant_id, filename, title, category, tags, status, chunks_created,
	chunks_embedded, quality_score, content, error, created_at, updated_at`

// Upsert implements DocumentStore.
func (r *DocumentRepo) Upsert(ctx context.Context, doc *Document) error {
	tags, err := json.Marshal(nonNilTags(doc.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	now := time.Now().UTC()

	var createdAt string
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		 filename = excluded.filename, title = excluded.title, category = excluded.category, tags = excluded.tags,
		 status = excluded.status, chunks_created = excluded.chunks_created,
		 chunks_embedded = excluded.chunks_embedded, quality_score = excluded.quality_score,
		 content = excluded.content, error = excluded.error, updated_at = excluded.updated_at
		 RETURNING created_at`,
		doc.ID, doc.TenantID, doc.Filename, doc.Title, doc.Category, string(tags), string(doc.Status),
		doc.ChunksCreated, doc.ChunksEmbedded, doc.QualityScore, doc.Content, doc.Error,
		formatTime(now), formatTime(now),
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	doc.UpdatedAt = now
	return nil
}

// UpdateStatus implements DocumentStore.
func (r *DocumentRepo) UpdateStatus(ctx context.Context, tenantID int64, id string, status DocumentStatus, created, embedded int, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunks_created = ?, chunks_embedded = ?, error = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(status), created, embedded, errMsg, formatTime(time.Now()), tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return requireAffected(res)
}

// Get implements DocumentStore.
func (r *DocumentRepo) Get(ctx context.Context, tenantID int64, id string) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return doc, nil
}

// List implements DocumentStore.
func (r *DocumentRepo) List(ctx context.Context, tenantID int64) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? ORDER BY created_at, id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return docs, nil
}

// Delete implements DocumentStore.
func (r *DocumentRepo) Delete(ctx context.Context, tenantID int64, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM documents WHERE tenant_id = ? AND id = ?", tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return requireAffected(res)
}

// DeleteTenant implements DocumentStore.
func (r *DocumentRepo) DeleteTenant(ctx context.Context, tenantID int64) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM documents WHERE tenant_id = ?", tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tenant documents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc                  Document
		tags, status         string
		createdAt, updatedAt string
	)
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.Title, &doc.Category, &tags, &status,
		&doc.ChunksCreated, &doc.ChunksEmbedded, &doc.QualityScore, &doc.Content, &doc.Error,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	doc.Status = DocumentStatus(status)
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &doc, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
