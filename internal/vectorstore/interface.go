package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_store.go -package=mocks knowledge-rag/internal/vectorstore Store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextRunes is the longest text a record keeps.
	MaxTextRunes = 5000
	// PreviewRunes is the length of the text preview returned by List.
	PreviewRunes = 200
)

var (
	// ErrInvalidRecord is returned for a record missing its id, text or a finite embedding.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrInvalidQuery is returned for a search with a non-positive top_k or an empty query.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrDimensionMismatch is returned when a vector does not have the store's dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrStoreWrite is returned when a mutation could not be made durable.
	ErrStoreWrite = errors.New("vector store write failed")
	// ErrStoreUnavailable is returned when the store cannot be read.
	ErrStoreUnavailable = errors.New("vector store unavailable")
	// ErrTenantIsolationViolation is returned if a search would leak another tenant's record.
	ErrTenantIsolationViolation = errors.New("tenant isolation violation")
)

// Record is a single stored chunk.
type Record struct {
	ID        string         `json:"id"`
	TenantID  int64          `json:"tenant_id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	AddedAt   time.Time      `json:"added_at"`
	Seq       int64          `json:"-"`
}

// SearchResult is a record matched by Search.
type SearchResult struct {
	ID       string
	TenantID int64
	Text     string
	Metadata map[string]any
	Score    float64
	AddedAt  time.Time
}

// Listing is the summary of a record returned by List.
type Listing struct {
	ID          string
	TextPreview string
	Metadata    map[string]any
	AddedAt     time.Time
}

// Store is a tenant-partitioned similarity index.
type Store interface {
	// Add inserts rec, or overwrites the record with the same tenant and id.
	// It returns only after the record is durable.
	Add(ctx context.Context, rec Record) error
	// Search returns up to topK of the tenant's records ordered by descending
	// cosine similarity to query, ties broken by insertion order.
	Search(ctx context.Context, query []float32, tenantID int64, topK int) ([]SearchResult, error)
	// Delete removes every record, in any tenant, whose id equals or starts
	// with idOrPrefix, and returns how many were removed.
	Delete(ctx context.Context, idOrPrefix string) (int, error)
	// DeleteForTenant is Delete restricted to one tenant.
	DeleteForTenant(ctx context.Context, tenantID int64, idOrPrefix string) (int, error)
	// List returns up to limit of the tenant's records in insertion order.
	// A limit of zero or less returns all of them.
	List(ctx context.Context, tenantID int64, limit int) ([]Listing, error)
	// Clear removes all of the tenant's records and returns how many were removed.
	Clear(ctx context.Context, tenantID int64) (int, error)
	// Dimension returns the embedding dimension of the store.
	Dimension() int
	// Close releases the store.
	Close() error
}

// Exporter streams every record of a store in insertion order.
type Exporter interface {
	Export(ctx context.Context, fn func(Record) error) error
}

func validateRecord(rec Record, dim int) error {
	switch {
	case rec.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case rec.Text == "":
		return fmt.Errorf("%w: empty text for %q", ErrInvalidRecord, rec.ID)
	case len(rec.Embedding) == 0:
		return fmt.Errorf("%w: empty embedding for %q", ErrInvalidRecord, rec.ID)
	case len(rec.Embedding) != dim:
		return fmt.Errorf("%w: record %q has %d, store has %d", ErrDimensionMismatch, rec.ID, len(rec.Embedding), dim)
	case !finite(rec.Embedding):
		return fmt.Errorf("%w: non-finite embedding for %q", ErrInvalidRecord, rec.ID)
	}
	return nil
}

func validateQuery(query []float32, topK, dim int) error {
	if topK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidQuery, topK)
	}
	if len(query) == 0 {
		return fmt.Errorf("%w: empty query vector", ErrInvalidQuery)
	}
	if len(query) != dim {
		return fmt.Errorf("%w: query has %d, store has %d", ErrDimensionMismatch, len(query), dim)
	}
	if !finite(query) {
		return fmt.Errorf("%w: non-finite query vector", ErrInvalidQuery)
	}
	return nil
}

func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
