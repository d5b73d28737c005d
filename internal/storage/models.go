package storage

import "time"

// ChunkRecord is the durable form of a vector store record.
type ChunkRecord struct {
	Seq       int64 // assigned on first insert, preserved on overwrite
	ID        string
	TenantID  int64
	Text      string
	Embedding []float32
	Metadata  map[string]any
	AddedAt   time.Time // assigned on first insert, preserved on overwrite
}

// ChunkKey identifies a record across tenants.
type ChunkKey struct {
	TenantID int64
	ID       string
}

// DeleteFilter selects records by id. Prefix matches ids equal to it or
// starting with it; an empty Prefix matches every record in scope.
type DeleteFilter struct {
	TenantID   int64
	AllTenants bool
	Prefix     string
}

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusPartial    DocumentStatus = "partial"
	StatusFailed     DocumentStatus = "failed"
)

// Document is the registry row for an ingested document.
type Document struct {
	ID             string
	TenantID       int64
	Filename       string
	Title          string
	Category       string
	Tags           []string
	Status         DocumentStatus
	ChunksCreated  int
	ChunksEmbedded int
	QualityScore   int
	Content        string // normalized text, kept so re-embedding can re-chunk
	Error          string // last failure, empty on success
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
