package indexer

import (
	"time"

	"knowledge-rag/internal/storage"
)

// Request describes a document to ingest. Exactly one of FilePath and Text
// must be set.
type Request struct {
	TenantID int64
	// DocumentID identifies the document within the tenant. Empty generates one;
	// reusing an id re-ingests that document in place.
	DocumentID   string
	FilePath     string
	Text         string
	DeclaredType string
	// Filename defaults to the base name of FilePath.
	Filename string
	Category string
	Tags     []string
}

// Result reports the outcome of an ingestion.
type Result struct {
	DocumentID     string
	Title          string
	ChunksCreated  int
	ChunksEmbedded int
	QualityScore   int
	Status         storage.DocumentStatus
	TextLength     int
}

// Config tunes the embedding stage of the pipeline.
type Config struct {
	// Concurrency bounds the number of chunks embedded at once.
	Concurrency int
	// MaxAttempts is how many times a chunk is tried before it is given up.
	MaxAttempts int
	// EmbedTimeout bounds each embedding attempt.
	EmbedTimeout time.Duration
	// RetryBackoff is the pause before the second attempt and doubles after
	// that. Zero uses the default; a negative value retries immediately.
	RetryBackoff time.Duration
}

const (
	defaultConcurrency  = 4
	defaultMaxAttempts  = 2
	defaultEmbedTimeout = 30 * time.Second
	defaultRetryBackoff = 200 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = defaultEmbedTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	} else if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}
