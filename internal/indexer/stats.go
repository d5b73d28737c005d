package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"knowledge-rag/internal/storage"
)

const (
	// ChunkerVersion is the version identifier for the chunker implementation.
	// Update this when chunking logic changes significantly.
	ChunkerVersion = "v2.0"
	// TokensPerRune is an approximation for token counting (4 chars per token).
	TokensPerRune = 4.0
)

// CoverageStats describes how completely a tenant's documents are indexed.
type CoverageStats struct {
	TenantID int64 `json:"tenant_id"`
	// Documents is the number of registered documents.
	Documents int `json:"documents"`
	// DocumentsByStatus counts documents per ingestion status.
	DocumentsByStatus map[storage.DocumentStatus]int `json:"documents_by_status"`
	// DocsWith0Chunks is the number of documents with no embedded chunk.
	DocsWith0Chunks int `json:"docs_with_0_chunks"`
	// ChunksCreated is the number of chunks produced by the chunker.
	ChunksCreated int `json:"chunks_created"`
	// ChunksEmbedded is the number of chunks embedded and stored.
	ChunksEmbedded int `json:"chunks_embedded"`
	// ChunksSkipped is the number of chunks that could not be embedded.
	ChunksSkipped int `json:"chunks_skipped"`
	// ChunkTokenStats contains statistics about estimated tokens per chunk.
	ChunkTokenStats ChunkTokenStats `json:"chunk_token_stats"`
	// ChunkerVersion is the version of the chunker used.
	ChunkerVersion string `json:"chunker_version"`
	// IndexVersion is a hash identifying the index build (chunker + embedding model + params).
	IndexVersion string `json:"index_version"`
}

// ChunkTokenStats contains statistics about token counts in chunks.
type ChunkTokenStats struct {
	// Min is the minimum token count across all chunks.
	Min int `json:"min"`
	// Max is the maximum token count across all chunks.
	Max int `json:"max"`
	// Mean is the mean token count across all chunks.
	Mean float64 `json:"mean"`
	// P95 is the 95th percentile token count.
	P95 int `json:"p95"`
}

// Stats computes coverage statistics for a tenant from the document registry.
// Chunk sizes come from re-chunking the stored text, which yields the same
// chunks ingestion produced.
func (p *Pipeline) Stats(ctx context.Context, tenantID int64) (*CoverageStats, error) {
	docs, err := p.docs.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	stats := &CoverageStats{
		TenantID:          tenantID,
		Documents:         len(docs),
		DocumentsByStatus: make(map[storage.DocumentStatus]int),
		ChunkerVersion:    ChunkerVersion,
		IndexVersion:      p.IndexVersion(),
	}

	var tokenCounts []int
	for _, doc := range docs {
		stats.DocumentsByStatus[doc.Status]++
		stats.ChunksCreated += doc.ChunksCreated
		stats.ChunksEmbedded += doc.ChunksEmbedded
		if doc.ChunksEmbedded == 0 {
			stats.DocsWith0Chunks++
		}
		for _, piece := range p.chunker.Chunk(doc.Content) {
			// Estimate tokens from rune count (approximation: ~4 chars per token)
			tokenCount := int(math.Round(float64(utf8.RuneCountInString(piece)) / TokensPerRune))
			tokenCounts = append(tokenCounts, max(tokenCount, 1))
		}
	}
	stats.ChunksSkipped = stats.ChunksCreated - stats.ChunksEmbedded
	stats.ChunkTokenStats = computeTokenStats(tokenCounts)

	return stats, nil
}

// IndexVersion identifies the chunker, its parameters and the embedding
// model. Records produced under a different version should be re-embedded.
func (p *Pipeline) IndexVersion() string {
	input := fmt.Sprintf("%s|%s|maxChars=%d|overlapChars=%d",
		ChunkerVersion, p.embedder.Name(), p.chunker.MaxChars(), p.chunker.OverlapChars())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16] // 16 hex chars = 64 bits
}

// computeTokenStats computes min, max, mean, and p95 from token counts.
func computeTokenStats(tokenCounts []int) ChunkTokenStats {
	if len(tokenCounts) == 0 {
		return ChunkTokenStats{}
	}

	sorted := make([]int, len(tokenCounts))
	copy(sorted, tokenCounts)
	sort.Ints(sorted)

	sum := 0
	for _, count := range sorted {
		sum += count
	}
	mean := float64(sum) / float64(len(sorted))

	p95Index := min(int(math.Ceil(float64(len(sorted))*0.95)), len(sorted)-1)

	return ChunkTokenStats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: math.Round(mean*100) / 100, // Round to 2 decimal places
		P95:  sorted[p95Index],
	}
}
