package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"knowledge-rag/internal/contextutil"
)

// snapshotRecord is one line of a snapshot. Float32 values survive the JSON
// round trip exactly.
type snapshotRecord struct {
	ID        string         `json:"id"`
	TenantID  int64          `json:"tenant_id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	AddedAt   string         `json:"added_at"`
}

// WriteSnapshot writes every record of src to w as zstd-compressed JSON
// lines, in insertion order, and returns how many were written.
func WriteSnapshot(ctx context.Context, w io.Writer, src Exporter) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	n := 0
	err = src.Export(ctx, func(rec Record) error {
		line := snapshotRecord{
			ID:        rec.ID,
			TenantID:  rec.TenantID,
			Text:      rec.Text,
			Embedding: rec.Embedding,
			Metadata:  rec.Metadata,
			AddedAt:   rec.AddedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode record %q: %w", rec.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		_ = zw.Close()
		return n, err
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("failed to flush snapshot: %w", err)
	}

	logger.InfoContext(ctx, "wrote snapshot", "records", n)
	return n, nil
}

// ReadSnapshot adds every record of a snapshot to dst and returns how many
// were added. Each record is an idempotent Add, so an interrupted import can
// be rerun.
func ReadSnapshot(ctx context.Context, r io.Reader, dst Store) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var line snapshotRecord
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return n, fmt.Errorf("failed to decode snapshot record %d: %w", n+1, err)
		}

		rec := Record{
			ID:        line.ID,
			TenantID:  line.TenantID,
			Text:      line.Text,
			Embedding: line.Embedding,
			Metadata:  line.Metadata,
		}
		if line.AddedAt != "" {
			if rec.AddedAt, err = time.Parse(time.RFC3339Nano, line.AddedAt); err != nil {
				return n, fmt.Errorf("invalid added_at of record %q: %w", line.ID, err)
			}
		}
		if err := dst.Add(ctx, rec); err != nil {
			return n, fmt.Errorf("failed to import record %q: %w", rec.ID, err)
		}
		n++
	}

	logger.InfoContext(ctx, "read snapshot", "records", n)
	return n, nil
}
