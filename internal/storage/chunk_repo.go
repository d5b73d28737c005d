package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_chunk_store.go -package=mocks knowledge-rag/internal/storage ChunkStore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

// ChunkStore persists vector store records.
type ChunkStore interface {
	// Upsert inserts rec or overwrites the text, embedding and metadata of the
	// record with the same tenant and id. It sets rec.Seq and rec.AddedAt to the
	// stored values, which an overwrite leaves unchanged. A zero AddedAt on
	// insert means now.
	Upsert(ctx context.Context, rec *ChunkRecord) error
	// Delete removes every record matching filter in one transaction and
	// returns the keys it removed.
	Delete(ctx context.Context, filter DeleteFilter) ([]ChunkKey, error)
	// LoadAll returns every record ordered by Seq.
	LoadAll(ctx context.Context) ([]ChunkRecord, error)
	// GetMeta returns a store setting. Returns ErrNotFound if unset.
	GetMeta(ctx context.Context, key string) (string, error)
	// SetMeta stores a store setting.
	SetMeta(ctx context.Context, key, value string) error
}

// ChunkRepo provides methods for chunk record operations.
// It implements the ChunkStore interface.
type ChunkRepo struct {
	db *sql.DB
}

// NewChunkRepo creates a new ChunkRepo.
func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// RecordKey is the persisted key of a record: "{tenant_id}:{id}".
func RecordKey(tenantID int64, id string) string {
	return fmt.Sprintf("%d:%s", tenantID, id)
}

// Upsert implements ChunkStore.
func (r *ChunkRepo) Upsert(ctx context.Context, rec *ChunkRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	added := time.Now()
	if !rec.AddedAt.IsZero() {
		added = rec.AddedAt
	}

	var addedAt string
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO chunk_records (record_key, id, tenant_id, text, embedding, metadata, added_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_key) DO UPDATE SET
		 text = excluded.text, embedding = excluded.embedding, metadata = excluded.metadata
		 RETURNING seq, added_at`,
		RecordKey(rec.TenantID, rec.ID), rec.ID, rec.TenantID, rec.Text,
		EncodeVector(rec.Embedding), meta, formatTime(added),
	).Scan(&rec.Seq, &addedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk record: %w", err)
	}

	if rec.AddedAt, err = parseTime(addedAt); err != nil {
		return err
	}
	return nil
}

// Delete implements ChunkStore.
func (r *ChunkRepo) Delete(ctx context.Context, filter DeleteFilter) ([]ChunkKey, error) {
	query := `DELETE FROM chunk_records WHERE (id = ? OR substr(id, 1, length(?)) = ?)`
	args := []any{filter.Prefix, filter.Prefix, filter.Prefix}
	if !filter.AllTenants {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	query += ` RETURNING tenant_id, id`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete chunk records: %w", err)
	}

	var keys []ChunkKey
	for rows.Next() {
		var k ChunkKey
		if err := rows.Scan(&k.TenantID, &k.ID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan deleted key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return keys, nil
}

// LoadAll implements ChunkStore.
func (r *ChunkRepo) LoadAll(ctx context.Context) ([]ChunkRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT seq, id, tenant_id, text, embedding, metadata, added_at FROM chunk_records ORDER BY seq",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []ChunkRecord
	for rows.Next() {
		var (
			rec     ChunkRecord
			blob    []byte
			meta    string
			addedAt string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.TenantID, &rec.Text, &blob, &meta, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk record: %w", err)
		}
		if rec.Embedding, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("record %s: %w", RecordKey(rec.TenantID, rec.ID), err)
		}
		if rec.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("record %s: %w", RecordKey(rec.TenantID, rec.ID), err)
		}
		if rec.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return records, nil
}

// GetMeta implements ChunkStore.
func (r *ChunkRepo) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query store meta: %w", err)
	}
	return value, nil
}

// SetMeta implements ChunkStore.
func (r *ChunkRepo) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO store_meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set store meta: %w", err)
	}
	return nil
}

// NormalizeMetadata returns metadata in the shape it has after a round trip
// through storage: numbers become float64 and slices become []any.
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	raw, err := encodeMetadata(m)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(raw)
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	m := make(map[string]any)
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
