package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"knowledge-rag/internal/contextutil"
	"knowledge-rag/internal/storage"
)

const dimensionMetaKey = "dimension"

// snapshot is an immutable view of every tenant's records. Each tenant slice
// is in insertion order and is never mutated below its length once published.
type snapshot struct {
	tenants map[int64][]*Record
}

// LocalStore is an in-memory Store backed by a storage.ChunkStore.
//
// Readers load the current snapshot with a single atomic pointer read and
// never block. Writers are serialized by mu, commit to the chunk store first,
// and only then publish a new snapshot.
type LocalStore struct {
	chunks storage.ChunkStore
	dim    int

	mu     sync.Mutex
	pos    map[int64]map[string]int // writer-only index into the tenant slices
	snap   atomic.Pointer[snapshot]
	closed atomic.Bool
}

// NewLocalStore loads every record from chunks. The dimension is fixed the
// first time a store is opened; reopening with another dimension fails with
// ErrDimensionMismatch.
func NewLocalStore(ctx context.Context, chunks storage.ChunkStore, dim int) (*LocalStore, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be greater than 0, got %d", dim)
	}

	stored, err := chunks.GetMeta(ctx, dimensionMetaKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := chunks.SetMeta(ctx, dimensionMetaKey, strconv.Itoa(dim)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreWrite, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	default:
		if stored != strconv.Itoa(dim) {
			return nil, fmt.Errorf("%w: store has %s, requested %d", ErrDimensionMismatch, stored, dim)
		}
	}

	rows, err := chunks.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s := &LocalStore{
		chunks: chunks,
		dim:    dim,
		pos:    make(map[int64]map[string]int),
	}
	snap := &snapshot{tenants: make(map[int64][]*Record)}
	for _, row := range rows {
		if len(row.Embedding) != dim {
			return nil, fmt.Errorf("%w: stored record %s has %d", ErrDimensionMismatch,
				storage.RecordKey(row.TenantID, row.ID), len(row.Embedding))
		}
		rec := &Record{
			ID:        row.ID,
			TenantID:  row.TenantID,
			Text:      row.Text,
			Embedding: row.Embedding,
			Metadata:  row.Metadata,
			AddedAt:   row.AddedAt,
			Seq:       row.Seq,
		}
		s.index(row.TenantID)[row.ID] = len(snap.tenants[row.TenantID])
		snap.tenants[row.TenantID] = append(snap.tenants[row.TenantID], rec)
	}
	s.snap.Store(snap)

	logger.InfoContext(ctx, "loaded local vector store", "records", len(rows), "tenants", len(snap.tenants), "dimension", dim)
	return s, nil
}

// Add implements Store.
func (s *LocalStore) Add(ctx context.Context, rec Record) error {
	if err := validateRecord(rec, s.dim); err != nil {
		return err
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: store is closed", ErrStoreWrite)
	}

	meta, err := storage.NormalizeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	row := storage.ChunkRecord{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Text:      truncateRunes(rec.Text, MaxTextRunes),
		Embedding: slices.Clone(rec.Embedding),
		Metadata:  meta,
		AddedAt:   rec.AddedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.chunks.Upsert(ctx, &row); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	stored := &Record{
		ID:        row.ID,
		TenantID:  row.TenantID,
		Text:      row.Text,
		Embedding: row.Embedding,
		Metadata:  row.Metadata,
		AddedAt:   row.AddedAt,
		Seq:       row.Seq,
	}

	cur := s.snap.Load()
	recs := cur.tenants[rec.TenantID]
	idx := s.index(rec.TenantID)
	if i, ok := idx[rec.ID]; ok {
		// Overwrites keep their position, so copy rather than mutate in place.
		recs = slices.Clone(recs)
		recs[i] = stored
	} else {
		// Appending never touches elements visible to older snapshots.
		idx[rec.ID] = len(recs)
		recs = append(recs, stored)
	}
	s.publish(cur, map[int64][]*Record{rec.TenantID: recs})
	return nil
}

// Search implements Store.
func (s *LocalStore) Search(ctx context.Context, query []float32, tenantID int64, topK int) ([]SearchResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateQuery(query, topK, s.dim); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: store is closed", ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	recs := s.snap.Load().tenants[tenantID]
	type scored struct {
		rec   *Record
		score float64
	}
	candidates := make([]scored, len(recs))
	for i, rec := range recs {
		candidates[i] = scored{rec: rec, score: CosineSimilarity(query, rec.Embedding)}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.Seq < candidates[j].rec.Seq
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if c.rec.TenantID != tenantID {
			logger.ErrorContext(ctx, "search returned record of another tenant",
				"tenant_id", tenantID, "record_tenant_id", c.rec.TenantID, "record_id", c.rec.ID)
			return nil, fmt.Errorf("%w: record %q belongs to tenant %d", ErrTenantIsolationViolation, c.rec.ID, c.rec.TenantID)
		}
		results = append(results, SearchResult{
			ID:       c.rec.ID,
			TenantID: c.rec.TenantID,
			Text:     c.rec.Text,
			Metadata: maps.Clone(c.rec.Metadata),
			Score:    c.score,
			AddedAt:  c.rec.AddedAt,
		})
	}

	logger.DebugContext(ctx, "local search completed", "tenant_id", tenantID, "candidates", len(recs), "results", len(results))
	return results, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(ctx context.Context, idOrPrefix string) (int, error) {
	if idOrPrefix == "" {
		return 0, fmt.Errorf("%w: empty id or prefix", ErrInvalidRecord)
	}
	return s.remove(ctx, storage.DeleteFilter{AllTenants: true, Prefix: idOrPrefix})
}

// DeleteForTenant implements Store.
func (s *LocalStore) DeleteForTenant(ctx context.Context, tenantID int64, idOrPrefix string) (int, error) {
	if idOrPrefix == "" {
		return 0, fmt.Errorf("%w: empty id or prefix", ErrInvalidRecord)
	}
	return s.remove(ctx, storage.DeleteFilter{TenantID: tenantID, Prefix: idOrPrefix})
}

// Clear implements Store.
func (s *LocalStore) Clear(ctx context.Context, tenantID int64) (int, error) {
	return s.remove(ctx, storage.DeleteFilter{TenantID: tenantID})
}

// remove deletes durably first and then publishes a snapshot without the
// removed keys, so a concurrent search sees all of them or none.
func (s *LocalStore) remove(ctx context.Context, filter storage.DeleteFilter) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if s.closed.Load() {
		return 0, fmt.Errorf("%w: store is closed", ErrStoreWrite)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.chunks.Delete(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	removed := make(map[int64]map[string]struct{})
	for _, k := range keys {
		if removed[k.TenantID] == nil {
			removed[k.TenantID] = make(map[string]struct{})
		}
		removed[k.TenantID][k.ID] = struct{}{}
	}

	cur := s.snap.Load()
	changed := make(map[int64][]*Record, len(removed))
	for tenantID, ids := range removed {
		kept := make([]*Record, 0, len(cur.tenants[tenantID]))
		idx := make(map[string]int)
		for _, rec := range cur.tenants[tenantID] {
			if _, gone := ids[rec.ID]; gone {
				continue
			}
			idx[rec.ID] = len(kept)
			kept = append(kept, rec)
		}
		s.pos[tenantID] = idx
		changed[tenantID] = kept
	}
	s.publish(cur, changed)

	logger.InfoContext(ctx, "deleted records", "prefix", filter.Prefix, "all_tenants", filter.AllTenants, "count", len(keys))
	return len(keys), nil
}

// List implements Store.
func (s *LocalStore) List(ctx context.Context, tenantID int64, limit int) ([]Listing, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: store is closed", ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	recs := s.snap.Load().tenants[tenantID]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]Listing, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Listing{
			ID:          rec.ID,
			TextPreview: truncateRunes(rec.Text, PreviewRunes),
			Metadata:    maps.Clone(rec.Metadata),
			AddedAt:     rec.AddedAt,
		})
	}
	return out, nil
}

// Export implements Exporter. Records are visited tenant by tenant in
// ascending tenant id, each tenant in insertion order.
func (s *LocalStore) Export(ctx context.Context, fn func(Record) error) error {
	snap := s.snap.Load()
	tenants := slices.Sorted(maps.Keys(snap.tenants))
	for _, tenantID := range tenants {
		for _, rec := range snap.tenants[tenantID] {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := *rec
			out.Embedding = slices.Clone(rec.Embedding)
			out.Metadata = maps.Clone(rec.Metadata)
			if err := fn(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dimension implements Store.
func (s *LocalStore) Dimension() int {
	return s.dim
}

// Close implements Store. The underlying database is owned by the caller.
func (s *LocalStore) Close() error {
	s.closed.Store(true)
	return nil
}

// publish swaps in a snapshot where the given tenants are replaced. Must hold mu.
func (s *LocalStore) publish(cur *snapshot, changed map[int64][]*Record) {
	next := &snapshot{tenants: make(map[int64][]*Record, len(cur.tenants)+len(changed))}
	for tenantID, recs := range cur.tenants {
		next.tenants[tenantID] = recs
	}
	for tenantID, recs := range changed {
		if len(recs) == 0 {
			delete(next.tenants, tenantID)
			delete(s.pos, tenantID)
			continue
		}
		next.tenants[tenantID] = recs
	}
	s.snap.Store(next)
}

// index returns the writer-side id index of a tenant. Must hold mu or be
// called before the store is shared.
func (s *LocalStore) index(tenantID int64) map[string]int {
	idx, ok := s.pos[tenantID]
	if !ok {
		idx = make(map[string]int)
		s.pos[tenantID] = idx
	}
	return idx
}
