package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"knowledge-rag/internal/contextutil"
)

// Payload fields of every point.
const (
	payloadTenantID = "tenant_id"
	payloadRecordID = "record_id"
	payloadText     = "text"
	payloadMetadata = "metadata_json"
	payloadAddedAt  = "added_at"
	payloadSeq      = "seq"
)

const scrollPageSize = 256

// pointNamespace derives point ids from record keys.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("knowledge-rag/records"))

// QdrantStore implements Store on a single Qdrant collection. Every point
// carries its tenant id in the payload and every read filters on it.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int

	mu      sync.Mutex
	lastSeq int64
}

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	// URL is the HTTP address, e.g. "http://localhost:6333". The gRPC port
	// is derived from it.
	URL        string
	APIKey     string
	Collection string
	Dimension  int
}

// NewQdrantStore connects to Qdrant and ensures the collection exists with
// the configured dimension.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be greater than 0, got %d", cfg.Dimension)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	host, port, useTLS, err := grpcEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dim:        cfg.Dimension,
	}
	if err := s.EnsureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// grpcEndpoint turns the HTTP URL of a Qdrant server into its gRPC host and
// port. The gRPC port is the HTTP port plus one, 6334 by default.
func grpcEndpoint(urlStr string) (host string, port int, useTLS bool, err error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host = parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port = 6334
	if p := parsedURL.Port(); p != "" {
		httpPort, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid Qdrant port %q: %w", p, err)
		}
		port = httpPort + 1
	}
	return host, port, parsedURL.Scheme == "https", nil
}

// PointID returns the Qdrant point id of a record.
func PointID(tenantID int64, id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(strconv.FormatInt(tenantID, 10)+":"+id)).String()
}

// EnsureCollection creates the collection and its tenant index if missing,
// and otherwise checks that its vector size matches the store dimension.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("%w: failed to check collection existence: %w", ErrStoreUnavailable, err)
	}

	if !exists {
		logger.InfoContext(ctx, "creating collection", "collection", s.collection, "vector_size", s.dim)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      payloadTenantID,
			FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create tenant index: %w", err)
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("%w: failed to get collection info: %w", ErrStoreUnavailable, err)
	}

	var actualSize uint64
	if config := info.GetConfig(); config != nil && config.GetParams() != nil {
		if params := config.GetParams().GetVectorsConfig().GetParams(); params != nil {
			actualSize = params.GetSize()
		}
	}
	if actualSize == 0 {
		return fmt.Errorf("could not determine collection vector size")
	}
	if int(actualSize) != s.dim {
		return fmt.Errorf("%w: collection has %d, store has %d", ErrDimensionMismatch, actualSize, s.dim)
	}

	logger.InfoContext(ctx, "collection validated", "collection", s.collection, "vector_size", s.dim)
	return nil
}

// Add implements Store.
func (s *QdrantStore) Add(ctx context.Context, rec Record) error {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateRecord(rec, s.dim); err != nil {
		return err
	}
	metaJSON, err := encodePayloadMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pointID := qdrant.NewID(PointID(rec.TenantID, rec.ID))

	// Overwrites keep the original seq and added_at.
	existing, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to look up point: %w", ErrStoreWrite, err)
	}

	var seq int64
	addedAt := rec.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	if len(existing) > 0 {
		prev := recordFromPayload(convertPayloadToMap(existing[0].GetPayload()))
		seq, addedAt = prev.Seq, prev.AddedAt
	} else {
		seq = s.nextSeq()
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID,
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadTenantID: rec.TenantID,
				payloadRecordID: rec.ID,
				payloadText:     truncateRunes(rec.Text, MaxTextRunes),
				payloadMetadata: metaJSON,
				payloadAddedAt:  addedAt.UTC().Format(time.RFC3339Nano),
				payloadSeq:      seq,
			}),
		}},
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert point", "collection", s.collection, "record_id", rec.ID, "error", err)
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	return nil
}

// nextSeq returns a sequence number above every one this process has issued.
// Wall clock nanoseconds keep it increasing across restarts. Must hold mu.
func (s *QdrantStore) nextSeq() int64 {
	s.lastSeq = max(s.lastSeq+1, time.Now().UnixNano())
	return s.lastSeq
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, query []float32, tenantID int64, topK int) ([]SearchResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateQuery(query, topK, s.dim); err != nil {
		return nil, err
	}

	// Qdrant cannot rank against a zero vector; every record scores 0.
	if CosineSimilarity(query, query) == 0 {
		return s.zeroQuery(ctx, tenantID, topK)
	}

	// Qdrant cuts at the limit before ties are ordered by insertion, so fetch
	// past topK until the boundary score is no longer tied.
	limit := uint64(topK) + tieHeadroom
	var scoredPoints []*qdrant.ScoredPoint
	for {
		var err error
		scoredPoints, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuery(query...),
			Filter:         tenantFilter(tenantID),
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to search points", "collection", s.collection, "top_k", topK, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if !boundaryTied(scoredPoints, topK, limit) || limit >= maxTieFetch {
			break
		}
		limit *= 2
	}

	hits := make([]scoredRecord, 0, len(scoredPoints))
	for _, p := range scoredPoints {
		rec := recordFromPayload(convertPayloadToMap(p.GetPayload()))
		if rec.TenantID != tenantID {
			logger.ErrorContext(ctx, "search returned record of another tenant",
				"tenant_id", tenantID, "record_tenant_id", rec.TenantID, "record_id", rec.ID)
			return nil, fmt.Errorf("%w: record %q belongs to tenant %d", ErrTenantIsolationViolation, rec.ID, rec.TenantID)
		}
		hits = append(hits, scoredRecord{rec: rec, score: float64(p.GetScore())})
	}
	hits = rankScored(hits, topK)

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, toSearchResult(h.rec, h.score))
	}

	logger.DebugContext(ctx, "qdrant search completed", "collection", s.collection, "tenant_id", tenantID, "results", len(results))
	return results, nil
}

type scoredRecord struct {
	rec   Record
	score float64
}

// rankScored orders hits by descending score, ties by insertion sequence,
// and keeps the first topK.
func rankScored(hits []scoredRecord, topK int) []scoredRecord {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rec.Seq < hits[j].rec.Seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

const (
	tieHeadroom = 16
	maxTieFetch = 4096
)

// boundaryTied reports whether a result page cut at limit may have dropped
// records tied with the score at position topK. Points are in descending
// score order.
func boundaryTied(points []*qdrant.ScoredPoint, topK int, limit uint64) bool {
	if uint64(len(points)) < limit || len(points) <= topK {
		return false
	}
	return points[len(points)-1].GetScore() == points[topK-1].GetScore()
}

func (s *QdrantStore) zeroQuery(ctx context.Context, tenantID int64, topK int) ([]SearchResult, error) {
	var recs []Record
	err := s.scroll(ctx, tenantFilter(tenantID), false, func(p *qdrant.RetrievedPoint) error {
		recs = append(recs, recordFromPayload(convertPayloadToMap(p.GetPayload())))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	sortBySeq(recs)
	if len(recs) > topK {
		recs = recs[:topK]
	}
	results := make([]SearchResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, toSearchResult(rec, 0))
	}
	return results, nil
}

// Delete implements Store.
func (s *QdrantStore) Delete(ctx context.Context, idOrPrefix string) (int, error) {
	if idOrPrefix == "" {
		return 0, fmt.Errorf("%w: empty id or prefix", ErrInvalidRecord)
	}
	return s.deleteMatching(ctx, nil, idOrPrefix)
}

// DeleteForTenant implements Store.
func (s *QdrantStore) DeleteForTenant(ctx context.Context, tenantID int64, idOrPrefix string) (int, error) {
	if idOrPrefix == "" {
		return 0, fmt.Errorf("%w: empty id or prefix", ErrInvalidRecord)
	}
	return s.deleteMatching(ctx, tenantFilter(tenantID), idOrPrefix)
}

// deleteMatching collects the ids matching prefix and removes them in a
// single request. Qdrant applies one delete request atomically.
func (s *QdrantStore) deleteMatching(ctx context.Context, filter *qdrant.Filter, prefix string) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []*qdrant.PointId
	err := s.scroll(ctx, filter, false, func(p *qdrant.RetrievedPoint) error {
		id, _ := convertValue(p.GetPayload()[payloadRecordID]).(string)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, p.GetId())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", s.collection, "count", len(ids), "error", err)
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	logger.InfoContext(ctx, "deleted points", "collection", s.collection, "prefix", prefix, "count", len(ids))
	return len(ids), nil
}

// Clear implements Store.
func (s *QdrantStore) Clear(ctx context.Context, tenantID int64) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	filter := tenantFilter(tenantID)
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	logger.InfoContext(ctx, "cleared tenant", "collection", s.collection, "tenant_id", tenantID, "count", count)
	return int(count), nil
}

// List implements Store.
func (s *QdrantStore) List(ctx context.Context, tenantID int64, limit int) ([]Listing, error) {
	var recs []Record
	err := s.scroll(ctx, tenantFilter(tenantID), false, func(p *qdrant.RetrievedPoint) error {
		recs = append(recs, recordFromPayload(convertPayloadToMap(p.GetPayload())))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	sortBySeq(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]Listing, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Listing{
			ID:          rec.ID,
			TextPreview: truncateRunes(rec.Text, PreviewRunes),
			Metadata:    rec.Metadata,
			AddedAt:     rec.AddedAt,
		})
	}
	return out, nil
}

// Export implements Exporter. Records are sorted by insertion order, so the
// whole collection is held in memory while exporting.
func (s *QdrantStore) Export(ctx context.Context, fn func(Record) error) error {
	var recs []Record
	err := s.scroll(ctx, nil, true, func(p *qdrant.RetrievedPoint) error {
		rec := recordFromPayload(convertPayloadToMap(p.GetPayload()))
		rec.Embedding = pointVector(p)
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	sortBySeq(recs)
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Dimension implements Store.
func (s *QdrantStore) Dimension() int {
	return s.dim
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// scroll pages through every point matching filter.
func (s *QdrantStore) scroll(ctx context.Context, filter *qdrant.Filter, withVectors bool, fn func(*qdrant.RetrievedPoint) error) error {
	var offset *qdrant.PointId
	for {
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(withVectors),
		})
		if err != nil {
			return fmt.Errorf("failed to scroll points: %w", err)
		}
		for _, p := range resp.GetResult() {
			if err := fn(p); err != nil {
				return err
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return nil
		}
	}
}

func tenantFilter(tenantID int64) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatchInt(payloadTenantID, tenantID)},
	}
}

func pointVector(p *qdrant.RetrievedPoint) []float32 {
	if dense := p.GetVectors().GetVector(); dense != nil {
		return slices.Clone(dense.GetData())
	}
	return nil
}

func encodePayloadMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}

// recordFromPayload rebuilds a record, without its vector, from a point payload.
func recordFromPayload(payload map[string]any) Record {
	var rec Record
	rec.TenantID, _ = payload[payloadTenantID].(int64)
	rec.ID, _ = payload[payloadRecordID].(string)
	rec.Text, _ = payload[payloadText].(string)
	rec.Seq, _ = payload[payloadSeq].(int64)
	if s, ok := payload[payloadAddedAt].(string); ok {
		rec.AddedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	rec.Metadata = make(map[string]any)
	if s, ok := payload[payloadMetadata].(string); ok && s != "" {
		_ = json.Unmarshal([]byte(s), &rec.Metadata)
	}
	return rec
}

func toSearchResult(rec Record, score float64) SearchResult {
	return SearchResult{
		ID:       rec.ID,
		TenantID: rec.TenantID,
		Text:     rec.Text,
		Metadata: maps.Clone(rec.Metadata),
		Score:    score,
		AddedAt:  rec.AddedAt,
	}
}

func sortBySeq(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
}

// convertPayloadToMap converts Qdrant payload to map[string]any.
func convertPayloadToMap(payload map[string]*qdrant.Value) map[string]any {
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		result[k] = convertValue(v)
	}
	return result
}

// convertValue converts a Qdrant Value to Go any type.
func convertValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_ListValue:
		list := make([]any, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			list[i] = convertValue(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return convertPayloadToMap(val.StructValue.Fields)
	default:
		return nil
	}
}
