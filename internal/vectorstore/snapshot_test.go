package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, 3)

	added := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	first := rec(1, "doc_1_chunk_0", "first", 0.1, 0.2, 0.30000001)
	first.AddedAt = added
	first.Metadata = map[string]any{"category": "hr", "chunk_index": 0}
	require.NoError(t, src.Add(ctx, first))
	require.NoError(t, src.Add(ctx, rec(2, "doc_2_chunk_0", "second", 1e-7, -3.4e38, 7)))
	require.NoError(t, src.Add(ctx, rec(1, "doc_1_chunk_1", "third", 1, 1, 1)))

	var buf bytes.Buffer
	n, err := WriteSnapshot(ctx, &buf, src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dst := newTestStore(t, 3)
	n, err = ReadSnapshot(ctx, bytes.NewReader(buf.Bytes()), dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var want, got []Record
	require.NoError(t, src.Export(ctx, func(r Record) error { want = append(want, r); return nil }))
	require.NoError(t, dst.Export(ctx, func(r Record) error { got = append(got, r); return nil }))
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].TenantID, got[i].TenantID)
		assert.Equal(t, want[i].Text, got[i].Text)
		assert.Equal(t, want[i].Embedding, got[i].Embedding)
		assert.Equal(t, want[i].Metadata, got[i].Metadata)
		assert.True(t, want[i].AddedAt.Equal(got[i].AddedAt))
	}
	assert.True(t, got[0].AddedAt.Equal(added))
}

func TestReadSnapshot_Idempotent(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, 1)
	require.NoError(t, src.Add(ctx, rec(1, "a", "a", 1)))

	var buf bytes.Buffer
	_, err := WriteSnapshot(ctx, &buf, src)
	require.NoError(t, err)

	dst := newTestStore(t, 1)
	for range 2 {
		_, err := ReadSnapshot(ctx, bytes.NewReader(buf.Bytes()), dst)
		require.NoError(t, err)
	}
	listing, err := dst.List(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, listing, 1)
}

func TestReadSnapshot_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, 2)
	require.NoError(t, src.Add(ctx, rec(1, "a", "a", 1, 0)))

	var buf bytes.Buffer
	_, err := WriteSnapshot(ctx, &buf, src)
	require.NoError(t, err)

	_, err = ReadSnapshot(ctx, &buf, newTestStore(t, 3))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestReadSnapshot_NotZstd(t *testing.T) {
	_, err := ReadSnapshot(context.Background(), bytes.NewReader([]byte("{\"id\":\"a\"}\n")), newTestStore(t, 1))
	assert.Error(t, err)
}

func TestWriteSnapshot_ExportError(t *testing.T) {
	boom := errors.New("boom")
	_, err := WriteSnapshot(context.Background(), &bytes.Buffer{}, exporterFunc(func(ctx context.Context, fn func(Record) error) error {
		return boom
	}))
	assert.ErrorIs(t, err, boom)
}

type exporterFunc func(ctx context.Context, fn func(Record) error) error

func (f exporterFunc) Export(ctx context.Context, fn func(Record) error) error {
	return f(ctx, fn)
}
