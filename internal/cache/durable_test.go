package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

func newTestDurableStore(t *testing.T, dir string) *DurableStore {
	t.Helper()
	s, err := NewDurableStore(&DurableStoreConfig{Directory: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDurableStoreSetGet(t *testing.T) {
	s := newTestDurableStore(t, t.TempDir())
	ctx := context.Background()

	entry := &types.CacheEntry{
		Key:          "title:q=dune",
		Payload:      []byte(`{"title":"Dune"}`),
		EndpointType: types.EndpointTitle,
		CachedAt:     time.Now(),
		TTL:          time.Hour,
	}
	require.NoError(t, s.Set(ctx, entry))

	got, err := s.Get(ctx, "title:q=dune")
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, types.EndpointTitle, got.EndpointType)
}

func TestDurableStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewDurableStore(&DurableStoreConfig{Directory: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, &types.CacheEntry{
		Key:     "title:q=dune",
		Payload: []byte("payload"),
		TTL:     time.Hour,
	}))
	require.NoError(t, s.Close())

	reopened := newTestDurableStore(t, dir)
	got, err := reopened.Get(ctx, "title:q=dune")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestDurableStoreChecksumMismatch(t *testing.T) {
	s := newTestDurableStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &types.CacheEntry{
		Key:     "title:q=dune",
		Payload: []byte("payload"),
		TTL:     time.Hour,
	}))

	// Corrupt the payload file behind the index's back.
	s.mu.RLock()
	path := s.index["title:q=dune"].FilePath
	s.mu.RUnlock()
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0600))

	_, err := s.Get(ctx, "title:q=dune")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEntryDecode, errors.CodeOf(err))

	// The corrupt record is dropped, so the next read is a clean miss.
	_, err = s.Get(ctx, "title:q=dune")
	assert.True(t, errors.IsNotFound(err))
}

func TestDurableStoreListPrefix(t *testing.T) {
	s := newTestDurableStore(t, t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"title:q=dune", "title:q=hyperion", "cold-index:title:q=old"} {
		require.NoError(t, s.Set(ctx, &types.CacheEntry{
			Key:     key,
			Payload: []byte("x"),
			TTL:     time.Hour,
		}))
	}

	titles, err := s.List(ctx, "title:")
	require.NoError(t, err)
	assert.Len(t, titles, 2)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDurableStoreMetaAndTotalSize(t *testing.T) {
	s := newTestDurableStore(t, t.TempDir())
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, s.Set(ctx, &types.CacheEntry{
		Key:     "title:q=dune",
		Payload: []byte("12345"),
		TTL:     time.Hour,
	}))

	cachedAt, ttl, size, ok := s.Meta("title:q=dune")
	require.True(t, ok)
	assert.False(t, cachedAt.Before(before.Truncate(time.Second)))
	assert.Equal(t, time.Hour, ttl)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, int64(5), s.TotalSize())

	_, _, _, ok = s.Meta("title:q=missing")
	assert.False(t, ok)
}

func TestDurableStoreDelete(t *testing.T) {
	s := newTestDurableStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &types.CacheEntry{
		Key:     "title:q=dune",
		Payload: []byte("x"),
		TTL:     time.Hour,
	}))
	require.NoError(t, s.Delete(ctx, "title:q=dune"))

	_, err := s.Get(ctx, "title:q=dune")
	assert.True(t, errors.IsNotFound(err))
}

func TestDurableStoreRequiresDirectory(t *testing.T) {
	_, err := NewDurableStore(&DurableStoreConfig{})
	assert.Error(t, err)
}
