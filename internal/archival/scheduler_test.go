package archival

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocache/bibliocache/internal/cache"
	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// memColdStore is an in-memory cold store.
type memColdStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemColdStore() *memColdStore {
	return &memColdStore{objects: make(map[string][]byte)}
}

func (m *memColdStore) Put(ctx context.Context, path string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New(errors.ErrCodeColdWrite, "cold storage unavailable").WithRetryable(false)
	}
	m.objects[path] = payload
	return nil
}

func (m *memColdStore) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[path]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeColdObjectMissing, "cold object not found: %s", path)
	}
	return payload, nil
}

func (m *memColdStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memColdStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.objects))
	for path := range m.objects {
		paths = append(paths, path)
	}
	return paths, nil
}

func (m *memColdStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// staticFrequency serves fixed access counts. The zero coverage time spans
// any window.
type staticFrequency struct {
	counts   map[string]int64
	coverage time.Time
	err      error
}

func (f *staticFrequency) AccessCounts(ctx context.Context, window time.Duration) (map[string]int64, time.Time, error) {
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	return f.counts, f.coverage, nil
}

type fixture struct {
	scheduler *Scheduler
	durable   *cache.DurableStore
	edge      *cache.EdgeStore
	cold      *memColdStore
	freq      *staticFrequency
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	durable, err := cache.NewDurableStore(&cache.DurableStoreConfig{Directory: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = durable.Close() })

	edge := cache.NewEdgeStore(nil)
	t.Cleanup(edge.Close)

	coldStore := newMemColdStore()
	freq := &staticFrequency{counts: map[string]int64{}}

	scheduler := NewScheduler(durable, edge, coldStore, freq, &Config{
		AgeThreshold:       30 * 24 * time.Hour,
		FrequencyThreshold: 10,
		RehydratedTTL:      7 * 24 * time.Hour,
	}, nil)

	return &fixture{scheduler: scheduler, durable: durable, edge: edge, cold: coldStore, freq: freq}
}

func (f *fixture) seed(t *testing.T, key string, age time.Duration) {
	t.Helper()
	require.NoError(t, f.durable.Set(context.Background(), &types.CacheEntry{
		Key:      key,
		Payload:  []byte(`{"title":"x"}`),
		CachedAt: time.Now().Add(-age),
		TTL:      365 * 24 * time.Hour,
	}))
}

func (f *fixture) coldIndex(t *testing.T, key string) *types.ColdIndexEntry {
	t.Helper()
	entry, err := f.durable.Get(context.Background(), cache.ColdIndexKey(key))
	if err != nil {
		return nil
	}
	var idx types.ColdIndexEntry
	require.NoError(t, json.Unmarshal(entry.Payload, &idx))
	return &idx
}

func TestArchivesOldColdEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "title:q=old", 45*24*time.Hour)
	require.NoError(t, f.scheduler.RunPass(ctx))

	_, err := f.durable.Get(ctx, "title:q=old")
	assert.True(t, errors.IsNotFound(err))

	idx := f.coldIndex(t, "title:q=old")
	require.NotNil(t, idx)
	assert.Equal(t, "title:q=old", idx.OriginalKey)
	assert.Equal(t, 1, f.cold.size())
}

func TestHybridRuleSparesYoungAndHotEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "title:q=young", 24*time.Hour)
	f.seed(t, "title:q=hot", 45*24*time.Hour)
	f.freq.counts["title:q=hot"] = 50

	require.NoError(t, f.scheduler.RunPass(ctx))

	_, err := f.durable.Get(ctx, "title:q=young")
	assert.NoError(t, err)
	_, err = f.durable.Get(ctx, "title:q=hot")
	assert.NoError(t, err)
	assert.Equal(t, 0, f.cold.size())
}

func TestInternalNamespacesExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, key := range []string{
		cache.ColdIndexKey("title:q=x"),
		cache.MarkerKey("frank herbert"),
		cache.ConfigKey("ttl:title"),
	} {
		f.seed(t, key, 90*24*time.Hour)
	}

	require.NoError(t, f.scheduler.RunPass(ctx))
	assert.Equal(t, 0, f.cold.size())
	assert.Equal(t, uint64(0), f.scheduler.Stats().Scanned)
}

func TestPassSummaryCountsOnlyCandidates(t *testing.T) {
	var buf bytes.Buffer
	logger := utils.NewLogger(&utils.LoggerConfig{
		Level:  utils.INFO,
		Output: &buf,
		Format: utils.FormatJSON,
	})

	durable, err := cache.NewDurableStore(&cache.DurableStoreConfig{Directory: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = durable.Close() })
	edge := cache.NewEdgeStore(nil)
	t.Cleanup(edge.Close)

	scheduler := NewScheduler(durable, edge, newMemColdStore(),
		&staticFrequency{counts: map[string]int64{}}, &Config{
			AgeThreshold:       30 * 24 * time.Hour,
			FrequencyThreshold: 10,
		}, logger)

	ctx := context.Background()
	require.NoError(t, durable.Set(ctx, &types.CacheEntry{
		Key:      "title:q=real",
		Payload:  []byte(`{"title":"x"}`),
		CachedAt: time.Now(),
		TTL:      time.Hour,
	}))
	require.NoError(t, durable.Set(ctx, &types.CacheEntry{
		Key:      cache.MarkerKey("frank herbert"),
		Payload:  []byte(`{}`),
		CachedAt: time.Now(),
		TTL:      time.Hour,
	}))

	require.NoError(t, scheduler.RunPass(ctx))

	// The summary and the stats agree: internal keys are not scanned.
	assert.Contains(t, buf.String(), `"scanned":1`)
	assert.Equal(t, uint64(1), scheduler.Stats().Scanned)
}

func TestNeverDeletesBeforeColdWriteSucceeds(t *testing.T) {
	f := newFixture(t)
	f.cold.failPut = true
	ctx := context.Background()

	f.seed(t, "title:q=old", 45*24*time.Hour)
	require.NoError(t, f.scheduler.RunPass(ctx))

	// The cold write failed, so the durable entry must survive for the next
	// pass.
	_, err := f.durable.Get(ctx, "title:q=old")
	assert.NoError(t, err)
	assert.Nil(t, f.coldIndex(t, "title:q=old"))
	assert.Equal(t, uint64(1), f.scheduler.Stats().Failed)
}

func TestSkipsPassWithoutFrequencyData(t *testing.T) {
	f := newFixture(t)
	f.freq.err = errors.New(errors.ErrCodeInternalError, "collector down")
	ctx := context.Background()

	f.seed(t, "title:q=old", 45*24*time.Hour)
	assert.Error(t, f.scheduler.RunPass(ctx))

	_, err := f.durable.Get(ctx, "title:q=old")
	assert.NoError(t, err)
}

func TestSkipsPassWhenFrequencyCoverageShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Counts reaching back one hour say nothing about reads over a 30-day
	// window; every older key would look cold and get archived.
	f.freq.coverage = time.Now().Add(-time.Hour)
	f.seed(t, "title:q=old", 45*24*time.Hour)

	require.NoError(t, f.scheduler.RunPass(ctx))

	_, err := f.durable.Get(ctx, "title:q=old")
	assert.NoError(t, err)
	assert.Equal(t, 0, f.cold.size())

	stats := f.scheduler.Stats()
	assert.Equal(t, uint64(1), stats.SkippedPasses)
	assert.Equal(t, uint64(0), stats.Scanned)
}

func TestArchivalRehydrationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "title:q=old", 45*24*time.Hour)
	require.NoError(t, f.scheduler.RunPass(ctx))

	idx := f.coldIndex(t, "title:q=old")
	require.NotNil(t, idx)

	require.NoError(t, f.scheduler.Rehydrate(ctx, "title:q=old", idx))

	restored, err := f.durable.Get(ctx, "title:q=old")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"title":"x"}`), restored.Payload)
	assert.Equal(t, 7*24*time.Hour, restored.TTL)

	// The pointer is gone and the edge tier is backfilled.
	assert.Nil(t, f.coldIndex(t, "title:q=old"))
	fromEdge, err := f.edge.Get(ctx, "title:q=old")
	require.NoError(t, err)
	assert.Equal(t, restored.Payload, fromEdge.Payload)
}

func TestRehydrateMissingObjectDropsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	idx := &types.ColdIndexEntry{
		OriginalKey:    "title:q=gone",
		ColdObjectPath: "archive/2026/01/01/deadbeef.json",
	}
	payload, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, f.durable.Set(ctx, &types.CacheEntry{
		Key:     cache.ColdIndexKey("title:q=gone"),
		Payload: payload,
		TTL:     time.Hour,
	}))

	err = f.scheduler.Rehydrate(ctx, "title:q=gone", idx)
	assert.Error(t, err)

	// The pointer is dropped so the key becomes a permanent miss.
	assert.Nil(t, f.coldIndex(t, "title:q=gone"))
	assert.Equal(t, uint64(1), f.scheduler.Stats().Corrupt)
}

func TestRehydrateCorruptDocumentDropsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cold.objects["archive/2026/01/01/bad.json"] = []byte("not json")
	idx := &types.ColdIndexEntry{
		OriginalKey:    "title:q=bad",
		ColdObjectPath: "archive/2026/01/01/bad.json",
	}

	err := f.scheduler.Rehydrate(ctx, "title:q=bad", idx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeColdIndexCorrupt, errors.CodeOf(err))
}
