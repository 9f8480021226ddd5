package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocache/bibliocache/pkg/types"
)

type staticSize struct {
	bytes int64
}

func (s *staticSize) TotalSize() int64 { return s.bytes }

func recordGets(c *Collector, tier types.SourceTier, latency time.Duration, n int) {
	for i := 0; i < n; i++ {
		c.RecordOperation(types.OperationEvent{
			Key:       "title:q=dune",
			Operation: "get",
			Tier:      tier,
			Latency:   latency,
			Timestamp: time.Now(),
		})
	}
}

func TestCollectorHitRates(t *testing.T) {
	c := NewCollector(&Config{Enabled: true, SnapshotCacheTTL: time.Nanosecond}, nil)

	recordGets(c, types.EdgeHit, time.Millisecond, 6)
	recordGets(c, types.DurableHit, 5*time.Millisecond, 2)
	recordGets(c, types.ColdDeferred, time.Millisecond, 1)
	recordGets(c, types.OriginMiss, time.Millisecond, 1)

	snap := c.Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, int64(10), snap.RequestVolume)
	assert.InDelta(t, 0.6, snap.HitRates["edge"], 1e-9)
	assert.InDelta(t, 0.2, snap.HitRates["durable"], 1e-9)
	assert.InDelta(t, 0.1, snap.HitRates["cold_deferred"], 1e-9)

	// Deferred reads count as misses for the caller who got nothing back.
	assert.InDelta(t, 0.2, snap.HitRates["miss"], 1e-9)
	assert.Equal(t, "healthy", snap.HealthStatus)
}

func TestCollectorHealthStatus(t *testing.T) {
	tests := []struct {
		name   string
		hits   int
		misses int
		want   string
	}{
		{"idle", 0, 0, "idle"},
		{"healthy", 9, 1, "healthy"},
		{"degraded", 11, 9, "degraded"},
		{"unhealthy", 2, 8, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(&Config{Enabled: true, SnapshotCacheTTL: time.Nanosecond}, nil)
			recordGets(c, types.EdgeHit, time.Millisecond, tt.hits)
			recordGets(c, types.OriginMiss, time.Millisecond, tt.misses)

			snap := c.Snapshot(context.Background())
			assert.Equal(t, tt.want, snap.HealthStatus)
		})
	}
}

func TestCollectorLatencyPercentiles(t *testing.T) {
	c := NewCollector(&Config{Enabled: true, SnapshotCacheTTL: time.Nanosecond}, nil)

	for i := 1; i <= 100; i++ {
		recordGets(c, types.EdgeHit, time.Duration(i)*time.Millisecond, 1)
	}

	snap := c.Snapshot(context.Background())
	assert.InDelta(t, 51, snap.LatencyPercentiles["p50"], 1)
	assert.InDelta(t, 96, snap.LatencyPercentiles["p95"], 1)
	assert.InDelta(t, 100, snap.LatencyPercentiles["p99"], 1)
}

func TestCollectorSnapshotCaching(t *testing.T) {
	c := NewCollector(&Config{Enabled: true, SnapshotCacheTTL: time.Hour}, nil)

	recordGets(c, types.EdgeHit, time.Millisecond, 4)
	first := c.Snapshot(context.Background())
	require.Equal(t, int64(4), first.RequestVolume)

	// New events do not appear until the cached snapshot expires.
	recordGets(c, types.EdgeHit, time.Millisecond, 4)
	second := c.Snapshot(context.Background())
	assert.Equal(t, int64(4), second.RequestVolume)
}

func TestCollectorCostEstimate(t *testing.T) {
	c := NewCollector(&Config{
		Enabled:          true,
		SnapshotCacheTTL: time.Nanosecond,
		CostPerGBMonth:   0.023,
	}, nil)
	c.AddSizeSource(&staticSize{bytes: 2 << 30})

	snap := c.Snapshot(context.Background())
	assert.InDelta(t, 0.046, snap.EstimatedCostUSD, 1e-9)
}

func TestCollectorAccessCounts(t *testing.T) {
	c := NewCollector(&Config{Enabled: true}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.RecordOperation(types.OperationEvent{
			Key: "title:q=dune", Operation: "get", Tier: types.EdgeHit,
			Timestamp: time.Now(),
		})
	}
	c.RecordOperation(types.OperationEvent{
		Key: "title:q=hyperion", Operation: "get", Tier: types.OriginMiss,
		Timestamp: time.Now(),
	})
	// Writes are not reads and stale events fall out of the window.
	c.RecordOperation(types.OperationEvent{
		Key: "title:q=dune", Operation: "set", Timestamp: time.Now(),
	})
	c.RecordOperation(types.OperationEvent{
		Key: "title:q=stale", Operation: "get", Tier: types.EdgeHit,
		Timestamp: time.Now().Add(-2 * time.Hour),
	})

	counts, _, err := c.AccessCounts(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["title:q=dune"])
	assert.Equal(t, int64(1), counts["title:q=hyperion"])
	assert.NotContains(t, counts, "title:q=stale")
}

func TestCollectorAccessCountsCoverage(t *testing.T) {
	before := time.Now()
	c := NewCollector(&Config{Enabled: true, MaxEvents: 4}, nil)

	// Before the ring wraps, coverage begins at collector start.
	_, coverage, err := c.AccessCounts(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.False(t, coverage.Before(before))
	assert.False(t, coverage.After(time.Now()))

	// After the wrap it begins at the oldest retained event: earlier reads
	// are lost, not zero.
	old := time.Now().Add(-30 * time.Minute)
	for i := 0; i < 4; i++ {
		c.RecordOperation(types.OperationEvent{
			Key: "title:q=dune", Operation: "get", Tier: types.EdgeHit,
			Timestamp: old.Add(time.Duration(i) * time.Minute),
		})
	}
	c.RecordOperation(types.OperationEvent{
		Key: "title:q=dune", Operation: "get", Tier: types.EdgeHit,
		Timestamp: time.Now(),
	})

	_, coverage, err = c.AccessCounts(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, old.Add(time.Minute), coverage)
}

func TestCollectorRingBufferWrap(t *testing.T) {
	c := NewCollector(&Config{Enabled: true, MaxEvents: 8}, nil)

	recordGets(c, types.EdgeHit, time.Millisecond, 20)

	counts, _, err := c.AccessCounts(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts["title:q=dune"])
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(&Config{Enabled: false, SnapshotCacheTTL: time.Nanosecond}, nil)

	recordGets(c, types.EdgeHit, time.Millisecond, 5)
	c.RecordError("get", assert.AnError)

	snap := c.Snapshot(context.Background())
	assert.Equal(t, int64(0), snap.RequestVolume)
	assert.Equal(t, "idle", snap.HealthStatus)
}

func TestTeeFansOut(t *testing.T) {
	a := NewCollector(&Config{Enabled: true}, nil)
	b := NewCollector(&Config{Enabled: true}, nil)
	tee := NewTee(a, b)

	tee.RecordOperation(types.OperationEvent{
		Key: "title:q=dune", Operation: "get", Tier: types.EdgeHit,
		Timestamp: time.Now(),
	})
	tee.RecordError("get", assert.AnError)

	for _, c := range []*Collector{a, b} {
		counts, _, err := c.AccessCounts(context.Background(), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts["title:q=dune"])
	}
}
