package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateDisabledPassesImmediately(t *testing.T) {
	g := NewGate(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGateSpacesRequests(t *testing.T) {
	const interval = 20 * time.Millisecond
	g := NewGate(interval)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	// The first request is free; three more are spaced one interval apart.
	assert.GreaterOrEqual(t, time.Since(start), 3*interval)
}

func TestGateSharedAcrossGoroutines(t *testing.T) {
	const interval = 10 * time.Millisecond
	g := NewGate(interval)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Wait(context.Background())
		}()
	}
	wg.Wait()

	// Five concurrent callers still pay the serial spacing.
	assert.GreaterOrEqual(t, time.Since(start), 4*interval)
}

func TestGateHonorsContextCancellation(t *testing.T) {
	g := NewGate(time.Hour)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx))

	timed, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := g.Wait(timed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateInterval(t *testing.T) {
	assert.Equal(t, time.Second, NewGate(time.Second).Interval())
}
