package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocache/bibliocache/pkg/errors"
)

var errUpstream = errors.New(errors.ErrCodeProviderTransport, "connection reset")

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker("provider", Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Execute(ctx, succeed))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(10), b.GetCounts().Successes)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("provider", Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeed)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker("provider", Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.NoError(t, b.Execute(ctx, succeed))
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerNotFoundIsNotAFailure(t *testing.T) {
	b := NewBreaker("provider", Config{})
	ctx := context.Background()

	notFound := func(ctx context.Context) error {
		return errors.New(errors.ErrCodeProviderNotFound, "no such author")
	}
	for i := 0; i < 20; i++ {
		assert.Error(t, b.Execute(ctx, notFound))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("provider", Config{Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// One successful probe closes the breaker again.
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("provider", Config{Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	assert.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b := NewBreaker("provider", Config{Timeout: 10 * time.Millisecond, MaxProbes: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	blocked := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			close(blocked)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}()
	<-blocked

	// The single probe slot is taken; further requests bounce.
	err := b.Execute(ctx, succeed)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.CodeOf(err))
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker("provider", Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
}

func TestBreakerOnStateChange(t *testing.T) {
	var transitions []string
	b := NewBreaker("provider", Config{
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	assert.Equal(t, []string{"CLOSED>OPEN"}, transitions)
	assert.Equal(t, "provider", b.Name())
}

func TestBreakerCustomTripRule(t *testing.T) {
	b := NewBreaker("provider", Config{
		ReadyToTrip: func(counts Counts) bool { return counts.Failures >= 2 },
	})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}
