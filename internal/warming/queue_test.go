package warming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

func discovery(name string) *types.DiscoveryMessage {
	return &types.DiscoveryMessage{
		EntityName: name,
		Source:     types.SourceSeed,
		QueuedAt:   time.Now(),
	}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	q := NewQueue(8)

	require.NoError(t, q.Enqueue(discovery("Frank Herbert")))

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Frank Herbert", d.Message.EntityName)
	assert.Equal(t, 0, d.Attempts)

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, 0, stats.Depth)
}

func TestQueueRejectsInvalidMessage(t *testing.T) {
	q := NewQueue(8)

	assert.Equal(t, errors.ErrCodeInvalidMessage, errors.CodeOf(q.Enqueue(nil)))
	assert.Equal(t, errors.ErrCodeInvalidMessage, errors.CodeOf(q.Enqueue(&types.DiscoveryMessage{})))
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Enqueue(discovery("a")))
	require.NoError(t, q.Enqueue(discovery("b")))

	err := q.Enqueue(discovery("c"))
	assert.Equal(t, errors.ErrCodeQueueFull, errors.CodeOf(err))
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewQueue(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
}

func TestQueueRequeueBumpsAttempts(t *testing.T) {
	q := NewQueue(8)
	require.NoError(t, q.Enqueue(discovery("Frank Herbert")))

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	q.Requeue(d, assert.AnError)

	again, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, uint64(1), q.Stats().Requeued)
}

func TestQueueRequeueToFullQueueDeadLetters(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(discovery("a")))

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(discovery("b")))

	// No room to requeue, so the delivery lands in the DLQ with its cause.
	q.Requeue(d, errors.New(errors.ErrCodeProviderTransport, "reset"))

	dlq := q.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, "a", dlq[0].Message.EntityName)
	assert.Equal(t, 1, dlq[0].Attempts)
	assert.Contains(t, dlq[0].LastError, "reset")
}

func TestQueueCloseUnblocksConsumers(t *testing.T) {
	q := NewQueue(8)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, errors.ErrCodeShutdownInProgress, errors.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("consumer was not unblocked by close")
	}

	assert.Equal(t, errors.ErrCodeShutdownInProgress, errors.CodeOf(q.Enqueue(discovery("late"))))
}

func TestQueueRequeueAfterCloseDeadLetters(t *testing.T) {
	q := NewQueue(8)
	require.NoError(t, q.Enqueue(discovery("a")))

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	q.Close()
	q.Requeue(d, assert.AnError)

	assert.Len(t, q.DeadLetters(), 1)
}

func TestJobStoreLifecycle(t *testing.T) {
	s := NewJobStore()

	job := s.Create(2, 1)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Equal(t, 2, job.SeedCount)

	s.MarkRunning(job.JobID)
	got, err := s.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)

	// Two pending units; the job completes when the last one finishes.
	s.Done(job.JobID)
	got, err = s.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)

	s.Done(job.JobID)
	got, err = s.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestJobStorePendingGrowsWithFanOut(t *testing.T) {
	s := NewJobStore()
	job := s.Create(1, 2)

	s.AddPending(job.JobID, 3)
	for i := 0; i < 3; i++ {
		s.Done(job.JobID)
		got, err := s.Get(job.JobID)
		require.NoError(t, err)
		assert.NotEqual(t, types.JobCompleted, got.Status)
	}

	s.Done(job.JobID)
	got, err := s.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}

func TestJobStoreGetReturnsCopies(t *testing.T) {
	s := NewJobStore()
	job := s.Create(1, 1)

	got, err := s.Get(job.JobID)
	require.NoError(t, err)
	got.Status = types.JobCompleted

	again, err := s.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, again.Status)
}

func TestJobStoreUnknownJob(t *testing.T) {
	s := NewJobStore()

	_, err := s.Get("missing")
	assert.Equal(t, errors.ErrCodeJobNotFound, errors.CodeOf(err))
	assert.Empty(t, s.List())
}
