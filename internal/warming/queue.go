package warming

import (
	"context"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

// Delivery is one queued message together with its delivery count. The queue
// is at-least-once: a failed delivery is requeued until its retries are
// exhausted, and duplicate processing is tolerated downstream via markers.
type Delivery struct {
	Message  *types.DiscoveryMessage
	Attempts int
}

// DeadLetter is a message that exhausted its retries, kept for inspection.
type DeadLetter struct {
	Message   *types.DiscoveryMessage `json:"message"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"last_error"`
	FailedAt  time.Time               `json:"failed_at"`
}

// QueueStats tracks queue counters.
type QueueStats struct {
	Enqueued    uint64 `json:"enqueued"`
	Delivered   uint64 `json:"delivered"`
	Requeued    uint64 `json:"requeued"`
	DeadLetters int    `json:"dead_letters"`
	Depth       int    `json:"depth"`
}

// Queue is the in-memory work queue feeding the warming consumers.
type Queue struct {
	mu         sync.Mutex
	deliveries chan *Delivery
	dlq        []DeadLetter
	stats      QueueStats
	closed     bool
}

// NewQueue creates a queue with the given capacity.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 10000
	}
	return &Queue{
		deliveries: make(chan *Delivery, size),
	}
}

// Enqueue adds a fresh message. A full queue is a hard error so ingestion can
// reject oversized seed batches instead of blocking.
func (q *Queue) Enqueue(msg *types.DiscoveryMessage) error {
	if msg == nil || msg.EntityName == "" {
		return errors.New(errors.ErrCodeInvalidMessage, "discovery message entity must not be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New(errors.ErrCodeShutdownInProgress, "queue is closed")
	}

	select {
	case q.deliveries <- &Delivery{Message: msg}:
		q.stats.Enqueued++
		return nil
	default:
		return errors.Newf(errors.ErrCodeQueueFull, "warming queue at capacity (%d)", cap(q.deliveries))
	}
}

// Dequeue blocks until a delivery is available, the context ends, or the
// queue closes.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "dequeue canceled", ctx.Err())
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, errors.New(errors.ErrCodeShutdownInProgress, "queue is closed")
		}
		q.mu.Lock()
		q.stats.Delivered++
		q.mu.Unlock()
		return d, nil
	}
}

// Requeue returns a failed delivery with its attempt count bumped. When the
// queue is full the delivery goes to the dead-letter queue rather than being
// dropped.
func (q *Queue) Requeue(d *Delivery, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d.Attempts++
	if q.closed {
		q.deadLetterLocked(d, cause)
		return
	}

	select {
	case q.deliveries <- d:
		q.stats.Requeued++
	default:
		q.deadLetterLocked(d, cause)
	}
}

// DeadLetter routes a delivery to the dead-letter queue.
func (q *Queue) DeadLetter(d *Delivery, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetterLocked(d, cause)
}

func (q *Queue) deadLetterLocked(d *Delivery, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	q.dlq = append(q.dlq, DeadLetter{
		Message:   d.Message,
		Attempts:  d.Attempts,
		LastError: msg,
		FailedAt:  time.Now(),
	})
}

// DeadLetters returns a copy of the dead-letter queue.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dlq))
	copy(out, q.dlq)
	return out
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.DeadLetters = len(q.dlq)
	stats.Depth = len(q.deliveries)
	return stats
}

// Close stops accepting messages and unblocks waiting consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.deliveries)
	}
}
