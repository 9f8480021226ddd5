package types

import (
	"context"
	"time"
)

// TierStore is the key-value API shared by the edge and durable tiers. Values
// are opaque blobs with a per-entry TTL; implementations must be safe for
// unbounded concurrent callers.
type TierStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
}

// DurableStore extends TierStore with prefix enumeration, which the archival
// scheduler needs to scan candidates and which rebuilds rely on.
type DurableStore interface {
	TierStore
	List(ctx context.Context, prefix string) ([]string, error)
}

// ColdStore is the high-latency object tier. Objects are addressed by the
// date-partitioned path recorded in the cold index.
type ColdStore interface {
	Put(ctx context.Context, path string, payload []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// BookProvider is the interface to external book-data sources. Implementations
// surface typed failures (not-found, rate-limited, transport) so callers can
// distinguish retryable from terminal errors.
type BookProvider interface {
	SearchByTitle(ctx context.Context, title string) ([]WorkRecord, error)
	SearchByAuthor(ctx context.Context, name string) ([]WorkRecord, error)
}

// AccessFrequencySource answers "how often was each key read in the trailing
// window", feeding the archival scheduler's frequency criterion. The returned
// time is where the retained data begins; counts are only complete from that
// point forward, so a caller needing the full window must check it.
type AccessFrequencySource interface {
	AccessCounts(ctx context.Context, window time.Duration) (map[string]int64, time.Time, error)
}

// ExperimentRegistry stores tuning experiments. Injected so tests can
// substitute registries and production can persist experiments.
type ExperimentRegistry interface {
	ListActive(ctx context.Context) ([]*Experiment, error)
	Get(ctx context.Context, name string) (*Experiment, error)
	Put(ctx context.Context, exp *Experiment) error
}

// MetricsRecorder consumes the operation events every orchestrator get/set
// emits.
type MetricsRecorder interface {
	RecordOperation(event OperationEvent)
	RecordError(operation string, err error)
}

// TaskExecutor runs fire-and-forget background work with a bounded queue so
// shutdown can drain outstanding backfill and rehydration deterministically.
type TaskExecutor interface {
	Submit(name string, fn func(ctx context.Context)) bool
	Drain(ctx context.Context) error
}

// AlertChannel delivers a dispatched alert instance.
type AlertChannel interface {
	Send(ctx context.Context, alert *AlertInstance) error
	Name() string
}
