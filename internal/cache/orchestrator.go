package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// TTLPolicy supplies the effective TTL for a write. The tuning engine
// implements this: a key assigned to an experiment cohort gets the cohort's
// TTL, otherwise the promoted or configured endpoint default applies.
type TTLPolicy interface {
	TTLFor(ctx context.Context, endpoint types.EndpointType, key string) (time.Duration, bool)
}

// Rehydrator restores an archived payload into the hot tiers. Implemented by
// the archival package; injected after construction to keep the packages
// acyclic.
type Rehydrator interface {
	Rehydrate(ctx context.Context, key string, idx *types.ColdIndexEntry) error
}

// OrchestratorConfig represents orchestrator configuration.
type OrchestratorConfig struct {
	// DefaultTTLs holds the per-endpoint write TTL used when no policy
	// override applies.
	DefaultTTLs map[types.EndpointType]time.Duration `yaml:"default_ttls"`
}

// Orchestrator implements the tiered read-through/write-through policy. It is
// the only component ordinary callers interact with.
type Orchestrator struct {
	edge       types.TierStore
	durable    types.DurableStore
	executor   types.TaskExecutor
	metrics    types.MetricsRecorder
	policy     TTLPolicy
	rehydrator Rehydrator
	config     *OrchestratorConfig
	logger     *utils.Logger
}

// NewOrchestrator creates a cache orchestrator over the given tiers.
func NewOrchestrator(edge types.TierStore, durable types.DurableStore,
	executor types.TaskExecutor, metrics types.MetricsRecorder,
	config *OrchestratorConfig, logger *utils.Logger) *Orchestrator {

	if config == nil {
		config = &OrchestratorConfig{}
	}
	if config.DefaultTTLs == nil {
		config.DefaultTTLs = map[types.EndpointType]time.Duration{
			types.EndpointTitle:  30 * 24 * time.Hour,
			types.EndpointISBN:   90 * 24 * time.Hour,
			types.EndpointAuthor: 14 * 24 * time.Hour,
		}
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	return &Orchestrator{
		edge:     edge,
		durable:  durable,
		executor: executor,
		metrics:  metrics,
		config:   config,
		logger:   logger.WithComponent("orchestrator"),
	}
}

// SetTTLPolicy injects the tuning engine's TTL policy.
func (o *Orchestrator) SetTTLPolicy(policy TTLPolicy) {
	o.policy = policy
}

// SetRehydrator injects the rehydration handler.
func (o *Orchestrator) SetRehydrator(r Rehydrator) {
	o.rehydrator = r
}

// Get performs the tier cascade: edge, then durable (with async edge
// backfill), then the cold index. An archived key returns a miss immediately
// while rehydration runs in the background; the caller never blocks on cold
// storage. Tier failures read as misses, never as errors.
func (o *Orchestrator) Get(ctx context.Context, key string) ([]byte, types.SourceTier) {
	start := time.Now()

	if entry, err := o.edge.Get(ctx, key); err == nil {
		o.emit("get", key, types.EdgeHit, start)
		return entry.Payload, types.EdgeHit
	} else if !errors.IsNotFound(err) {
		o.recordError("edge_get", err)
	}

	if entry, err := o.durable.Get(ctx, key); err == nil {
		o.backfillEdge(entry)
		o.emit("get", key, types.DurableHit, start)
		return entry.Payload, types.DurableHit
	} else if !errors.IsNotFound(err) {
		o.recordError("durable_get", err)
	}

	if idx := o.coldIndex(ctx, key); idx != nil {
		o.triggerRehydration(key, idx)
		o.emit("get", key, types.ColdDeferred, start)
		return nil, types.ColdDeferred
	}

	o.emit("get", key, types.OriginMiss, start)
	return nil, types.OriginMiss
}

// Set writes through to the edge and durable tiers. Writes are independent
// and best-effort per tier: one tier failing is logged but does not fail the
// set, since the durable tier is recoverable from a later write and vice
// versa.
func (o *Orchestrator) Set(ctx context.Context, key string, payload []byte,
	endpoint types.EndpointType, ttlOverride time.Duration) error {

	if key == "" {
		return errors.New(errors.ErrCodeValidationFailed, "cache key must not be empty")
	}
	if !endpoint.Valid() {
		return errors.Newf(errors.ErrCodeValidationFailed, "unknown endpoint type: %s", endpoint)
	}

	start := time.Now()
	entry := &types.CacheEntry{
		Key:          key,
		Payload:      payload,
		EndpointType: endpoint,
		CachedAt:     time.Now(),
		TTL:          o.resolveTTL(ctx, endpoint, key, ttlOverride),
	}

	if err := o.edge.Set(ctx, entry); err != nil {
		o.logger.Warn("edge write failed", map[string]interface{}{"key": key, "error": err.Error()})
		o.recordError("edge_set", err)
	}
	if err := o.durable.Set(ctx, entry); err != nil {
		o.logger.Warn("durable write failed", map[string]interface{}{"key": key, "error": err.Error()})
		o.recordError("durable_set", err)
	}

	o.emit("set", key, "", start)
	return nil
}

// Delete removes a key from both hot tiers.
func (o *Orchestrator) Delete(ctx context.Context, key string) error {
	if err := o.edge.Delete(ctx, key); err != nil {
		o.recordError("edge_delete", err)
	}
	if err := o.durable.Delete(ctx, key); err != nil {
		o.recordError("durable_delete", err)
		return err
	}
	return nil
}

// resolveTTL picks the write TTL: explicit override, then tuning policy
// (cohort assignment or promoted default), then the configured endpoint
// default.
func (o *Orchestrator) resolveTTL(ctx context.Context, endpoint types.EndpointType,
	key string, override time.Duration) time.Duration {

	if override > 0 {
		return override
	}
	if o.policy != nil {
		if ttl, ok := o.policy.TTLFor(ctx, endpoint, key); ok {
			return ttl
		}
	}
	return o.config.DefaultTTLs[endpoint]
}

// coldIndex reads and decodes the cold pointer for key, if any.
func (o *Orchestrator) coldIndex(ctx context.Context, key string) *types.ColdIndexEntry {
	entry, err := o.durable.Get(ctx, ColdIndexKey(key))
	if err != nil {
		if !errors.IsNotFound(err) {
			o.recordError("cold_index_get", err)
		}
		return nil
	}

	var idx types.ColdIndexEntry
	if err := json.Unmarshal(entry.Payload, &idx); err != nil {
		o.recordError("cold_index_decode",
			errors.Wrap(errors.ErrCodeColdIndexCorrupt, "cold index entry undecodable", err))
		return nil
	}
	return &idx
}

// backfillEdge promotes a durable hit into the edge tier without blocking the
// caller.
func (o *Orchestrator) backfillEdge(entry *types.CacheEntry) {
	if o.executor == nil {
		return
	}
	o.executor.Submit("edge-backfill", func(ctx context.Context) {
		if err := o.edge.Set(ctx, entry); err != nil {
			o.logger.Debug("edge backfill failed", map[string]interface{}{
				"key": entry.Key, "error": err.Error(),
			})
		}
	})
}

// triggerRehydration schedules the cold-to-durable restore for key.
func (o *Orchestrator) triggerRehydration(key string, idx *types.ColdIndexEntry) {
	if o.executor == nil || o.rehydrator == nil {
		return
	}
	o.executor.Submit("rehydration", func(ctx context.Context) {
		if err := o.rehydrator.Rehydrate(ctx, key, idx); err != nil {
			o.logger.Error("rehydration failed", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}
	})
}

func (o *Orchestrator) emit(operation, key string, tier types.SourceTier, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordOperation(types.OperationEvent{
		Operation: operation,
		Key:       key,
		Tier:      tier,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) recordError(operation string, err error) {
	if o.metrics != nil {
		o.metrics.RecordError(operation, err)
	}
}
