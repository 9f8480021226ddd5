// Package archival moves stale, rarely-read entries from the durable tier to
// cold object storage and restores them on demand.
package archival

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/internal/cache"
	"github.com/bibliocache/bibliocache/internal/storage/cold"
	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/retry"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// DurableTier is the durable store surface the scheduler needs: the standard
// store API plus cheap metadata reads for the candidate scan.
type DurableTier interface {
	types.DurableStore
	Meta(key string) (cachedAt time.Time, ttl time.Duration, size int64, ok bool)
}

// Config represents archival scheduler configuration.
type Config struct {
	Interval           time.Duration `yaml:"interval"`
	AgeThreshold       time.Duration `yaml:"age_threshold"`
	FrequencyThreshold int64         `yaml:"frequency_threshold"`
	FrequencyWindow    time.Duration `yaml:"frequency_window"`
	RehydratedTTL      time.Duration `yaml:"rehydrated_ttl"`
	PointerTTL         time.Duration `yaml:"pointer_ttl"`
	PassTimeout        time.Duration `yaml:"pass_timeout"`
	ColdPrefix         string        `yaml:"cold_prefix"`
}

// Stats tracks scheduler counters.
type Stats struct {
	Scanned       uint64 `json:"scanned"`
	Archived      uint64 `json:"archived"`
	Failed        uint64 `json:"failed"`
	Rehydrated    uint64 `json:"rehydrated"`
	Corrupt       uint64 `json:"corrupt"`
	SkippedPasses uint64 `json:"skipped_passes"`
}

// Scheduler runs periodic archival passes and serves rehydration requests
// from the orchestrator's cold-deferred path.
type Scheduler struct {
	durable DurableTier
	edge    types.TierStore
	cold    types.ColdStore
	freq    types.AccessFrequencySource
	retryer *retry.Retryer
	config  *Config
	logger  *utils.Logger

	mu      sync.Mutex
	stats   Stats
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates an archival scheduler.
func NewScheduler(durable DurableTier, edge types.TierStore, coldStore types.ColdStore,
	freq types.AccessFrequencySource, config *Config, logger *utils.Logger) *Scheduler {

	if config == nil {
		config = &Config{}
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.AgeThreshold <= 0 {
		config.AgeThreshold = 30 * 24 * time.Hour
	}
	if config.FrequencyWindow <= 0 {
		config.FrequencyWindow = 30 * 24 * time.Hour
	}
	if config.RehydratedTTL <= 0 {
		config.RehydratedTTL = 7 * 24 * time.Hour
	}
	if config.PointerTTL <= 0 {
		config.PointerTTL = 365 * 24 * time.Hour
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = 30 * time.Minute
	}
	if config.ColdPrefix == "" {
		config.ColdPrefix = "archive"
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	retryer := retry.New(retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	})

	return &Scheduler{
		durable: durable,
		edge:    edge,
		cold:    coldStore,
		freq:    freq,
		retryer: retryer,
		config:  config,
		logger:  logger.WithComponent("archival"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic archival loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "archival scheduler already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the archival loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.PassTimeout)
			if err := s.RunPass(ctx); err != nil {
				s.logger.Error("archival pass failed", map[string]interface{}{"error": err.Error()})
			}
			cancel()
		}
	}
}

// RunPass executes one archival pass: select candidates by the hybrid
// age-and-frequency rule, then move each one to cold storage. The durable
// entry is only deleted after the cold write and the pointer write both
// succeed; per-candidate failures are skipped and picked up next pass. The
// whole pass is skipped when frequency data is unavailable or does not span
// the configured window.
func (s *Scheduler) RunPass(ctx context.Context) error {
	now := time.Now()

	counts, coverageStart, err := s.freq.AccessCounts(ctx, s.config.FrequencyWindow)
	if err != nil {
		// Without frequency data the hybrid rule cannot be evaluated; a pass
		// that archives hot entries is worse than a skipped pass.
		return fmt.Errorf("access counts unavailable, skipping pass: %w", err)
	}
	if coverageStart.After(now.Add(-s.config.FrequencyWindow)) {
		// Counts covering only part of the window undercount every older key,
		// which degrades the hybrid rule to age-only archival.
		s.count(func(st *Stats) { st.SkippedPasses++ })
		s.logger.Warn("frequency data does not span the configured window, skipping pass",
			map[string]interface{}{
				"coverage_start": coverageStart.Format(time.RFC3339),
				"window":         s.config.FrequencyWindow.String(),
			})
		return nil
	}

	keys, err := s.durable.List(ctx, "")
	if err != nil {
		return fmt.Errorf("durable scan failed: %w", err)
	}

	scanned, archived, failed := 0, 0, 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if cache.IsInternalKey(key) {
			continue
		}
		scanned++
		s.count(func(st *Stats) { st.Scanned++ })

		cachedAt, _, _, ok := s.durable.Meta(key)
		if !ok {
			continue
		}
		if now.Sub(cachedAt) < s.config.AgeThreshold {
			continue
		}
		if counts[key] >= s.config.FrequencyThreshold {
			continue
		}

		if err := s.archiveOne(ctx, key, now); err != nil {
			failed++
			s.count(func(st *Stats) { st.Failed++ })
			s.logger.Warn("archival candidate skipped", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			continue
		}
		archived++
		s.count(func(st *Stats) { st.Archived++ })
	}

	s.logger.Info("archival pass finished", map[string]interface{}{
		"scanned": scanned, "archived": archived, "failed": failed,
	})
	return nil
}

// archiveOne moves a single entry to cold storage: cold write, pointer write,
// then durable delete, strictly in that order.
func (s *Scheduler) archiveOne(ctx context.Context, key string, now time.Time) error {
	entry, err := s.durable.Get(ctx, key)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode archive document: %w", err)
	}

	path := cold.ObjectPath(s.config.ColdPrefix, key, now)
	if err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return s.cold.Put(ctx, path, payload)
	}); err != nil {
		return err
	}

	idx := types.ColdIndexEntry{
		OriginalKey:    key,
		ColdObjectPath: path,
		ArchivedAt:     now,
		OriginalTTL:    entry.TTL,
		ReasonSummary:  fmt.Sprintf("age>%s, reads<%d", s.config.AgeThreshold, s.config.FrequencyThreshold),
	}
	idxPayload, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to encode cold index entry: %w", err)
	}
	if err := s.durable.Set(ctx, &types.CacheEntry{
		Key:      cache.ColdIndexKey(key),
		Payload:  idxPayload,
		CachedAt: now,
		TTL:      s.config.PointerTTL,
	}); err != nil {
		return err
	}

	if err := s.durable.Delete(ctx, key); err != nil {
		return err
	}
	_ = s.edge.Delete(ctx, key)
	return nil
}

// Rehydrate restores an archived entry into the hot tiers with an extended
// TTL, then removes the cold pointer. A missing or undecodable cold object is
// corruption: the pointer is dropped so the key becomes a permanent miss
// instead of an endless deferred loop.
func (s *Scheduler) Rehydrate(ctx context.Context, key string, idx *types.ColdIndexEntry) error {
	payload, err := s.cold.Get(ctx, idx.ColdObjectPath)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeColdObjectMissing {
			return s.dropCorrupt(ctx, key, err)
		}
		return err
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return s.dropCorrupt(ctx, key,
			errors.Wrap(errors.ErrCodeColdIndexCorrupt, "archived document undecodable", err))
	}

	// A just-accessed archived item is likely to be accessed again soon, so
	// the restored entry gets a fresh extended TTL rather than its original.
	entry.CachedAt = time.Now()
	entry.TTL = s.config.RehydratedTTL
	if err := s.durable.Set(ctx, &entry); err != nil {
		return err
	}
	if err := s.edge.Set(ctx, &entry); err != nil {
		s.logger.Debug("edge backfill after rehydration failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}

	if err := s.durable.Delete(ctx, cache.ColdIndexKey(key)); err != nil {
		return err
	}
	_ = s.cold.Delete(ctx, idx.ColdObjectPath)

	s.count(func(st *Stats) { st.Rehydrated++ })
	s.logger.Info("entry rehydrated", map[string]interface{}{"key": key})
	return nil
}

func (s *Scheduler) dropCorrupt(ctx context.Context, key string, cause error) error {
	s.count(func(st *Stats) { st.Corrupt++ })
	s.logger.Error("cold index corrupt, dropping pointer", map[string]interface{}{
		"key": key, "error": cause.Error(),
	})
	if err := s.durable.Delete(ctx, cache.ColdIndexKey(key)); err != nil {
		return err
	}
	return cause
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
