package cache

import (
	"context"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

// EdgeStore is the ephemeral in-memory tier: fast, regional, short TTL.
// Entries expire by their own TTL capped at the store default, and the store
// evicts the oldest entries when MaxEntries is exceeded.
type EdgeStore struct {
	mu      sync.RWMutex
	items   map[string]*edgeItem
	config  *EdgeStoreConfig
	stats   StoreStats
	stopCh  chan struct{}
	stopped bool
}

// EdgeStoreConfig represents edge store configuration.
type EdgeStoreConfig struct {
	DefaultTTL      time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StoreStats tracks tier store statistics.
type StoreStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

type edgeItem struct {
	entry     *types.CacheEntry
	expiresAt time.Time
}

// NewEdgeStore creates a new edge store.
func NewEdgeStore(config *EdgeStoreConfig) *EdgeStore {
	if config == nil {
		config = &EdgeStoreConfig{}
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 15 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 50000
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	s := &EdgeStore{
		items:  make(map[string]*edgeItem),
		config: config,
		stopCh: make(chan struct{}),
	}

	go s.cleanupExpired()

	return s
}

// Get retrieves an entry from the edge store.
func (s *EdgeStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists || time.Now().After(item.expiresAt) {
		if exists {
			delete(s.items, key)
		}
		s.stats.Misses++
		return nil, errors.Newf(errors.ErrCodeEntryNotFound, "edge entry not found: %s", key)
	}

	s.stats.Hits++
	return item.entry, nil
}

// Set stores an entry. The effective TTL is the entry's own TTL capped at the
// store default, since the edge tier is intentionally short-lived.
func (s *EdgeStore) Set(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return errors.New(errors.ErrCodeValidationFailed, "entry key must not be empty")
	}

	ttl := entry.TTL
	if ttl <= 0 || ttl > s.config.DefaultTTL {
		ttl = s.config.DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[entry.Key] = &edgeItem{
		entry:     entry,
		expiresAt: time.Now().Add(ttl),
	}

	s.evictIfNeeded()
	return nil
}

// Delete removes an entry.
func (s *EdgeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Clear removes all entries.
func (s *EdgeStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*edgeItem)
}

// Stats returns a copy of the store statistics.
func (s *EdgeStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	stats.Entries = len(s.items)
	return stats
}

// Close stops the cleanup goroutine.
func (s *EdgeStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// evictIfNeeded drops the entries closest to expiry while over capacity.
// Called with the lock held.
func (s *EdgeStore) evictIfNeeded() {
	for len(s.items) > s.config.MaxEntries {
		var oldestKey string
		var oldestExpiry time.Time
		first := true
		for key, item := range s.items {
			if first || item.expiresAt.Before(oldestExpiry) {
				oldestKey = key
				oldestExpiry = item.expiresAt
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(s.items, oldestKey)
		s.stats.Evictions++
	}
}

func (s *EdgeStore) cleanupExpired() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, item := range s.items {
				if now.After(item.expiresAt) {
					delete(s.items, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
