package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

// DurableStore is the medium-latency, global tier: a disk-backed key-value
// store with a JSON index. It is the authoritative source for rehydration, so
// payloads carry checksums and the index is written atomically.
type DurableStore struct {
	mu      sync.RWMutex
	dir     string
	index   map[string]*durableItem
	config  *DurableStoreConfig
	stats   StoreStats
	stopCh  chan struct{}
	closed  bool
}

// DurableStoreConfig represents durable store configuration.
type DurableStoreConfig struct {
	Directory       string        `yaml:"directory"`
	DefaultTTL      time.Duration `yaml:"ttl"`
	IndexFile       string        `yaml:"index_file"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// durableItem is one index record. Payloads live in separate files so the
// index stays small enough to rewrite atomically.
type durableItem struct {
	Key          string             `json:"key"`
	FilePath     string             `json:"file_path"`
	EndpointType types.EndpointType `json:"endpoint_type"`
	CachedAt     time.Time          `json:"cached_at"`
	TTL          time.Duration      `json:"ttl"`
	Size         int64              `json:"size"`
	Checksum     string             `json:"checksum"`
}

func (it *durableItem) expired(now time.Time) bool {
	if it.TTL <= 0 {
		return false
	}
	return now.Sub(it.CachedAt) > it.TTL
}

// NewDurableStore creates a durable store rooted at the configured directory,
// loading any existing index.
func NewDurableStore(config *DurableStoreConfig) (*DurableStore, error) {
	if config == nil {
		config = &DurableStoreConfig{}
	}
	if config.Directory == "" {
		return nil, errors.New(errors.ErrCodeMissingConfig, "durable store directory must be set")
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 30 * 24 * time.Hour
	}
	if config.IndexFile == "" {
		config.IndexFile = "durable-index.json"
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create durable store directory: %w", err)
	}

	s := &DurableStore{
		dir:    config.Directory,
		index:  make(map[string]*durableItem),
		config: config,
		stopCh: make(chan struct{}),
	}

	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load durable index: %w", err)
	}

	go s.cleanupExpired()
	go s.syncIndex()

	return s, nil
}

// Get retrieves an entry from the durable store.
func (s *DurableStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	s.mu.RLock()
	item, exists := s.index[key]
	s.mu.RUnlock()

	if !exists || item.expired(time.Now()) {
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeEntryNotFound, "durable entry not found: %s", key)
	}

	payload, err := s.readPayload(item)
	if err != nil {
		// Corrupt or missing payload file; drop the index record.
		s.mu.Lock()
		delete(s.index, key)
		s.stats.Misses++
		s.mu.Unlock()
		return nil, errors.Wrap(errors.ErrCodeEntryDecode,
			fmt.Sprintf("durable payload unreadable for %s", key), err)
	}

	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()

	return &types.CacheEntry{
		Key:          item.Key,
		Payload:      payload,
		EndpointType: item.EndpointType,
		CachedAt:     item.CachedAt,
		TTL:          item.TTL,
		Tier:         "durable",
	}, nil
}

// Set stores an entry, replacing any previous payload file for the key.
func (s *DurableStore) Set(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return errors.New(errors.ErrCodeValidationFailed, "entry key must not be empty")
	}

	cachedAt := entry.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	item := &durableItem{
		Key:          entry.Key,
		FilePath:     s.payloadPath(entry.Key),
		EndpointType: entry.EndpointType,
		CachedAt:     cachedAt,
		TTL:          ttl,
		Size:         int64(len(entry.Payload)),
		Checksum:     checksum(entry.Payload),
	}

	if err := os.WriteFile(item.FilePath, entry.Payload, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeTierWrite,
			fmt.Sprintf("failed to write durable payload for %s", entry.Key), err)
	}

	s.mu.Lock()
	s.index[entry.Key] = item
	s.mu.Unlock()

	return nil
}

// Delete removes an entry and its payload file.
func (s *DurableStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	item, exists := s.index[key]
	if exists {
		delete(s.index, key)
	}
	s.mu.Unlock()

	if exists {
		_ = os.Remove(item.FilePath)
	}
	return nil
}

// List returns all non-expired keys with the given prefix. An empty prefix
// lists every key.
func (s *DurableStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0)
	for key, item := range s.index {
		if item.expired(now) {
			continue
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Meta returns the index metadata for a key without reading its payload. The
// archival scan uses this to read cachedAt cheaply.
func (s *DurableStore) Meta(key string) (cachedAt time.Time, ttl time.Duration, size int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.index[key]
	if !exists || item.expired(time.Now()) {
		return time.Time{}, 0, 0, false
	}
	return item.CachedAt, item.TTL, item.Size, true
}

// TotalSize returns the summed payload size of all indexed entries.
func (s *DurableStore) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, item := range s.index {
		total += item.Size
	}
	return total
}

// Stats returns a copy of the store statistics.
func (s *DurableStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	stats.Entries = len(s.index)
	return stats
}

// Close stops background goroutines and writes the index a final time.
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)

	return s.saveIndexLocked()
}

// Helper methods

func (s *DurableStore) payloadPath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, fmt.Sprintf("%x.blob", hash[:12]))
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

func (s *DurableStore) readPayload(item *durableItem) ([]byte, error) {
	data, err := os.ReadFile(item.FilePath)
	if err != nil {
		return nil, err
	}
	if checksum(data) != item.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s", item.Key)
	}
	return data, nil
}

func (s *DurableStore) loadIndex() error {
	indexPath := filepath.Join(s.dir, s.config.IndexFile)

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*durableItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return err
	}

	for key, item := range items {
		if _, err := os.Stat(item.FilePath); os.IsNotExist(err) {
			continue
		}
		s.index[key] = item
	}
	return nil
}

func (s *DurableStore) saveIndexLocked() error {
	indexPath := filepath.Join(s.dir, s.config.IndexFile)
	tmpPath := indexPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, indexPath)
}

func (s *DurableStore) cleanupExpired() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, item := range s.index {
				if item.expired(now) {
					_ = os.Remove(item.FilePath)
					delete(s.index, key)
					s.stats.Evictions++
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *DurableStore) syncIndex() {
	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.saveIndexLocked()
			s.mu.Unlock()
		}
	}
}
