// Package metrics collects per-operation cache events, exports them as
// prometheus metrics, and aggregates them into the windowed snapshot served
// by the API.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// SizeSource reports stored bytes for cost estimation.
type SizeSource interface {
	TotalSize() int64
}

// Config represents metrics collector configuration.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	Namespace        string        `yaml:"namespace"`
	Window           time.Duration `yaml:"window"`
	SnapshotCacheTTL time.Duration `yaml:"snapshot_cache_ttl"`
	MaxEvents        int           `yaml:"max_events"`
	CostPerGBMonth   float64       `yaml:"cost_per_gb_month"`
}

// event is the retained slice of an operation event used for aggregation.
type event struct {
	key       string
	operation string
	tier      types.SourceTier
	latency   time.Duration
	timestamp time.Time
}

// Collector implements types.MetricsRecorder and types.AccessFrequencySource.
// Events feed prometheus series immediately and a bounded in-memory buffer
// for windowed aggregation.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *utils.Logger

	opsTotal    *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	mu        sync.RWMutex
	events    []event
	head      int
	filled    bool
	startedAt time.Time
	sizeSrcs  []SizeSource

	snapshot   *types.MetricsSnapshot
	snapshotAt time.Time
}

// NewCollector creates a metrics collector with its own registry.
func NewCollector(config *Config, logger *utils.Logger) *Collector {
	if config == nil {
		config = &Config{Enabled: true}
	}
	if config.Namespace == "" {
		config.Namespace = "bibliocache"
	}
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	if config.SnapshotCacheTTL <= 0 {
		config.SnapshotCacheTTL = 5 * time.Minute
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 100000
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	c := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		logger:    logger.WithComponent("metrics"),
		events:    make([]event, config.MaxEvents),
		startedAt: time.Now(),
	}

	c.opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "operations_total",
		Help:      "Cache operations by operation and serving tier.",
	}, []string{"operation", "tier"})

	c.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "errors_total",
		Help:      "Internal errors by operation.",
	}, []string{"operation"})

	c.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "operation_latency_seconds",
		Help:      "Cache operation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"operation"})

	c.registry.MustRegister(c.opsTotal, c.errorsTotal, c.latency)
	return c
}

// Registry returns the prometheus registry backing the /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// AddSizeSource registers a tier whose stored bytes count toward the cost
// estimate.
func (c *Collector) AddSizeSource(src SizeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizeSrcs = append(c.sizeSrcs, src)
}

// RecordOperation ingests one orchestrator event.
func (c *Collector) RecordOperation(ev types.OperationEvent) {
	if !c.config.Enabled {
		return
	}

	tier := string(ev.Tier)
	if tier == "" {
		tier = "none"
	}
	c.opsTotal.WithLabelValues(ev.Operation, tier).Inc()
	c.latency.WithLabelValues(ev.Operation).Observe(ev.Latency.Seconds())

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	c.mu.Lock()
	c.events[c.head] = event{
		key:       ev.Key,
		operation: ev.Operation,
		tier:      ev.Tier,
		latency:   ev.Latency,
		timestamp: ts,
	}
	c.head++
	if c.head == len(c.events) {
		c.head = 0
		c.filled = true
	}
	c.mu.Unlock()
}

// RecordError ingests one internal error.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorsTotal.WithLabelValues(operation).Inc()
	c.logger.Debug("operation error recorded", map[string]interface{}{
		"operation": operation, "error": err.Error(),
	})
}

// AccessCounts returns per-key read counts over the trailing window, bounded
// by the retained event buffer. The second return is where the retained data
// begins: collector start until the ring wraps, then the oldest retained
// event. Counts for anything older are lost, not zero.
func (c *Collector) AccessCounts(ctx context.Context, window time.Duration) (map[string]int64, time.Time, error) {
	cutoff := time.Now().Add(-window)
	counts := make(map[string]int64)

	c.mu.RLock()
	defer c.mu.RUnlock()

	coverage := c.startedAt
	if c.filled {
		coverage = c.events[c.head].timestamp
	}
	c.forEachEvent(func(ev *event) {
		if ev.operation == "get" && ev.timestamp.After(cutoff) {
			counts[ev.key]++
		}
	})
	return counts, coverage, nil
}

// Snapshot returns the aggregated view of the trailing window. The result is
// cached: aggregation walks the whole event buffer, and dashboards poll
// faster than the data meaningfully changes.
func (c *Collector) Snapshot(ctx context.Context) *types.MetricsSnapshot {
	c.mu.RLock()
	cached := c.snapshot
	cachedAt := c.snapshotAt
	c.mu.RUnlock()

	if cached != nil && time.Since(cachedAt) < c.config.SnapshotCacheTTL {
		return cached
	}

	snap := c.aggregate()

	c.mu.Lock()
	c.snapshot = snap
	c.snapshotAt = time.Now()
	c.mu.Unlock()
	return snap
}

func (c *Collector) aggregate() *types.MetricsSnapshot {
	cutoff := time.Now().Add(-c.config.Window)

	var gets int64
	tierCounts := make(map[types.SourceTier]int64)
	latencies := make([]float64, 0, 1024)

	c.mu.RLock()
	c.forEachEvent(func(ev *event) {
		if ev.operation != "get" || !ev.timestamp.After(cutoff) {
			return
		}
		gets++
		tierCounts[ev.tier]++
		latencies = append(latencies, float64(ev.latency)/float64(time.Millisecond))
	})
	var totalBytes int64
	for _, src := range c.sizeSrcs {
		totalBytes += src.TotalSize()
	}
	c.mu.RUnlock()

	hitRates := map[string]float64{
		"edge":          0,
		"durable":       0,
		"cold_deferred": 0,
		"miss":          0,
	}
	if gets > 0 {
		hitRates["edge"] = float64(tierCounts[types.EdgeHit]) / float64(gets)
		hitRates["durable"] = float64(tierCounts[types.DurableHit]) / float64(gets)
		hitRates["cold_deferred"] = float64(tierCounts[types.ColdDeferred]) / float64(gets)
		hitRates["miss"] = float64(tierCounts[types.OriginMiss]+tierCounts[types.ColdDeferred]) / float64(gets)
	}

	sort.Float64s(latencies)
	percentiles := map[string]float64{
		"p50": percentile(latencies, 0.50),
		"p95": percentile(latencies, 0.95),
		"p99": percentile(latencies, 0.99),
	}

	costUSD := float64(totalBytes) / (1 << 30) * c.config.CostPerGBMonth

	return &types.MetricsSnapshot{
		Window:             c.config.Window,
		GeneratedAt:        time.Now(),
		HitRates:           hitRates,
		LatencyPercentiles: percentiles,
		RequestVolume:      gets,
		EstimatedCostUSD:   costUSD,
		HealthStatus:       healthStatus(hitRates["miss"], gets),
	}
}

// forEachEvent visits retained events. Called with at least a read lock held.
func (c *Collector) forEachEvent(fn func(*event)) {
	limit := c.head
	if c.filled {
		limit = len(c.events)
	}
	for i := 0; i < limit; i++ {
		fn(&c.events[i])
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func healthStatus(missRate float64, volume int64) string {
	switch {
	case volume == 0:
		return "idle"
	case missRate >= 0.60:
		return "unhealthy"
	case missRate >= 0.40:
		return "degraded"
	default:
		return "healthy"
	}
}
