// Package alerting evaluates cache health metrics against a static threshold
// table and dispatches deduplicated alerts.
package alerting

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// SnapshotSource supplies the metric values evaluated against thresholds.
type SnapshotSource interface {
	Snapshot(ctx context.Context) *types.MetricsSnapshot
}

// Config represents alert evaluator configuration.
type Config struct {
	Enabled    bool                   `yaml:"enabled"`
	Interval   time.Duration          `yaml:"interval"`
	Cooldown   time.Duration          `yaml:"cooldown"`
	Thresholds []types.AlertThreshold `yaml:"thresholds"`
	MaxHistory int                    `yaml:"max_history"`
}

// Evaluator periodically compares snapshot metrics against the threshold
// table. Identical breach sets within the cooldown window are suppressed so a
// sustained condition produces one alert, not one per evaluation.
type Evaluator struct {
	source   SnapshotSource
	channels []types.AlertChannel
	config   *Config
	logger   *utils.Logger
	entropy  *rand.Rand

	mu       sync.Mutex
	lastSent map[string]time.Time
	history  []*types.AlertInstance
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEvaluator creates an alert evaluator.
func NewEvaluator(source SnapshotSource, channels []types.AlertChannel,
	config *Config, logger *utils.Logger) *Evaluator {

	if config == nil {
		config = &Config{Enabled: true}
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 4 * time.Hour
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = 256
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	return &Evaluator{
		source:   source,
		channels: channels,
		config:   config,
		logger:   logger.WithComponent("alerting"),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
		lastSent: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (e *Evaluator) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "alert evaluator already started")
	}
	e.started = true

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop halts the evaluation loop.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// History returns recent alert instances, newest last.
func (e *Evaluator) History() []*types.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.AlertInstance, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Evaluator) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			e.Evaluate(ctx)
			cancel()
		}
	}
}

// Evaluate runs a single evaluation pass.
func (e *Evaluator) Evaluate(ctx context.Context) *types.AlertInstance {
	if !e.config.Enabled {
		return nil
	}

	snap := e.source.Snapshot(ctx)
	if snap == nil || snap.RequestVolume == 0 {
		return nil
	}

	breached := make([]string, 0)
	values := make(map[string]float64)
	severity := types.SeverityWarning
	for _, th := range e.config.Thresholds {
		value, ok := metricValue(snap, th.MetricName)
		if !ok {
			continue
		}
		if !breaches(th, value) {
			continue
		}
		if !contains(breached, th.MetricName) {
			breached = append(breached, th.MetricName)
		}
		values[th.MetricName] = value
		if th.Severity == types.SeverityCritical {
			severity = types.SeverityCritical
		}
	}
	if len(breached) == 0 {
		return nil
	}

	sort.Strings(breached)
	dedupKey := strings.Join(breached, ",")

	e.mu.Lock()
	if sentAt, ok := e.lastSent[dedupKey]; ok && time.Since(sentAt) < e.config.Cooldown {
		e.mu.Unlock()
		return nil
	}
	now := time.Now()
	e.lastSent[dedupKey] = now
	alert := &types.AlertInstance{
		ID:              ulid.MustNew(ulid.Timestamp(now), e.entropy).String(),
		Severity:        severity,
		BreachedMetrics: breached,
		Values:          values,
		Message:         formatMessage(severity, breached, values),
		Timestamp:       now,
	}
	e.history = append(e.history, alert)
	if len(e.history) > e.config.MaxHistory {
		e.history = e.history[len(e.history)-e.config.MaxHistory:]
	}
	e.mu.Unlock()

	e.dispatch(ctx, alert)
	return alert
}

func (e *Evaluator) dispatch(ctx context.Context, alert *types.AlertInstance) {
	for _, ch := range e.channels {
		if err := ch.Send(ctx, alert); err != nil {
			e.logger.Error("alert delivery failed", map[string]interface{}{
				"channel": ch.Name(), "alert_id": alert.ID, "error": err.Error(),
			})
		}
	}
}

func breaches(th types.AlertThreshold, value float64) bool {
	if th.Comparison == "below" {
		return value < th.ComparisonValue
	}
	return value > th.ComparisonValue
}

func metricValue(snap *types.MetricsSnapshot, name string) (float64, bool) {
	switch name {
	case "miss_rate":
		v, ok := snap.HitRates["miss"]
		return v, ok
	case "edge_hit_rate":
		v, ok := snap.HitRates["edge"]
		return v, ok
	case "durable_hit_rate":
		v, ok := snap.HitRates["durable"]
		return v, ok
	case "p50_latency_ms", "p95_latency_ms", "p99_latency_ms":
		v, ok := snap.LatencyPercentiles[name[:3]]
		return v, ok
	case "request_volume":
		return float64(snap.RequestVolume), true
	case "estimated_cost_usd":
		return snap.EstimatedCostUSD, true
	default:
		return 0, false
	}
}

func formatMessage(severity types.AlertSeverity, breached []string, values map[string]float64) string {
	parts := make([]string, 0, len(breached))
	for _, name := range breached {
		parts = append(parts, fmt.Sprintf("%s=%.4g", name, values[name]))
	}
	return fmt.Sprintf("[%s] cache thresholds breached: %s", severity, strings.Join(parts, ", "))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
