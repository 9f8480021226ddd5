// Package tuning runs controlled experiments over cache policy parameters
// and promotes statistically significant winners into the live defaults.
package tuning

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/internal/cache"
	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// Config represents tuning engine configuration.
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	AnalysisInterval  time.Duration `yaml:"analysis_interval"`
	SignificanceLevel float64       `yaml:"significance_level"`
	MinEffectSize     float64       `yaml:"min_effect_size"`
	MinSampleSize     int           `yaml:"min_sample_size"`
}

// outcome accumulates per-cohort results. A hit is any get served from a hot
// tier.
type outcome struct {
	Hits  int64 `json:"hits"`
	Total int64 `json:"total"`
}

func (o *outcome) rate() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Hits) / float64(o.Total)
}

// promotedValue is the durable record of a promoted parameter.
type promotedValue struct {
	Parameter  string    `json:"parameter"`
	Value      string    `json:"value"`
	Experiment string    `json:"experiment"`
	PromotedAt time.Time `json:"promoted_at"`
}

// Engine assigns lookups to experiment cohorts, accumulates outcomes, and
// periodically analyzes ended experiments. It implements the orchestrator's
// TTL policy and observes operation events as a metrics recorder.
type Engine struct {
	registry types.ExperimentRegistry
	durable  types.DurableStore
	config   *Config
	logger   *utils.Logger

	mu       sync.RWMutex
	outcomes map[string]map[string]*outcome
	promoted map[types.EndpointType]time.Duration
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a tuning engine.
func NewEngine(registry types.ExperimentRegistry, durable types.DurableStore,
	config *Config, logger *utils.Logger) *Engine {

	if config == nil {
		config = &Config{Enabled: true}
	}
	if config.AnalysisInterval <= 0 {
		config.AnalysisInterval = time.Hour
	}
	if config.SignificanceLevel <= 0 || config.SignificanceLevel >= 1 {
		config.SignificanceLevel = 0.05
	}
	if config.MinEffectSize <= 0 {
		config.MinEffectSize = 0.02
	}
	if config.MinSampleSize <= 0 {
		config.MinSampleSize = 100
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	return &Engine{
		registry: registry,
		durable:  durable,
		config:   config,
		logger:   logger.WithComponent("tuning"),
		outcomes: make(map[string]map[string]*outcome),
		promoted: make(map[types.EndpointType]time.Duration),
		stopCh:   make(chan struct{}),
	}
}

// LoadPromoted restores previously promoted defaults from the durable tier.
func (e *Engine) LoadPromoted(ctx context.Context) {
	for _, endpoint := range []types.EndpointType{types.EndpointTitle, types.EndpointISBN, types.EndpointAuthor} {
		entry, err := e.durable.Get(ctx, cache.ConfigKey("ttl:"+string(endpoint)))
		if err != nil {
			continue
		}
		var pv promotedValue
		if err := json.Unmarshal(entry.Payload, &pv); err != nil {
			continue
		}
		if ttl, err := time.ParseDuration(pv.Value); err == nil && ttl > 0 {
			e.mu.Lock()
			e.promoted[endpoint] = ttl
			e.mu.Unlock()
		}
	}
}

// TTLFor resolves the write TTL for a key: an active TTL experiment's cohort
// value wins, then any promoted default for the endpoint.
func (e *Engine) TTLFor(ctx context.Context, endpoint types.EndpointType, key string) (time.Duration, bool) {
	if !e.config.Enabled {
		return 0, false
	}

	experiments, err := e.registry.ListActive(ctx)
	if err == nil {
		now := time.Now()
		for _, exp := range experiments {
			if exp.EndpointType != endpoint || exp.Parameter != "ttl" || exp.Ended(now) {
				continue
			}
			cohort := AssignCohort(key, exp)
			if cohort == nil {
				continue
			}
			if ttl, err := time.ParseDuration(cohort.ParameterValue); err == nil && ttl > 0 {
				return ttl, true
			}
		}
	}

	e.mu.RLock()
	ttl, ok := e.promoted[endpoint]
	e.mu.RUnlock()
	return ttl, ok
}

// RecordOperation accumulates get outcomes for active experiments. Implements
// types.MetricsRecorder so the orchestrator's event stream can be teed here.
func (e *Engine) RecordOperation(ev types.OperationEvent) {
	if !e.config.Enabled || ev.Operation != "get" {
		return
	}

	endpoint := endpointOfKey(ev.Key)
	if endpoint == "" {
		return
	}

	experiments, err := e.registry.ListActive(context.Background())
	if err != nil {
		return
	}

	hit := ev.Tier == types.EdgeHit || ev.Tier == types.DurableHit
	for _, exp := range experiments {
		if exp.EndpointType != endpoint {
			continue
		}
		cohort := AssignCohort(ev.Key, exp)
		if cohort == nil {
			continue
		}

		e.mu.Lock()
		byCohort, ok := e.outcomes[exp.Name]
		if !ok {
			byCohort = make(map[string]*outcome)
			e.outcomes[exp.Name] = byCohort
		}
		o, ok := byCohort[cohort.Name]
		if !ok {
			o = &outcome{}
			byCohort[cohort.Name] = o
		}
		o.Total++
		if hit {
			o.Hits++
		}
		e.mu.Unlock()
	}
}

// RecordError satisfies types.MetricsRecorder; errors carry no cohort signal.
func (e *Engine) RecordError(operation string, err error) {}

// Outcomes returns a copy of the accumulated per-cohort outcomes for an
// experiment.
func (e *Engine) Outcomes(experiment string) map[string]outcome {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]outcome)
	for name, o := range e.outcomes[experiment] {
		out[name] = *o
	}
	return out
}

// Start launches the periodic analysis loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "tuning engine already started")
	}
	e.started = true

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop halts the analysis loop.
func (e *Engine) Stop() {
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

func (e *Engine) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			e.Analyze(ctx)
			cancel()
		}
	}
}

// Analyze closes out ended experiments. The first cohort is the control; the
// best-performing alternative is promoted when the hit-rate difference is
// both statistically significant and large enough to matter.
func (e *Engine) Analyze(ctx context.Context) {
	experiments, err := e.registry.ListActive(ctx)
	if err != nil {
		e.logger.Error("experiment listing failed", map[string]interface{}{"error": err.Error()})
		return
	}

	now := time.Now()
	for _, exp := range experiments {
		if !exp.Ended(now) {
			continue
		}
		e.conclude(ctx, exp)
	}
}

func (e *Engine) conclude(ctx context.Context, exp *types.Experiment) {
	outcomes := e.Outcomes(exp.Name)

	control := &exp.Cohorts[0]
	controlOutcome := outcomes[control.Name]

	var winner *types.Cohort
	var winnerOutcome outcome
	for i := 1; i < len(exp.Cohorts); i++ {
		cohort := &exp.Cohorts[i]
		o := outcomes[cohort.Name]
		if winner == nil || o.rate() > winnerOutcome.rate() {
			winner = cohort
			winnerOutcome = o
		}
	}

	exp.Status = types.ExperimentCompleted
	if winner != nil && e.significantWin(controlOutcome, winnerOutcome) {
		if err := e.promote(ctx, exp, winner); err != nil {
			e.logger.Error("promotion failed", map[string]interface{}{
				"experiment": exp.Name, "error": err.Error(),
			})
		} else {
			exp.Status = types.ExperimentPromoted
			e.logger.Info("experiment winner promoted", map[string]interface{}{
				"experiment": exp.Name, "cohort": winner.Name, "value": winner.ParameterValue,
				"control_rate": controlOutcome.rate(), "winner_rate": winnerOutcome.rate(),
			})
		}
	}

	if err := e.registry.Put(ctx, exp); err != nil {
		e.logger.Error("experiment status update failed", map[string]interface{}{
			"experiment": exp.Name, "error": err.Error(),
		})
	}
}

// significantWin applies the promotion rule: minimum samples in both arms, a
// two-proportion z-test below the significance level, and a minimum absolute
// effect size.
func (e *Engine) significantWin(control, candidate outcome) bool {
	if control.Total < int64(e.config.MinSampleSize) || candidate.Total < int64(e.config.MinSampleSize) {
		return false
	}

	effect := candidate.rate() - control.rate()
	if effect < e.config.MinEffectSize {
		return false
	}

	p := twoProportionPValue(control, candidate)
	return p < e.config.SignificanceLevel
}

func (e *Engine) promote(ctx context.Context, exp *types.Experiment, winner *types.Cohort) error {
	ttl, err := time.ParseDuration(winner.ParameterValue)
	if err != nil || ttl <= 0 {
		return errors.Newf(errors.ErrCodeValidationFailed,
			"winner value is not a valid duration: %s", winner.ParameterValue)
	}

	pv := promotedValue{
		Parameter:  exp.Parameter,
		Value:      winner.ParameterValue,
		Experiment: exp.Name,
		PromotedAt: time.Now(),
	}
	payload, err := json.Marshal(pv)
	if err != nil {
		return err
	}
	if err := e.durable.Set(ctx, &types.CacheEntry{
		Key:      cache.ConfigKey("ttl:" + string(exp.EndpointType)),
		Payload:  payload,
		CachedAt: time.Now(),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.promoted[exp.EndpointType] = ttl
	e.mu.Unlock()
	return nil
}

// AssignCohort deterministically maps a key to a cohort: FNV-1a over
// key+experiment scaled into [0,1), bucketed by cumulative weight. The same
// key always lands in the same cohort for the lifetime of the experiment.
func AssignCohort(key string, exp *types.Experiment) *types.Cohort {
	if len(exp.Cohorts) == 0 {
		return nil
	}

	var total float64
	for _, cohort := range exp.Cohorts {
		total += cohort.Weight
	}
	if total <= 0 {
		return nil
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(exp.Name))
	u := float64(h.Sum64()) / float64(math.MaxUint64)

	cumulative := 0.0
	for i := range exp.Cohorts {
		cumulative += exp.Cohorts[i].Weight / total
		if u < cumulative {
			return &exp.Cohorts[i]
		}
	}
	return &exp.Cohorts[len(exp.Cohorts)-1]
}

// twoProportionPValue computes the two-tailed p-value of a two-proportion
// z-test on hit rates.
func twoProportionPValue(a, b outcome) float64 {
	n1, n2 := float64(a.Total), float64(b.Total)
	if n1 == 0 || n2 == 0 {
		return 1
	}
	p1, p2 := a.rate(), b.rate()
	pooled := (float64(a.Hits) + float64(b.Hits)) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 1
	}
	z := math.Abs(p2-p1) / se
	return 2 * (1 - stdNormalCDF(z))
}

func stdNormalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// endpointOfKey recovers the endpoint type from a cache key's leading
// segment.
func endpointOfKey(key string) types.EndpointType {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 {
		return ""
	}
	endpoint := types.EndpointType(key[:idx])
	if !endpoint.Valid() {
		return ""
	}
	return endpoint
}
