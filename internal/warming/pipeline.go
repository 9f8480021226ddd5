// Package warming implements the background cache-warming pipeline: seed
// ingestion, bounded-depth traversal over related entities, and idempotent
// write-back into the cache tiers.
package warming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/internal/cache"
	"github.com/bibliocache/bibliocache/internal/circuit"
	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/ratelimit"
	"github.com/bibliocache/bibliocache/pkg/types"
	"github.com/bibliocache/bibliocache/pkg/utils"
)

// CacheWriter is the slice of the orchestrator the pipeline needs: write-back
// of warmed entries. A zero ttl lets the orchestrator's TTL policy decide.
type CacheWriter interface {
	Set(ctx context.Context, key string, payload []byte, endpoint types.EndpointType, ttlOverride time.Duration) error
}

// Config represents warming pipeline configuration.
type Config struct {
	MaxDepthLimit       int           `yaml:"max_depth_limit"`
	ConsumerConcurrency int           `yaml:"consumer_concurrency"`
	BatchSize           int           `yaml:"batch_size"`
	QueueSize           int           `yaml:"queue_size"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	ProviderTimeout     time.Duration `yaml:"provider_timeout"`
	MarkerTTL           time.Duration `yaml:"marker_ttl"`
}

// PipelineStats tracks pipeline counters.
type PipelineStats struct {
	Processed      uint64 `json:"processed"`
	Skipped        uint64 `json:"skipped"`
	FannedOut      uint64 `json:"fanned_out"`
	EntriesWritten uint64 `json:"entries_written"`
	Retried        uint64 `json:"retried"`
	DeadLettered   uint64 `json:"dead_lettered"`
}

// Pipeline runs the warming consumers over the discovery queue. Processing is
// idempotent via depth-aware markers in the durable tier, so the at-least-once
// queue and concurrent duplicate deliveries are safe.
type Pipeline struct {
	queue    *Queue
	jobs     *JobStore
	writer   CacheWriter
	markers  types.DurableStore
	provider types.BookProvider
	gate     *ratelimit.Gate
	breaker  *circuit.Breaker
	config   *Config
	logger   *utils.Logger

	mu      sync.Mutex
	stats   PipelineStats
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipeline creates a warming pipeline.
func NewPipeline(writer CacheWriter, markers types.DurableStore, provider types.BookProvider,
	gate *ratelimit.Gate, breaker *circuit.Breaker, config *Config, logger *utils.Logger) *Pipeline {

	if config == nil {
		config = &Config{}
	}
	if config.MaxDepthLimit <= 0 {
		config.MaxDepthLimit = 3
	}
	if config.ConsumerConcurrency <= 0 {
		config.ConsumerConcurrency = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 10000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 15 * time.Second
	}
	if config.MarkerTTL <= 0 {
		config.MarkerTTL = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	return &Pipeline{
		queue:    NewQueue(config.QueueSize),
		jobs:     NewJobStore(),
		writer:   writer,
		markers:  markers,
		provider: provider,
		gate:     gate,
		breaker:  breaker,
		config:   config,
		logger:   logger.WithComponent("warming"),
	}
}

// Ingest creates a warming job from a seed batch. Seeds are normalized and
// deduplicated; the job starts as soon as consumers pick its messages up.
func (p *Pipeline) Ingest(ctx context.Context, seeds []string, maxDepth int) (*types.WarmingJob, error) {
	if maxDepth < 1 || maxDepth > p.config.MaxDepthLimit {
		return nil, errors.Newf(errors.ErrCodeInvalidDepth,
			"max depth must be between 1 and %d, got %d", p.config.MaxDepthLimit, maxDepth)
	}

	seen := make(map[string]bool, len(seeds))
	unique := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		name := strings.Join(strings.Fields(strings.TrimSpace(seed)), " ")
		if name == "" {
			continue
		}
		lower := strings.ToLower(name)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		unique = append(unique, name)
	}
	if len(unique) == 0 {
		return nil, errors.New(errors.ErrCodeValidationFailed, "seed batch contains no usable entities")
	}

	job := p.jobs.Create(len(unique), maxDepth)
	now := time.Now()
	for _, name := range unique {
		msg := &types.DiscoveryMessage{
			EntityName: name,
			Depth:      0,
			Source:     types.SourceSeed,
			JobID:      job.JobID,
			QueuedAt:   now,
		}
		if err := p.queue.Enqueue(msg); err != nil {
			p.jobs.Done(job.JobID)
			p.logger.Error("seed enqueue failed", map[string]interface{}{
				"job_id": job.JobID, "entity": name, "error": err.Error(),
			})
		}
	}

	p.jobs.MarkRunning(job.JobID)
	p.logger.Info("warming job ingested", map[string]interface{}{
		"job_id": job.JobID, "seeds": len(unique), "max_depth": maxDepth,
	})
	return p.jobs.Get(job.JobID)
}

// Job returns the current state of a warming job.
func (p *Pipeline) Job(jobID string) (*types.WarmingJob, error) {
	return p.jobs.Get(jobID)
}

// Jobs returns all known jobs.
func (p *Pipeline) Jobs() []*types.WarmingJob {
	return p.jobs.List()
}

// QueueStats returns the queue counters.
func (p *Pipeline) QueueStats() QueueStats {
	return p.queue.Stats()
}

// DeadLetters returns the dead-letter queue contents.
func (p *Pipeline) DeadLetters() []DeadLetter {
	return p.queue.DeadLetters()
}

// Stats returns a copy of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Start launches the consumer workers.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "warming pipeline already started")
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.config.ConsumerConcurrency; i++ {
		p.wg.Add(1)
		go p.consume(ctx)
	}
	return nil
}

// Stop shuts down the consumers and waits for in-flight messages, bounded by
// the context.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeShutdownInProgress, "warming shutdown interrupted", ctx.Err())
	}
}

// consume is one worker loop. Each iteration drains up to BatchSize messages
// and processes them sequentially; one entity failing never aborts the rest
// of the batch. The context is canceled by Stop, so a worker blocked on the
// queue returns without any per-worker watcher.
func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()

	for {
		batch, err := p.nextBatch(ctx)
		if err != nil {
			return
		}
		for _, delivery := range batch {
			p.process(ctx, delivery)
		}
	}
}

// nextBatch blocks for one delivery, then greedily takes more without
// blocking, up to the batch size.
func (p *Pipeline) nextBatch(ctx context.Context) ([]*Delivery, error) {
	first, err := p.queue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	batch := []*Delivery{first}

	for len(batch) < p.config.BatchSize {
		drainCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
		d, err := p.queue.Dequeue(drainCtx)
		cancel()
		if err != nil {
			break
		}
		batch = append(batch, d)
	}
	return batch, nil
}

func (p *Pipeline) process(ctx context.Context, delivery *Delivery) {
	msg := delivery.Message

	if p.alreadyWarmed(ctx, msg) {
		p.count(func(s *PipelineStats) { s.Skipped++ })
		p.jobs.Done(msg.JobID)
		return
	}

	works, err := p.fetch(ctx, msg.EntityName)
	if err != nil {
		if errors.IsNotFound(err) {
			// A provider with no data is an answer, not a failure.
			p.writeMarker(ctx, msg, 0)
			p.count(func(s *PipelineStats) { s.Processed++ })
			p.jobs.Done(msg.JobID)
			return
		}
		p.retryOrDeadLetter(ctx, delivery, err)
		return
	}

	written := p.writeWorks(ctx, msg, works)
	p.writeMarker(ctx, msg, len(works))
	p.fanOut(ctx, msg, works)

	p.count(func(s *PipelineStats) {
		s.Processed++
		s.EntriesWritten += uint64(written)
	})
	p.jobs.Done(msg.JobID)
}

// alreadyWarmed checks the processed marker. A marker at depth d covers every
// message at depth >= d, since shallower messages imply more remaining
// fan-out.
func (p *Pipeline) alreadyWarmed(ctx context.Context, msg *types.DiscoveryMessage) bool {
	entry, err := p.markers.Get(ctx, cache.MarkerKey(msg.EntityName))
	if err != nil {
		return false
	}
	var marker types.ProcessedMarker
	if err := json.Unmarshal(entry.Payload, &marker); err != nil {
		return false
	}
	return marker.MarkedDepth <= msg.Depth
}

// fetch calls the provider behind the shared rate gate and circuit breaker,
// with a per-call deadline.
func (p *Pipeline) fetch(ctx context.Context, entity string) ([]types.WorkRecord, error) {
	if err := p.gate.Wait(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "rate gate wait canceled", err)
	}

	var works []types.WorkRecord
	call := func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, p.config.ProviderTimeout)
		defer cancel()

		result, err := p.provider.SearchByAuthor(fetchCtx, entity)
		if err != nil {
			if fetchCtx.Err() == context.DeadlineExceeded {
				return errors.Wrap(errors.ErrCodeProviderTimeout, "provider call timed out", err)
			}
			return err
		}
		works = result
		return nil
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	return works, err
}

// writeWorks caches each fetched work under its title key, plus its ISBN key
// when present. TTLs are left to the orchestrator's policy.
func (p *Pipeline) writeWorks(ctx context.Context, msg *types.DiscoveryMessage, works []types.WorkRecord) int {
	written := 0
	for _, work := range works {
		if work.Title == "" {
			continue
		}
		payload, err := json.Marshal(work)
		if err != nil {
			continue
		}
		if err := p.writer.Set(ctx, cache.TitleKey(work.Title), payload, types.EndpointTitle, 0); err != nil {
			p.logger.Warn("warmed entry write failed", map[string]interface{}{
				"title": work.Title, "error": err.Error(),
			})
			continue
		}
		written++
		if work.ISBN != "" {
			if err := p.writer.Set(ctx, cache.ISBNKey(work.ISBN), payload, types.EndpointISBN, 0); err == nil {
				written++
			}
		}
	}
	return written
}

// writeMarker records that the entity was warmed at the message depth. A
// shallower message overwrites a deeper marker so its larger fan-out runs.
func (p *Pipeline) writeMarker(ctx context.Context, msg *types.DiscoveryMessage, worksCount int) {
	marker := types.ProcessedMarker{
		EntityName:   msg.EntityName,
		MarkedDepth:  msg.Depth,
		WorksCount:   worksCount,
		LastWarmedAt: time.Now(),
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return
	}
	entry := &types.CacheEntry{
		Key:      cache.MarkerKey(msg.EntityName),
		Payload:  payload,
		CachedAt: time.Now(),
		TTL:      p.config.MarkerTTL,
	}
	if err := p.markers.Set(ctx, entry); err != nil {
		p.logger.Warn("marker write failed", map[string]interface{}{
			"entity": msg.EntityName, "error": err.Error(),
		})
	}
}

// fanOut enqueues discovered co-authors one level deeper. Depth is the sole
// termination bound for traversal.
func (p *Pipeline) fanOut(ctx context.Context, msg *types.DiscoveryMessage, works []types.WorkRecord) {
	job, err := p.jobs.Get(msg.JobID)
	if err != nil || msg.Depth >= job.MaxDepth {
		return
	}

	self := strings.ToLower(strings.Join(strings.Fields(msg.EntityName), " "))
	seen := make(map[string]bool)
	discovered := make([]string, 0)
	for _, work := range works {
		for _, name := range work.AuthorNames {
			normalized := strings.ToLower(strings.Join(strings.Fields(name), " "))
			if normalized == "" || normalized == self || seen[normalized] {
				continue
			}
			seen[normalized] = true
			discovered = append(discovered, name)
		}
	}
	if len(discovered) == 0 {
		return
	}

	p.jobs.AddPending(msg.JobID, len(discovered))
	now := time.Now()
	for _, name := range discovered {
		next := &types.DiscoveryMessage{
			EntityName: name,
			Depth:      msg.Depth + 1,
			Source:     types.SourceDiscovered,
			JobID:      msg.JobID,
			QueuedAt:   now,
		}
		if err := p.queue.Enqueue(next); err != nil {
			p.jobs.Done(msg.JobID)
			p.logger.Warn("fan-out enqueue failed", map[string]interface{}{
				"entity": name, "error": err.Error(),
			})
			continue
		}
		p.count(func(s *PipelineStats) { s.FannedOut++ })
	}
}

// retryOrDeadLetter requeues a transient failure with backoff, or routes the
// message to the dead-letter queue after the bounded attempts are spent.
func (p *Pipeline) retryOrDeadLetter(ctx context.Context, delivery *Delivery, cause error) {
	msg := delivery.Message

	if delivery.Attempts >= p.config.MaxRetries {
		p.logger.Error("message dead-lettered", map[string]interface{}{
			"entity": msg.EntityName, "job_id": msg.JobID,
			"attempts": delivery.Attempts, "error": cause.Error(),
		})
		p.queue.DeadLetter(delivery, cause)
		p.count(func(s *PipelineStats) { s.DeadLettered++ })
		p.jobs.Done(msg.JobID)
		return
	}

	delay := p.config.RetryBaseDelay * time.Duration(1<<uint(delivery.Attempts))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	p.queue.Requeue(delivery, cause)
	p.count(func(s *PipelineStats) { s.Retried++ })
}

func (p *Pipeline) count(fn func(*PipelineStats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}
