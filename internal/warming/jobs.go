package warming

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

// JobStore tracks warming jobs and their outstanding message counts. A job
// completes when its last outstanding message is processed or dead-lettered.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[string]*types.WarmingJob
	pending map[string]int
	entropy *rand.Rand
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]*types.WarmingJob),
		pending: make(map[string]int),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Create registers a new job with the given seed count.
func (s *JobStore) Create(seedCount, maxDepth int) *types.WarmingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job := &types.WarmingJob{
		JobID:     ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		SeedCount: seedCount,
		MaxDepth:  maxDepth,
		Status:    types.JobQueued,
		StartedAt: now,
	}
	s.jobs[job.JobID] = job
	s.pending[job.JobID] = seedCount
	return job
}

// Get returns a copy of the job, so callers never observe torn updates.
func (s *JobStore) Get(jobID string) (*types.WarmingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, errors.Newf(errors.ErrCodeJobNotFound, "warming job not found: %s", jobID)
	}
	copied := *job
	return &copied, nil
}

// List returns copies of all jobs.
func (s *JobStore) List() []*types.WarmingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.WarmingJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}

// MarkRunning transitions a queued job to running.
func (s *JobStore) MarkRunning(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[jobID]; exists && job.Status == types.JobQueued {
		job.Status = types.JobRunning
	}
}

// AddPending records n additional outstanding messages for a job, used when
// traversal fans out.
func (s *JobStore) AddPending(jobID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[jobID] += n
}

// Done records one finished message. When the count reaches zero the job is
// marked completed; completed jobs are immutable afterwards.
func (s *JobStore) Done(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, exists := s.pending[jobID]
	if !exists {
		return
	}
	count--
	s.pending[jobID] = count

	if count <= 0 {
		if job, ok := s.jobs[jobID]; ok && job.Status != types.JobCompleted {
			now := time.Now()
			job.Status = types.JobCompleted
			job.CompletedAt = &now
		}
		delete(s.pending, jobID)
	}
}
