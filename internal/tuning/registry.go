package tuning

import (
	"context"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/pkg/errors"
	"github.com/bibliocache/bibliocache/pkg/types"
)

// InMemoryRegistry is the default experiment registry.
type InMemoryRegistry struct {
	mu          sync.RWMutex
	experiments map[string]*types.Experiment
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		experiments: make(map[string]*types.Experiment),
	}
}

// ListActive returns all experiments currently in active status.
func (r *InMemoryRegistry) ListActive(ctx context.Context) ([]*types.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Experiment, 0)
	for _, exp := range r.experiments {
		if exp.Status == types.ExperimentActive {
			copied := *exp
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Get returns the experiment with the given name.
func (r *InMemoryRegistry) Get(ctx context.Context, name string) (*types.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, exists := r.experiments[name]
	if !exists {
		return nil, errors.Newf(errors.ErrCodeEntryNotFound, "experiment not found: %s", name)
	}
	copied := *exp
	return &copied, nil
}

// Put inserts or replaces an experiment. A new active experiment with a zero
// start time is stamped now.
func (r *InMemoryRegistry) Put(ctx context.Context, exp *types.Experiment) error {
	if exp == nil || exp.Name == "" {
		return errors.New(errors.ErrCodeValidationFailed, "experiment name must not be empty")
	}
	if len(exp.Cohorts) < 2 {
		return errors.New(errors.ErrCodeValidationFailed, "experiment needs at least two cohorts")
	}
	var total float64
	for _, cohort := range exp.Cohorts {
		if cohort.Weight < 0 {
			return errors.Newf(errors.ErrCodeValidationFailed,
				"cohort %s has negative weight", cohort.Name)
		}
		total += cohort.Weight
	}
	if total <= 0 {
		return errors.New(errors.ErrCodeValidationFailed, "cohort weights must sum above zero")
	}

	copied := *exp
	if copied.StartedAt.IsZero() {
		copied.StartedAt = time.Now()
	}
	if copied.Status == "" {
		copied.Status = types.ExperimentActive
	}

	r.mu.Lock()
	r.experiments[copied.Name] = &copied
	r.mu.Unlock()
	return nil
}
