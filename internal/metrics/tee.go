package metrics

import "github.com/bibliocache/bibliocache/pkg/types"

// Tee fans one operation-event stream out to several recorders, so the
// collector and the tuning engine can both observe the orchestrator.
type Tee struct {
	recorders []types.MetricsRecorder
}

// NewTee creates a fan-out recorder.
func NewTee(recorders ...types.MetricsRecorder) *Tee {
	return &Tee{recorders: recorders}
}

// RecordOperation forwards the event to every recorder.
func (t *Tee) RecordOperation(ev types.OperationEvent) {
	for _, r := range t.recorders {
		r.RecordOperation(ev)
	}
}

// RecordError forwards the error to every recorder.
func (t *Tee) RecordError(operation string, err error) {
	for _, r := range t.recorders {
		r.RecordError(operation, err)
	}
}
