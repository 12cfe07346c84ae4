// Package phases holds the work functions executed for each pipeline phase
// and the registry the coordinator dispatches through.
package phases

import (
	"context"
	"fmt"
	"time"

	"addie/internal/domain"
)

// Status is the outcome a work function reports to the coordinator.
type Status string

const (
	StatusCompleted Status = "completed"
	// StatusMissing means the project disappeared while the phase ran.
	StatusMissing Status = "missing"
)

// Report is returned by every work function. Costs are opaque to the
// coordinator and copied into the run metric.
type Report struct {
	Status      Status
	Retries     int
	TokenCost   float64
	ComputeCost float64
}

// Worker executes one phase for a project, writing its typed slot of the
// project's phase results before returning.
type Worker interface {
	Execute(ctx context.Context, projectID string) (Report, error)
}

type WorkerFunc func(ctx context.Context, projectID string) (Report, error)

func (f WorkerFunc) Execute(ctx context.Context, projectID string) (Report, error) {
	return f(ctx, projectID)
}

// Registry maps every pipeline phase to exactly one worker.
type Registry struct {
	workers map[domain.Phase]Worker
}

// NewRegistry validates that workers covers the six pipeline phases and
// nothing else.
func NewRegistry(workers map[domain.Phase]Worker) (*Registry, error) {
	reg := &Registry{workers: map[domain.Phase]Worker{}}
	for phase, w := range workers {
		if !phase.IsPipeline() {
			return nil, fmt.Errorf("worker registered for non-pipeline phase %q", phase)
		}
		if w == nil {
			return nil, fmt.Errorf("nil worker for phase %q", phase)
		}
		reg.workers[phase] = w
	}
	for _, phase := range domain.PipelinePhases {
		if _, ok := reg.workers[phase]; !ok {
			return nil, fmt.Errorf("no worker registered for phase %q", phase)
		}
	}
	return reg, nil
}

func (r *Registry) Worker(phase domain.Phase) (Worker, error) {
	w, ok := r.workers[phase]
	if !ok {
		return nil, fmt.Errorf("no worker for phase %q", phase)
	}
	return w, nil
}

// With returns a copy of r with phase bound to w.
func (r *Registry) With(phase domain.Phase, w Worker) (*Registry, error) {
	workers := make(map[domain.Phase]Worker, len(r.workers))
	for p, existing := range r.workers {
		workers[p] = existing
	}
	workers[phase] = w
	return NewRegistry(workers)
}

// Options configures the reference workers.
type Options struct {
	Retry     RetryPolicy
	Extractor Extractor
	Now       func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// NewReferenceRegistry wires the built-in workers against store.
func NewReferenceRegistry(store Store, opts Options) *Registry {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Extractor == nil {
		opts.Extractor = NewSourceExtractor(nil, nil)
	}
	reg, err := NewRegistry(map[domain.Phase]Worker{
		domain.PhaseIngest:    &Ingester{Store: store, Retry: opts.Retry, Extractor: opts.Extractor, now: opts.now},
		domain.PhaseAnalyze:   &Analyzer{Store: store, now: opts.now},
		domain.PhaseDesign:    &Designer{Store: store, now: opts.now},
		domain.PhaseDevelop:   &Developer{Store: store, now: opts.now},
		domain.PhaseImplement: &Implementer{Store: store, now: opts.now},
		domain.PhaseEvaluate:  &Evaluator{Store: store, now: opts.now},
	})
	if err != nil {
		panic(err)
	}
	return reg
}

// Store is the slice of persistence the reference workers need.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	UpdatePhaseResults(ctx context.Context, projectID, updatedAt string, fn func(*domain.PhaseResults)) error
	ListDocuments(ctx context.Context, projectID string) ([]domain.Document, error)
	SaveDocumentIndex(ctx context.Context, d domain.Document, chunks []string) error
	DocumentChunks(ctx context.Context, id string) ([]string, error)
	ListLearners(ctx context.Context, orgID string) ([]domain.Learner, error)
	EnsureEnrollment(ctx context.Context, e domain.Enrollment) (string, error)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
