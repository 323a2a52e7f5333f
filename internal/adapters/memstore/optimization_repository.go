// Package memstore keeps optimization runs in process memory. It backs
// RunOptimization when no database is configured.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/domain/models"
	"github.com/longregen/teleprompt/internal/ports"
)

type OptimizationRepository struct {
	mu          sync.RWMutex
	runs        map[string]*models.OptimizationRun
	candidates  map[string]*models.ProgramCandidate
	evaluations map[string]*models.ExampleEvaluation
}

var _ ports.OptimizationRepository = (*OptimizationRepository)(nil)

func NewOptimizationRepository() *OptimizationRepository {
	return &OptimizationRepository{
		runs:        make(map[string]*models.OptimizationRun),
		candidates:  make(map[string]*models.ProgramCandidate),
		evaluations: make(map[string]*models.ExampleEvaluation),
	}
}

func copyRun(run *models.OptimizationRun) *models.OptimizationRun {
	c := *run
	c.Config = maps.Clone(run.Config)
	c.Meta = maps.Clone(run.Meta)
	if run.CompletedAt != nil {
		completedAt := *run.CompletedAt
		c.CompletedAt = &completedAt
	}
	return &c
}

func copyCandidate(candidate *models.ProgramCandidate) *models.ProgramCandidate {
	c := *candidate
	c.Snapshot = slices.Clone(candidate.Snapshot)
	c.Meta = maps.Clone(candidate.Meta)
	return &c
}

func (r *OptimizationRepository) CreateRun(ctx context.Context, run *models.OptimizationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = copyRun(run)
	return nil
}

func (r *OptimizationRepository) GetRun(ctx context.Context, id string) (*models.OptimizationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrRunNotFound, id)
	}
	return copyRun(run), nil
}

func (r *OptimizationRepository) UpdateRun(ctx context.Context, run *models.OptimizationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return domain.NewDomainError(domain.ErrRunNotFound, run.ID)
	}
	r.runs[run.ID] = copyRun(run)
	return nil
}

// ListRuns returns runs newest first with the same paging rules as the
// postgres repository.
func (r *OptimizationRepository) ListRuns(ctx context.Context, opts ports.ListOptimizationRunsOptions) ([]*models.OptimizationRun, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 200)
	offset := max(opts.Offset, 0)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []*models.OptimizationRun
	for _, run := range r.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.Optimizer != "" && run.Optimizer != opts.Optimizer {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if offset >= len(runs) {
		return []*models.OptimizationRun{}, nil
	}
	runs = runs[offset:min(offset+limit, len(runs))]
	out := make([]*models.OptimizationRun, len(runs))
	for i, run := range runs {
		out[i] = copyRun(run)
	}
	return out, nil
}

func (r *OptimizationRepository) SaveCandidate(ctx context.Context, candidate *models.ProgramCandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[candidate.RunID]; !ok {
		return domain.NewDomainError(domain.ErrRunNotFound, candidate.RunID)
	}
	r.candidates[candidate.ID] = copyCandidate(candidate)
	return nil
}

// GetCandidates orders candidates by iteration, then score, both descending
func (r *OptimizationRepository) GetCandidates(ctx context.Context, runID string) ([]*models.ProgramCandidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.ProgramCandidate{}
	for _, c := range r.candidates {
		if c.RunID == runID {
			out = append(out, copyCandidate(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration > out[j].Iteration
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (r *OptimizationRepository) GetBestCandidate(ctx context.Context, runID string) (*models.ProgramCandidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.ProgramCandidate
	for _, c := range r.candidates {
		if c.RunID != runID || !c.Accepted {
			continue
		}
		if best == nil || c.Score > best.Score || (c.Score == best.Score && c.CreatedAt.After(best.CreatedAt)) {
			best = c
		}
	}
	if best == nil {
		return nil, domain.NewDomainError(domain.ErrCandidateNotFound, runID)
	}
	return copyCandidate(best), nil
}

func (r *OptimizationRepository) SaveEvaluation(ctx context.Context, eval *models.ExampleEvaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *eval
	c.Metrics = maps.Clone(eval.Metrics)
	r.evaluations[eval.ID] = &c
	return nil
}

func (r *OptimizationRepository) GetEvaluations(ctx context.Context, candidateID string) ([]*models.ExampleEvaluation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.ExampleEvaluation{}
	for _, e := range r.evaluations {
		if e.CandidateID == candidateID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
