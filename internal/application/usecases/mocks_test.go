package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/domain/models"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
)

// ============================================================================
// Common Mock implementations shared across tests
// ============================================================================

// mockOptimizationRepo is an in-memory optimization repository
type mockOptimizationRepo struct {
	mu          sync.RWMutex
	runs        map[string]*models.OptimizationRun
	candidates  map[string]*models.ProgramCandidate
	evaluations map[string]*models.ExampleEvaluation
	updateCalls int

	createRunErr     error
	saveCandidateErr error
	updateRunErr     error
}

func newMockOptimizationRepo() *mockOptimizationRepo {
	return &mockOptimizationRepo{
		runs:        make(map[string]*models.OptimizationRun),
		candidates:  make(map[string]*models.ProgramCandidate),
		evaluations: make(map[string]*models.ExampleEvaluation),
	}
}

func (m *mockOptimizationRepo) CreateRun(ctx context.Context, run *models.OptimizationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createRunErr != nil {
		return m.createRunErr
	}
	runCopy := *run
	m.runs[run.ID] = &runCopy
	return nil
}

func (m *mockOptimizationRepo) GetRun(ctx context.Context, id string) (*models.OptimizationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrRunNotFound, id)
	}
	runCopy := *run
	return &runCopy, nil
}

func (m *mockOptimizationRepo) UpdateRun(ctx context.Context, run *models.OptimizationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateRunErr != nil {
		return m.updateRunErr
	}
	if _, ok := m.runs[run.ID]; !ok {
		return domain.NewDomainError(domain.ErrRunNotFound, run.ID)
	}
	runCopy := *run
	m.runs[run.ID] = &runCopy
	return nil
}

func (m *mockOptimizationRepo) ListRuns(ctx context.Context, opts ports.ListOptimizationRunsOptions) ([]*models.OptimizationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.OptimizationRun
	for _, run := range m.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		if opts.Optimizer != "" && run.Optimizer != opts.Optimizer {
			continue
		}
		runCopy := *run
		out = append(out, &runCopy)
	}
	return out, nil
}

func (m *mockOptimizationRepo) SaveCandidate(ctx context.Context, candidate *models.ProgramCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveCandidateErr != nil {
		return m.saveCandidateErr
	}
	candidateCopy := *candidate
	m.candidates[candidate.ID] = &candidateCopy
	return nil
}

func (m *mockOptimizationRepo) GetCandidates(ctx context.Context, runID string) ([]*models.ProgramCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ProgramCandidate
	for _, c := range m.candidates {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockOptimizationRepo) GetBestCandidate(ctx context.Context, runID string) (*models.ProgramCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.ProgramCandidate
	for _, c := range m.candidates {
		if c.RunID != runID || !c.Accepted {
			continue
		}
		if best == nil || c.Score > best.Score {
			best = c
		}
	}
	if best == nil {
		return nil, domain.NewDomainError(domain.ErrCandidateNotFound, runID)
	}
	return best, nil
}

func (m *mockOptimizationRepo) SaveEvaluation(ctx context.Context, eval *models.ExampleEvaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations[eval.ID] = eval
	return nil
}

func (m *mockOptimizationRepo) GetEvaluations(ctx context.Context, candidateID string) ([]*models.ExampleEvaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ExampleEvaluation
	for _, e := range m.evaluations {
		if e.CandidateID == candidateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockOptimizationRepo) run(id string) *models.OptimizationRun {
	run, err := m.GetRun(context.Background(), id)
	if err != nil {
		return nil
	}
	return run
}

func (m *mockOptimizationRepo) candidateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candidates)
}

func (m *mockOptimizationRepo) evaluationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.evaluations)
}

// mockTransactionManager runs fn directly and counts transactions
type mockTransactionManager struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (m *mockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.rollbacks++
		return err
	}
	m.commits++
	return nil
}

type mockIDGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *mockIDGenerator) next(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[prefix]++
	return fmt.Sprintf("%s_test%d", prefix, m.counters[prefix])
}

func (m *mockIDGenerator) GenerateRunID() string        { return m.next("tpr") }
func (m *mockIDGenerator) GenerateCandidateID() string  { return m.next("tpc") }
func (m *mockIDGenerator) GenerateEvaluationID() string { return m.next("tpe") }
func (m *mockIDGenerator) GenerateTrajectoryID() string { return m.next("tpt") }
func (m *mockIDGenerator) GenerateExampleID() string    { return m.next("tpx") }

var errMockDatabase = errors.New("mock database error")

func qaTrainset(n int) []prompt.Example {
	out := make([]prompt.Example, n)
	for i := range out {
		out[i] = prompt.MustExample(map[string]any{
			"question": fmt.Sprintf("q%d", i),
			"answer":   fmt.Sprintf("a%d", i),
		}, "question")
	}
	return out
}

func oracleProgram() prompt.ProgramFunc {
	return func(_ context.Context, inputs map[string]any, _ ...prompt.ForwardOption) (map[string]any, error) {
		q, _ := inputs["question"].(string)
		return map[string]any{"answer": strings.Replace(q, "q", "a", 1)}, nil
	}
}

// learnerProgram answers correctly when demos are attached or a sampling
// temperature is set
func learnerProgram() prompt.ProgramFunc {
	oracle := oracleProgram()
	return func(ctx context.Context, inputs map[string]any, opts ...prompt.ForwardOption) (map[string]any, error) {
		o := prompt.ResolveOptions(opts...)
		if len(o.Demos) == 0 && o.Temperature == nil {
			return map[string]any{"answer": "unknown"}, nil
		}
		return oracle(ctx, inputs)
	}
}
