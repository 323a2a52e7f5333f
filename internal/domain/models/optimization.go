package models

import (
	"time"
)

// OptimizationRun represents one optimizer invocation over a trainset
type OptimizationRun struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        string         `json:"status"` // "running", "completed", "failed"
	Optimizer     string         `json:"optimizer"`
	TrainsetSize  int            `json:"trainset_size"`
	BaselineScore float64        `json:"baseline_score,omitempty"`
	BestScore     float64        `json:"best_score,omitempty"`
	Improved      bool           `json:"improved"`
	DemoCount     int            `json:"demo_count"`
	Iterations    int            `json:"iterations"`
	MaxIterations int            `json:"max_iterations"`
	Error         string         `json:"error,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// OptimizationRun status values
const (
	OptimizationStatusRunning   = "running"
	OptimizationStatusCompleted = "completed"
	OptimizationStatusFailed    = "failed"
)

func NewOptimizationRun(id, name, optimizer string, trainsetSize, maxIterations int) *OptimizationRun {
	now := time.Now().UTC()
	return &OptimizationRun{
		ID:            id,
		Name:          name,
		Status:        OptimizationStatusRunning,
		Optimizer:     optimizer,
		TrainsetSize:  trainsetSize,
		MaxIterations: maxIterations,
		Config:        make(map[string]any),
		Meta:          make(map[string]any),
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RecordIteration updates progress after an optimizer step.
func (r *OptimizationRun) RecordIteration(iteration int, bestScore float64) {
	r.Iterations = iteration
	if bestScore > r.BestScore {
		r.BestScore = bestScore
	}
	r.UpdatedAt = time.Now().UTC()
}

func (r *OptimizationRun) MarkCompleted() {
	now := time.Now().UTC()
	r.Status = OptimizationStatusCompleted
	r.CompletedAt = &now
	r.UpdatedAt = now
}

func (r *OptimizationRun) MarkFailed(reason string) {
	now := time.Now().UTC()
	r.Status = OptimizationStatusFailed
	r.Error = reason
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// IsTerminal reports whether the run has finished.
func (r *OptimizationRun) IsTerminal() bool {
	return r.Status == OptimizationStatusCompleted || r.Status == OptimizationStatusFailed
}

// ProgramCandidate is a program produced during a run, stored as a demo
// snapshot.
type ProgramCandidate struct {
	ID               string         `json:"id"`
	RunID            string         `json:"run_id"`
	Iteration        int            `json:"iteration"`
	DemoCount        int            `json:"demo_count"`
	Snapshot         []byte         `json:"-"`
	Score            float64        `json:"score"`
	Accepted         bool           `json:"accepted"`
	EvaluationCount  int            `json:"evaluation_count"`
	SuccessCount     int            `json:"success_count"`
	FailureCount     int            `json:"failure_count"`
	AverageLatencyMs float64        `json:"average_latency_ms,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func NewProgramCandidate(id, runID string, iteration, demoCount int, snapshot []byte) *ProgramCandidate {
	now := time.Now().UTC()
	return &ProgramCandidate{
		ID:        id,
		RunID:     runID,
		Iteration: iteration,
		DemoCount: demoCount,
		Snapshot:  snapshot,
		Meta:      make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecordEvaluation folds one example evaluation into the running averages.
func (c *ProgramCandidate) RecordEvaluation(score float64, success bool, latencyMs int64) {
	c.EvaluationCount++
	if success {
		c.SuccessCount++
	} else {
		c.FailureCount++
	}

	c.Score = ((c.Score * float64(c.EvaluationCount-1)) + score) / float64(c.EvaluationCount)

	if latencyMs > 0 {
		c.AverageLatencyMs = ((c.AverageLatencyMs * float64(c.EvaluationCount-1)) + float64(latencyMs)) / float64(c.EvaluationCount)
	}

	c.UpdatedAt = time.Now().UTC()
}

// ExampleEvaluation is the score of one candidate on one example
type ExampleEvaluation struct {
	ID          string         `json:"id"`
	CandidateID string         `json:"candidate_id"`
	RunID       string         `json:"run_id"`
	ExampleID   string         `json:"example_id"`
	Input       string         `json:"input"`
	Output      string         `json:"output"`
	Expected    string         `json:"expected,omitempty"`
	Score       float64        `json:"score"`
	Success     bool           `json:"success"`
	LatencyMs   int64          `json:"latency_ms"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func NewExampleEvaluation(id, candidateID, runID, exampleID string, score float64, success bool, latencyMs int64) *ExampleEvaluation {
	return &ExampleEvaluation{
		ID:          id,
		CandidateID: candidateID,
		RunID:       runID,
		ExampleID:   exampleID,
		Score:       score,
		Success:     success,
		LatencyMs:   latencyMs,
		Metrics:     make(map[string]any),
		CreatedAt:   time.Now().UTC(),
	}
}
