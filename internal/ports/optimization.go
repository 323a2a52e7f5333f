package ports

import (
	"context"

	"github.com/longregen/teleprompt/internal/domain/models"
)

// OptimizationProgressEvent represents a progress update during optimization.
// This is the canonical event type for pub/sub progress notifications.
type OptimizationProgressEvent struct {
	Type          string         `json:"type"` // "started", "progress", "completed", "failed"
	RunID         string         `json:"run_id"`
	Phase         string         `json:"phase,omitempty"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	CurrentScore  float64        `json:"current_score"`
	BestScore     float64        `json:"best_score"`
	Data          map[string]any `json:"data,omitempty"`
	Status        string         `json:"status"` // running, completed, failed
	Message       string         `json:"message,omitempty"`
	Timestamp     string         `json:"timestamp"`
}

// Progress event types
const (
	ProgressEventStarted   = "started"
	ProgressEventProgress  = "progress"
	ProgressEventCompleted = "completed"
	ProgressEventFailed    = "failed"
)

// ListOptimizationRunsOptions filters run listings
type ListOptimizationRunsOptions struct {
	Status    string
	Optimizer string
	Limit     int
	Offset    int
}

// OptimizationRepository persists runs, candidates and evaluations
type OptimizationRepository interface {
	CreateRun(ctx context.Context, run *models.OptimizationRun) error
	GetRun(ctx context.Context, id string) (*models.OptimizationRun, error)
	UpdateRun(ctx context.Context, run *models.OptimizationRun) error
	ListRuns(ctx context.Context, opts ListOptimizationRunsOptions) ([]*models.OptimizationRun, error)

	SaveCandidate(ctx context.Context, candidate *models.ProgramCandidate) error
	GetCandidates(ctx context.Context, runID string) ([]*models.ProgramCandidate, error)
	GetBestCandidate(ctx context.Context, runID string) (*models.ProgramCandidate, error)

	SaveEvaluation(ctx context.Context, eval *models.ExampleEvaluation) error
	GetEvaluations(ctx context.Context, candidateID string) ([]*models.ExampleEvaluation, error)
}

// TransactionManager runs fn inside a database transaction
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// OptimizationProgressPublisher defines the interface for pub/sub progress notifications.
type OptimizationProgressPublisher interface {
	// Subscribe creates a subscription for progress events for a specific run
	// Returns a channel that will receive OptimizationProgressEvent updates
	Subscribe(runID string) <-chan OptimizationProgressEvent

	// Unsubscribe removes a subscription for a specific run
	// The channel should be the same one returned by Subscribe
	Unsubscribe(runID string, ch <-chan OptimizationProgressEvent)

	// PublishProgress broadcasts a progress event to all subscribers of the run
	PublishProgress(event OptimizationProgressEvent)

	// Close closes all channels for a run (called when optimization completes)
	Close(runID string)
}
