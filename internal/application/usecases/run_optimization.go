package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/longregen/teleprompt/internal/adapters/metrics"
	"github.com/longregen/teleprompt/internal/application/services"
	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/domain/models"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
)

// RunOptimizationInput describes one optimization run.
type RunOptimizationInput struct {
	Name        string
	Description string
	Optimizer   string
	Student     prompt.Program
	Teacher     prompt.Program
	Trainset    []prompt.Example
	// Dataset is drained into the trainset when Trainset is empty
	Dataset core.Dataset
	// Valset scores the final program; the trainset is used when empty
	Valset []prompt.Example
	// ValSplit, when set and Valset is empty, deduplicates the trainset and
	// holds out the tail as the validation set
	ValSplit float64
	Metric prompt.MetricFunc
	Config map[string]any
}

// RunOptimizationOutput is the persisted run together with the compiled
// program. Program and Candidate are nil for failed runs.
type RunOptimizationOutput struct {
	Run             *models.OptimizationRun
	Program         prompt.Program
	Candidate       *models.ProgramCandidate
	Evaluation      *services.EvaluationResult
	ProgressChannel <-chan ports.OptimizationProgressEvent
}

// RunOptimization orchestrates an optimization run: it records the run,
// drives the selected optimizer, scores the result and persists the winning
// program snapshot with its per-example evaluations.
type RunOptimization struct {
	registry          *services.OptimizerRegistry
	evaluator         *services.Evaluator
	repo              ports.OptimizationRepository
	txManager         ports.TransactionManager
	progressPublisher ports.OptimizationProgressPublisher
	idGenerator       ports.IDGenerator
}

// NewRunOptimization creates a new RunOptimization usecase. The progress
// publisher and transaction manager are optional.
func NewRunOptimization(
	registry *services.OptimizerRegistry,
	evaluator *services.Evaluator,
	repo ports.OptimizationRepository,
	txManager ports.TransactionManager,
	progressPublisher ports.OptimizationProgressPublisher,
	idGenerator ports.IDGenerator,
) *RunOptimization {
	if evaluator == nil {
		evaluator = services.NewEvaluator(services.DefaultEvaluationConfig())
	}
	return &RunOptimization{
		registry:          registry,
		evaluator:         evaluator,
		repo:              repo,
		txManager:         txManager,
		progressPublisher: progressPublisher,
		idGenerator:       idGenerator,
	}
}

// Execute runs the optimization synchronously. Optimizer failures mark the
// run failed and are returned alongside the output.
func (uc *RunOptimization) Execute(ctx context.Context, input *RunOptimizationInput) (*RunOptimizationOutput, error) {
	run, optimizer, err := uc.prepare(ctx, input)
	if err != nil {
		return nil, err
	}
	return uc.runOptimization(ctx, run, optimizer, input)
}

// Start creates the run and optimizes in the background. The returned
// channel receives progress until the run finishes, then closes.
func (uc *RunOptimization) Start(ctx context.Context, input *RunOptimizationInput) (*RunOptimizationOutput, error) {
	run, optimizer, err := uc.prepare(ctx, input)
	if err != nil {
		return nil, err
	}

	var progressChan <-chan ports.OptimizationProgressEvent
	if uc.progressPublisher != nil {
		progressChan = uc.progressPublisher.Subscribe(run.ID)
	}

	// Detached from the request; the run outlives the caller
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := uc.runOptimization(bg, run, optimizer, input); err != nil {
			log.Printf("warning: background optimization run %s failed: %v", run.ID, err)
		}
	}()

	return &RunOptimizationOutput{
		Run:             run,
		ProgressChannel: progressChan,
	}, nil
}

// GetProgress returns a channel for receiving progress updates for an existing run.
func (uc *RunOptimization) GetProgress(runID string) <-chan ports.OptimizationProgressEvent {
	if uc.progressPublisher == nil {
		return nil
	}
	return uc.progressPublisher.Subscribe(runID)
}

// LoadProgram restores the best accepted candidate of a run onto base.
func (uc *RunOptimization) LoadProgram(ctx context.Context, runID string, base prompt.Program) (prompt.Program, error) {
	candidate, err := uc.repo.GetBestCandidate(ctx, runID)
	if err != nil {
		return nil, err
	}
	snapshot, err := prompt.DecodeSnapshot(candidate.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("candidate %s: %w", candidate.ID, err)
	}
	return snapshot.Restore(base)
}

func (uc *RunOptimization) prepare(ctx context.Context, input *RunOptimizationInput) (*models.OptimizationRun, services.Optimizer, error) {
	if input == nil {
		return nil, nil, domain.NewDomainError(domain.ErrInvalidInput, "optimization input is required")
	}
	if err := services.ValidateRequired(input.Name, "optimization run name"); err != nil {
		return nil, nil, err
	}
	if len(input.Trainset) == 0 && input.Dataset != nil {
		input.Trainset = prompt.ExamplesFromDataset(input.Dataset)
	}
	newExampleID := func(int) string { return uc.idGenerator.GenerateExampleID() }
	input.Trainset = prompt.AssignIDs(input.Trainset, newExampleID)
	input.Valset = prompt.AssignIDs(input.Valset, newExampleID)

	if input.ValSplit > 0 && len(input.Valset) == 0 {
		builder, err := services.NewTrainingSetBuilder(services.TrainingSetBuilderConfig{TrainValSplit: input.ValSplit})
		if err != nil {
			return nil, nil, err
		}
		input.Trainset, input.Valset = builder.Build(input.Trainset)
	}
	if !uc.registry.Has(input.Optimizer) {
		return nil, nil, domain.NewDomainError(domain.ErrUnknownOptimizer, input.Optimizer)
	}

	run := models.NewOptimizationRun(uc.idGenerator.GenerateRunID(), input.Name, input.Optimizer, len(input.Trainset), 0)
	run.Description = input.Description
	for k, v := range input.Config {
		run.Config[k] = v
	}

	// The bridge needs the optimizer's iteration budget, so it is bound
	// after creation
	var bridge prompt.ProgressReporter
	optimizer, err := uc.registry.Create(input.Optimizer, prompt.MultiReporter(
		prompt.LogReporter("run "+run.ID),
		func(ev prompt.ProgressEvent) { bridge.Report(ev.Phase, ev.Data) },
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	run.MaxIterations = optimizer.MaxIterations()
	bridge = services.ProgressBridge(uc.progressPublisher, run.ID, run.MaxIterations)

	if err := uc.repo.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create optimization run: %w", err)
	}
	log.Printf("info: created optimization run %s (%s, %d examples)", run.ID, run.Optimizer, run.TrainsetSize)
	return run, optimizer, nil
}

func (uc *RunOptimization) runOptimization(ctx context.Context, run *models.OptimizationRun, optimizer services.Optimizer, input *RunOptimizationInput) (out *RunOptimizationOutput, err error) {
	metrics.OptimizationRunsActive.Inc()
	defer metrics.OptimizationRunsActive.Dec()

	out = &RunOptimizationOutput{Run: run}
	defer func() {
		if uc.progressPublisher != nil {
			uc.progressPublisher.PublishProgress(uc.createCompletionEvent(run))
			uc.progressPublisher.Close(run.ID)
		}
		metrics.OptimizationRunsTotal.WithLabelValues(run.Optimizer, run.Status).Inc()
	}()

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("optimization panicked: %v", r)
			log.Printf("ERROR: %s for run %s", reason, run.ID)
			uc.failRun(ctx, run, reason)
			out.Program = nil
			out.Candidate = nil
			err = fmt.Errorf("%s", reason)
		}
	}()

	uc.publishProgressEvent(ports.OptimizationProgressEvent{
		Type:          ports.ProgressEventStarted,
		RunID:         run.ID,
		MaxIterations: run.MaxIterations,
		Status:        models.OptimizationStatusRunning,
		Message:       "Optimization run started",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})

	outcome, optErr := optimizer.Optimize(ctx, services.OptimizeRequest{
		Student:  input.Student,
		Teacher:  input.Teacher,
		Trainset: input.Trainset,
		Metric:   input.Metric,
	})
	if outcome == nil {
		if optErr == nil {
			optErr = fmt.Errorf("optimizer %s returned no result", optimizer.Name())
		}
		uc.failRun(ctx, run, optErr.Error())
		return out, optErr
	}

	run.BaselineScore = outcome.BaselineScore
	run.Improved = outcome.Improved
	run.DemoCount = len(outcome.Demos)
	run.RecordIteration(outcome.Iterations, outcome.BestScore)
	run.Meta["demo_ids"] = demoIDs(outcome.Demos)

	valset := input.Valset
	if len(valset) == 0 {
		valset = input.Trainset
	}
	evalResult, err := uc.evaluator.Evaluate(ctx, outcome.Program, valset, input.Metric)
	if err != nil {
		uc.failRun(ctx, run, fmt.Sprintf("final evaluation failed: %v", err))
		return out, err
	}
	run.Meta["validation_score"] = evalResult.AverageScore

	candidate, evals, err := uc.buildCandidate(run, outcome, valset, evalResult)
	if err != nil {
		uc.failRun(ctx, run, err.Error())
		return out, err
	}

	run.MarkCompleted()
	if err := uc.persist(ctx, run, candidate, evals); err != nil {
		log.Printf("ERROR: failed to persist results of run %s: %v", run.ID, err)
		uc.failRun(ctx, run, fmt.Sprintf("failed to persist results: %v", err))
		return out, err
	}

	log.Printf("info: optimization run %s completed: %d demos, best %.3f, validation %.3f",
		run.ID, run.DemoCount, run.BestScore, evalResult.AverageScore)

	out.Program = outcome.Program
	out.Candidate = candidate
	out.Evaluation = evalResult
	// A run that completed without improving still reports ErrNoImprovement
	// when the optimizer was asked to require one
	if optErr != nil && errors.Is(optErr, domain.ErrNoImprovement) {
		return out, optErr
	}
	return out, nil
}

func (uc *RunOptimization) buildCandidate(run *models.OptimizationRun, outcome *services.OptimizeOutcome, valset []prompt.Example, result *services.EvaluationResult) (*models.ProgramCandidate, []*models.ExampleEvaluation, error) {
	snapshot, err := prompt.EncodeSnapshot(prompt.SnapshotOf(outcome.Program))
	if err != nil {
		return nil, nil, err
	}

	candidate := models.NewProgramCandidate(uc.idGenerator.GenerateCandidateID(), run.ID, run.Iterations, len(outcome.Demos), snapshot)
	candidate.Accepted = true
	candidate.Meta["optimizer"] = outcome.Optimizer
	candidate.Meta["improved"] = outcome.Improved

	evals := make([]*models.ExampleEvaluation, 0, len(result.PerExample))
	for _, r := range result.PerExample {
		success := !r.Failed()
		latency := r.Duration.Milliseconds()
		candidate.RecordEvaluation(r.Score, success, latency)

		example := valset[r.Index]
		eval := models.NewExampleEvaluation(uc.idGenerator.GenerateEvaluationID(), candidate.ID, run.ID, r.ExampleID, r.Score, success, latency)
		eval.Input = encodeFields(example.Inputs())
		eval.Output = encodeFields(r.Outputs)
		eval.Expected = encodeFields(example.Labels())
		switch {
		case r.Err != nil:
			eval.Error = r.Err.Error()
		case r.MetricErr != nil:
			eval.Error = r.MetricErr.Error()
			eval.Metrics["metric_failed"] = true
		}
		evals = append(evals, eval)
	}
	return candidate, evals, nil
}

func (uc *RunOptimization) persist(ctx context.Context, run *models.OptimizationRun, candidate *models.ProgramCandidate, evals []*models.ExampleEvaluation) error {
	write := func(ctx context.Context) error {
		if err := uc.repo.SaveCandidate(ctx, candidate); err != nil {
			return fmt.Errorf("failed to save candidate: %w", err)
		}
		for _, eval := range evals {
			if err := uc.repo.SaveEvaluation(ctx, eval); err != nil {
				return fmt.Errorf("failed to save evaluation %s: %w", eval.ID, err)
			}
		}
		return uc.repo.UpdateRun(ctx, run)
	}

	if uc.txManager == nil {
		return write(ctx)
	}
	return uc.txManager.WithTransaction(ctx, write)
}

func (uc *RunOptimization) failRun(ctx context.Context, run *models.OptimizationRun, reason string) {
	log.Printf("warning: optimization run %s failed: %s", run.ID, reason)
	run.MarkFailed(reason)
	if err := uc.repo.UpdateRun(ctx, run); err != nil {
		log.Printf("ERROR: failed to mark run %s as failed: %v", run.ID, err)
	}
}

// publishProgressEvent publishes a progress event to all subscribers.
func (uc *RunOptimization) publishProgressEvent(event ports.OptimizationProgressEvent) {
	if uc.progressPublisher != nil {
		uc.progressPublisher.PublishProgress(event)
	}
}

// createCompletionEvent creates a completion or failure event based on run state.
func (uc *RunOptimization) createCompletionEvent(run *models.OptimizationRun) ports.OptimizationProgressEvent {
	status := models.OptimizationStatusCompleted
	eventType := ports.ProgressEventCompleted
	message := "Optimization completed"

	if run.Status == models.OptimizationStatusFailed {
		status = models.OptimizationStatusFailed
		eventType = ports.ProgressEventFailed
		message = "Optimization failed: " + run.Error
	}

	return ports.OptimizationProgressEvent{
		Type:          eventType,
		RunID:         run.ID,
		Iteration:     run.Iterations,
		MaxIterations: run.MaxIterations,
		CurrentScore:  run.BestScore,
		BestScore:     run.BestScore,
		Status:        status,
		Message:       message,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

func demoIDs(demos []prompt.Example) []string {
	ids := make([]string, len(demos))
	for i, d := range demos {
		ids[i] = prompt.ExampleKey(d, i)
	}
	return ids
}

func encodeFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", fields)
	}
	return string(data)
}
