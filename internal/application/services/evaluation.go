package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/metrics"
	"github.com/longregen/teleprompt/internal/adapters/tracing"
	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/prompt"
	"go.opentelemetry.io/otel/attribute"
)

// EvaluationConfig configures the evaluation engine
type EvaluationConfig struct {
	// MaxConcurrency bounds concurrent program calls
	MaxConcurrency int

	// Timeout applies to each program call; zero disables it
	Timeout time.Duration

	// Progress receives per-run and per-example lifecycle events
	Progress prompt.ProgressReporter
}

// DefaultEvaluationConfig returns sensible defaults
func DefaultEvaluationConfig() EvaluationConfig {
	return EvaluationConfig{
		MaxConcurrency: DefaultMaxConcurrency,
		Timeout:        30 * time.Second,
	}
}

// ExampleResult is the outcome of one example. Err is set when the program
// failed; MetricErr is set when the program succeeded but scoring failed.
// Either way Score is 0.
type ExampleResult struct {
	Index     int
	ExampleID string
	Score     float64
	Outputs   map[string]any
	Err       error
	MetricErr error
	Duration  time.Duration
}

// Failed reports whether the program call failed.
func (r ExampleResult) Failed() bool {
	return r.Err != nil
}

// EvaluationResult aggregates an evaluation run. PerExample is in input
// order. AverageScore divides by the number of examples, so failures count
// as zero.
type EvaluationResult struct {
	AverageScore       float64
	SuccessCount       int
	FailureCount       int
	MetricFailureCount int
	PerExample         []ExampleResult
	Duration           time.Duration
}

// Scores returns the per-example scores in input order.
func (r *EvaluationResult) Scores() []float64 {
	out := make([]float64, len(r.PerExample))
	for i, ex := range r.PerExample {
		out[i] = ex.Score
	}
	return out
}

// Evaluator scores programs against datasets
type Evaluator struct {
	config EvaluationConfig
}

// NewEvaluator creates a new evaluator
func NewEvaluator(config EvaluationConfig) *Evaluator {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Evaluator{config: config}
}

// Config returns the evaluator configuration.
func (e *Evaluator) Config() EvaluationConfig {
	return e.config
}

// Evaluate runs program over examples and scores each output with metric.
// Only invalid arguments produce an error; failures of individual program
// or metric calls are recorded in the result.
func (e *Evaluator) Evaluate(ctx context.Context, program prompt.Program, examples []prompt.Example, metric prompt.MetricFunc, opts ...prompt.ForwardOption) (*EvaluationResult, error) {
	if !prompt.IsValid(program) {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidProgram, "evaluate requires a program", domain.CodeInvalidProgram)
	}
	if len(examples) == 0 {
		return nil, domain.NewDomainErrorWithCode(domain.ErrEmptyDataset, "evaluate requires at least one example", domain.CodeEmptyDataset)
	}
	if metric == nil {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidMetricFunction, "evaluate requires a metric", domain.CodeInvalidMetricFunction)
	}

	ctx, span := tracing.StartSpan(ctx, "evaluator.evaluate",
		attribute.Int("evaluation.examples", len(examples)),
		attribute.Int("evaluation.max_concurrency", e.config.MaxConcurrency),
	)

	start := time.Now()
	progress := e.config.Progress
	progress.Report(prompt.PhaseEvaluationStarted, map[string]any{
		"total": len(examples),
	})

	results := make([]ExampleResult, len(examples))
	forEachBounded(ctx, e.config.MaxConcurrency, len(examples), func(ctx context.Context, i int) {
		results[i] = e.evaluateOne(ctx, program, examples[i], i, metric, opts)
	})

	result := &EvaluationResult{
		PerExample: results,
		Duration:   time.Since(start),
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
		if r.Failed() {
			result.FailureCount++
		} else {
			result.SuccessCount++
		}
		if r.MetricErr != nil {
			result.MetricFailureCount++
		}
	}
	result.AverageScore = sum / float64(len(examples))

	metrics.EvaluationsTotal.Inc()
	metrics.EvaluationAverageScore.Observe(result.AverageScore)

	span.SetAttributes(
		attribute.Float64("evaluation.average_score", result.AverageScore),
		attribute.Int("evaluation.failures", result.FailureCount),
		attribute.Int("evaluation.metric_failures", result.MetricFailureCount),
	)
	tracing.EndSpan(span, nil)

	progress.Report(prompt.PhaseEvaluationCompleted, map[string]any{
		"total":                len(examples),
		"average_score":        result.AverageScore,
		"success_count":        result.SuccessCount,
		"failure_count":        result.FailureCount,
		"metric_failure_count": result.MetricFailureCount,
		"duration_ms":          result.Duration.Milliseconds(),
	})

	return result, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, program prompt.Program, example prompt.Example, index int, metric prompt.MetricFunc, opts []prompt.ForwardOption) ExampleResult {
	res := ExampleResult{
		Index:     index,
		ExampleID: prompt.ExampleKey(example, index),
	}
	e.config.Progress.Report(prompt.PhaseExampleStarted, map[string]any{
		"index":      index,
		"example_id": res.ExampleID,
	})

	start := time.Now()
	outputs, err := callProgram(ctx, program, example.Inputs(), e.config.Timeout, opts...)
	res.Duration = time.Since(start)
	metrics.ProgramCallDuration.Observe(res.Duration.Seconds())

	if err != nil {
		res.Err = err
		metrics.ProgramCallsTotal.WithLabelValues(outcomeOf(err)).Inc()
		log.Printf("warning: program failed on example %s: %v", res.ExampleID, err)
	} else {
		metrics.ProgramCallsTotal.WithLabelValues("success").Inc()
		res.Outputs = outputs
		score, metricErr := prompt.SafeScore(metric, example, outputs)
		if metricErr != nil {
			res.MetricErr = metricErr
			metrics.MetricFailuresTotal.Inc()
			log.Printf("warning: metric failed on example %s: %v", res.ExampleID, metricErr)
		}
		res.Score = score
	}

	e.config.Progress.Report(prompt.PhaseExampleCompleted, map[string]any{
		"index":       index,
		"example_id":  res.ExampleID,
		"score":       res.Score,
		"success":     res.Err == nil,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrProgramTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrProgramPanic):
		return "panic"
	}
	return "error"
}
