package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/metrics"
	"github.com/longregen/teleprompt/internal/adapters/retry"
	"github.com/longregen/teleprompt/internal/adapters/tracing"
	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/prompt"
	"go.opentelemetry.io/otel/attribute"
)

// OptimizerBootstrapFewShot tags demos and programs produced by BootstrapFewShot.
const OptimizerBootstrapFewShot = "bootstrap_few_shot"

// BootstrapConfig configures the bootstrap optimizer
type BootstrapConfig struct {
	// MaxBootstrappedDemos caps the number of demos kept
	MaxBootstrappedDemos int

	// QualityThreshold drops candidates scoring below it
	QualityThreshold float64

	// MaxConcurrency bounds concurrent teacher calls
	MaxConcurrency int

	// TeacherRetries is the number of extra attempts per failed teacher call
	TeacherRetries int

	// RetryBackoff is the wait before the first retry; it doubles per retry
	RetryBackoff time.Duration

	// Timeout applies to each teacher call; zero disables it
	Timeout time.Duration

	// Progress receives phase events; it may be nil
	Progress prompt.ProgressReporter
}

// DefaultBootstrapConfig returns sensible defaults
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		MaxBootstrappedDemos: 4,
		QualityThreshold:     0.7,
		MaxConcurrency:       DefaultMaxConcurrency,
		TeacherRetries:       1,
		RetryBackoff:         200 * time.Millisecond,
		Timeout:              60 * time.Second,
	}
}

// Validate checks the configuration
func (c BootstrapConfig) Validate() error {
	if c.MaxBootstrappedDemos < 1 {
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "max bootstrapped demos must be at least 1", domain.CodeInvalidConfig)
	}
	if c.QualityThreshold < 0 {
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "quality threshold must not be negative", domain.CodeInvalidConfig)
	}
	if c.TeacherRetries < 0 {
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "teacher retries must not be negative", domain.CodeInvalidConfig)
	}
	if c.MaxConcurrency < 0 || c.Timeout < 0 || c.RetryBackoff < 0 {
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "concurrency, timeout and backoff must not be negative", domain.CodeInvalidConfig)
	}
	return nil
}

// BootstrapResult describes a compile. Program is the student with the kept
// demos attached; it holds zero demos when nothing survived.
type BootstrapResult struct {
	Program         prompt.Program
	Demos           []prompt.Example
	CandidateCount  int
	TeacherFailures int
	FilteredCount   int
}

// BootstrapFewShot generates demonstrations for a student program by running
// a teacher program over the trainset.
type BootstrapFewShot struct {
	config BootstrapConfig
}

// NewBootstrapFewShot creates a new bootstrap optimizer
func NewBootstrapFewShot(config BootstrapConfig) (*BootstrapFewShot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	return &BootstrapFewShot{config: config}, nil
}

type bootstrapCandidate struct {
	index   int
	demo    prompt.Example
	outputs map[string]any
	ok      bool
}

// Compile bootstraps demos for student. Only invalid arguments produce an
// error. Teacher failures and low quality candidates shrink the demo set,
// down to zero demos.
func (b *BootstrapFewShot) Compile(ctx context.Context, student, teacher prompt.Program, trainset []prompt.Example, metric prompt.MetricFunc) (*BootstrapResult, error) {
	if !prompt.IsValid(student) {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidStudentProgram, "student does not implement Forward", domain.CodeInvalidStudentProgram)
	}
	if !prompt.IsValid(teacher) {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidTeacherProgram, "teacher does not implement Forward", domain.CodeInvalidTeacherProgram)
	}
	if len(trainset) == 0 {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidOrEmptyTrainset, "trainset is empty", domain.CodeInvalidOrEmptyTrainset)
	}
	for i, ex := range trainset {
		if ex.IsZero() || len(ex.InputKeys()) == 0 {
			return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidOrEmptyTrainset, fmt.Sprintf("trainset example %d has no inputs", i), domain.CodeInvalidOrEmptyTrainset)
		}
	}
	if metric == nil {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidMetricFunction, "metric is nil", domain.CodeInvalidMetricFunction)
	}

	ctx, span := tracing.StartSpan(ctx, "bootstrap.compile",
		attribute.Int("bootstrap.trainset", len(trainset)),
		attribute.Float64("bootstrap.quality_threshold", b.config.QualityThreshold),
	)

	progress := b.config.Progress
	teacherName := programName(teacher)

	// Candidate generation
	progress.Report(prompt.PhaseCandidateGeneration, map[string]any{
		"status": "started",
		"total":  len(trainset),
	})
	candidates := make([]bootstrapCandidate, len(trainset))
	forEachBounded(ctx, b.config.MaxConcurrency, len(trainset), func(ctx context.Context, i int) {
		candidates[i] = b.generateCandidate(ctx, teacher, teacherName, trainset[i], i)
	})

	generated := make([]bootstrapCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ok {
			generated = append(generated, c)
		}
	}
	teacherFailures := len(trainset) - len(generated)
	progress.Report(prompt.PhaseCandidateGeneration, map[string]any{
		"status":    "completed",
		"total":     len(trainset),
		"generated": len(generated),
		"failed":    teacherFailures,
	})

	// Quality scoring
	for i, c := range generated {
		source := trainset[c.index]
		score, err := prompt.SafeScore(metric, source, c.outputs)
		if err != nil {
			log.Printf("warning: quality metric failed for example %s: %v", prompt.ExampleKey(source, c.index), err)
			metrics.MetricFailuresTotal.Inc()
		}
		generated[i].demo = c.demo.WithMeta(prompt.MetaQualityScore, score)
	}
	progress.Report(prompt.PhaseQualityScoring, map[string]any{
		"scored": len(generated),
	})

	// Filtering and selection
	kept := filterByQuality(generated, b.config.QualityThreshold)
	filtered := len(generated) - len(kept)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].demo.QualityScore() > kept[j].demo.QualityScore()
	})
	if len(kept) > b.config.MaxBootstrappedDemos {
		kept = kept[:b.config.MaxBootstrappedDemos]
	}
	demos := make([]prompt.Example, len(kept))
	for i, c := range kept {
		demos[i] = c.demo
	}
	progress.Report(prompt.PhaseFiltering, map[string]any{
		"threshold": b.config.QualityThreshold,
		"passed":    len(generated) - filtered,
		"filtered":  filtered,
		"selected":  len(demos),
	})

	// Composition
	program, err := prompt.AttachDemos(student, demos, map[string]any{
		prompt.MetaOptimizer:        OptimizerBootstrapFewShot,
		prompt.MetaTeacher:          teacherName,
		"quality_threshold":         b.config.QualityThreshold,
		"max_bootstrapped_demos":    b.config.MaxBootstrappedDemos,
		"bootstrap_candidate_count": len(generated),
	})
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("failed to compose optimized program: %w", err)
	}
	progress.Report(prompt.PhaseComposition, map[string]any{
		"demos":  len(demos),
		"native": isNative(student),
	})

	metrics.BootstrapDemosKept.Observe(float64(len(demos)))
	span.SetAttributes(
		attribute.Int("bootstrap.candidates", len(generated)),
		attribute.Int("bootstrap.demos", len(demos)),
	)
	tracing.EndSpan(span, nil)

	if len(demos) == 0 {
		log.Printf("info: bootstrap kept no demos (%d candidates, %d teacher failures)", len(generated), teacherFailures)
	}

	return &BootstrapResult{
		Program:         program,
		Demos:           demos,
		CandidateCount:  len(generated),
		TeacherFailures: teacherFailures,
		FilteredCount:   filtered,
	}, nil
}

func (b *BootstrapFewShot) generateCandidate(ctx context.Context, teacher prompt.Program, teacherName string, example prompt.Example, index int) bootstrapCandidate {
	key := prompt.ExampleKey(example, index)
	inputs := example.Inputs()

	var outputs map[string]any
	policy := retry.TeacherPolicy(b.config.TeacherRetries, b.config.RetryBackoff)
	attempts, err := retry.Do(ctx, policy, retry.Any, func() error {
		out, err := callProgram(ctx, teacher, inputs, b.config.Timeout)
		if err != nil {
			return err
		}
		outputs = out
		return nil
	})
	if err != nil {
		metrics.TeacherCallsTotal.WithLabelValues("failed").Inc()
		log.Printf("warning: teacher failed for example %s after %d attempts: %v", key, attempts, err)
		return bootstrapCandidate{index: index}
	}
	metrics.TeacherCallsTotal.WithLabelValues("success").Inc()

	data := make(map[string]any, len(inputs)+len(outputs))
	for k, v := range inputs {
		data[k] = v
	}
	for k, v := range outputs {
		data[k] = v
	}
	demo, err := prompt.NewExample(data, example.InputKeys()...)
	if err != nil {
		log.Printf("warning: discarding candidate for example %s: %v", key, err)
		return bootstrapCandidate{index: index}
	}

	demo = demo.
		WithID(key).
		WithMeta(prompt.MetaGeneratedBy, OptimizerBootstrapFewShot).
		WithMeta(prompt.MetaTeacher, teacherName).
		WithMeta(prompt.MetaTimestamp, time.Now().UTC()).
		WithMeta(prompt.MetaSourceExampleID, key)

	return bootstrapCandidate{index: index, demo: demo, outputs: outputs, ok: true}
}

func filterByQuality(candidates []bootstrapCandidate, threshold float64) []bootstrapCandidate {
	kept := make([]bootstrapCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.demo.QualityScore() >= threshold {
			kept = append(kept, c)
		}
	}
	return kept
}

// programName returns the Name of programs that have one, else their type.
func programName(p prompt.Program) string {
	if named, ok := p.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", p)
}

func isNative(p prompt.Program) bool {
	_, ok := p.(prompt.DemoSetter)
	return ok
}
