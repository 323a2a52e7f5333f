package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/metrics"
	"github.com/longregen/teleprompt/internal/adapters/tracing"
	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
	"go.opentelemetry.io/otel/attribute"
)

// SIMBAConfig configures the hill-climbing optimizer
type SIMBAConfig struct {
	// MaxSteps is the number of optimization steps
	MaxSteps int

	// BatchSize is the mini-batch size per step
	BatchSize int

	// NumCandidates is both the number of sampling variants and the maximum
	// number of candidate programs built per step
	NumCandidates int

	// MaxDemos caps the demos of any candidate program
	MaxDemos int

	// TemperatureForSampling scales the sampling temperature of variants
	TemperatureForSampling float64

	// TemperatureForCandidates controls candidate selection; zero is argmax
	TemperatureForCandidates float64

	// MinScoreSpread is the bucket spread required before strategies run
	MinScoreSpread float64

	// Patience stops after this many steps without improvement; zero disables it
	Patience int

	// FreshBatchForSelection scores candidates on a newly drawn mini-batch
	FreshBatchForSelection bool

	// RequireImprovement makes Compile fail with ErrNoImprovement when no
	// candidate was ever accepted
	RequireImprovement bool

	// MaxConcurrency bounds concurrent program calls
	MaxConcurrency int

	// Timeout applies to each program call; zero disables it
	Timeout time.Duration

	// Seed seeds the random source; zero picks a time based seed
	Seed int64

	// Strategies are tried in order per bucket; the first that applies wins.
	// Defaults to AppendDemo.
	Strategies []Strategy

	// Progress receives phase events; it may be nil
	Progress prompt.ProgressReporter
}

// DefaultSIMBAConfig returns sensible defaults
func DefaultSIMBAConfig() SIMBAConfig {
	return SIMBAConfig{
		MaxSteps:                 8,
		BatchSize:                32,
		NumCandidates:            6,
		MaxDemos:                 4,
		TemperatureForSampling:   0.2,
		TemperatureForCandidates: 0.2,
		MaxConcurrency:           DefaultMaxConcurrency,
		Timeout:                  60 * time.Second,
	}
}

// Validate checks the configuration
func (c SIMBAConfig) Validate() error {
	switch {
	case c.MaxSteps < 1:
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "max steps must be at least 1", domain.CodeInvalidConfig)
	case c.BatchSize < 1:
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "batch size must be at least 1", domain.CodeInvalidConfig)
	case c.NumCandidates < 1:
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "num candidates must be at least 1", domain.CodeInvalidConfig)
	case c.MaxDemos < 0:
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "max demos must not be negative", domain.CodeInvalidConfig)
	case c.TemperatureForSampling < 0 || c.TemperatureForCandidates < 0:
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "temperatures must not be negative", domain.CodeInvalidConfig)
	case c.MinScoreSpread < 0 || c.Patience < 0 || c.MaxConcurrency < 0 || c.Timeout < 0:
		return domain.NewDomainErrorWithCode(domain.ErrInvalidConfig, "spread, patience, concurrency and timeout must not be negative", domain.CodeInvalidConfig)
	}
	return nil
}

// StepRecord summarizes one optimization step.
type StepRecord struct {
	Step            int
	BatchSize       int
	Trajectories    int
	FailedTrials    int
	Buckets         int
	Candidates      int
	StrategyCounts  map[string]int
	CurrentScore    float64
	CandidateScores []float64
	SelectedIndex   int
	SelectedScore   float64
	Accepted        bool
	Duration        time.Duration
}

// SIMBAResult describes a compile. When no candidate was accepted, Program
// is the unchanged baseline and Improved is false.
type SIMBAResult struct {
	Program       prompt.Program
	Improved      bool
	BaselineScore float64
	BestScore     float64
	Steps         []StepRecord
}

// SIMBA improves a program by stochastic hill-climbing over demo sets.
type SIMBA struct {
	config    SIMBAConfig
	rng       *rand.Rand
	ids       ports.IDGenerator
	evaluator *Evaluator
}

// SIMBAOption configures a SIMBA optimizer
type SIMBAOption func(*SIMBA)

// WithRand injects the random source. It is used only from the calling
// goroutine.
func WithRand(rng *rand.Rand) SIMBAOption {
	return func(s *SIMBA) {
		s.rng = rng
	}
}

// WithIDGenerator sets the generator for trajectory ids.
func WithIDGenerator(ids ports.IDGenerator) SIMBAOption {
	return func(s *SIMBA) {
		s.ids = ids
	}
}

// NewSIMBA creates a new hill-climbing optimizer
func NewSIMBA(config SIMBAConfig, opts ...SIMBAOption) (*SIMBA, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if len(config.Strategies) == 0 {
		config.Strategies = []Strategy{AppendDemo{}}
	}

	s := &SIMBA{config: config}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		seed := config.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	}
	s.evaluator = NewEvaluator(EvaluationConfig{
		MaxConcurrency: config.MaxConcurrency,
		Timeout:        config.Timeout,
	})
	return s, nil
}

// Compile runs up to MaxSteps hill-climbing steps starting from program.
// Individual call failures never fail the compile. Cancelling ctx aborts the
// run between steps. With RequireImprovement, an unimproved run returns the
// result together with ErrNoImprovement.
func (s *SIMBA) Compile(ctx context.Context, program prompt.Program, trainset []prompt.Example, metric prompt.MetricFunc) (*SIMBAResult, error) {
	if !prompt.IsValid(program) {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidStudentProgram, "program does not implement Forward", domain.CodeInvalidStudentProgram)
	}
	if len(trainset) == 0 {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidOrEmptyTrainset, "trainset is empty", domain.CodeInvalidOrEmptyTrainset)
	}
	if metric == nil {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidMetricFunction, "metric is nil", domain.CodeInvalidMetricFunction)
	}

	ctx, span := tracing.StartSpan(ctx, "simba.compile",
		attribute.Int("simba.trainset", len(trainset)),
		attribute.Int("simba.max_steps", s.config.MaxSteps),
	)

	trainset = prompt.EnsureIDs(trainset)
	result := &SIMBAResult{Program: program}
	current := program
	var currentScore float64
	sinceImprovement := 0

	for step := 0; step < s.config.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			tracing.EndSpan(span, err)
			return nil, fmt.Errorf("simba aborted before step %d: %w", step, err)
		}

		record, next, err := s.runStep(ctx, step, current, trainset, metric)
		if err != nil {
			tracing.EndSpan(span, err)
			return nil, err
		}
		result.Steps = append(result.Steps, record)
		metrics.SIMBAStepsTotal.Inc()

		if step == 0 {
			result.BaselineScore = record.CurrentScore
			result.BestScore = record.CurrentScore
		}
		currentScore = record.CurrentScore

		if record.Accepted {
			current = next
			currentScore = record.SelectedScore
			result.Program = current
			result.Improved = true
			result.BestScore = max(result.BestScore, record.SelectedScore)
			sinceImprovement = 0
			metrics.SIMBACandidatesAccepted.Inc()
		} else {
			sinceImprovement++
		}

		s.config.Progress.Report(prompt.PhaseStepCompleted, map[string]any{
			"step":          step,
			"accepted":      record.Accepted,
			"current_score": currentScore,
			"best_score":    result.BestScore,
		})

		if s.config.Patience > 0 && sinceImprovement >= s.config.Patience {
			log.Printf("info: simba stopping after step %d, no improvement for %d steps", step, sinceImprovement)
			break
		}
	}

	s.config.Progress.Report(prompt.PhaseOptimizationFinished, map[string]any{
		"steps":          len(result.Steps),
		"improved":       result.Improved,
		"baseline_score": result.BaselineScore,
		"best_score":     result.BestScore,
	})
	span.SetAttributes(
		attribute.Bool("simba.improved", result.Improved),
		attribute.Float64("simba.best_score", result.BestScore),
	)

	if !result.Improved && s.config.RequireImprovement {
		err := domain.NewDomainErrorWithCode(domain.ErrNoImprovement,
			fmt.Sprintf("no candidate beat the baseline in %d steps", len(result.Steps)), domain.CodeNoImprovement)
		tracing.EndSpan(span, err)
		return result, err
	}
	tracing.EndSpan(span, nil)
	return result, nil
}

// runStep executes one step against current and returns the accepted
// candidate, if any.
func (s *SIMBA) runStep(ctx context.Context, step int, current prompt.Program, trainset []prompt.Example, metric prompt.MetricFunc) (StepRecord, prompt.Program, error) {
	ctx, span := tracing.StartSpan(ctx, "simba.step", attribute.Int("simba.step", step))
	start := time.Now()
	progress := s.config.Progress
	record := StepRecord{Step: step, SelectedIndex: -1, StrategyCounts: make(map[string]int)}

	batch := s.sampleBatch(trainset)
	record.BatchSize = len(batch)
	progress.Report(prompt.PhaseStepStarted, map[string]any{
		"step":       step,
		"batch_size": len(batch),
	})

	// Trajectory sampling
	trajectories := s.sampleTrajectories(ctx, current, batch, metric)
	record.Trajectories = len(trajectories)
	scores := make([]float64, len(trajectories))
	for i, t := range trajectories {
		scores[i] = t.Score
		if !t.Success {
			record.FailedTrials++
		}
	}
	progress.Report(prompt.PhaseTrajectorySampling, map[string]any{
		"step":         step,
		"trajectories": len(trajectories),
		"failed":       record.FailedTrials,
	})

	// Bucket analysis
	buckets := buildBuckets(trajectories)
	record.Buckets = len(buckets)
	progress.Report(prompt.PhaseBucketAnalysis, map[string]any{
		"step":    step,
		"buckets": len(buckets),
	})

	// Strategy application
	opts := StrategyOptions{
		MaxDemos:    s.config.MaxDemos,
		ScoreCutoff: percentile(scores, 10),
		Step:        step,
	}
	candidates := s.applyStrategies(buckets, current, opts, record.StrategyCounts)
	record.Candidates = len(candidates)
	progress.Report(prompt.PhaseStrategyApplication, map[string]any{
		"step":       step,
		"candidates": len(candidates),
	})

	// Candidate selection
	selectionBatch := batch
	if s.config.FreshBatchForSelection {
		selectionBatch = s.sampleBatch(trainset)
	}
	currentEval, err := s.evaluator.Evaluate(ctx, current, selectionBatch, metric)
	if err != nil {
		tracing.EndSpan(span, err)
		return record, nil, fmt.Errorf("failed to score current program: %w", err)
	}
	record.CurrentScore = currentEval.AverageScore

	if len(candidates) == 0 {
		record.Duration = time.Since(start)
		progress.Report(prompt.PhaseCandidateSelection, map[string]any{
			"step":       step,
			"candidates": 0,
		})
		tracing.EndSpan(span, nil)
		return record, nil, nil
	}

	record.CandidateScores = make([]float64, len(candidates))
	for i, c := range candidates {
		eval, err := s.evaluator.Evaluate(ctx, c, selectionBatch, metric)
		if err != nil {
			tracing.EndSpan(span, err)
			return record, nil, fmt.Errorf("failed to score candidate %d: %w", i, err)
		}
		record.CandidateScores[i] = eval.AverageScore
	}

	selected := selectCandidate(s.rng, record.CandidateScores, s.config.TemperatureForCandidates)
	record.SelectedIndex = selected
	record.SelectedScore = record.CandidateScores[selected]
	record.Accepted = record.SelectedScore > record.CurrentScore
	record.Duration = time.Since(start)

	progress.Report(prompt.PhaseCandidateSelection, map[string]any{
		"step":           step,
		"candidates":     len(candidates),
		"selected":       selected,
		"selected_score": record.SelectedScore,
		"current_score":  record.CurrentScore,
		"accepted":       record.Accepted,
	})
	span.SetAttributes(
		attribute.Float64("simba.current_score", record.CurrentScore),
		attribute.Float64("simba.selected_score", record.SelectedScore),
		attribute.Bool("simba.accepted", record.Accepted),
	)
	tracing.EndSpan(span, nil)

	if !record.Accepted {
		return record, nil, nil
	}
	return record, candidates[selected], nil
}

// sampleBatch draws BatchSize examples without replacement, or the whole
// trainset when it is smaller.
func (s *SIMBA) sampleBatch(trainset []prompt.Example) []prompt.Example {
	perm := s.rng.Perm(len(trainset))
	n := min(s.config.BatchSize, len(trainset))
	batch := make([]prompt.Example, n)
	for i := 0; i < n; i++ {
		batch[i] = trainset[perm[i]]
	}
	return batch
}

// variantTemperatures returns the sampling temperature of each variant.
// Variant 0 runs with the program's own settings.
func (s *SIMBA) variantTemperatures() []*float64 {
	temps := make([]*float64, s.config.NumCandidates)
	for i := 1; i < len(temps); i++ {
		t := s.rng.Float64() * 2 * s.config.TemperatureForSampling
		temps[i] = &t
	}
	return temps
}

func (s *SIMBA) sampleTrajectories(ctx context.Context, program prompt.Program, batch []prompt.Example, metric prompt.MetricFunc) []Trajectory {
	temps := s.variantTemperatures()
	trajectories := make([]Trajectory, len(temps)*len(batch))

	forEachBounded(ctx, s.config.MaxConcurrency, len(trajectories), func(ctx context.Context, i int) {
		variant, exIdx := i/len(batch), i%len(batch)
		example := batch[exIdx]
		t := Trajectory{
			SourceExampleID: example.ID(),
			Source:          example,
			Inputs:          example.Inputs(),
			Temperature:     temps[variant],
		}
		if s.ids != nil {
			t.ID = s.ids.GenerateTrajectoryID()
		} else {
			t.ID = fmt.Sprintf("%s-v%d", example.ID(), variant)
		}

		var opts []prompt.ForwardOption
		if temps[variant] != nil {
			opts = append(opts, prompt.WithTemperature(*temps[variant]))
		}
		outputs, err := callProgram(ctx, program, t.Inputs, s.config.Timeout, opts...)
		if err != nil {
			t.Err = err
			trajectories[i] = t
			return
		}
		t.Outputs = outputs
		score, err := prompt.SafeScore(metric, example, outputs)
		if err != nil {
			metrics.MetricFailuresTotal.Inc()
			t.Err = err
		} else {
			t.Success = true
		}
		t.Score = score
		trajectories[i] = t
	})
	return trajectories
}

func (s *SIMBA) applyStrategies(buckets []Bucket, current prompt.Program, opts StrategyOptions, counts map[string]int) []prompt.Program {
	var candidates []prompt.Program
	for _, bucket := range buckets {
		if len(candidates) >= s.config.NumCandidates {
			break
		}
		if bucket.Spread() < s.config.MinScoreSpread {
			continue
		}
		for _, strategy := range s.config.Strategies {
			candidate, err := applyStrategy(strategy, bucket, current, opts)
			if err != nil {
				if !errors.Is(err, ErrStrategySkipped) {
					log.Printf("warning: strategy %s failed on bucket %s: %v", strategy.Name(), bucket.SourceExampleID, err)
				}
				metrics.SIMBAStrategyApplications.WithLabelValues(strategy.Name(), "skipped").Inc()
				continue
			}
			metrics.SIMBAStrategyApplications.WithLabelValues(strategy.Name(), "applied").Inc()
			counts[strategy.Name()]++
			candidates = append(candidates, candidate)
			break
		}
	}
	return candidates
}

// applyStrategy runs one strategy, treating panics and invalid programs as
// failures.
func applyStrategy(strategy Strategy, bucket Bucket, base prompt.Program, opts StrategyOptions) (candidate prompt.Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidate = nil
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	candidate, err = strategy.Apply(bucket, base, opts)
	if err != nil {
		return nil, err
	}
	if !prompt.IsValid(candidate) {
		return nil, fmt.Errorf("strategy returned an invalid program")
	}
	return candidate, nil
}

// selectCandidate picks an index by softmax over scores/temperature. A
// non-positive temperature picks the first best score.
func selectCandidate(rng *rand.Rand, scores []float64, temperature float64) int {
	best := 0
	for i, sc := range scores {
		if sc > scores[best] {
			best = i
		}
	}
	if temperature <= 0 || len(scores) == 1 {
		return best
	}

	weights := make([]float64, len(scores))
	var total float64
	for i, sc := range scores {
		weights[i] = math.Exp((sc - scores[best]) / temperature)
		total += weights[i]
	}

	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(scores) - 1
}
