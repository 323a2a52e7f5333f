package services

import (
	"errors"
	"fmt"

	"github.com/longregen/teleprompt/internal/prompt"
)

// OptimizerSIMBA tags demos and programs produced by SIMBA.
const OptimizerSIMBA = "simba"

// ErrStrategySkipped is returned by strategies that do not apply to a bucket.
var ErrStrategySkipped = errors.New("strategy skipped")

// StrategyOptions carries the step-level settings a strategy may consult.
type StrategyOptions struct {
	// MaxDemos caps the demos of any candidate program
	MaxDemos int

	// ScoreCutoff is the 10th percentile of this step's trajectory scores;
	// trajectories at or below it are not worth learning from
	ScoreCutoff float64

	// Step is the zero-based step number
	Step int
}

// Strategy turns a bucket and the current program into a candidate program.
// Implementations must not modify base; they return an error wrapping
// ErrStrategySkipped when they do not apply.
type Strategy interface {
	Name() string
	Apply(bucket Bucket, base prompt.Program, opts StrategyOptions) (prompt.Program, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	StrategyName string
	Fn           func(bucket Bucket, base prompt.Program, opts StrategyOptions) (prompt.Program, error)
}

func (s StrategyFunc) Name() string {
	return s.StrategyName
}

func (s StrategyFunc) Apply(bucket Bucket, base prompt.Program, opts StrategyOptions) (prompt.Program, error) {
	return s.Fn(bucket, base, opts)
}

func skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStrategySkipped, fmt.Sprintf(format, args...))
}

// AppendDemo adds the best trajectory of a bucket as a demonstration. When
// the program already holds MaxDemos demos, the lowest scoring one is
// evicted first (the earliest on ties).
type AppendDemo struct{}

func (AppendDemo) Name() string {
	return "append_demo"
}

func (AppendDemo) Apply(bucket Bucket, base prompt.Program, opts StrategyOptions) (prompt.Program, error) {
	if opts.MaxDemos <= 0 {
		return nil, skipf("max demos is %d", opts.MaxDemos)
	}
	best, ok := bucket.Best()
	if !ok {
		return nil, skipf("bucket %s has no successful trajectory", bucket.SourceExampleID)
	}
	if best.Score <= opts.ScoreCutoff {
		return nil, skipf("best score %.3f is not above cutoff %.3f", best.Score, opts.ScoreCutoff)
	}

	demo, err := trajectoryDemo(best, opts.Step)
	if err != nil {
		return nil, skipf("cannot build demo: %v", err)
	}

	existing := prompt.DemosOf(base)
	demos := make([]prompt.Example, 0, len(existing)+1)
	for _, d := range existing {
		if src, _ := d.Meta(prompt.MetaSourceExampleID); src == best.SourceExampleID {
			continue
		}
		demos = append(demos, d)
	}
	for len(demos) >= opts.MaxDemos {
		demos = evictLowest(demos)
	}
	demos = append(demos, demo)

	return prompt.AttachDemos(base, demos, map[string]any{
		prompt.MetaOptimizer: OptimizerSIMBA,
	})
}

func trajectoryDemo(t Trajectory, step int) (prompt.Example, error) {
	data := make(map[string]any, len(t.Inputs)+len(t.Outputs))
	for k, v := range t.Inputs {
		data[k] = v
	}
	for k, v := range t.Outputs {
		data[k] = v
	}
	demo, err := prompt.NewExample(data, t.Source.InputKeys()...)
	if err != nil {
		return prompt.Example{}, err
	}
	return demo.
		WithID(t.SourceExampleID).
		WithMeta(prompt.MetaGeneratedBy, OptimizerSIMBA).
		WithMeta(prompt.MetaQualityScore, t.Score).
		WithMeta(prompt.MetaSourceExampleID, t.SourceExampleID).
		WithMeta("simba_step", step), nil
}

// evictLowest drops the demo with the lowest quality score.
func evictLowest(demos []prompt.Example) []prompt.Example {
	if len(demos) == 0 {
		return demos
	}
	lowest := 0
	for i, d := range demos {
		if d.QualityScore() < demos[lowest].QualityScore() {
			lowest = i
		}
	}
	out := make([]prompt.Example, 0, len(demos)-1)
	out = append(out, demos[:lowest]...)
	return append(out, demos[lowest+1:]...)
}
