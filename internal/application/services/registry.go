package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
)

// OptimizeRequest carries the inputs shared by every optimizer. Teacher is
// only consulted by optimizers that bootstrap from one.
type OptimizeRequest struct {
	Student  prompt.Program
	Teacher  prompt.Program
	Trainset []prompt.Example
	Metric   prompt.MetricFunc
}

// OptimizeOutcome is the optimizer-independent view of a compile.
type OptimizeOutcome struct {
	Optimizer     string
	Program       prompt.Program
	Demos         []prompt.Example
	Iterations    int
	BaselineScore float64
	BestScore     float64
	Improved      bool

	// Exactly one of these is set
	Bootstrap *BootstrapResult
	SIMBA     *SIMBAResult
}

// Optimizer is a named, configured optimizer.
type Optimizer interface {
	Name() string
	MaxIterations() int
	Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeOutcome, error)
}

// OptimizerFactory builds an optimizer that reports to progress.
type OptimizerFactory func(progress prompt.ProgressReporter) (Optimizer, error)

// OptimizerRegistry maps optimizer names to factories.
type OptimizerRegistry struct {
	mu        sync.RWMutex
	factories map[string]OptimizerFactory
}

// NewOptimizerRegistry creates an empty registry
func NewOptimizerRegistry() *OptimizerRegistry {
	return &OptimizerRegistry{
		factories: make(map[string]OptimizerFactory),
	}
}

// DefaultOptimizerRegistry registers the bootstrap and SIMBA optimizers with
// the given configurations.
func DefaultOptimizerRegistry(bootstrap BootstrapConfig, simba SIMBAConfig, ids ports.IDGenerator) *OptimizerRegistry {
	r := NewOptimizerRegistry()
	r.Register(OptimizerBootstrapFewShot, BootstrapFactory(bootstrap))
	r.Register(OptimizerSIMBA, SIMBAFactory(simba, WithIDGenerator(ids)))
	return r
}

// Register adds or replaces a factory
func (r *OptimizerRegistry) Register(name string, factory OptimizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names lists the registered optimizers in lexical order
func (r *OptimizerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered
func (r *OptimizerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Create instantiates the named optimizer
func (r *OptimizerRegistry) Create(name string, progress prompt.ProgressReporter) (Optimizer, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(domain.ErrUnknownOptimizer, name)
	}
	return factory(progress)
}

// BootstrapFactory returns a factory for BootstrapFewShot with config.
func BootstrapFactory(config BootstrapConfig) OptimizerFactory {
	return func(progress prompt.ProgressReporter) (Optimizer, error) {
		cfg := config
		cfg.Progress = prompt.MultiReporter(cfg.Progress, progress)
		b, err := NewBootstrapFewShot(cfg)
		if err != nil {
			return nil, err
		}
		return bootstrapOptimizer{b}, nil
	}
}

// SIMBAFactory returns a factory for SIMBA with config. Each optimizer gets
// its own random source.
func SIMBAFactory(config SIMBAConfig, opts ...SIMBAOption) OptimizerFactory {
	return func(progress prompt.ProgressReporter) (Optimizer, error) {
		cfg := config
		cfg.Progress = prompt.MultiReporter(cfg.Progress, progress)
		s, err := NewSIMBA(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return simbaOptimizer{s}, nil
	}
}

type bootstrapOptimizer struct {
	*BootstrapFewShot
}

func (bootstrapOptimizer) Name() string {
	return OptimizerBootstrapFewShot
}

func (bootstrapOptimizer) MaxIterations() int {
	return 1
}

func (o bootstrapOptimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeOutcome, error) {
	res, err := o.Compile(ctx, req.Student, req.Teacher, req.Trainset, req.Metric)
	if err != nil {
		return nil, err
	}

	best := 0.0
	for _, d := range res.Demos {
		best = max(best, d.QualityScore())
	}
	return &OptimizeOutcome{
		Optimizer:  OptimizerBootstrapFewShot,
		Program:    res.Program,
		Demos:      res.Demos,
		Iterations: 1,
		BestScore:  best,
		Improved:   len(res.Demos) > 0,
		Bootstrap:  res,
	}, nil
}

type simbaOptimizer struct {
	*SIMBA
}

func (simbaOptimizer) Name() string {
	return OptimizerSIMBA
}

func (o simbaOptimizer) MaxIterations() int {
	return o.config.MaxSteps
}

func (o simbaOptimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeOutcome, error) {
	res, err := o.Compile(ctx, req.Student, req.Trainset, req.Metric)
	if res == nil {
		return nil, err
	}
	// ErrNoImprovement still carries a usable result
	if err != nil && !errors.Is(err, domain.ErrNoImprovement) {
		return nil, err
	}

	return &OptimizeOutcome{
		Optimizer:     OptimizerSIMBA,
		Program:       res.Program,
		Demos:         prompt.DemosOf(res.Program),
		Iterations:    len(res.Steps),
		BaselineScore: res.BaselineScore,
		BestScore:     res.BestScore,
		Improved:      res.Improved,
		SIMBA:         res,
	}, err
}
