package prompt

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/longregen/teleprompt/internal/domain"
)

// OptimizedProgram metadata keys.
const (
	MetaDemoCount = "demo_count"
	MetaCreatedAt = "created_at"
	MetaUpdatedAt = "updated_at"
	MetaOptimizer = "optimizer"
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// OptimizedProgram composes a base program with a demonstration set.
// It is a persistent value: every mutation returns a new OptimizedProgram and
// metadata["demo_count"] always equals the number of demos.
type OptimizedProgram struct {
	program  Program
	demos    []Example
	metadata map[string]any
}

var _ Program = (*OptimizedProgram)(nil)

// NewOptimizedProgram wraps program with demos. The wrapped program is never
// mutated.
func NewOptimizedProgram(program Program, demos []Example, metadata map[string]any) (*OptimizedProgram, error) {
	if !IsValid(program) {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidProgram, "cannot wrap program", domain.CodeInvalidProgram)
	}

	meta := maps.Clone(metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	ts := now()
	if _, ok := meta[MetaCreatedAt]; !ok {
		meta[MetaCreatedAt] = ts
	}
	meta[MetaUpdatedAt] = ts
	meta[MetaDemoCount] = len(demos)

	return &OptimizedProgram{
		program:  program,
		demos:    slices.Clone(demos),
		metadata: meta,
	}, nil
}

// Forward runs the wrapped program with the demos injected. Demos arriving
// through opts from an outer wrapper are appended after this wrapper's own.
func (o *OptimizedProgram) Forward(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error) {
	incoming := ResolveOptions(opts...)
	demos := make([]Example, 0, len(o.demos)+len(incoming.Demos))
	demos = append(demos, o.demos...)
	demos = append(demos, incoming.Demos...)

	if setter, ok := o.program.(DemoSetter); ok {
		clone := setter.WithDemos(demos)
		return clone.Forward(ctx, inputs, append(slices.Clone(opts), WithDemos(nil))...)
	}

	return o.program.Forward(ctx, inputs, append(slices.Clone(opts), WithDemos(demos))...)
}

// Program returns the immediately wrapped program. Nested wrappers are not
// flattened; see UnwrapAll.
func (o *OptimizedProgram) Program() Program {
	return o.program
}

// Demos returns a copy of the demonstrations.
func (o *OptimizedProgram) Demos() []Example {
	return slices.Clone(o.demos)
}

// DemoCount returns the number of demonstrations.
func (o *OptimizedProgram) DemoCount() int {
	return len(o.demos)
}

// Metadata returns a copy of the metadata.
func (o *OptimizedProgram) Metadata() map[string]any {
	return maps.Clone(o.metadata)
}

// AddDemos returns a new wrapper with demos appended.
func (o *OptimizedProgram) AddDemos(demos ...Example) *OptimizedProgram {
	next := make([]Example, 0, len(o.demos)+len(demos))
	next = append(next, o.demos...)
	next = append(next, demos...)
	return o.derive(o.program, next)
}

// ReplaceDemos returns a new wrapper holding exactly demos.
func (o *OptimizedProgram) ReplaceDemos(demos []Example) *OptimizedProgram {
	return o.derive(o.program, slices.Clone(demos))
}

// UpdateProgram returns a new wrapper around program with the same demos.
func (o *OptimizedProgram) UpdateProgram(program Program) (*OptimizedProgram, error) {
	if !IsValid(program) {
		return nil, domain.NewDomainErrorWithCode(domain.ErrInvalidProgram, "cannot update wrapped program", domain.CodeInvalidProgram)
	}
	return o.derive(program, slices.Clone(o.demos)), nil
}

// WithMetadata returns a new wrapper with one metadata entry set. The
// demo_count entry is derived and cannot be overridden.
func (o *OptimizedProgram) WithMetadata(key string, value any) *OptimizedProgram {
	next := o.derive(o.program, slices.Clone(o.demos))
	if key != MetaDemoCount {
		next.metadata[key] = value
	}
	return next
}

func (o *OptimizedProgram) derive(program Program, demos []Example) *OptimizedProgram {
	meta := maps.Clone(o.metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[MetaDemoCount] = len(demos)
	meta[MetaUpdatedAt] = now()
	return &OptimizedProgram{
		program:  program,
		demos:    demos,
		metadata: meta,
	}
}

func (o *OptimizedProgram) String() string {
	return fmt.Sprintf("OptimizedProgram(%T, demos=%d)", o.program, len(o.demos))
}

// UnwrapAll follows nested OptimizedProgram wrappers down to the first
// program that is not a wrapper.
func UnwrapAll(p Program) Program {
	for {
		opt, ok := p.(*OptimizedProgram)
		if !ok {
			return p
		}
		p = opt.program
	}
}
