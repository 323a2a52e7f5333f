package prompt

import (
	"context"
	"reflect"
	"slices"
)

// Program maps structured inputs to structured outputs, usually by
// consulting a language model. Implementations must be safe for concurrent
// use by multiple goroutines.
type Program interface {
	Forward(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error)
}

// DemoSetter is implemented by programs that store demonstrations natively.
// WithDemos must return a new program and leave the receiver unchanged.
type DemoSetter interface {
	Program
	Demos() []Example
	WithDemos(demos []Example) Program
}

// ForwardOptions carries per-call settings to a program.
type ForwardOptions struct {
	// Demos are few-shot demonstrations injected by a wrapper.
	Demos []Example
	// Temperature overrides the sampling temperature when set.
	Temperature *float64
	// Values holds program specific settings.
	Values map[string]any
}

// ForwardOption configures a single Forward call.
type ForwardOption func(*ForwardOptions)

// WithDemos sets the demonstrations for a call, replacing earlier ones.
func WithDemos(demos []Example) ForwardOption {
	return func(o *ForwardOptions) {
		o.Demos = slices.Clone(demos)
	}
}

// WithTemperature overrides the sampling temperature for a call.
func WithTemperature(t float64) ForwardOption {
	return func(o *ForwardOptions) {
		o.Temperature = &t
	}
}

// WithValue sets a program specific option.
func WithValue(key string, value any) ForwardOption {
	return func(o *ForwardOptions) {
		if o.Values == nil {
			o.Values = make(map[string]any)
		}
		o.Values[key] = value
	}
}

// ResolveOptions applies opts in order. Later options win.
func ResolveOptions(opts ...ForwardOption) ForwardOptions {
	var o ForwardOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ProgramFunc adapts a plain function to the Program interface.
type ProgramFunc func(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error)

// Forward calls f.
func (f ProgramFunc) Forward(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error) {
	return f(ctx, inputs, opts...)
}

// IsValid reports whether p can be called: it must be non-nil and must not
// be a typed nil pointer or function.
func IsValid(p Program) bool {
	if p == nil {
		return false
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Interface:
		return !v.IsNil()
	}
	return true
}

// DemosOf returns the demonstrations attached to p, if any.
func DemosOf(p Program) []Example {
	switch prog := p.(type) {
	case *OptimizedProgram:
		return prog.Demos()
	case DemoSetter:
		return prog.Demos()
	}
	return nil
}

// AttachDemos returns a program equivalent to p whose demonstrations are
// demos. Native demo storage is used when p supports it; an OptimizedProgram
// has its demos replaced; anything else gets wrapped.
func AttachDemos(p Program, demos []Example, metadata map[string]any) (Program, error) {
	switch prog := p.(type) {
	case *OptimizedProgram:
		next := prog.ReplaceDemos(demos)
		for k, v := range metadata {
			next = next.WithMetadata(k, v)
		}
		return next, nil
	case DemoSetter:
		return prog.WithDemos(demos), nil
	}
	opt, err := NewOptimizedProgram(p, demos, metadata)
	if err != nil {
		return nil, err
	}
	return opt, nil
}
