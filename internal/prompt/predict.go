package prompt

import (
	"context"
	"fmt"
	"slices"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/XiaoConstantine/dspy-go/pkg/modules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Predict is a Program backed by a dspy-go Predict module. It stores its
// demonstrations natively, so wrappers hand demos to it through WithDemos
// instead of the options channel.
type Predict struct {
	name      string
	signature Signature
	llm       core.LLM
	demos     []Example
}

var _ DemoSetter = (*Predict)(nil)

// PredictOption configures a Predict program
type PredictOption func(*Predict)

// WithLLM sets the language model used by the module. Without it the dspy-go
// default LLM is used.
func WithLLM(llm core.LLM) PredictOption {
	return func(p *Predict) {
		p.llm = llm
	}
}

// WithName sets the name reported in traces.
func WithName(name string) PredictOption {
	return func(p *Predict) {
		p.name = name
	}
}

// NewPredict creates a new Predict program
func NewPredict(sig Signature, opts ...PredictOption) *Predict {
	p := &Predict{
		name:      sig.Name,
		signature: sig,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Forward runs the module on inputs. Each call builds its own module so
// concurrent calls share no mutable state.
func (p *Predict) Forward(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error) {
	callOpts := ResolveOptions(opts...)

	ctx, span := otel.Tracer("teleprompt/prompt").Start(ctx, "predict.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("predict.name", p.name),
		attribute.Int("predict.demos", len(p.demos)+len(callOpts.Demos)),
	)

	module := modules.NewPredict(p.signature.Signature)
	if p.llm != nil {
		module.SetLLM(p.llm)
	}

	demos := make([]core.Example, 0, len(p.demos)+len(callOpts.Demos))
	for _, d := range p.demos {
		demos = append(demos, toCoreExample(d))
	}
	for _, d := range callOpts.Demos {
		demos = append(demos, toCoreExample(d))
	}
	module.SetDemos(demos)

	var coreOpts []core.Option
	if callOpts.Temperature != nil {
		coreOpts = append(coreOpts, core.WithGenerateOptions(core.WithTemperature(*callOpts.Temperature)))
	}

	outputs, err := module.Process(ctx, ConvertToInterfaceMap(inputs), coreOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("predict process failed: %w", err)
	}

	return ConvertFromInterfaceMap(outputs), nil
}

// Demos returns a copy of the stored demonstrations.
func (p *Predict) Demos() []Example {
	return slices.Clone(p.demos)
}

// WithDemos returns a copy of the program holding demos.
func (p *Predict) WithDemos(demos []Example) Program {
	clone := *p
	clone.demos = slices.Clone(demos)
	return &clone
}

// Signature returns the program signature.
func (p *Predict) Signature() Signature {
	return p.signature
}

func toCoreExample(e Example) core.Example {
	return core.Example{
		Inputs:  ConvertToInterfaceMap(e.Inputs()),
		Outputs: ConvertToInterfaceMap(e.Labels()),
	}
}

// FromCoreExample converts a dspy-go example, marking its Inputs as input keys.
func FromCoreExample(ce core.Example) Example {
	data := make(map[string]any, len(ce.Inputs)+len(ce.Outputs))
	keys := make([]string, 0, len(ce.Inputs))
	for k, v := range ce.Inputs {
		data[k] = v
		keys = append(keys, k)
	}
	for k, v := range ce.Outputs {
		data[k] = v
	}
	return MustExample(data, keys...)
}

// ConvertToInterfaceMap converts map[string]any to map[string]interface{}
func ConvertToInterfaceMap(m map[string]any) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

// ConvertFromInterfaceMap converts map[string]interface{} to map[string]any
func ConvertFromInterfaceMap(m map[string]interface{}) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
