package prompt

import (
	"fmt"
	"strings"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
)

// Signature wraps dspy-go's signature with a stable name
type Signature struct {
	core.Signature
	Name        string
	Description string
}

// MustParseSignature creates a signature from a string or panics
func MustParseSignature(sig string) Signature {
	s, err := ParseSignature(sig)
	if err != nil {
		panic(fmt.Sprintf("failed to parse signature: %v", err))
	}
	return s
}

// ParseSignature creates a signature from a string like "input1, input2 -> output1, output2"
func ParseSignature(sig string) (Signature, error) {
	parts := strings.Split(sig, "->")
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature format: %s", sig)
	}

	inputFields := parseFields(strings.TrimSpace(parts[0]))
	outputFields := parseFields(strings.TrimSpace(parts[1]))
	if len(inputFields) == 0 || len(outputFields) == 0 {
		return Signature{}, fmt.Errorf("signature needs at least one input and one output: %s", sig)
	}

	inputs := make([]core.InputField, len(inputFields))
	for i, f := range inputFields {
		inputs[i] = core.InputField{Field: f}
	}

	outputs := make([]core.OutputField, len(outputFields))
	for i, f := range outputFields {
		outputs[i] = core.OutputField{Field: f}
	}

	return Signature{
		Signature: core.NewSignature(inputs, outputs),
		Name:      generateName(sig),
	}, nil
}

// WithDescription returns a copy of the signature with a task description.
func (s Signature) WithDescription(description string) Signature {
	s.Description = description
	s.Signature = s.Signature.WithInstruction(description)
	return s
}

// InputNames returns the input field names in declaration order.
func (s Signature) InputNames() []string {
	names := make([]string, len(s.Inputs))
	for i, f := range s.Inputs {
		names[i] = f.Name
	}
	return names
}

// OutputNames returns the output field names in declaration order.
func (s Signature) OutputNames() []string {
	names := make([]string, len(s.Outputs))
	for i, f := range s.Outputs {
		names[i] = f.Name
	}
	return names
}

// parseFields converts comma-separated field definitions into fields.
// Type annotations ("name: type") are accepted and dropped.
func parseFields(fieldStr string) []core.Field {
	if fieldStr == "" {
		return nil
	}

	parts := strings.Split(fieldStr, ",")
	fields := make([]core.Field, 0, len(parts))

	for _, part := range parts {
		name, _, _ := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fields = append(fields, core.NewField(name))
	}

	return fields
}

// generateName creates a name from the signature string
func generateName(sig string) string {
	name := strings.ReplaceAll(sig, "->", "_to_")
	name = strings.ReplaceAll(name, ",", "_")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, ":", "_")
	return name
}

// Predefined signatures for common tasks
var (
	QuestionAnswer = MustParseSignature("question -> answer")

	ContextualQuestionAnswer = MustParseSignature("context, question -> answer")

	Classification = MustParseSignature("text -> label")
)
