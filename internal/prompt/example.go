package prompt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/longregen/teleprompt/internal/domain"
)

// Example metadata keys written by the optimizers.
const (
	MetaGeneratedBy     = "generated_by"
	MetaTeacher         = "teacher"
	MetaTimestamp       = "timestamp"
	MetaQualityScore    = "quality_score"
	MetaSourceExampleID = "source_example_id"
)

// Example is an immutable labeled data point. Keys listed as inputs are fed
// to a program; the remaining keys are labels.
//
// The zero value is an empty example. Every method that changes an Example
// returns a new value and leaves the receiver untouched.
type Example struct {
	id        string
	data      map[string]any
	inputKeys []string
	meta      map[string]any
}

// NewExample creates an example from data, marking inputKeys as inputs.
// It fails if any input key is missing from data.
func NewExample(data map[string]any, inputKeys ...string) (Example, error) {
	keys, err := normalizeInputKeys(data, inputKeys)
	if err != nil {
		return Example{}, err
	}
	return Example{
		data:      maps.Clone(data),
		inputKeys: keys,
	}, nil
}

// MustExample is like NewExample but panics on invalid input keys.
func MustExample(data map[string]any, inputKeys ...string) Example {
	ex, err := NewExample(data, inputKeys...)
	if err != nil {
		panic(fmt.Sprintf("failed to create example: %v", err))
	}
	return ex
}

func normalizeInputKeys(data map[string]any, inputKeys []string) ([]string, error) {
	keys := make([]string, 0, len(inputKeys))
	for _, k := range inputKeys {
		if _, ok := data[k]; !ok {
			return nil, domain.NewDomainError(domain.ErrInvalidInputKeys, fmt.Sprintf("key %q not present", k))
		}
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// ID returns the example identifier, which may be empty.
func (e Example) ID() string {
	return e.id
}

// WithID returns a copy of the example carrying id.
func (e Example) WithID(id string) Example {
	out := e.clone()
	out.id = id
	return out
}

// Inputs returns the data restricted to the input keys.
func (e Example) Inputs() map[string]any {
	out := make(map[string]any, len(e.inputKeys))
	for _, k := range e.inputKeys {
		out[k] = e.data[k]
	}
	return out
}

// Labels returns the data restricted to the non-input keys.
func (e Example) Labels() map[string]any {
	out := make(map[string]any, len(e.data)-len(e.inputKeys))
	for k, v := range e.data {
		if !e.isInput(k) {
			out[k] = v
		}
	}
	return out
}

// Data returns a copy of all fields.
func (e Example) Data() map[string]any {
	return maps.Clone(e.data)
}

// InputKeys returns the sorted input keys.
func (e Example) InputKeys() []string {
	return slices.Clone(e.inputKeys)
}

// Get returns a single field.
func (e Example) Get(key string) (any, bool) {
	v, ok := e.data[key]
	return v, ok
}

// Len returns the number of fields.
func (e Example) Len() int {
	return len(e.data)
}

// IsZero reports whether the example holds no data.
func (e Example) IsZero() bool {
	return len(e.data) == 0
}

// With returns a copy with key set to value. New keys are labels.
func (e Example) With(key string, value any) Example {
	out := e.clone()
	if out.data == nil {
		out.data = make(map[string]any, 1)
	}
	out.data[key] = value
	return out
}

// Merge returns a copy with every entry of fields added as a label, or
// overwriting an existing value. Input designations are kept.
func (e Example) Merge(fields map[string]any) Example {
	out := e.clone()
	if out.data == nil {
		out.data = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		out.data[k] = v
	}
	return out
}

// WithInputs returns a copy with the given keys designated as inputs.
func (e Example) WithInputs(keys ...string) (Example, error) {
	normalized, err := normalizeInputKeys(e.data, keys)
	if err != nil {
		return Example{}, err
	}
	out := e.clone()
	out.inputKeys = normalized
	return out, nil
}

// Meta returns a metadata value. Metadata is not part of the example data.
func (e Example) Meta(key string) (any, bool) {
	v, ok := e.meta[key]
	return v, ok
}

// Metadata returns a copy of all metadata.
func (e Example) Metadata() map[string]any {
	return maps.Clone(e.meta)
}

// WithMeta returns a copy with a metadata entry set.
func (e Example) WithMeta(key string, value any) Example {
	out := e.clone()
	if out.meta == nil {
		out.meta = make(map[string]any, 1)
	}
	out.meta[key] = value
	return out
}

// QualityScore returns the quality_score metadata, or 0 when absent.
func (e Example) QualityScore() float64 {
	switch v := e.meta[MetaQualityScore].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func (e Example) isInput(key string) bool {
	_, found := slices.BinarySearch(e.inputKeys, key)
	return found
}

func (e Example) clone() Example {
	return Example{
		id:        e.id,
		data:      maps.Clone(e.data),
		inputKeys: slices.Clone(e.inputKeys),
		meta:      maps.Clone(e.meta),
	}
}

// ExampleKey returns a stable key for an example: its ID when set, otherwise
// a positional key derived from index.
func ExampleKey(e Example, index int) string {
	if e.id != "" {
		return e.id
	}
	return fmt.Sprintf("example-%d", index)
}

// EnsureIDs returns a copy of examples in which every example carries an ID
// that is unique within the slice. Missing IDs become the positional key.
func EnsureIDs(examples []Example) []Example {
	return AssignIDs(examples, nil)
}

// AssignIDs returns a copy of examples with unique IDs. Caller supplied IDs
// are kept for their first occurrence and later duplicates get a numeric
// suffix. Examples without an ID receive newID(i), or their positional key
// when newID is nil.
func AssignIDs(examples []Example, newID func(index int) string) []Example {
	out := make([]Example, len(examples))
	taken := make(map[string]bool, len(examples))
	for i, ex := range examples {
		if ex.id != "" && !taken[ex.id] {
			taken[ex.id] = true
			out[i] = ex
		}
	}

	for i, ex := range examples {
		if out[i].id != "" {
			continue
		}
		base := ex.id
		if base == "" {
			if newID != nil {
				base = newID(i)
			} else {
				base = ExampleKey(ex, i)
			}
		}
		id := base
		for n := 2; taken[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		taken[id] = true
		out[i] = ex.WithID(id)
	}
	return out
}
