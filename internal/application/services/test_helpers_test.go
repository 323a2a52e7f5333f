package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/longregen/teleprompt/internal/prompt"
)

// Shared mock implementations for testing

type mockIDGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

func (m *mockIDGenerator) next(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[prefix]++
	return fmt.Sprintf("%s_test%d", prefix, m.counters[prefix])
}

func (m *mockIDGenerator) GenerateRunID() string        { return m.next("tpr") }
func (m *mockIDGenerator) GenerateCandidateID() string  { return m.next("tpc") }
func (m *mockIDGenerator) GenerateEvaluationID() string { return m.next("tpe") }
func (m *mockIDGenerator) GenerateTrajectoryID() string { return m.next("tpt") }
func (m *mockIDGenerator) GenerateExampleID() string    { return m.next("tpx") }

// qa builds a question/answer example where question is the only input.
func qa(question, answer string) prompt.Example {
	return prompt.MustExample(map[string]any{"question": question, "answer": answer}, "question")
}

// qaTrainset returns n examples q0->a0, q1->a1, ...
func qaTrainset(n int) []prompt.Example {
	out := make([]prompt.Example, n)
	for i := range out {
		out[i] = qa(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	return out
}

// oracleAnswer derives the correct answer of a qaTrainset question.
func oracleAnswer(inputs map[string]any) string {
	q, _ := inputs["question"].(string)
	return strings.Replace(q, "q", "a", 1)
}

// oracleProgram always answers correctly.
func oracleProgram() prompt.ProgramFunc {
	return func(_ context.Context, inputs map[string]any, _ ...prompt.ForwardOption) (map[string]any, error) {
		return map[string]any{"answer": oracleAnswer(inputs)}, nil
	}
}

// constantProgram always answers the same thing.
func constantProgram(answer string) prompt.ProgramFunc {
	return func(context.Context, map[string]any, ...prompt.ForwardOption) (map[string]any, error) {
		return map[string]any{"answer": answer}, nil
	}
}

// learnerProgram answers correctly once it has seen at least one demo, or
// when a sampling temperature is set.
func learnerProgram() prompt.ProgramFunc {
	return func(_ context.Context, inputs map[string]any, opts ...prompt.ForwardOption) (map[string]any, error) {
		o := prompt.ResolveOptions(opts...)
		if len(o.Demos) > 0 || o.Temperature != nil {
			return map[string]any{"answer": oracleAnswer(inputs)}, nil
		}
		return map[string]any{"answer": "unknown"}, nil
	}
}

// nativeProgram stores demos itself instead of receiving them per call.
type nativeProgram struct {
	demos []prompt.Example
}

func (p *nativeProgram) Forward(_ context.Context, inputs map[string]any, _ ...prompt.ForwardOption) (map[string]any, error) {
	if len(p.demos) == 0 {
		return map[string]any{"answer": "unknown"}, nil
	}
	return map[string]any{"answer": oracleAnswer(inputs)}, nil
}

func (p *nativeProgram) Demos() []prompt.Example {
	return p.demos
}

func (p *nativeProgram) WithDemos(demos []prompt.Example) prompt.Program {
	return &nativeProgram{demos: append([]prompt.Example(nil), demos...)}
}

// recordingReporter collects progress events from any goroutine.
type recordingReporter struct {
	mu     sync.Mutex
	events []prompt.ProgressEvent
}

func (r *recordingReporter) reporter() prompt.ProgressReporter {
	return func(ev prompt.ProgressEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *recordingReporter) count(phase string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Phase == phase {
			n++
		}
	}
	return n
}

func (r *recordingReporter) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Phase
	}
	return out
}

func panickingReporter() prompt.ProgressReporter {
	return func(prompt.ProgressEvent) {
		panic("observer exploded")
	}
}

func demoIDs(demos []prompt.Example) []string {
	ids := make([]string, len(demos))
	for i, d := range demos {
		ids[i] = d.ID()
	}
	return ids
}
