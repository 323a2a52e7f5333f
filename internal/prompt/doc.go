// Package prompt holds the building blocks shared by the evaluator and the
// demonstration optimizers.
//
// # Core Components
//
// Example: an immutable labeled data point with designated input keys
//
//	ex := prompt.MustExample(map[string]any{"question": "2+2?", "answer": "4"}, "question")
//	ex.Inputs() // {"question": "2+2?"}
//	ex.Labels() // {"answer": "4"}
//
// Program: anything that maps inputs to outputs. Programs that keep their
// own demonstrations implement DemoSetter.
//
//	predict := prompt.NewPredict(prompt.QuestionAnswer, prompt.WithLLM(llm))
//	outputs, err := predict.Forward(ctx, ex.Inputs(), prompt.WithTemperature(0.2))
//
// OptimizedProgram: a persistent wrapper composing a program with demos
//
//	opt, err := prompt.NewOptimizedProgram(base, demos, nil)
//	next := opt.AddDemos(moreDemos...) // opt is unchanged
//
// Metrics: scoring functions for evaluation and optimization
//
//	metric := prompt.ExactMatch("answer")
//	metric := prompt.LLMJudge(client, "accuracy", 30*time.Second)
//
// Snapshots: msgpack-encoded demos and metadata for persistence
//
//	data, err := prompt.EncodeSnapshot(prompt.SnapshotOf(opt))
//
// # dspy-go Integration
//
// Predict runs a dspy-go Predict module. LLMClientAdapter exposes a
// ports.LLMClient as a dspy-go LLM, and ExamplesFromDataset drains a dspy-go
// dataset into examples.
package prompt
