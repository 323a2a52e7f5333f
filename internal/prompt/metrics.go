package prompt

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/ports"
)

// MetricFunc scores program outputs against an example. Scores are expected
// in [0,1]. It may be called concurrently from many goroutines.
type MetricFunc func(example Example, outputs map[string]any) (float64, error)

// SafeScore calls metric and converts every failure into a zero score.
// Panics become ErrMetricPanic, NaN and infinite scores become
// ErrInvalidScore, and finite scores are clamped to [0,1].
func SafeScore(metric MetricFunc, example Example, outputs map[string]any) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			score = 0
			err = fmt.Errorf("%w: %v", domain.ErrMetricPanic, r)
		}
	}()

	score, err = metric(example, outputs)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidScore, score)
	}
	return clamp01(score), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ExactMatch scores 1 when every compared label equals the output value,
// ignoring surrounding whitespace and case for strings. With no fields, all
// labels of the example are compared.
func ExactMatch(fields ...string) MetricFunc {
	return func(example Example, outputs map[string]any) (float64, error) {
		keys := fields
		if len(keys) == 0 {
			for k := range example.Labels() {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return 0, fmt.Errorf("example has no labels to compare")
		}

		for _, k := range keys {
			expected, ok := example.Get(k)
			if !ok {
				return 0, fmt.Errorf("example has no field %q", k)
			}
			if !valuesEqual(expected, outputs[k]) {
				return 0, nil
			}
		}
		return 1, nil
	}
}

func valuesEqual(expected, actual any) bool {
	es, eok := expected.(string)
	as, aok := actual.(string)
	if eok && aok {
		return strings.EqualFold(strings.TrimSpace(es), strings.TrimSpace(as))
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

// StringSimilarity scores the word-level Jaccard similarity of a single
// string field.
func StringSimilarity(field string) MetricFunc {
	return func(example Example, outputs map[string]any) (float64, error) {
		expected, ok := example.Get(field)
		if !ok {
			return 0, fmt.Errorf("example has no field %q", field)
		}
		es, ok := expected.(string)
		if !ok {
			return 0, fmt.Errorf("expected %s not a string", field)
		}
		as, ok := outputs[field].(string)
		if !ok {
			return 0, fmt.Errorf("actual %s not a string", field)
		}
		return simpleStringSimilarity(es, as), nil
	}
}

// LLMJudge asks a language model to grade outputs against the example.
// The judge runs with temperature 0 so its verdicts can be cached.
func LLMJudge(client ports.LLMClient, criteria string, timeout time.Duration) MetricFunc {
	zero := 0.0
	return func(example Example, outputs map[string]any) (float64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		prompt := fmt.Sprintf(`Evaluate this response based on: %s

Inputs: %v
Expected: %v
Actual Response: %v

Provide a score from 0.0 to 1.0 and explain your reasoning.
Format:
REASONING: ...
SCORE: X.X`,
			criteria,
			example.Inputs(),
			example.Labels(),
			outputs,
		)

		resp, err := client.Request(ctx, []ports.LLMMessage{
			{Role: "user", Content: prompt},
		}, ports.LLMRequestOptions{Temperature: &zero})
		if err != nil {
			return 0, fmt.Errorf("llm judge failed: %w", err)
		}

		score, _, ok := parseJudgeResponse(resp.Content)
		if !ok {
			return 0, fmt.Errorf("%w: judge response has no SCORE line", domain.ErrInvalidScore)
		}
		return score, nil
	}
}

// parseJudgeResponse extracts score and reasoning from LLM response. ok is
// false when no parsable SCORE line was found.
func parseJudgeResponse(content string) (score float64, reasoning string, ok bool) {

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "SCORE:") {
			scoreStr := strings.TrimSpace(strings.TrimPrefix(line, "SCORE:"))
			if _, err := fmt.Sscanf(scoreStr, "%f", &score); err == nil {
				ok = true
			}
		} else if strings.HasPrefix(line, "REASONING:") {
			reasoning = strings.TrimSpace(strings.TrimPrefix(line, "REASONING:"))
		}
	}

	return score, reasoning, ok
}

// simpleStringSimilarity provides a basic string similarity score
func simpleStringSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b {
		return 1.0
	}

	// Simple Jaccard similarity on words
	setA := make(map[string]bool)
	for _, word := range strings.Fields(a) {
		setA[word] = true
	}

	setB := make(map[string]bool)
	for _, word := range strings.Fields(b) {
		setB[word] = true
	}

	intersection := 0
	for word := range setA {
		if setB[word] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
