package prompt

import (
	"log"
	"maps"
	"slices"
	"strings"
	"time"
)

// Progress phases emitted by the evaluation engine and the optimizers.
const (
	PhaseEvaluationStarted    = "evaluation_started"
	PhaseEvaluationCompleted  = "evaluation_completed"
	PhaseExampleStarted       = "example_started"
	PhaseExampleCompleted     = "example_completed"
	PhaseCandidateGeneration  = "candidate_generation"
	PhaseQualityScoring       = "quality_scoring"
	PhaseFiltering            = "filtering"
	PhaseComposition          = "composition"
	PhaseStepStarted          = "step_started"
	PhaseTrajectorySampling   = "trajectory_sampling"
	PhaseBucketAnalysis       = "bucket_analysis"
	PhaseStrategyApplication  = "strategy_application"
	PhaseCandidateSelection   = "candidate_selection"
	PhaseStepCompleted        = "step_completed"
	PhaseOptimizationFinished = "optimization_finished"
)

// ProgressEvent is a phase-tagged notification. Data values are plain
// scalars so consumers may log, aggregate, or serialize them.
type ProgressEvent struct {
	Phase     string         `json:"phase"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressReporter receives progress events. A nil reporter ignores them.
type ProgressReporter func(ProgressEvent)

// Report delivers an event. Panics raised by the reporter are logged and
// swallowed so that observers never abort the work they observe.
func (r ProgressReporter) Report(phase string, data map[string]any) {
	if r == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("warning: progress reporter panicked in phase %s: %v", phase, rec)
		}
	}()
	r(ProgressEvent{
		Phase:     phase,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// LogReporter writes every event through the standard logger.
func LogReporter(prefix string) ProgressReporter {
	return func(ev ProgressEvent) {
		log.Printf("info: %s %s %s", prefix, ev.Phase, formatData(ev.Data))
	}
}

// MultiReporter fans an event out to every non-nil reporter. A panicking
// reporter does not prevent delivery to the others.
func MultiReporter(reporters ...ProgressReporter) ProgressReporter {
	return func(ev ProgressEvent) {
		for _, r := range reporters {
			r.Report(ev.Phase, ev.Data)
		}
	}
}

func formatData(data map[string]any) string {
	keys := slices.Sorted(maps.Keys(data))
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(toString(data[k]))
	}
	return sb.String()
}
