package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProgramCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleprompt_program_calls_total",
		Help: "Total program forward calls made by the evaluator",
	}, []string{"outcome"})

	ProgramCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleprompt_program_call_duration_seconds",
		Help:    "Program forward call duration",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	MetricFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleprompt_metric_failures_total",
		Help: "Metric function calls that errored, panicked or returned an invalid score",
	})

	EvaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleprompt_evaluations_total",
		Help: "Total evaluation runs",
	})

	EvaluationAverageScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleprompt_evaluation_average_score",
		Help:    "Average score of completed evaluation runs",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	TeacherCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleprompt_teacher_calls_total",
		Help: "Teacher program calls during bootstrapping",
	}, []string{"status"})

	BootstrapDemosKept = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleprompt_bootstrap_demos_kept",
		Help:    "Demonstrations kept per bootstrap compile",
		Buckets: []float64{0, 1, 2, 4, 8, 16},
	})

	SIMBAStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleprompt_simba_steps_total",
		Help: "Hill-climbing steps executed",
	})

	SIMBACandidatesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleprompt_simba_candidates_accepted_total",
		Help: "Hill-climbing candidates accepted as the new best program",
	})

	SIMBAStrategyApplications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleprompt_simba_strategy_applications_total",
		Help: "Strategy applications by strategy and result",
	}, []string{"strategy", "result"})

	OptimizationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleprompt_optimization_runs_total",
		Help: "Optimization runs by optimizer and final status",
	}, []string{"optimizer", "status"})

	OptimizationRunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teleprompt_optimization_runs_active",
		Help: "Number of optimization runs in progress",
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleprompt_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"model", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teleprompt_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	LLMCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teleprompt_llm_cache_hits_total",
		Help: "LLM responses served from cache",
	})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleprompt_retries_total",
		Help: "Retry attempts by backoff policy",
	}, []string{"policy"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teleprompt_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})
)
