package ports

import (
	"context"
)

// LLMMessage represents a message in the LLM conversation context
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequestOptions tunes a single LLM request. Zero values fall back to the
// client defaults.
type LLMRequestOptions struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// NoCache bypasses the response cache for this request.
	NoCache bool `json:"-"`
}

// LLMResponse represents a response from the LLM
type LLMResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Cached           bool   `json:"cached,omitempty"`
}

// LLMClient is the network client programs use to reach the language model
// provider. Errors carry a reason from the llm package taxonomy
// (network_error, api_error, timeout, circuit_open, rate_limited).
type LLMClient interface {
	Request(ctx context.Context, messages []LLMMessage, opts LLMRequestOptions) (*LLMResponse, error)
}

// IDGenerator generates prefixed identifiers for persisted entities
type IDGenerator interface {
	GenerateRunID() string
	GenerateCandidateID() string
	GenerateEvaluationID() string
	GenerateTrajectoryID() string
	GenerateExampleID() string
}
