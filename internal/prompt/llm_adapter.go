package prompt

import (
	"context"
	"fmt"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/longregen/teleprompt/internal/ports"
)

// LLMClientAdapter adapts a ports.LLMClient to dspy-go's LLM interface so
// Predict programs can run on the shared client (circuit breaker, limiter,
// cache).
type LLMClientAdapter struct {
	client ports.LLMClient
	model  string
}

var _ core.LLM = (*LLMClientAdapter)(nil)

// NewLLMClientAdapter creates a new LLM client adapter
func NewLLMClientAdapter(client ports.LLMClient, model string) *LLMClientAdapter {
	return &LLMClientAdapter{client: client, model: model}
}

// Generate implements the dspy-go LLM interface
func (a *LLMClientAdapter) Generate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	// Negative values mark options the caller left unset so the client
	// defaults apply
	genOpts := &core.GenerateOptions{MaxTokens: -1, Temperature: -1}
	for _, opt := range opts {
		if opt != nil {
			opt(genOpts)
		}
	}

	reqOpts := ports.LLMRequestOptions{Model: a.model}
	if genOpts.MaxTokens > 0 {
		reqOpts.MaxTokens = genOpts.MaxTokens
	}
	if genOpts.Temperature >= 0 {
		temperature := genOpts.Temperature
		reqOpts.Temperature = &temperature
	}

	resp, err := a.client.Request(ctx, []ports.LLMMessage{
		{Role: "user", Content: prompt},
	}, reqOpts)
	if err != nil {
		return nil, fmt.Errorf("llm client request failed: %w", err)
	}

	return &core.LLMResponse{
		Content: resp.Content,
	}, nil
}

// GenerateWithJSON is not supported; Predict programs only need Generate.
func (a *LLMClientAdapter) GenerateWithJSON(ctx context.Context, prompt string, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithJSON not supported by LLMClientAdapter")
}

// GenerateWithFunctions is not supported.
func (a *LLMClientAdapter) GenerateWithFunctions(ctx context.Context, prompt string, functions []map[string]interface{}, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithFunctions not supported by LLMClientAdapter")
}

// CreateEmbedding is not supported.
func (a *LLMClientAdapter) CreateEmbedding(ctx context.Context, input string, opts ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbedding not supported by LLMClientAdapter")
}

// CreateEmbeddings is not supported.
func (a *LLMClientAdapter) CreateEmbeddings(ctx context.Context, inputs []string, opts ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbeddings not supported by LLMClientAdapter")
}

// StreamGenerate is not supported; optimization runs in batch mode.
func (a *LLMClientAdapter) StreamGenerate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerate not supported by LLMClientAdapter")
}

// GenerateWithContent is not supported.
func (a *LLMClientAdapter) GenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	return nil, fmt.Errorf("GenerateWithContent not supported by LLMClientAdapter")
}

// StreamGenerateWithContent is not supported.
func (a *LLMClientAdapter) StreamGenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerateWithContent not supported by LLMClientAdapter")
}

// ProviderName returns the provider name
func (a *LLMClientAdapter) ProviderName() string {
	return "teleprompt"
}

// ModelID returns the model identifier
func (a *LLMClientAdapter) ModelID() string {
	if a.model == "" {
		return "teleprompt-llm-client"
	}
	return a.model
}

// Capabilities returns the capabilities of this LLM
func (a *LLMClientAdapter) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityChat, core.CapabilityCompletion}
}

// ExamplesFromDataset drains a dspy-go dataset into examples.
func ExamplesFromDataset(dataset core.Dataset) []Example {
	var out []Example
	dataset.Reset()
	for {
		ce, ok := dataset.Next()
		if !ok {
			break
		}
		out = append(out, FromCoreExample(ce))
	}
	return out
}
