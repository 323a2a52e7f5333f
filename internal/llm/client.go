package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/circuitbreaker"
	"github.com/longregen/teleprompt/internal/adapters/metrics"
	"github.com/longregen/teleprompt/internal/adapters/retry"
	"github.com/longregen/teleprompt/internal/adapters/tracing"
	"github.com/longregen/teleprompt/internal/ports"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ChatMessage represents a message in the OpenAI chat format
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request to the chat completions API
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// ChatCompletionResponse represents the response from the chat completions API
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Config configures a Client
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64

	// Timeout bounds one Request including retries; zero disables it
	Timeout time.Duration
	Retry   retry.Policy

	// RequestsPerSecond enables the token-bucket limiter when positive
	RequestsPerSecond float64
	Burst             int

	// CacheEntries enables the response cache for temperature 0 requests
	CacheEntries int64
	CacheTTL     time.Duration

	BreakerFailures int
	BreakerTimeout  time.Duration
}

// DefaultConfig returns defaults for a local OpenAI-compatible server
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		Model:           "gpt-4o-mini",
		MaxTokens:       1024,
		Temperature:     0.7,
		Timeout:         2 * time.Minute,
		Retry:           retry.HTTPPolicy(),
		Burst:           1,
		CacheEntries:    10000,
		CacheTTL:        time.Hour,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Client is an OpenAI-compatible LLM client
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
	retryPolicy retry.Policy
	breaker     *circuitbreaker.CircuitBreaker
	limiter     *rate.Limiter
	cache       *responseCache
}

var _ ports.LLMClient = (*Client)(nil)

// NewClient creates a new LLM client
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	c := &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{},
		retryPolicy: cfg.Retry,
		breaker: circuitbreaker.New(max(cfg.BreakerFailures, 1), cfg.BreakerTimeout,
			circuitbreaker.WithName("llm"),
			circuitbreaker.WithFailurePredicate(tripsBreaker)),
	}

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	if cfg.CacheEntries > 0 {
		cache, err := newResponseCache(cfg.CacheEntries, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Close releases the response cache
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.close()
	}
}

// Request sends a non-streaming chat completion request. Requests that
// resolve to temperature 0 are served from the cache when enabled.
func (c *Client) Request(ctx context.Context, messages []ports.LLMMessage, opts ports.LLMRequestOptions) (*ports.LLMResponse, error) {
	req := c.buildRequest(messages, opts)
	ctx, span := tracing.StartSpan(ctx, "llm.request",
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(messages)),
	)
	start := time.Now()

	resp, err := c.request(ctx, req, opts)

	status := "ok"
	switch {
	case err != nil:
		status = string(ReasonOf(err))
	case resp.Cached:
		status = "cached"
	}
	metrics.LLMRequestsTotal.WithLabelValues(req.Model, status).Inc()
	metrics.LLMRequestDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	return resp, err
}

func (c *Client) buildRequest(messages []ports.LLMMessage, opts ports.LLMRequestOptions) ChatCompletionRequest {
	req := ChatCompletionRequest{
		Model:     c.model,
		Messages:  make([]ChatMessage, len(messages)),
		MaxTokens: c.maxTokens,
	}
	for i, msg := range messages {
		req.Messages[i] = ChatMessage{Role: msg.Role, Content: msg.Content}
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	req.Temperature = &temperature
	return req
}

func (c *Client) request(ctx context.Context, req ChatCompletionRequest, opts ports.LLMRequestOptions) (*ports.LLMResponse, error) {
	if len(req.Messages) == 0 {
		return nil, &Error{Reason: ReasonAPI, Err: errors.New("no messages to send")}
	}

	var key string
	if c.cache != nil && !opts.NoCache && *req.Temperature == 0 {
		k, err := cacheKey(req)
		if err != nil {
			log.Printf("warning: failed to build llm cache key: %v", err)
		} else if cached, ok := c.cache.get(k); ok {
			metrics.LLMCacheHitsTotal.Inc()
			cached.Cached = true
			return &cached, nil
		} else {
			key = k
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, classify(ctx.Err(), 0)
			}
			return nil, &Error{Reason: ReasonRateLimited, Err: err}
		}
	}

	var body []byte
	err := c.breaker.Execute(func() error {
		var status int
		var err error
		body, status, err = c.send(ctx, req)
		if err != nil {
			return classify(err, status)
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, &Error{Reason: ReasonCircuitOpen, Err: err}
	}
	if err != nil {
		return nil, err
	}

	var completion ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, &Error{Reason: ReasonAPI, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(completion.Choices) == 0 {
		return nil, &Error{Reason: ReasonAPI, Err: errors.New("no choices in response")}
	}

	resp := ports.LLMResponse{
		Content:          completion.Choices[0].Message.Content,
		Model:            completion.Model,
		FinishReason:     completion.Choices[0].FinishReason,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}
	if key != "" {
		c.cache.set(key, resp)
	}
	return &resp, nil
}

// send posts the request with retries and returns the body of the last
// attempt with its status.
func (c *Client) send(ctx context.Context, req ChatCompletionRequest) ([]byte, int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	var statusCode int

	err = retry.DoHTTP(ctx, c.retryPolicy, func() (int, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return 0, fmt.Errorf("failed to create request: %w", err)
		}

		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			statusCode = 0
			respBody = nil
			return 0, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		statusCode = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return statusCode, fmt.Errorf("failed to read body: %w", err)
		}

		return statusCode, nil
	})
	if err != nil {
		if statusCode >= 400 {
			err = fmt.Errorf("%w: %s", err, truncate(string(respBody), 200))
		}
		return nil, statusCode, err
	}
	return respBody, statusCode, nil
}

func classify(err error, status int) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Reason: ReasonTimeout, StatusCode: status, Err: err}
	case status == http.StatusTooManyRequests:
		return &Error{Reason: ReasonRateLimited, StatusCode: status, Err: err}
	case status >= 400:
		return &Error{Reason: ReasonAPI, StatusCode: status, Err: err}
	}
	return &Error{Reason: ReasonNetwork, StatusCode: status, Err: err}
}

// tripsBreaker counts server side and transport failures. Client errors and
// caller cancellation leave the circuit alone.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
