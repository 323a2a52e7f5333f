package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/retry"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.APIKey = "secret"
	cfg.Model = "test-model"
	cfg.Timeout = 2 * time.Second
	cfg.Retry = retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      2,
		Multiplier:      2,
	}
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func completionHandler(content string, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"test-model","choices":[{"index":0,"message":{"role":"assistant","content":"` +
			content + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`))
	}
}

func userMessage(content string) []ports.LLMMessage {
	return []ports.LLMMessage{{Role: "user", Content: content}}
}

func temperature(t float64) *float64 {
	return &t
}

func TestClient_Request(t *testing.T) {
	var captured ChatCompletionRequest
	var auth, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		completionHandler("Paris", new(atomic.Int32))(w, r)
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL+"/v1/"))
	resp, err := c.Request(context.Background(), userMessage("capital of France?"), ports.LLMRequestOptions{
		MaxTokens:   64,
		Temperature: temperature(0.3),
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 7, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)
	assert.False(t, resp.Cached)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, 64, captured.MaxTokens)
	require.NotNil(t, captured.Temperature)
	assert.Equal(t, 0.3, *captured.Temperature)
	assert.False(t, captured.Stream)
}

func TestClient_CachesDeterministicRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(completionHandler("cached answer", &calls))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	opts := ports.LLMRequestOptions{Temperature: temperature(0)}

	first, err := c.Request(context.Background(), userMessage("q"), opts)
	require.NoError(t, err)
	second, err := c.Request(context.Background(), userMessage("q"), opts)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, "cached answer", second.Content)

	// Different prompts, sampling temperatures and NoCache all reach the server
	_, err = c.Request(context.Background(), userMessage("other"), opts)
	require.NoError(t, err)
	_, err = c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{Temperature: temperature(0.9)})
	require.NoError(t, err)
	_, err = c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{Temperature: temperature(0), NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ok := completionHandler("recovered", new(atomic.Int32))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	resp, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ErrorReasons(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantReason Reason
		wantCalls  int32
	}{
		{"bad request is not retried", http.StatusBadRequest, ReasonAPI, 1},
		{"server error after retries", http.StatusInternalServerError, ReasonAPI, 3},
		{"throttled", http.StatusTooManyRequests, ReasonRateLimited, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			c := newTestClient(t, testConfig(server.URL))
			_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
			require.Error(t, err)

			var llmErr *Error
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.wantReason, llmErr.Reason)
			assert.Equal(t, tt.status, llmErr.StatusCode)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
	assert.Equal(t, ReasonAPI, ReasonOf(err))
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := newTestClient(t, testConfig(url))
	_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
	assert.Equal(t, ReasonNetwork, ReasonOf(err))
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond
	c := newTestClient(t, cfg)

	_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
	assert.Equal(t, ReasonTimeout, ReasonOf(err))
}

func TestClient_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Retry.MaxRetries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	c := newTestClient(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
		assert.Equal(t, ReasonAPI, ReasonOf(err))
	}

	_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
	assert.Equal(t, ReasonCircuitOpen, ReasonOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.BreakerFailures = 1
	c := newTestClient(t, cfg)

	for i := 0; i < 3; i++ {
		_, err := c.Request(context.Background(), userMessage("q"), ports.LLMRequestOptions{})
		assert.Equal(t, ReasonAPI, ReasonOf(err))
	}
}

func TestClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(completionHandler("ok", new(atomic.Int32)))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RequestsPerSecond = 0.01
	cfg.Burst = 1
	c := newTestClient(t, cfg)

	_, err := c.Request(context.Background(), userMessage("first"), ports.LLMRequestOptions{})
	require.NoError(t, err)

	// The next token is 100s away, far beyond the request timeout
	_, err = c.Request(context.Background(), userMessage("second"), ports.LLMRequestOptions{})
	assert.Equal(t, ReasonRateLimited, ReasonOf(err))
}

func TestClient_NoMessages(t *testing.T) {
	c := newTestClient(t, testConfig("http://127.0.0.1:1"))
	_, err := c.Request(context.Background(), nil, ports.LLMRequestOptions{})
	assert.Equal(t, ReasonAPI, ReasonOf(err))
}

func TestError(t *testing.T) {
	err := &Error{Reason: ReasonAPI, StatusCode: 500, Err: assert.AnError}
	assert.Contains(t, err.Error(), "api_error")
	assert.Contains(t, err.Error(), "500")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, Reason(""), ReasonOf(assert.AnError))
}
