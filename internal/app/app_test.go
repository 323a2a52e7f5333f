package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/longregen/teleprompt/internal/adapters/memstore"
	"github.com/longregen/teleprompt/internal/application/services"
	"github.com/longregen/teleprompt/internal/application/usecases"
	"github.com/longregen/teleprompt/internal/config"
	"github.com/longregen/teleprompt/internal/domain/models"
	"github.com/longregen/teleprompt/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func judgeServer(t *testing.T, verdict string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "judge",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": verdict},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.LLM.URL = url
	cfg.LLM.MaxRetries = 0
	cfg.Bootstrap.RetryBackoff.Duration = 0
	return cfg
}

func TestNew_InMemory(t *testing.T) {
	server := judgeServer(t, "SCORE: 1.0")
	a, err := New(context.Background(), testConfig(server.URL))
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Nil(t, a.Pool)
	assert.IsType(t, &memstore.OptimizationRepository{}, a.Repo)
	assert.NotNil(t, a.LLM)
	assert.NotNil(t, a.Runner)
	assert.Equal(t, []string{services.OptimizerBootstrapFewShot, services.OptimizerSIMBA}, a.Registry.Names())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.URL = ""

	a, err := New(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestNew_UnreachableDatabase(t *testing.T) {
	cfg := testConfig("http://localhost:1/v1")
	cfg.Database.PostgresURL = "postgres://nobody@127.0.0.1:1/teleprompt?connect_timeout=1"

	a, err := New(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestApp_Predict(t *testing.T) {
	server := judgeServer(t, "SCORE: 1.0")
	a, err := New(context.Background(), testConfig(server.URL))
	require.NoError(t, err)
	defer a.Close(context.Background())

	p, err := a.Predict("question -> answer")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = a.Predict("no arrow here")
	assert.Error(t, err)
}

func TestApp_JudgeMetric(t *testing.T) {
	server := judgeServer(t, "REASONING: matches\nSCORE: 0.75")
	a, err := New(context.Background(), testConfig(server.URL))
	require.NoError(t, err)
	defer a.Close(context.Background())

	metric := a.JudgeMetric("correctness")
	ex := prompt.MustExample(map[string]any{"question": "2+2?", "answer": "4"}, "question")
	score, err := metric(ex, map[string]any{"answer": "4"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, score, 1e-9)
}

func TestApp_RunWithJudgeMetric(t *testing.T) {
	server := judgeServer(t, "SCORE: 1.0")
	a, err := New(context.Background(), testConfig(server.URL))
	require.NoError(t, err)
	defer a.Close(context.Background())

	trainset := []prompt.Example{
		prompt.MustExample(map[string]any{"question": "capital of France?", "answer": "Paris"}, "question"),
		prompt.MustExample(map[string]any{"question": "capital of Spain?", "answer": "Madrid"}, "question"),
	}
	echo := prompt.ProgramFunc(func(ctx context.Context, inputs map[string]any, opts ...prompt.ForwardOption) (map[string]any, error) {
		return map[string]any{"answer": "Paris"}, nil
	})

	out, err := a.Runner.Execute(context.Background(), &usecases.RunOptimizationInput{
		Name:      "capitals",
		Optimizer: services.OptimizerBootstrapFewShot,
		Student:   echo,
		Teacher:   echo,
		Trainset:  trainset,
		Metric:    a.JudgeMetric("correctness"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OptimizationStatusCompleted, out.Run.Status)

	stored, err := a.Repo.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Run.ID, stored.ID)
}

func TestApp_CloseIsIdempotentOnPartialApp(t *testing.T) {
	a := &App{}
	assert.NoError(t, a.Close(context.Background()))
}
