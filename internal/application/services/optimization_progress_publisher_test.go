package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizationProgressPublisher_SubscribeAndPublish(t *testing.T) {
	p := NewOptimizationProgressPublisher()

	ch1 := p.Subscribe("run-1")
	ch2 := p.Subscribe("run-1")
	other := p.Subscribe("run-2")
	assert.Equal(t, 2, p.SubscriberCount("run-1"))
	assert.Equal(t, 1, p.SubscriberCount("run-2"))

	p.PublishProgress(ports.OptimizationProgressEvent{RunID: "run-1", Iteration: 3})

	assert.Equal(t, 3, (<-ch1).Iteration)
	assert.Equal(t, 3, (<-ch2).Iteration)
	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other run: %+v", ev)
	default:
	}
}

func TestOptimizationProgressPublisher_FullBufferDropsEvents(t *testing.T) {
	p := NewOptimizationProgressPublisher()
	ch := p.Subscribe("run-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 250; i++ {
			p.PublishProgress(ports.OptimizationProgressEvent{RunID: "run-1", Iteration: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, subscriberBuffer, len(ch))
}

func TestOptimizationProgressPublisher_LateSubscriberGetsLatest(t *testing.T) {
	p := NewOptimizationProgressPublisher()

	p.PublishProgress(ports.OptimizationProgressEvent{RunID: "run-1", Iteration: 1})
	p.PublishProgress(ports.OptimizationProgressEvent{RunID: "run-1", Iteration: 2})

	ch := p.Subscribe("run-1")
	require.Len(t, ch, 1)
	assert.Equal(t, 2, (<-ch).Iteration)

	latest, ok := p.Latest("run-1")
	require.True(t, ok)
	assert.Equal(t, 2, latest.Iteration)
}

func TestOptimizationProgressPublisher_SubscribeAfterClose(t *testing.T) {
	p := NewOptimizationProgressPublisher()

	p.PublishProgress(ports.OptimizationProgressEvent{
		RunID:  "run-1",
		Type:   ports.ProgressEventCompleted,
		Status: "completed",
	})
	p.Close("run-1")

	ch := p.Subscribe("run-1")
	final, open := <-ch
	require.True(t, open)
	assert.Equal(t, ports.ProgressEventCompleted, final.Type)
	_, open = <-ch
	assert.False(t, open)
	assert.Equal(t, 0, p.SubscriberCount("run-1"))

	// Events after close are ignored
	p.PublishProgress(ports.OptimizationProgressEvent{RunID: "run-1", Type: ports.ProgressEventProgress})
	latest, ok := p.Latest("run-1")
	require.True(t, ok)
	assert.Equal(t, ports.ProgressEventCompleted, latest.Type)
}

func TestOptimizationProgressPublisher_FinishedRetentionIsBounded(t *testing.T) {
	p := NewOptimizationProgressPublisher()

	for i := range finishedRetention + 5 {
		runID := fmt.Sprintf("run-%d", i)
		p.PublishProgress(ports.OptimizationProgressEvent{RunID: runID})
		p.Close(runID)
	}

	_, ok := p.Latest("run-0")
	assert.False(t, ok)
	_, ok = p.Latest(fmt.Sprintf("run-%d", finishedRetention+4))
	assert.True(t, ok)
	assert.Len(t, p.finished, finishedRetention)
}

func TestOptimizationProgressPublisher_UnsubscribeAndClose(t *testing.T) {
	p := NewOptimizationProgressPublisher()

	ch1 := p.Subscribe("run-1")
	ch2 := p.Subscribe("run-1")

	p.Unsubscribe("run-1", ch1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, p.SubscriberCount("run-1"))

	p.Close("run-1")
	_, open = <-ch2
	assert.False(t, open)
	assert.Equal(t, 0, p.SubscriberCount("run-1"))
	assert.Equal(t, 1, p.SubscriberCount("run-2"))
}

func TestProgressBridge(t *testing.T) {
	p := NewOptimizationProgressPublisher()
	ch := p.Subscribe("run-1")

	bridge := ProgressBridge(p, "run-1", 8)
	require.NotNil(t, bridge)

	bridge.Report(prompt.PhaseExampleCompleted, map[string]any{"index": 0})
	bridge.Report(prompt.PhaseStepCompleted, map[string]any{
		"step":          1,
		"current_score": 0.5,
		"best_score":    0.6,
	})
	bridge.Report(prompt.PhaseStepStarted, map[string]any{"step": 2})

	require.Len(t, ch, 2)

	first := <-ch
	assert.Equal(t, ports.ProgressEventProgress, first.Type)
	assert.Equal(t, prompt.PhaseStepCompleted, first.Phase)
	assert.Equal(t, 2, first.Iteration)
	assert.Equal(t, 8, first.MaxIterations)
	assert.Equal(t, 0.5, first.CurrentScore)
	assert.Equal(t, 0.6, first.BestScore)
	assert.NotEmpty(t, first.Timestamp)

	second := <-ch
	assert.Equal(t, 3, second.Iteration)
	assert.Equal(t, 0.6, second.BestScore)
}

func TestProgressBridge_NilPublisher(t *testing.T) {
	assert.Nil(t, ProgressBridge(nil, "run-1", 1))
}
