package services

import (
	"sync"
	"time"

	"github.com/longregen/teleprompt/internal/domain/models"
	"github.com/longregen/teleprompt/internal/ports"
	"github.com/longregen/teleprompt/internal/prompt"
)

const (
	subscriberBuffer = 100
	// finishedRetention is how many completed runs keep their final event
	// for late subscribers
	finishedRetention = 128
)

// OptimizationProgressPublisher fans progress events out to per-run
// subscribers. A new subscriber first receives the latest event of its run,
// and subscribing to a finished run yields its final event on a closed
// channel.
type OptimizationProgressPublisher struct {
	mu            sync.RWMutex
	channels      map[string][]chan ports.OptimizationProgressEvent
	latest        map[string]ports.OptimizationProgressEvent
	finished      map[string]ports.OptimizationProgressEvent
	finishedOrder []string
}

var _ ports.OptimizationProgressPublisher = (*OptimizationProgressPublisher)(nil)

// NewOptimizationProgressPublisher creates a new progress publisher
func NewOptimizationProgressPublisher() *OptimizationProgressPublisher {
	return &OptimizationProgressPublisher{
		channels: make(map[string][]chan ports.OptimizationProgressEvent),
		latest:   make(map[string]ports.OptimizationProgressEvent),
		finished: make(map[string]ports.OptimizationProgressEvent),
	}
}

// Subscribe returns a buffered channel of progress events for runID
func (p *OptimizationProgressPublisher) Subscribe(runID string) <-chan ports.OptimizationProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan ports.OptimizationProgressEvent, subscriberBuffer)
	if final, ok := p.finished[runID]; ok {
		ch <- final
		close(ch)
		return ch
	}
	if last, ok := p.latest[runID]; ok {
		ch <- last
	}
	p.channels[runID] = append(p.channels[runID], ch)
	return ch
}

// Unsubscribe removes and closes ch
func (p *OptimizationProgressPublisher) Unsubscribe(runID string, ch <-chan ports.OptimizationProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.channels[runID]
	for i, sub := range subs {
		if sub != ch {
			continue
		}
		close(sub)
		subs = append(subs[:i], subs[i+1:]...)
		break
	}
	if len(subs) == 0 {
		delete(p.channels, runID)
		return
	}
	p.channels[runID] = subs
}

// PublishProgress delivers event to every subscriber of its run without
// blocking. Subscribers with a full buffer miss the event.
func (p *OptimizationProgressPublisher) PublishProgress(event ports.OptimizationProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, done := p.finished[event.RunID]; done {
		return
	}
	p.latest[event.RunID] = event
	for _, ch := range p.channels[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close ends a run: subscribers are closed and the last event is kept for
// late subscribers.
func (p *OptimizationProgressPublisher) Close(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.channels[runID] {
		close(ch)
	}
	delete(p.channels, runID)

	last, ok := p.latest[runID]
	delete(p.latest, runID)
	if !ok {
		return
	}
	if _, seen := p.finished[runID]; !seen {
		p.finishedOrder = append(p.finishedOrder, runID)
	}
	p.finished[runID] = last
	for len(p.finishedOrder) > finishedRetention {
		delete(p.finished, p.finishedOrder[0])
		p.finishedOrder = p.finishedOrder[1:]
	}
}

// Latest returns the most recent event of a running or recently finished run
func (p *OptimizationProgressPublisher) Latest(runID string) (ports.OptimizationProgressEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ev, ok := p.latest[runID]; ok {
		return ev, true
	}
	ev, ok := p.finished[runID]
	return ev, ok
}

// SubscriberCount returns the number of active subscribers for a run
func (p *OptimizationProgressPublisher) SubscriberCount(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels[runID])
}

// ProgressBridge converts optimizer progress events into publisher events
// for one run. Step-level phases carry the step number as the iteration;
// scores are tracked so every published event reports the best so far.
func ProgressBridge(publisher ports.OptimizationProgressPublisher, runID string, maxIterations int) prompt.ProgressReporter {
	if publisher == nil {
		return nil
	}

	var mu sync.Mutex
	var iteration int
	var current, best float64

	return func(ev prompt.ProgressEvent) {
		// Per-example events are too chatty for subscribers
		if ev.Phase == prompt.PhaseExampleStarted || ev.Phase == prompt.PhaseExampleCompleted {
			return
		}

		mu.Lock()
		if step, ok := ev.Data["step"].(int); ok {
			iteration = step + 1
		}
		if score, ok := ev.Data["current_score"].(float64); ok {
			current = score
		}
		if score, ok := ev.Data["best_score"].(float64); ok && score > best {
			best = score
		}
		event := ports.OptimizationProgressEvent{
			Type:          ports.ProgressEventProgress,
			RunID:         runID,
			Phase:         ev.Phase,
			Iteration:     iteration,
			MaxIterations: maxIterations,
			CurrentScore:  current,
			BestScore:     best,
			Data:          ev.Data,
			Status:        models.OptimizationStatusRunning,
			Timestamp:     ev.Timestamp.Format(time.RFC3339),
		}
		mu.Unlock()

		publisher.PublishProgress(event)
	}
}
