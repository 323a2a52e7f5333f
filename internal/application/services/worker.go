package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/prompt"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds every worker pool unless configured otherwise.
const DefaultMaxConcurrency = 20

// forEachBounded runs fn for every index in [0, n) with at most limit calls in
// flight. fn reports its own results; the pool never stops early.
func forEachBounded(ctx context.Context, limit, n int, fn func(ctx context.Context, i int)) {
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

type forwardResult struct {
	outputs map[string]any
	err     error
}

// callProgram invokes program.Forward under timeout. Panics become
// ErrProgramPanic and an expired deadline becomes ErrProgramTimeout, so a
// single call can never take down its caller. A zero timeout disables the
// deadline.
func callProgram(ctx context.Context, program prompt.Program, inputs map[string]any, timeout time.Duration, opts ...prompt.ForwardOption) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan forwardResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- forwardResult{err: fmt.Errorf("%w: %v\n%s", domain.ErrProgramPanic, r, debug.Stack())}
			}
		}()
		outputs, err := program.Forward(ctx, inputs, opts...)
		done <- forwardResult{outputs: outputs, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s: %v", domain.ErrProgramTimeout, timeout, res.err)
		}
		return res.outputs, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", domain.ErrProgramTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}
