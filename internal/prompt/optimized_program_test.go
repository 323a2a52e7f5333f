package prompt

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProgram remembers the demos it received through options.
type recordingProgram struct {
	mu       sync.Mutex
	received [][]Example
}

func (r *recordingProgram) Forward(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error) {
	o := ResolveOptions(opts...)
	r.mu.Lock()
	r.received = append(r.received, o.Demos)
	r.mu.Unlock()
	return map[string]any{"answer": "ok"}, nil
}

func (r *recordingProgram) last() []Example {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[len(r.received)-1]
}

// nativeProgram stores demos itself and records what it ran with.
type nativeProgram struct {
	demos []Example
	seen  *[]Example
	opts  *ForwardOptions
}

func (n *nativeProgram) Forward(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error) {
	if n.seen != nil {
		*n.seen = slices.Clone(n.demos)
	}
	if n.opts != nil {
		*n.opts = ResolveOptions(opts...)
	}
	return map[string]any{"answer": "native"}, nil
}

func (n *nativeProgram) Demos() []Example { return slices.Clone(n.demos) }

func (n *nativeProgram) WithDemos(demos []Example) Program {
	clone := *n
	clone.demos = slices.Clone(demos)
	return &clone
}

func demoIDs(demos []Example) []string {
	ids := make([]string, len(demos))
	for i, d := range demos {
		ids[i] = d.ID()
	}
	return ids
}

func fixedNow(t *testing.T, ts time.Time) {
	prev := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = prev })
}

func TestNewOptimizedProgram(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fixedNow(t, ts)

	base := &recordingProgram{}
	demos := []Example{qa("q1", "a1").WithID("d1"), qa("q2", "a2").WithID("d2")}

	opt, err := NewOptimizedProgram(base, demos, map[string]any{MetaOptimizer: "bootstrap"})
	require.NoError(t, err)

	assert.Same(t, base, opt.Program())
	assert.Equal(t, 2, opt.DemoCount())
	meta := opt.Metadata()
	assert.Equal(t, 2, meta[MetaDemoCount])
	assert.Equal(t, "bootstrap", meta[MetaOptimizer])
	assert.Equal(t, ts, meta[MetaCreatedAt])
	assert.Equal(t, ts, meta[MetaUpdatedAt])

	demos[0] = qa("changed", "changed")
	assert.Equal(t, "d1", opt.Demos()[0].ID())
}

func TestNewOptimizedProgramRejectsInvalidProgram(t *testing.T) {
	var typedNil *recordingProgram

	for _, p := range []Program{nil, typedNil, ProgramFunc(nil)} {
		_, err := NewOptimizedProgram(p, nil, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidProgram)
		assert.Equal(t, domain.CodeInvalidProgram, domain.CodeOf(err))
	}
}

func TestOptimizedProgramDemoCountInvariant(t *testing.T) {
	opt, err := NewOptimizedProgram(&recordingProgram{}, nil, nil)
	require.NoError(t, err)

	check := func(p *OptimizedProgram) {
		t.Helper()
		assert.Equal(t, len(p.Demos()), p.Metadata()[MetaDemoCount])
	}

	check(opt)
	added := opt.AddDemos(qa("q1", "a1"), qa("q2", "a2"))
	check(added)
	replaced := added.ReplaceDemos([]Example{qa("q3", "a3")})
	check(replaced)
	updated, err := replaced.UpdateProgram(&recordingProgram{})
	require.NoError(t, err)
	check(updated)
	overridden := updated.WithMetadata(MetaDemoCount, 99)
	check(overridden)
	cleared := overridden.ReplaceDemos(nil)
	check(cleared)
}

func TestOptimizedProgramZeroValueDerives(t *testing.T) {
	var zero OptimizedProgram

	added := zero.AddDemos(qa("q1", "a1"))
	assert.Equal(t, 1, added.DemoCount())
	assert.Equal(t, 1, added.Metadata()[MetaDemoCount])

	tagged := zero.WithMetadata("source", "manual")
	assert.Equal(t, "manual", tagged.Metadata()["source"])
	assert.Equal(t, 0, tagged.Metadata()[MetaDemoCount])
}

func TestOptimizedProgramMutationsArePure(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fixedNow(t, t0)

	base := &recordingProgram{}
	opt, err := NewOptimizedProgram(base, []Example{qa("q1", "a1").WithID("d1")}, nil)
	require.NoError(t, err)

	t1 := t0.Add(time.Hour)
	now = func() time.Time { return t1 }

	added := opt.AddDemos(qa("q2", "a2").WithID("d2"))
	assert.Equal(t, []string{"d1"}, demoIDs(opt.Demos()))
	assert.Equal(t, []string{"d1", "d2"}, demoIDs(added.Demos()))
	assert.Equal(t, t0, opt.Metadata()[MetaUpdatedAt])
	assert.Equal(t, t1, added.Metadata()[MetaUpdatedAt])
	assert.Equal(t, t0, added.Metadata()[MetaCreatedAt])

	other := &recordingProgram{}
	updated, err := opt.UpdateProgram(other)
	require.NoError(t, err)
	assert.Same(t, base, opt.Program())
	assert.Same(t, other, updated.Program())
	assert.Equal(t, demoIDs(opt.Demos()), demoIDs(updated.Demos()))

	_, err = opt.UpdateProgram(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidProgram)

	tagged := opt.WithMetadata("note", "x")
	_, ok := opt.Metadata()["note"]
	assert.False(t, ok)
	assert.Equal(t, "x", tagged.Metadata()["note"])
}

func TestOptimizedProgramForwardInjectsDemosThroughOptions(t *testing.T) {
	base := &recordingProgram{}
	opt, err := NewOptimizedProgram(base, []Example{qa("q1", "a1").WithID("d1")}, nil)
	require.NoError(t, err)

	out, err := opt.Forward(context.Background(), map[string]any{"question": "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["answer"])
	assert.Equal(t, []string{"d1"}, demoIDs(base.last()))
}

func TestOptimizedProgramForwardUsesNativeDemos(t *testing.T) {
	var seen []Example
	var opts ForwardOptions
	base := &nativeProgram{demos: []Example{qa("q0", "a0").WithID("own")}, seen: &seen, opts: &opts}

	opt, err := NewOptimizedProgram(base, []Example{qa("q1", "a1").WithID("d1")}, nil)
	require.NoError(t, err)

	out, err := opt.Forward(context.Background(), map[string]any{"question": "q"}, WithTemperature(0.3))
	require.NoError(t, err)
	assert.Equal(t, "native", out["answer"])
	assert.Equal(t, []string{"d1"}, demoIDs(seen))
	assert.Empty(t, opts.Demos)
	require.NotNil(t, opts.Temperature)
	assert.Equal(t, 0.3, *opts.Temperature)

	assert.Equal(t, []string{"own"}, demoIDs(base.demos), "wrapped program must not be mutated")
}

func TestOptimizedProgramDoubleWrap(t *testing.T) {
	base := &recordingProgram{}
	inner, err := NewOptimizedProgram(base, []Example{qa("q1", "a1").WithID("inner")}, nil)
	require.NoError(t, err)
	outer, err := NewOptimizedProgram(inner, []Example{qa("q2", "a2").WithID("outer")}, nil)
	require.NoError(t, err)

	assert.Same(t, inner, outer.Program())
	assert.Same(t, base, UnwrapAll(outer))

	_, err = outer.Forward(context.Background(), map[string]any{"question": "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"inner", "outer"}, demoIDs(base.last()))
}

func TestOptimizedProgramConcurrentForward(t *testing.T) {
	base := &recordingProgram{}
	opt, err := NewOptimizedProgram(base, []Example{qa("q1", "a1")}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := opt.Forward(context.Background(), map[string]any{"question": "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	assert.Len(t, base.received, 20)
}

func TestAttachDemos(t *testing.T) {
	demos := []Example{qa("q1", "a1").WithID("d1")}

	t.Run("native", func(t *testing.T) {
		base := &nativeProgram{}
		p, err := AttachDemos(base, demos, map[string]any{MetaOptimizer: "x"})
		require.NoError(t, err)
		native, ok := p.(*nativeProgram)
		require.True(t, ok)
		assert.NotSame(t, base, native)
		assert.Equal(t, []string{"d1"}, demoIDs(native.demos))
		assert.Empty(t, base.demos)
	})

	t.Run("plain wraps", func(t *testing.T) {
		base := &recordingProgram{}
		p, err := AttachDemos(base, demos, map[string]any{MetaOptimizer: "x"})
		require.NoError(t, err)
		opt, ok := p.(*OptimizedProgram)
		require.True(t, ok)
		assert.Same(t, base, opt.Program())
		assert.Equal(t, "x", opt.Metadata()[MetaOptimizer])
	})

	t.Run("wrapper replaces demos", func(t *testing.T) {
		base := &recordingProgram{}
		wrapped, err := NewOptimizedProgram(base, []Example{qa("old", "old")}, nil)
		require.NoError(t, err)
		p, err := AttachDemos(wrapped, demos, map[string]any{MetaOptimizer: "x"})
		require.NoError(t, err)
		opt := p.(*OptimizedProgram)
		assert.Same(t, base, opt.Program())
		assert.Equal(t, []string{"d1"}, demoIDs(opt.Demos()))
		assert.Equal(t, 1, opt.Metadata()[MetaDemoCount])
		assert.Equal(t, 1, wrapped.DemoCount())
	})

	t.Run("invalid program", func(t *testing.T) {
		_, err := AttachDemos(nil, demos, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidProgram)
	})
}

func TestDemosOf(t *testing.T) {
	demos := []Example{qa("q1", "a1").WithID("d1")}
	assert.Nil(t, DemosOf(&recordingProgram{}))
	assert.Equal(t, []string{"d1"}, demoIDs(DemosOf(&nativeProgram{demos: demos})))

	opt, err := NewOptimizedProgram(&recordingProgram{}, demos, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, demoIDs(DemosOf(opt)))
}
