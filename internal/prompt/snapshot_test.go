package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	demos := []Example{
		qa("q1", "a1").WithID("d1").WithMeta(MetaQualityScore, 0.9).WithMeta(MetaGeneratedBy, "bootstrap_few_shot"),
		qa("q2", "a2").WithID("d2"),
	}
	opt, err := NewOptimizedProgram(&recordingProgram{}, demos, map[string]any{MetaOptimizer: "simba"})
	require.NoError(t, err)

	data, err := EncodeSnapshot(SnapshotOf(opt))
	require.NoError(t, err)

	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, "simba", snap.Metadata[MetaOptimizer])

	restoredDemos, err := snap.Examples()
	require.NoError(t, err)
	require.Len(t, restoredDemos, 2)
	assert.Equal(t, "d1", restoredDemos[0].ID())
	assert.Equal(t, map[string]any{"question": "q1"}, restoredDemos[0].Inputs())
	assert.Equal(t, map[string]any{"answer": "a1"}, restoredDemos[0].Labels())
	assert.InDelta(t, 0.9, restoredDemos[0].QualityScore(), 1e-9)
}

func TestSnapshotRestore(t *testing.T) {
	snap := Snapshot{
		Demos: []DemoRecord{
			{ID: "d1", Data: map[string]any{"question": "q", "answer": "a"}, InputKeys: []string{"question"}},
		},
		Metadata: map[string]any{MetaOptimizer: "bootstrap_few_shot", MetaDemoCount: int8(7)},
	}

	t.Run("wraps plain programs", func(t *testing.T) {
		base := &recordingProgram{}
		p, err := snap.Restore(base)
		require.NoError(t, err)
		opt, ok := p.(*OptimizedProgram)
		require.True(t, ok)
		assert.Same(t, base, opt.Program())
		assert.Equal(t, 1, opt.Metadata()[MetaDemoCount])
		assert.Equal(t, "bootstrap_few_shot", opt.Metadata()[MetaOptimizer])
	})

	t.Run("uses native demos", func(t *testing.T) {
		p, err := snap.Restore(&nativeProgram{})
		require.NoError(t, err)
		native, ok := p.(*nativeProgram)
		require.True(t, ok)
		assert.Equal(t, []string{"d1"}, demoIDs(native.demos))
	})

	t.Run("rejects broken records", func(t *testing.T) {
		broken := Snapshot{Demos: []DemoRecord{{Data: map[string]any{}, InputKeys: []string{"x"}}}}
		_, err := broken.Restore(&recordingProgram{})
		assert.Error(t, err)
	})
}

func TestSnapshotOfPlainProgram(t *testing.T) {
	snap := SnapshotOf(&recordingProgram{})
	assert.Empty(t, snap.Demos)
	assert.Nil(t, snap.Metadata)
}

func TestDecodeSnapshotInvalid(t *testing.T) {
	_, err := DecodeSnapshot([]byte{0xc1})
	assert.Error(t, err)
}
