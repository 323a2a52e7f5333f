package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOptions(t *testing.T) {
	demos := []Example{qa("q", "a")}
	o := ResolveOptions(
		WithDemos(demos),
		WithTemperature(0.5),
		nil,
		WithValue("max_tokens", 64),
		WithTemperature(0.7),
	)

	assert.Len(t, o.Demos, 1)
	require.NotNil(t, o.Temperature)
	assert.Equal(t, 0.7, *o.Temperature)
	assert.Equal(t, 64, o.Values["max_tokens"])

	o = ResolveOptions(WithDemos(demos), WithDemos(nil))
	assert.Empty(t, o.Demos)
}

func TestProgramFunc(t *testing.T) {
	p := ProgramFunc(func(ctx context.Context, inputs map[string]any, opts ...ForwardOption) (map[string]any, error) {
		return map[string]any{"echo": inputs["x"]}, nil
	})

	out, err := p.Forward(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["echo"])
	assert.True(t, IsValid(p))
}

func TestIsValid(t *testing.T) {
	var typedNil *OptimizedProgram
	var nilFunc ProgramFunc

	assert.False(t, IsValid(nil))
	assert.False(t, IsValid(typedNil))
	assert.False(t, IsValid(nilFunc))
	assert.True(t, IsValid(&recordingProgram{}))
}
