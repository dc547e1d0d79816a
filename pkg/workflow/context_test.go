package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextOutputsWriteOnce(t *testing.T) {
	c := NewContext(nil)

	require.NoError(t, c.SetOutput("fetch", map[string]any{"rows": 3}))
	err := c.SetOutput("fetch", "again")
	require.Error(t, err, "second write under the same step must fail")

	// The first value survives.
	v, ok := c.Output("fetch")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"rows": 3}, v)
}

func TestContextVarsMutable(t *testing.T) {
	c := NewContext(nil)

	c.SetVar("cursor", 1)
	c.SetVar("cursor", 2)
	v, ok := c.Var("cursor")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Var("absent")
	assert.False(t, ok)
}

func TestContextInputs(t *testing.T) {
	c := NewContext(map[string]any{"region": "eu-west-1"})

	v, ok := c.Input("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", v)

	_, ok = c.Input("absent")
	assert.False(t, ok)
}

func TestContextEnv(t *testing.T) {
	c := NewContext(map[string]any{"n": 1})
	c.SetVar("v", "x")
	require.NoError(t, c.SetOutput("s1", 42))

	env := c.Env()
	assert.Equal(t, map[string]any{"n": 1}, env["inputs"])
	assert.Equal(t, map[string]any{"s1": 42}, env["steps"])
	assert.Equal(t, map[string]any{"v": "x"}, env["vars"])
}

func TestContextOutputsCopy(t *testing.T) {
	c := NewContext(nil)
	require.NoError(t, c.SetOutput("a", 1))

	out := c.Outputs()
	out["a"] = 99
	v, _ := c.Output("a")
	assert.Equal(t, 1, v, "Outputs returns a copy")
}
