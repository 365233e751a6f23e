package cell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	states []RuntimeState
	stales []bool
}

func (o *recordingObserver) OnRuntimeStateChange(_ ID, state RuntimeState) {
	o.states = append(o.states, state)
}

func (o *recordingObserver) OnStaleChange(_ ID, stale bool) {
	o.stales = append(o.stales, stale)
}

func TestCell_ObserverNotifications(t *testing.T) {
	c := mustCompile(t, "x = 1")
	obs := &recordingObserver{}
	c.SetObserver(obs)

	c.SetRuntimeState(StateQueued)
	c.SetRuntimeState(StateRunning)
	c.SetRuntimeState(StateIdle)
	assert.Equal(t, []RuntimeState{StateQueued, StateRunning, StateIdle}, obs.states)

	c.SetStale(true)
	c.SetStale(false)
	assert.Equal(t, []bool{true, false}, obs.stales)
}

func TestCell_Configure(t *testing.T) {
	ctx := context.Background()

	t.Run("partial update merges", func(t *testing.T) {
		c := mustCompile(t, "x = 1")
		c.Configure(ctx, map[string]any{"disabled": true})
		c.Configure(ctx, map[string]any{"column": 2})

		cfg := c.Config()
		assert.True(t, cfg.Disabled)
		require.NotNil(t, cfg.Column)
		assert.Equal(t, 2, *cfg.Column)
	})

	t.Run("unknown keys are dropped", func(t *testing.T) {
		c := mustCompile(t, "x = 1")
		c.Configure(ctx, map[string]any{"no_such_option": true})
		assert.Equal(t, Config{}, c.Config())
	})

	t.Run("disabled reflects config", func(t *testing.T) {
		c := mustCompile(t, "x = 1")
		assert.False(t, c.Disabled())
		c.Configure(ctx, map[string]any{"disabled": true})
		assert.True(t, c.Disabled())
	})
}

func TestCell_ImportWorkspaceMemoizes(t *testing.T) {
	c := mustCompile(t, `np = import("numpy")`)

	require.True(t, c.ImportWorkspace().IsImportBlock)
	assert.Empty(t, c.ImportWorkspace().ImportedDefs)

	c.MarkImported("np")
	_, ok := c.ImportWorkspace().ImportedDefs["np"]
	assert.True(t, ok)
}

func TestCell_NamespaceToVariable(t *testing.T) {
	c := mustCompile(t, `nl = import("numpy.linalg")`)

	assert.Equal(t, "nl", c.NamespaceToVariable("numpy"))
	assert.Equal(t, "", c.NamespaceToVariable("pandas"))

	_, ok := c.ImportedNamespaces()["numpy"]
	assert.True(t, ok)
}
