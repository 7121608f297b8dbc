package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateUnhealthy, "unhealthy"},
		{StateFailed, "failed"},
		{StateRecovering, "recovering"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestParseState(t *testing.T) {
	t.Run("round trips every state", func(t *testing.T) {
		for _, s := range []State{StateHealthy, StateDegraded, StateUnhealthy, StateFailed, StateRecovering} {
			got, err := ParseState(s.String())
			require.NoError(t, err)
			assert.Equal(t, s, got)
		}
	})

	t.Run("rejects unknown", func(t *testing.T) {
		_, err := ParseState("sideways")
		assert.Error(t, err)
	})
}

func TestLegalEdge(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateHealthy, StateDegraded},
		{StateHealthy, StateFailed},
		{StateDegraded, StateHealthy},
		{StateDegraded, StateUnhealthy},
		{StateDegraded, StateFailed},
		{StateUnhealthy, StateRecovering},
		{StateUnhealthy, StateFailed},
		{StateFailed, StateRecovering},
		{StateRecovering, StateHealthy},
		{StateRecovering, StateUnhealthy},
		{StateRecovering, StateFailed},
	}
	for _, e := range allowed {
		assert.True(t, LegalEdge(e.from, e.to), "%s -> %s should be legal", e.from, e.to)
	}

	forbidden := []struct{ from, to State }{
		{StateUnhealthy, StateHealthy},
		{StateUnhealthy, StateDegraded},
		{StateFailed, StateHealthy},
		{StateFailed, StateDegraded},
		{StateFailed, StateUnhealthy},
		{StateRecovering, StateDegraded},
		{StateHealthy, StateUnhealthy},
		{StateHealthy, StateRecovering},
		{StateDegraded, StateRecovering},
	}
	for _, e := range forbidden {
		assert.False(t, LegalEdge(e.from, e.to), "%s -> %s should not be legal", e.from, e.to)
	}
}

func TestState_WeightFactor(t *testing.T) {
	assert.Equal(t, 1.0, StateHealthy.WeightFactor())
	assert.Equal(t, 0.5, StateDegraded.WeightFactor())
	assert.Equal(t, 0.0, StateRecovering.WeightFactor(), "recovering regions serve nothing until the ramp starts")
	assert.Equal(t, 0.0, StateUnhealthy.WeightFactor())
	assert.Equal(t, 0.0, StateFailed.WeightFactor())
}
