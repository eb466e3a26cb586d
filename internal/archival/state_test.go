package archival

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitiated, StateReadinessChecked, true},
		{StateInitiated, StateMoved, false},
		{StateRenamed, StateEncrypted, true},
		{StateRenamed, StateMoved, true},
		{StateEncrypted, StateLocalCommitted, false},
		{StateMoved, StateFailed, true},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateInitiated, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRun_RefusesSkippedSteps(t *testing.T) {
	r := newRun()
	require.NoError(t, r.advance(StateReadinessChecked))
	assert.Error(t, r.advance(StateRenamed))
	assert.Equal(t, StateReadinessChecked, r.state)
	require.NoError(t, r.advance(StateFailed))
	assert.Error(t, r.advance(StateFingerprintVerified))
	assert.Equal(t, []State{StateInitiated, StateReadinessChecked, StateFailed}, r.trace)
}
