package automation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to RunStatus }{
		{RunQueued, RunEnriching},
		{RunQueued, RunFailed},
		{RunEnriching, RunReady},
		{RunEnriching, RunFailed},
		{RunReady, RunRunning},
		{RunRunning, RunSucceeded},
		{RunRunning, RunNeedsHuman},
		{RunNeedsHuman, RunRunning},
		{RunRunning, RunTimedOut},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	forbidden := []struct{ from, to RunStatus }{
		{RunQueued, RunReady},
		{RunQueued, RunRunning},
		{RunQueued, RunSucceeded},
		{RunReady, RunEnriching},
		{RunSucceeded, RunRunning},
		{RunFailed, RunReady},
		{RunTimedOut, RunRunning},
		{RunRunning, RunQueued},
	}
	for _, tc := range forbidden {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunSucceeded, RunFailed, RunTimedOut}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "%s should be terminal", s)
	}
	live := []RunStatus{RunQueued, RunEnriching, RunReady, RunRunning, RunNeedsHuman}
	for _, s := range live {
		require.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}
