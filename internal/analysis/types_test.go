package analysis

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()

	all := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed}
	allowed := map[JobStatus][]JobStatus{
		JobStatusPending: {JobStatusRunning},
		JobStatusRunning: {JobStatusCompleted, JobStatusFailed},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			require.Equalf(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	require.True(t, JobStatusCompleted.IsTerminal())
	require.True(t, JobStatusFailed.IsTerminal())
	require.False(t, JobStatusRunning.IsTerminal())
}

func TestTeamCanSubmit(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"active":   true,
		"trialing": true,
		"Active":   true,
		"canceled": false,
		"past_due": false,
		"":         false,
	}
	for status, want := range cases {
		require.Equalf(t, want, Team{SubscriptionStatus: status}.CanSubmit(), "status %q", status)
	}
}

func TestExecutorErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	err := NewExecutorError(base)
	require.Equal(t, "connection reset", err.Error())
	require.ErrorIs(t, err, base)

	var execErr *ExecutorError
	require.ErrorAs(t, error(err), &execErr)
	require.Equal(t, "unknown error", NewExecutorError(nil).Error())
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := TransitionError("job-1", JobStatusCompleted, JobStatusRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Contains(t, err.Error(), "completed -> running")
	require.ErrorIs(t, InvalidInputError("url %q", "x"), ErrInvalidInput)
}
