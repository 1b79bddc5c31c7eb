package beaconclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreOrdering(t *testing.T) {
	// spec.md §4.B: success > slow-success > timeout > 5xx > connection-refused.
	outcomes := []Outcome{OutcomeSuccess, OutcomeSlowSuccess, OutcomeTimeout, Outcome5xx, OutcomeConnectionRefused}
	for i := 0; i < len(outcomes)-1; i++ {
		require.Greater(t, outcomes[i].delta(), outcomes[i+1].delta())
	}
}

func TestScoreMonotoneOnSuccess(t *testing.T) {
	s := NewScore()
	s.Record(OutcomeConnectionRefused)
	low := s.Value()
	s.Record(OutcomeSuccess)
	require.Greater(t, s.Value(), low)
}

func TestScoreClampedToBounds(t *testing.T) {
	s := NewScore()
	for i := 0; i < 100; i++ {
		s.Record(OutcomeSuccess)
	}
	require.Equal(t, MaxScore, s.Value())

	for i := 0; i < 100; i++ {
		s.Record(OutcomeConnectionRefused)
	}
	require.Equal(t, MinScore, s.Value())
	require.False(t, s.Healthy())
}
