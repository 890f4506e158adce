package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunResultStates(t *testing.T) {
	r := &RunResult{}
	require.Equal(t, StateInit, r.State())

	r.States = []RunState{StateInit, StateWorkComputed, StateRead, StateFailed}
	require.Equal(t, StateFailed, r.State())
	require.True(t, r.State().Terminal())
	require.True(t, r.Reached(StateRead))
	require.False(t, r.Reached(StateWritten))
	require.False(t, StateWritten.Terminal())
}

func TestCycleResultExitCode(t *testing.T) {
	for _, tc := range []struct {
		status CycleStatus
		code   int
	}{
		{CycleAllSuccess, 0},
		{CyclePartial, 1},
		{CycleAllFailed, 2},
	} {
		t.Run(string(tc.status), func(t *testing.T) {
			require.Equal(t, tc.code, (&CycleResult{Status: tc.status}).ExitCode())
		})
	}
}

func TestCycleResultFailed(t *testing.T) {
	c := &CycleResult{Runs: []*RunResult{
		{Status: RunSuccess},
		{Status: RunPartialFailureWithinTolerance},
		{Status: RunFailed},
	}}
	require.Equal(t, 1, c.Failed())
	require.True(t, RunPartialFailureWithinTolerance.OK())
	require.False(t, RunFailed.OK())
}

func TestBackoffDefaults(t *testing.T) {
	cfg := BackoffConfig{Jitter: false}.WithDefaults()
	require.Equal(t, time.Minute, cfg.Interval)
	require.Equal(t, 5*time.Second, cfg.InitialBackoff)
	require.Equal(t, 5*time.Minute, cfg.MaxBackoff)
	require.Equal(t, 2.0, cfg.Multiplier)
	require.Equal(t, 10, cfg.MaxConsecutiveFailures)
	require.False(t, cfg.Jitter)

	cfg = BackoffConfig{InitialBackoff: time.Minute, MaxBackoff: time.Second}.WithDefaults()
	require.Equal(t, time.Minute, cfg.MaxBackoff)
}

func TestBackoffExponential(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2}.WithDefaults()
	for _, tc := range []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{200, 10 * time.Second},
	} {
		require.Equal(t, tc.want, cfg.Backoff(tc.failures), "failures=%d", tc.failures)
	}
}

func TestBackoffJitter(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: 10 * time.Second, MaxBackoff: time.Minute, Multiplier: 2, Jitter: true}.WithDefaults()
	for i := 0; i < 100; i++ {
		d := cfg.Backoff(1)
		require.GreaterOrEqual(t, d, 9*time.Second)
		require.LessOrEqual(t, d, 11*time.Second)
	}
}
