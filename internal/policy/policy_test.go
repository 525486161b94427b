package policy

import (
	"fmt"
	"testing"
	"time"

	"cronwrap/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

func failed(code int) *domain.Outcome {
	return &domain.Outcome{
		Status:    domain.RunStatusFailure,
		ExitCode:  code,
		Stdout:    []byte("out\n"),
		Stderr:    []byte("boom\n"),
		StartedAt: t0,
		Duration:  2 * time.Second,
	}
}

func succeeded() *domain.Outcome {
	return &domain.Outcome{Status: domain.RunStatusSuccess, Stdout: []byte("ok\n"), StartedAt: t0, Duration: time.Second}
}

func timedOut() *domain.Outcome {
	return &domain.Outcome{Status: domain.RunStatusTimeout, ExitCode: domain.ExitCodeTimeout, StartedAt: t0, Duration: time.Minute}
}

// run feeds outcomes through p starting from a fresh record.
func run(t *testing.T, p Policy, outcomes ...*domain.Outcome) (*domain.RunRecord, []Decision) {
	t.Helper()
	require.NoError(t, p.Validate())

	record := domain.NewRunRecord("job.test")
	decisions := make([]Decision, 0, len(outcomes))
	for i, o := range outcomes {
		var d Decision
		record, d = p.Decide(record, o, fmt.Sprintf("run-%d", i+1))
		decisions = append(decisions, d)
	}
	return record, decisions
}

func actions(ds []Decision) []Action {
	out := make([]Action, len(ds))
	for i, d := range ds {
		out[i] = d.Action
	}
	return out
}

func TestDecide_StreakCountsConsecutiveFailures(t *testing.T) {
	record, _ := run(t, Policy{Threshold: 10}, failed(1), failed(2), timedOut(), failed(1))

	assert.Equal(t, 4, record.ConsecutiveFailures)
	assert.Equal(t, int64(4), record.TotalRuns)
	assert.Equal(t, int64(4), record.TotalFailures)
	assert.Equal(t, domain.RunStatusFailure, record.LastStatus)
	assert.Equal(t, "run-4", record.LastRunID)
}

func TestDecide_SuccessResetsStreak(t *testing.T) {
	record, ds := run(t, Policy{Threshold: 3, AlwaysPrintSuccess: true}, failed(1), failed(1), failed(1), failed(1), succeeded())

	assert.Equal(t, 0, record.ConsecutiveFailures)
	assert.Empty(t, record.Pending)
	assert.Equal(t, int64(4), record.TotalFailures)
	last := ds[len(ds)-1]
	assert.True(t, last.Recovered)
	assert.Equal(t, 4, last.PriorStreak)
}

func TestDecide_ThresholdScenario(t *testing.T) {
	_, ds := run(t, Policy{Threshold: 2, AlwaysPrintSuccess: true}, failed(1), failed(1), failed(1), succeeded())

	assert.Equal(t, []Action{ActionSuppress, ActionPassThrough, ActionPassThrough, ActionPassThrough}, actions(ds))
	assert.False(t, ds[0].Alert)
	assert.True(t, ds[1].Alert)
	assert.True(t, ds[2].Alert)
	assert.False(t, ds[3].Alert)
	assert.True(t, ds[3].Recovered)
}

func TestDecide_ThresholdBoundaries(t *testing.T) {
	for _, threshold := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("T=%d", threshold), func(t *testing.T) {
			outcomes := make([]*domain.Outcome, threshold+3)
			for i := range outcomes {
				outcomes[i] = failed(1)
			}
			_, ds := run(t, Policy{Threshold: threshold}, outcomes...)
			for i, d := range ds {
				n := i + 1
				assert.Equal(t, n >= threshold, d.Alert, "failure %d", n)
				assert.Equal(t, n, d.Streak)
			}
		})
	}
}

func TestDecide_TimeoutCountsLikeFailure(t *testing.T) {
	_, withTimeout := run(t, Policy{Threshold: 2}, timedOut(), timedOut())
	_, withExit := run(t, Policy{Threshold: 2}, failed(1), failed(1))

	assert.Equal(t, actions(withExit), actions(withTimeout))
	assert.Equal(t, 2, withTimeout[1].Streak)
}

func TestDecide_LaunchErrorCountsLikeFailure(t *testing.T) {
	launch := &domain.Outcome{Status: domain.RunStatusLaunchError, ExitCode: 127, StartedAt: t0}
	record, ds := run(t, Policy{Threshold: 2}, launch)

	assert.Equal(t, 1, record.ConsecutiveFailures)
	assert.True(t, ds[0].IsSuppressed())
}

func TestDecide_QuietSuccessIsSuppressed(t *testing.T) {
	_, ds := run(t, Policy{AlwaysPrintSuccess: false}, succeeded())
	assert.True(t, ds[0].IsSuppressed())
	assert.False(t, ds[0].Alert)
}

func TestDecide_FirstFail(t *testing.T) {
	_, ds := run(t, Policy{Threshold: 3, FirstFail: true}, failed(1), failed(1), failed(1), failed(1))
	assert.Equal(t, []Action{ActionPassThrough, ActionSuppress, ActionPassThrough, ActionPassThrough}, actions(ds))
	assert.Equal(t, "first failure", ds[0].Reason)
}

func TestDecide_Backoff(t *testing.T) {
	outcomes := make([]*domain.Outcome, 13)
	for i := range outcomes {
		outcomes[i] = failed(1)
	}
	_, ds := run(t, Policy{Threshold: 3, Mode: ModeBackoff}, outcomes...)

	var alerted []int
	for _, d := range ds {
		if d.Alert {
			alerted = append(alerted, d.Streak)
		}
	}
	assert.Equal(t, []int{3, 6, 12}, alerted)
}

func TestDecide_TimeoutAlerts(t *testing.T) {
	_, ds := run(t, Policy{Threshold: 5, TimeoutAlerts: true}, failed(1), timedOut())
	assert.True(t, ds[0].IsSuppressed())
	assert.True(t, ds[1].Alert)
	assert.Equal(t, "timeout", ds[1].Reason)
}

func TestDecide_PendingCarriedIntoAlert(t *testing.T) {
	record, ds := run(t, Policy{Threshold: 3}, failed(1), failed(2), failed(3))

	require.Len(t, ds[2].Suppressed, 2)
	assert.Equal(t, "run-1", ds[2].Suppressed[0].RunID)
	assert.Equal(t, 2, ds[2].Suppressed[1].ExitCode)
	assert.Equal(t, "boom\n", ds[2].Suppressed[1].Stderr)
	assert.Empty(t, record.Pending, "alert drains the pending list")
}

func TestDecide_PendingIsBounded(t *testing.T) {
	outcomes := make([]*domain.Outcome, 6)
	for i := range outcomes {
		outcomes[i] = failed(i)
	}
	record, _ := run(t, Policy{Threshold: 100, MaxPending: 3}, outcomes...)

	require.Len(t, record.Pending, 3)
	assert.Equal(t, "run-4", record.Pending[0].RunID)
	assert.Equal(t, "run-6", record.Pending[2].RunID)
}

func TestDecide_DoesNotMutatePrior(t *testing.T) {
	p := Policy{Threshold: 5}
	require.NoError(t, p.Validate())
	prior := domain.NewRunRecord("job.test")
	prior.ConsecutiveFailures = 2

	next, _ := p.Decide(prior, failed(1), "r")
	assert.Equal(t, 3, next.ConsecutiveFailures)
	assert.Equal(t, 2, prior.ConsecutiveFailures)
	assert.Empty(t, prior.Pending)
}

func TestDecide_RecordsFinishTime(t *testing.T) {
	record, _ := run(t, Policy{}, failed(1))
	assert.Equal(t, t0.Add(2*time.Second), record.LastRunAt)
	assert.Equal(t, 2*time.Second, record.LastDuration)
}

func TestValidate(t *testing.T) {
	p := Policy{}
	require.NoError(t, p.Validate())
	assert.Equal(t, DefaultThreshold, p.Threshold)
	assert.Equal(t, ModeEvery, p.Mode)
	assert.Equal(t, DefaultMaxPending, p.MaxPending)

	assert.Error(t, (&Policy{Threshold: -1}).Validate())
	assert.Error(t, (&Policy{Mode: "sometimes"}).Validate())
}

func TestSummarize_TruncatesLongOutput(t *testing.T) {
	big := make([]byte, SummaryOutputLimit+10)
	for i := range big {
		big[i] = 'x'
	}
	big[len(big)-1] = 'z'

	s := Summarize(&domain.Outcome{Status: domain.RunStatusFailure, Stdout: big}, "r")
	assert.True(t, len(s.Stdout) < len(big)+20)
	assert.Contains(t, s.Stdout, "[truncated]")
	assert.Equal(t, byte('z'), s.Stdout[len(s.Stdout)-1])
}
