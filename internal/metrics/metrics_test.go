package metrics

import (
	"os"
	"strings"
	"testing"
	"time"

	"cronwrap/internal/domain"
	"cronwrap/internal/policy"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	r := NewRecorder()
	id := domain.JobID("backup.sh.abc")
	outcome := &domain.Outcome{Status: domain.RunStatusFailure, ExitCode: 2, Duration: 3 * time.Second}
	record := &domain.RunRecord{ConsecutiveFailures: 4, LastRunAt: time.Unix(1700000000, 0)}

	r.ObserveRun(id, outcome, record, policy.Decision{Action: policy.ActionSuppress})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.RunsTotal.WithLabelValues(string(id), "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.DecisionsTotal.WithLabelValues(string(id), "suppress")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.ConsecutiveFailures.WithLabelValues(string(id))))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.LastExitCode.WithLabelValues(string(id))))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.LastRunTimestamp.WithLabelValues(string(id))))

	n, err := testutil.GatherAndCount(r.Gatherer(), "cronwrap_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteTextfile(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder()
	id := domain.JobID("job.x")
	r.ObserveLockContention(id)

	require.NoError(t, r.WriteTextfile(dir, id))

	data, err := os.ReadFile(TextfilePath(dir, id))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `cronwrap_lock_contention_total{job="job.x"} 1`))
}
