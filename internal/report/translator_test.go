package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"cronwrap/internal/domain"
	"cronwrap/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTranslator(reportMode bool) (*Translator, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return &Translator{
		Stdout:    &stdout,
		Stderr:    &stderr,
		Report:    reportMode,
		Command:   "backup.sh --full",
		Threshold: 2,
	}, &stdout, &stderr
}

var started = time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

func TestEmit_SuppressedWritesNothing(t *testing.T) {
	tr, stdout, stderr := newTranslator(false)
	outcome := &domain.Outcome{Status: domain.RunStatusFailure, ExitCode: 2, Stdout: []byte("x"), Stderr: []byte("y")}

	code, err := tr.Emit(outcome, policy.Decision{Action: policy.ActionSuppress})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
}

func TestEmit_PassThroughIsVerbatim(t *testing.T) {
	tr, stdout, stderr := newTranslator(false)
	raw := []byte("no trailing newline \x00\xff")
	outcome := &domain.Outcome{Status: domain.RunStatusFailure, ExitCode: 3, Stdout: raw, Stderr: []byte("err\n")}

	code, err := tr.Emit(outcome, policy.Decision{Action: policy.ActionPassThrough, Alert: true})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, raw, stdout.Bytes())
	assert.Equal(t, "err\n", stderr.String())
}

func TestEmit_SuccessExitsZero(t *testing.T) {
	tr, stdout, _ := newTranslator(false)
	outcome := &domain.Outcome{Status: domain.RunStatusSuccess, Stdout: []byte("done\n")}

	code, err := tr.Emit(outcome, policy.Decision{Action: policy.ActionPassThrough})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "done\n", stdout.String())
}

func TestEmit_LaunchErrorAddsDiagnostic(t *testing.T) {
	tr, stdout, stderr := newTranslator(false)
	outcome := &domain.Outcome{
		Status:   domain.RunStatusLaunchError,
		ExitCode: domain.ExitCodeCommandNotFound,
		Err:      errors.New(`failed to start nosuch: executable file not found in $PATH`),
	}

	code, err := tr.Emit(outcome, policy.Decision{Action: policy.ActionPassThrough, Alert: true})
	require.NoError(t, err)
	assert.Equal(t, 127, code)
	assert.Empty(t, stdout.String())
	assert.Equal(t, "cronwrap: failed to start nosuch: executable file not found in $PATH\n", stderr.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(&domain.Outcome{Status: domain.RunStatusSuccess}))
	assert.Equal(t, 124, ExitCode(&domain.Outcome{Status: domain.RunStatusTimeout, ExitCode: 124}))
	assert.Equal(t, 1, ExitCode(&domain.Outcome{Status: domain.RunStatusFailure}))
	assert.Equal(t, 143, ExitCode(&domain.Outcome{Status: domain.RunStatusFailure, ExitCode: 143}))
}

func TestEmit_FailureReport(t *testing.T) {
	tr, stdout, stderr := newTranslator(true)
	outcome := &domain.Outcome{
		Status:    domain.RunStatusFailure,
		ExitCode:  1,
		Stdout:    []byte("copying\n"),
		Stderr:    []byte("disk full"),
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	}
	decision := policy.Decision{
		Action: policy.ActionPassThrough,
		Alert:  true,
		Streak: 2,
		Suppressed: []domain.RunSummary{{
			RunID:     "r1",
			Status:    domain.RunStatusTimeout,
			ExitCode:  124,
			StartedAt: started.Add(-time.Hour),
			Duration:  time.Minute,
		}},
	}

	code, err := tr.Emit(outcome, decision)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Empty(t, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "failure threshold of 2 has been reached")
	assert.Contains(t, out, "failed 2 times in a row: backup.sh --full")
	assert.Equal(t, 4, bytes.Count(stdout.Bytes(), []byte(runDivider)), "two runs, each framed")
	assert.Contains(t, out, "Exit Code: 124 (timed out)\n")
	assert.Contains(t, out, "Start Time: Fri, 01 May 2026 03:00:00 +0000\n")
	assert.Contains(t, out, "Run Time (seconds): 1.50\n")
	assert.Contains(t, out, "\nSTDOUT:\n-----\ncopying\n-----\n")
	assert.Contains(t, out, "\nSTDERR:\n-----\ndisk full\n-----\n")
}

func TestEmit_SuccessReport(t *testing.T) {
	tr, stdout, _ := newTranslator(true)
	outcome := &domain.Outcome{Status: domain.RunStatusSuccess, Stdout: []byte("all good\n"), Merged: true, StartedAt: started}

	code, err := tr.Emit(outcome, policy.Decision{Action: policy.ActionPassThrough})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, bytes.HasPrefix(stdout.Bytes(), []byte("The command has run successfully!\n\n")))
	assert.Contains(t, stdout.String(), "\nOUTPUT:\n-----\nall good\n-----\n")
	assert.Contains(t, stdout.String(), "Exit Code: 0\n")
}
