// internal/domain/execution.go
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrInterrupted is returned by a ProcessRunner when the wrapper itself was
// asked to stop while the command was running. An interrupted run is not a
// completed run and must not touch the job's state.
var ErrInterrupted = errors.New("run interrupted")

// RunStatus classifies the outcome of one execution of the wrapped command.
type RunStatus string

const (
	RunStatusSuccess     RunStatus = "success"
	RunStatusFailure     RunStatus = "failure"
	RunStatusTimeout     RunStatus = "timeout"
	RunStatusLaunchError RunStatus = "launch_error"
)

// IsSuccess reports whether the status resets a failure streak.
func (s RunStatus) IsSuccess() bool {
	return s == RunStatusSuccess
}

// Conventional exit codes for outcomes that have no exit status of their own.
const (
	ExitCodeTimeout         = 124
	ExitCodeNotExecutable   = 126
	ExitCodeCommandNotFound = 127
	// ExitCodeSignalBase is added to the signal number of a child killed by a signal.
	ExitCodeSignalBase = 128
)

// Outcome is the observed result of running a Job.
type Outcome struct {
	Status    RunStatus
	ExitCode  int    // Exit code to surface if this outcome is passed through
	Signal    string // Name of the terminating signal, if any
	Stdout    []byte // All output when Merged is true
	Stderr    []byte
	Merged    bool
	StartedAt time.Time
	Duration  time.Duration
	Err       error // Launch or timeout detail, never set for plain exits
}

// ErrorMessage returns the launch/timeout detail or an empty string.
func (o *Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ProcessRunner executes a job's command and reports what happened.
type ProcessRunner interface {
	// Run blocks until the command finishes, times out or ctx is cancelled.
	// Command failures of any kind are reported in the Outcome; the error is
	// non-nil only for ErrInterrupted or when the job cannot be run at all.
	Run(ctx context.Context, job *Job) (*Outcome, error)
}
