// internal/domain/job.go
package domain

import (
	"fmt"
	"strings"
	"time"
)

// CaptureMode defines how the wrapped command's output streams are collected.
type CaptureMode string

const (
	// CaptureMerged collects stdout and stderr into one buffer in write order.
	CaptureMerged CaptureMode = "merged"
	// CaptureSeparate keeps stdout and stderr apart.
	CaptureSeparate CaptureMode = "separate"
)

// Job represents a single wrapped invocation handed to the process runner.
type Job struct {
	ID       JobID         // Stable identity used as the state key
	Argv     []string      // Program and arguments, or a single command string in shell mode
	Shell    string        // When set, Argv[0] is run as `Shell -c Argv[0]`
	Dir      string        // Working directory, empty for the wrapper's own
	Env      []string      // Full environment, nil to inherit
	Timeout  time.Duration // Zero disables the timeout
	Capture  CaptureMode
	Schedule string // Optional cron expression the job is declared to run on
}

// Validate checks if the job definition is runnable.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job identity cannot be empty")
	}
	if len(j.Argv) == 0 || j.Argv[0] == "" {
		return fmt.Errorf("job command cannot be empty")
	}
	if j.Shell != "" && len(j.Argv) != 1 {
		return fmt.Errorf("shell jobs take a single command string, got %d arguments", len(j.Argv))
	}
	if j.Timeout < 0 {
		return fmt.Errorf("job timeout cannot be negative")
	}
	switch j.Capture {
	case "":
		j.Capture = CaptureSeparate
	case CaptureMerged, CaptureSeparate:
	default:
		return fmt.Errorf("invalid capture mode: %s", j.Capture)
	}
	return nil
}

// CommandLine renders the invocation for logs and reports.
func (j *Job) CommandLine() string {
	return strings.Join(j.Argv, " ")
}
