package domain

import (
	"context"
	"errors"
	"time"
)

// RecordVersion is the on-disk format of RunRecord. Bumping it is a breaking
// change: operators delete old state files (or run `cronwrap reset`).
const RecordVersion = 1

var (
	// ErrCorruptState is returned when a persisted record cannot be decoded or
	// has an unknown version. It is never handled by resetting to zero state,
	// which would hide a running failure streak.
	ErrCorruptState = errors.New("corrupt state record")
	// ErrStateIO is returned when the state directory or file cannot be accessed.
	ErrStateIO = errors.New("state storage unavailable")
	// ErrRecordNotFound is returned by operations that require an existing record.
	ErrRecordNotFound = errors.New("state record not found")
)

// RunSummary is a compact copy of a past run, kept for failure reports.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Status    RunStatus     `json:"status"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// RunRecord is the persisted failure-tracking state of one job.
type RunRecord struct {
	Version             int           `json:"version"`
	Job                 JobID         `json:"job"`
	Command             []string      `json:"command,omitempty"`
	Schedule            string        `json:"schedule,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastStatus          RunStatus     `json:"last_status,omitempty"`
	LastExitCode        int           `json:"last_exit_code"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastRunID           string        `json:"last_run_id,omitempty"`
	TotalRuns           int64         `json:"total_runs"`
	TotalFailures       int64         `json:"total_failures"`
	// Pending holds the failures suppressed since the last alert.
	Pending []RunSummary `json:"pending,omitempty"`
}

// NewRunRecord returns the zero state of a never-seen job.
func NewRunRecord(id JobID) *RunRecord {
	return &RunRecord{
		Version: RecordVersion,
		Job:     id,
	}
}

// IsNew reports whether the job has never completed a run.
func (r *RunRecord) IsNew() bool {
	return r.TotalRuns == 0 && r.LastRunAt.IsZero()
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	if r.Command != nil {
		c.Command = append([]string(nil), r.Command...)
	}
	if r.Pending != nil {
		c.Pending = append([]RunSummary(nil), r.Pending...)
	}
	return &c
}

// RunRepository defines the interface for persisting job state records.
type RunRepository interface {
	// Load returns the job's record, or a fresh zero-state record if none exists.
	Load(ctx context.Context, id JobID) (*RunRecord, error)
	// Save durably replaces the job's record.
	Save(ctx context.Context, id JobID, record *RunRecord) error
	// Update runs load, fn and save as one exclusive read-modify-write.
	// Nothing is saved if fn returns an error.
	Update(ctx context.Context, id JobID, fn func(record *RunRecord) error) (*RunRecord, error)
	// List returns every stored record.
	List(ctx context.Context) ([]*RunRecord, error)
	// Delete removes the job's record. It returns ErrRecordNotFound if there is none.
	Delete(ctx context.Context, id JobID) error
}
