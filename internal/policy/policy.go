// Package policy decides, from a job's failure history and the outcome of
// its latest run, whether that run is surfaced to the scheduler or hidden.
// It does no I/O; the caller loads and persists the record around Decide.
package policy

import (
	"fmt"

	"cronwrap/internal/domain"
)

// Mode selects which failures past the threshold raise an alert.
type Mode string

const (
	// ModeEvery alerts on every failure once the streak reaches the threshold.
	ModeEvery Mode = "every"
	// ModeBackoff alerts at threshold, 2×threshold, 4×threshold and so on.
	ModeBackoff Mode = "backoff"
)

const (
	DefaultThreshold  = 1
	DefaultMaxPending = 20
	// SummaryOutputLimit caps the bytes of each stream kept per pending run.
	SummaryOutputLimit = 64 << 10
)

// Action is what the wrapper does with the run's output and exit status.
type Action string

const (
	ActionPassThrough Action = "pass_through"
	ActionSuppress    Action = "suppress"
)

// Policy holds the suppression settings of one job.
type Policy struct {
	Threshold          int
	Mode               Mode
	FirstFail          bool
	TimeoutAlerts      bool
	AlwaysPrintSuccess bool
	// MaxPending bounds the suppressed runs remembered for reports; oldest are dropped.
	MaxPending int
}

// Decision is the verdict for one run.
type Decision struct {
	Action Action
	// Alert is set when a failure is surfaced.
	Alert bool
	// Recovered is set when a success ends a failure streak.
	Recovered bool
	// Streak is the consecutive failure count after this run.
	Streak int
	// PriorStreak is the count the run started from.
	PriorStreak int
	// Suppressed holds the failures hidden since the previous alert, oldest
	// first, when this run raises an alert.
	Suppressed []domain.RunSummary
	Reason     string
}

// IsSuppressed reports whether the run's output and exit status are hidden.
func (d Decision) IsSuppressed() bool {
	return d.Action == ActionSuppress
}

// Validate normalizes defaults and rejects impossible settings.
func (p *Policy) Validate() error {
	if p.Threshold == 0 {
		p.Threshold = DefaultThreshold
	}
	if p.Threshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", p.Threshold)
	}
	switch p.Mode {
	case "":
		p.Mode = ModeEvery
	case ModeEvery, ModeBackoff:
	default:
		return fmt.Errorf("invalid alert mode: %s", p.Mode)
	}
	if p.MaxPending == 0 {
		p.MaxPending = DefaultMaxPending
	}
	if p.MaxPending < 0 {
		return fmt.Errorf("max pending runs cannot be negative")
	}
	return nil
}

// Decide computes the next record and the decision for outcome, given the
// prior record. prior is not modified.
func (p Policy) Decide(prior *domain.RunRecord, outcome *domain.Outcome, runID string) (*domain.RunRecord, Decision) {
	next := prior.Clone()
	finishedAt := outcome.StartedAt.Add(outcome.Duration)

	next.LastStatus = outcome.Status
	next.LastExitCode = outcome.ExitCode
	next.LastRunAt = finishedAt
	next.LastDuration = outcome.Duration
	next.LastRunID = runID
	next.TotalRuns++

	d := Decision{PriorStreak: prior.ConsecutiveFailures}

	if outcome.Status.IsSuccess() {
		next.ConsecutiveFailures = 0
		next.Pending = nil
		d.Recovered = prior.ConsecutiveFailures > 0
		if p.AlwaysPrintSuccess {
			d.Action = ActionPassThrough
			d.Reason = "success"
		} else {
			d.Action = ActionSuppress
			d.Reason = "success output suppressed"
		}
		return next, d
	}

	next.TotalFailures++
	next.ConsecutiveFailures = prior.ConsecutiveFailures + 1
	d.Streak = next.ConsecutiveFailures

	if reason, ok := p.alertReason(next.ConsecutiveFailures, outcome.Status); ok {
		d.Action = ActionPassThrough
		d.Alert = true
		d.Reason = reason
		d.Suppressed = next.Pending
		next.Pending = nil
		return next, d
	}

	d.Action = ActionSuppress
	d.Reason = fmt.Sprintf("failure %d of %d tolerated", next.ConsecutiveFailures, p.Threshold)
	next.Pending = appendBounded(next.Pending, Summarize(outcome, runID), p.MaxPending)
	return next, d
}

func (p Policy) alertReason(streak int, status domain.RunStatus) (string, bool) {
	threshold := p.Threshold
	if threshold < 1 {
		threshold = DefaultThreshold
	}

	switch {
	case p.TimeoutAlerts && status == domain.RunStatusTimeout:
		return "timeout", true
	case p.Mode == ModeBackoff && backoffMatch(streak, threshold):
		return fmt.Sprintf("failure %d hit backoff step", streak), true
	case p.Mode != ModeBackoff && streak >= threshold:
		return fmt.Sprintf("failure %d reached threshold %d", streak, threshold), true
	case p.FirstFail && streak == 1:
		return "first failure", true
	}
	return "", false
}

// backoffMatch reports whether streak is threshold·2^k for some k >= 0.
func backoffMatch(streak, threshold int) bool {
	if streak < threshold || streak%threshold != 0 {
		return false
	}
	q := streak / threshold
	return q&(q-1) == 0
}

// Summarize condenses an outcome for the pending list.
func Summarize(outcome *domain.Outcome, runID string) domain.RunSummary {
	return domain.RunSummary{
		RunID:     runID,
		Status:    outcome.Status,
		ExitCode:  outcome.ExitCode,
		StartedAt: outcome.StartedAt,
		Duration:  outcome.Duration,
		Stdout:    tail(outcome.Stdout, SummaryOutputLimit),
		Stderr:    tail(outcome.Stderr, SummaryOutputLimit),
		Error:     outcome.ErrorMessage(),
	}
}

func appendBounded(list []domain.RunSummary, s domain.RunSummary, limit int) []domain.RunSummary {
	if limit <= 0 {
		limit = DefaultMaxPending
	}
	list = append(list, s)
	if over := len(list) - limit; over > 0 {
		list = append([]domain.RunSummary(nil), list[over:]...)
	}
	return list
}

// tail keeps the last n bytes, where the most recent errors usually are.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "[truncated]\n" + string(b[len(b)-n:])
}
