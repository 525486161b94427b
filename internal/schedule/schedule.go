// internal/schedule/schedule.go
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field crontab lines, an optional leading
// seconds field and descriptors such as @daily or @every 1h.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// DefaultGrace is how late a run may finish before a job counts as overdue.
const DefaultGrace = 5 * time.Minute

// Parse parses a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return s, nil
}

// Validate reports whether expr is a usable cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Expectation is when a job should run next and whether it missed a run.
type Expectation struct {
	Next    time.Time
	Overdue bool
	// Missed is the first expected run after the last recorded one, set when Overdue.
	Missed time.Time
}

// Evaluate computes the expectation of a job on expr that last finished at
// lastRun. A job that never ran is never overdue.
func Evaluate(expr string, lastRun, now time.Time, grace time.Duration) (Expectation, error) {
	s, err := Parse(expr)
	if err != nil {
		return Expectation{}, err
	}

	exp := Expectation{Next: s.Next(now)}
	if lastRun.IsZero() {
		return exp, nil
	}

	due := s.Next(lastRun)
	if !due.IsZero() && now.After(due.Add(grace)) {
		exp.Overdue = true
		exp.Missed = due
	}
	return exp, nil
}
