// internal/report/translator.go
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cronwrap/internal/domain"
	"cronwrap/internal/policy"
)

const (
	runDivider    = "=====\n"
	streamDivider = "-----\n"
)

// Translator turns a policy decision into the wrapper's own output and exit code.
type Translator struct {
	Stdout io.Writer
	Stderr io.Writer
	// Report renders failures (and successes) as a text report instead of
	// replaying the command's bytes.
	Report bool
	// Command is the invocation as shown in reports.
	Command   string
	Threshold int
}

// Emit writes whatever the decision lets through and returns the exit code
// the wrapper should exit with.
func (t *Translator) Emit(outcome *domain.Outcome, decision policy.Decision) (int, error) {
	if decision.IsSuppressed() {
		return 0, nil
	}

	if t.Report {
		var text string
		if outcome.Status.IsSuccess() {
			text = t.successReport(outcome)
		} else {
			text = t.failureReport(outcome, decision)
		}
		if _, err := io.WriteString(t.Stdout, text); err != nil {
			return ExitCode(outcome), fmt.Errorf("failed to write report: %w", err)
		}
		return ExitCode(outcome), nil
	}

	if err := t.passThrough(outcome); err != nil {
		return ExitCode(outcome), err
	}
	return ExitCode(outcome), nil
}

// ExitCode is the code a surfaced outcome exits with: 0 for success, the
// command's own code otherwise, never 0 for a failure.
func ExitCode(outcome *domain.Outcome) int {
	if outcome.Status.IsSuccess() {
		return 0
	}
	if outcome.ExitCode == 0 {
		return 1
	}
	return outcome.ExitCode
}

// passThrough replays the captured bytes unchanged. Launch errors and
// timeouts have a diagnostic line appended on stderr.
func (t *Translator) passThrough(outcome *domain.Outcome) error {
	if len(outcome.Stdout) > 0 {
		if _, err := t.Stdout.Write(outcome.Stdout); err != nil {
			return fmt.Errorf("failed to write stdout: %w", err)
		}
	}
	if len(outcome.Stderr) > 0 {
		if _, err := t.Stderr.Write(outcome.Stderr); err != nil {
			return fmt.Errorf("failed to write stderr: %w", err)
		}
	}
	if msg := outcome.ErrorMessage(); msg != "" {
		if _, err := fmt.Fprintf(t.Stderr, "cronwrap: %s\n", msg); err != nil {
			return fmt.Errorf("failed to write stderr: %w", err)
		}
	}
	return nil
}

func (t *Translator) successReport(outcome *domain.Outcome) string {
	var b strings.Builder
	b.WriteString("The command has run successfully!\n\n")
	t.writeRun(&b, policy.Summarize(outcome, ""), outcome.Merged)
	return b.String()
}

func (t *Translator) failureReport(outcome *domain.Outcome, decision policy.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The failure threshold of %d has been reached for the following command, "+
		"which has failed %d times in a row: %s\n", t.Threshold, decision.Streak, t.Command)
	if decision.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", decision.Reason)
	}
	b.WriteString("\nFAILURES:\n")
	for _, s := range decision.Suppressed {
		t.writeRun(&b, s, outcome.Merged)
	}
	t.writeRun(&b, policy.Summarize(outcome, ""), outcome.Merged)
	return b.String()
}

func (t *Translator) writeRun(b *strings.Builder, s domain.RunSummary, merged bool) {
	b.WriteString(runDivider)
	fmt.Fprintf(b, "Command: %s\n", t.Command)
	fmt.Fprintf(b, "Start Time: %s\n", s.StartedAt.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(b, "Run Time (seconds): %.2f\n", s.Duration.Seconds())
	switch {
	case s.Status == domain.RunStatusTimeout:
		fmt.Fprintf(b, "Exit Code: %d (timed out)\n", s.ExitCode)
	case s.Error != "":
		fmt.Fprintf(b, "Exit Code: %d (%s)\n", s.ExitCode, s.Error)
	default:
		fmt.Fprintf(b, "Exit Code: %d\n", s.ExitCode)
	}

	stdoutLabel := "STDOUT"
	if merged {
		stdoutLabel = "OUTPUT"
	}
	writeStream(b, stdoutLabel, s.Stdout)
	writeStream(b, "STDERR", s.Stderr)
	b.WriteString(runDivider)
}

func writeStream(b *strings.Builder, label, data string) {
	if data == "" {
		return
	}
	fmt.Fprintf(b, "\n%s:\n%s", label, streamDivider)
	b.WriteString(data)
	if !strings.HasSuffix(data, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(streamDivider)
}
