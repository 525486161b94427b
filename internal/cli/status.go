package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"cronwrap/internal/domain"
	"cronwrap/internal/infra/filestore"
	"cronwrap/internal/infra/flock"
	"cronwrap/internal/schedule"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// jobStatus is the status view of one job record.
type jobStatus struct {
	Job                 string     `json:"job" yaml:"job"`
	Command             []string   `json:"command,omitempty" yaml:"command,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"consecutive_failures"`
	PendingFailures     int        `json:"pending_failures" yaml:"pending_failures"`
	LastStatus          string     `json:"last_status,omitempty" yaml:"last_status,omitempty"`
	LastExitCode        int        `json:"last_exit_code" yaml:"last_exit_code"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastDuration        string     `json:"last_duration,omitempty" yaml:"last_duration,omitempty"`
	TotalRuns           int64      `json:"total_runs" yaml:"total_runs"`
	TotalFailures       int64      `json:"total_failures" yaml:"total_failures"`
	Schedule            string     `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	NextRun             *time.Time `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	Overdue             bool       `json:"overdue" yaml:"overdue"`
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the jobs known in the state directory",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().Duration("grace", schedule.DefaultGrace, "how late a scheduled run may be before the job is overdue")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "table", "json", "yaml":
	default:
		return usageError("unknown output format %q", output)
	}
	grace, _ := cmd.Flags().GetDuration("grace")

	cfg, logger, closeLog, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	repo := filestore.NewFileRunRepository(cfg.StateDir, flock.NewFileLocker(cfg.StateDir), filestore.Options{}, logger)
	records, err := repo.List(cmd.Context())
	if err != nil {
		return classify(err)
	}

	now := time.Now()
	statuses := make([]jobStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, toStatus(rec, now, grace))
	}

	w := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(statuses)
	}
	return renderStatusTable(w, statuses)
}

func toStatus(rec *domain.RunRecord, now time.Time, grace time.Duration) jobStatus {
	s := jobStatus{
		Job:                 string(rec.Job),
		Command:             rec.Command,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		PendingFailures:     len(rec.Pending),
		LastStatus:          string(rec.LastStatus),
		LastExitCode:        rec.LastExitCode,
		TotalRuns:           rec.TotalRuns,
		TotalFailures:       rec.TotalFailures,
		Schedule:            rec.Schedule,
	}
	if !rec.LastRunAt.IsZero() {
		t := rec.LastRunAt
		s.LastRunAt = &t
		s.LastDuration = rec.LastDuration.Round(time.Millisecond).String()
	}
	if rec.Schedule != "" {
		// Schedules are validated on the way in; an unparsable one just shows no next run.
		if exp, err := schedule.Evaluate(rec.Schedule, rec.LastRunAt, now, grace); err == nil {
			next := exp.Next
			s.NextRun = &next
			s.Overdue = exp.Overdue
		}
	}
	return s
}

func renderStatusTable(w io.Writer, statuses []jobStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Streak", "Last Status", "Exit", "Last Run", "Next Run", "Overdue")
	for _, s := range statuses {
		lastRun, nextRun, overdue := "-", "-", ""
		if s.LastRunAt != nil {
			lastRun = s.LastRunAt.Local().Format(time.DateTime)
		}
		if s.NextRun != nil {
			nextRun = s.NextRun.Local().Format(time.DateTime)
		}
		if s.Overdue {
			overdue = "yes"
		}
		status := s.LastStatus
		if status == "" {
			status = "-"
		}
		if err := table.Append([]string{
			s.Job,
			strconv.Itoa(s.ConsecutiveFailures),
			status,
			strconv.Itoa(s.LastExitCode),
			lastRun,
			nextRun,
			overdue,
		}); err != nil {
			return fmt.Errorf("failed to render status table: %w", err)
		}
	}
	return table.Render()
}
