package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cronwrap/internal/config"
	"cronwrap/internal/logging"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X cronwrap/internal/cli.Version=...".
var Version = "0.0.0-dev"

// NewRootCmd constructs the cronwrap root command. Without a subcommand it
// wraps the command given after "--".
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cronwrap [flags] -- <command> [args...]",
		Short: "Run a cron job and only report failures that persist",
		Long: `cronwrap runs a command on behalf of a scheduler such as cron and keeps a
per-job failure streak on disk. Failures below the threshold are hidden: the
wrapper prints nothing and exits 0. Once the streak reaches the threshold the
command's output and exit code are passed through so the scheduler alerts.

Example:
  */5 * * * * cronwrap -n 3 -t 10m --no-overlap -- /usr/local/bin/sync-feeds --all
  0 2 * * *   cronwrap --report --backoff -n 2 -g -- 'pg_dump app | gzip > /backup/app.gz'`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE:          runWrap,
	}
	// Everything after the first positional argument belongs to the wrapped command.
	cmd.Flags().SetInterspersed(false)

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default $CRONWRAP_CONFIG, else /etc/cronwrap/config.yaml)")
	pf.String("state-dir", "/var/tmp", "directory holding per-job state and lock files")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-file", "", "write diagnostics to this file instead of stderr")

	f := cmd.Flags()
	f.IntP("num-fails", "n", 1, "consecutive failures before output is passed through")
	f.DurationP("timeout", "t", 0, "kill the command after this long (0 disables)")
	f.Bool("no-overlap", false, "do not start while another run of the same job is active")
	f.Bool("create-state-dir", false, "create the state directory if it is missing")
	f.String("capture-mode", "separate", "output capture: separate or merged")
	f.BoolP("quiet", "q", false, "suppress the output of successful runs")
	f.String("schedule", "", "cron expression the job runs on, shown by cronwrap status")

	f.BoolP("backoff", "b", false, "alert at threshold, 2x, 4x, ... failures instead of every failure")
	f.BoolP("first-fail", "f", false, "also alert on the first failure of a streak")
	f.Bool("timeout-alerts", false, "always alert when the command times out")
	f.Int("max-pending", 20, "suppressed failures remembered for --report")
	f.Bool("report", false, "print failures as a report including the suppressed runs")

	f.BoolP("shell-string", "g", false, "run the arguments as one string with the shell")
	f.String("shell", "bash", "shell used with --shell-string")
	f.String("path", "", "PATH for the wrapped command")
	f.String("env-file", "", "dotenv file with extra environment for the wrapped command")
	f.Duration("fuzz", 0, "sleep a random duration up to this long before running")

	f.String("lock-file", "", "lock file to use instead of the per-job one, relative to the working directory (implies --no-overlap); it is never written to")
	f.IntP("lock-retries", "r", 0, "retries when the lock is held by another run")
	f.DurationP("lock-retry-interval", "s", time.Second, "wait between lock retries")
	f.Bool("ignore-running", false, "exit 0 instead of 75 when the job is already running")
	f.String("job-name", "", "explicit job identity instead of one derived from the command")
	f.Bool("identity-include-cwd", false, "separate state per working directory")

	f.BoolP("syslog", "S", false, "log every failure to syslog")
	f.String("syslog-facility", "user", "syslog facility")
	f.String("syslog-priority", "warning", "syslog priority")
	f.String("metrics-dir", "", "write a Prometheus textfile per job into this directory")
	f.String("trace-file", "", "append OpenTelemetry spans as JSON to this file")

	cmd.AddCommand(newStatusCmd(), newResetCmd())
	return cmd
}

// loadConfig resolves the configuration for cmd and sets up its logger.
// The returned close function releases the log file, if any.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, func(), error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return nil, nil, nil, Wrap(ExitUsage, "configuration", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, Wrap(ExitUsage, "configuration", err)
	}

	var out io.Writer = cmd.ErrOrStderr()
	closeLog := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, Wrap(ExitWrapperError, "open log file", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}

	logger := logging.New(logging.Options{Level: level, Format: cfg.LogFormat, Output: out})
	if cfg.ConfigFile != "" {
		logger.Debug("loaded config file", "file", cfg.ConfigFile)
	}
	return cfg, logger, closeLog, nil
}

func usageError(format string, args ...any) error {
	return Wrap(ExitUsage, "usage", fmt.Errorf(format, args...))
}
