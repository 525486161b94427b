package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cronwrap/internal/config"
	"cronwrap/internal/domain"
	"cronwrap/internal/infra/filestore"
	"cronwrap/internal/infra/flock"
	"cronwrap/internal/infra/shell"
	"cronwrap/internal/logging"
	"cronwrap/internal/metrics"
	"cronwrap/internal/report"
	"cronwrap/internal/tracing"
	"cronwrap/internal/usecase"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func runWrap(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return usageError("no command given; usage: %s", cmd.UseLine())
	}

	cfg, logger, closeLog, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		cfg.AlwaysPrintSuccess = false
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.TraceFile != "" {
		shutdown, err := startTracing(cfg.TraceFile)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Warn("failed to flush traces", "error", err)
				}
			}()
		}
	}

	job, err := buildJob(cfg, args)
	if err != nil {
		return err
	}
	logger = logger.With("job", job.ID)

	lockName, err := lockFilePath(cfg.LockFile)
	if err != nil {
		return err
	}

	locker := flock.NewFileLocker(cfg.StateDir)
	repo := filestore.NewFileRunRepository(cfg.StateDir, locker, filestore.Options{CreateDir: cfg.CreateStateDir}, logger)
	runner := shell.NewShellRunner(logger)
	translator := &report.Translator{
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		Report:    cfg.Report,
		Command:   job.CommandLine(),
		Threshold: cfg.NumFails,
	}

	svc, err := usecase.NewWrapService(repo, locker, runner, cfg.Policy(), translator, logger)
	if err != nil {
		return Wrap(ExitUsage, "configuration", err)
	}
	if cfg.MetricsDir != "" {
		svc.WithMetrics(metrics.NewRecorder())
	}
	if cfg.Syslog {
		failureLog, closeSyslog, err := logging.NewSyslog(cfg.SyslogFacility, cfg.SyslogPriority, "cronwrap")
		if err != nil {
			logger.Warn("syslog disabled", "error", err)
		} else {
			defer closeSyslog()
			svc.WithFailureLog(failureLog)
		}
	}

	res, err := svc.Run(ctx, job, usecase.WrapOptions{
		NoOverlap:         cfg.NoOverlap || cfg.LockFile != "",
		LockName:          lockName,
		LockRetries:       cfg.LockRetries,
		LockRetryInterval: cfg.LockRetryInterval,
		IgnoreRunning:     cfg.IgnoreRunning,
		Fuzz:              cfg.Fuzz,
		MetricsDir:        cfg.MetricsDir,
	})
	if err != nil {
		logger.Debug("run ended with wrapper error", "error", err)
		return classify(err)
	}
	if res.ExitCode != ExitOK {
		return Exit(res.ExitCode)
	}
	return nil
}

// buildJob turns the resolved configuration and the trailing arguments into a job.
func buildJob(cfg *config.Config, args []string) (*domain.Job, error) {
	argv := args
	shellPath := ""
	if cfg.ShellString {
		argv = []string{strings.Join(args, " ")}
		shellPath = cfg.Shell
	}

	idOpts := domain.IdentityOptions{Name: cfg.JobName, Shell: cfg.ShellString}
	if cfg.IdentityIncludeCwd {
		wd, err := os.Getwd()
		if err != nil {
			return nil, Wrap(ExitWrapperError, "working directory", err)
		}
		idOpts.Dir = wd
	}

	env, err := buildEnv(cfg)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:       domain.NewJobID(argv, idOpts),
		Argv:     argv,
		Shell:    shellPath,
		Env:      env,
		Timeout:  cfg.Timeout,
		Capture:  domain.CaptureMode(cfg.CaptureMode),
		Schedule: cfg.Schedule,
	}
	if err := job.Validate(); err != nil {
		return nil, Wrap(ExitUsage, "usage", err)
	}
	return job, nil
}

// buildEnv returns the wrapped command's environment, or nil to inherit ours.
// A PATH override is also applied to the wrapper itself because the command
// is looked up with the wrapper's PATH.
func buildEnv(cfg *config.Config) ([]string, error) {
	if cfg.Path != "" {
		if err := os.Setenv("PATH", cfg.Path); err != nil {
			return nil, Wrap(ExitWrapperError, "set PATH", err)
		}
	}
	if cfg.EnvFile == "" {
		return nil, nil
	}

	extra, err := godotenv.Read(cfg.EnvFile)
	if err != nil {
		return nil, Wrap(ExitUsage, "env file", err)
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// lockFilePath anchors an explicit lock file to the working directory; the
// locker would otherwise resolve a relative name inside the state directory.
func lockFilePath(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", Wrap(ExitUsage, "lock file", err)
	}
	return abs, nil
}

func startTracing(path string) (func(context.Context) error, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	shutdown, err := tracing.InitTracer("cronwrap", f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
