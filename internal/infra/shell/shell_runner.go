// internal/infra/shell/shell_runner.go
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"cronwrap/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWaitDelay bounds how long Wait keeps reading output after the
// child has been killed, in case a stray descendant still holds the pipes.
const DefaultWaitDelay = 2 * time.Second

// shellRunner implements domain.ProcessRunner for local commands.
type shellRunner struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	waitDelay time.Duration
}

// NewShellRunner creates a new shellRunner instance.
func NewShellRunner(logger *slog.Logger) domain.ProcessRunner {
	return &shellRunner{
		logger:    logger.With("component", "runner"),
		tracer:    otel.Tracer("cronwrap-shell-runner"),
		waitDelay: DefaultWaitDelay,
	}
}

// Run executes the job's command in its own process group and captures its
// output. On timeout or cancellation the whole process tree is killed.
func (e *shellRunner) Run(ctx context.Context, job *domain.Job) (*domain.Outcome, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "runner.shell.Run",
		trace.WithAttributes(
			attribute.String("job.id", string(job.ID)),
			attribute.String("job.command", job.CommandLine()),
			attribute.String("job.capture", string(job.Capture)),
		))
	defer span.End()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	name, args := job.Argv[0], job.Argv[1:]
	if job.Shell != "" {
		name, args = job.Shell, []string{"-c", job.Argv[0]}
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = job.Dir
	cmd.Env = job.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = e.waitDelay

	var killed atomic.Bool
	cmd.Cancel = func() error {
		killed.Store(true)
		return e.killProcessTree(cmd.Process.Pid)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if job.Capture == domain.CaptureMerged {
		// Same writer for both streams: exec shares one pipe and keeps write order.
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	outcome := &domain.Outcome{
		Merged:    job.Capture == domain.CaptureMerged,
		StartedAt: time.Now(),
	}

	e.logger.Debug("starting command", "job", job.ID, "command", job.CommandLine(), "timeout", job.Timeout)
	if err := cmd.Start(); err != nil {
		outcome.Duration = time.Since(outcome.StartedAt)
		// exec refuses to start once the context is done; that is not a launch failure.
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "wrapper interrupted")
			return outcome, fmt.Errorf("%w: %v", domain.ErrInterrupted, ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.timedOut(span, job, outcome)
			return outcome, nil
		}
		outcome.Status = domain.RunStatusLaunchError
		outcome.ExitCode = exitCodeForStartFailure(err)
		outcome.Err = fmt.Errorf("failed to start %s: %w", name, err)
		span.SetStatus(codes.Error, "command failed to start")
		span.RecordError(err)
		e.logger.Debug("command failed to start", "job", job.ID, "error", err)
		return outcome, nil
	}
	span.SetAttributes(attribute.Int("process.pid", cmd.Process.Pid))

	waitErr := cmd.Wait()
	outcome.Duration = time.Since(outcome.StartedAt)
	outcome.Stdout = stdout.Bytes()
	outcome.Stderr = stderr.Bytes()
	span.SetAttributes(
		attribute.Int("shell.stdout_bytes", stdout.Len()),
		attribute.Int("shell.stderr_bytes", stderr.Len()),
		attribute.Float64("shell.duration_seconds", outcome.Duration.Seconds()),
	)

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "wrapper interrupted")
		return outcome, fmt.Errorf("%w: %v", domain.ErrInterrupted, ctx.Err())
	}

	if killed.Load() && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.timedOut(span, job, outcome)
		return outcome, nil
	}

	classifyExit(outcome, cmd.ProcessState, waitErr)
	if outcome.Status.IsSuccess() {
		span.SetStatus(codes.Ok, "command succeeded")
	} else {
		span.SetStatus(codes.Error, "command failed")
		span.SetAttributes(attribute.Int("process.exit_code", outcome.ExitCode))
	}
	e.logger.Debug("command finished", "job", job.ID, "status", outcome.Status, "exit_code", outcome.ExitCode, "duration", outcome.Duration)
	return outcome, nil
}

func (e *shellRunner) timedOut(span trace.Span, job *domain.Job, outcome *domain.Outcome) {
	outcome.Status = domain.RunStatusTimeout
	outcome.ExitCode = domain.ExitCodeTimeout
	outcome.Err = fmt.Errorf("command reached timeout of %s", job.Timeout)
	span.SetStatus(codes.Error, "command timed out")
	e.logger.Debug("command timed out", "job", job.ID, "timeout", job.Timeout)
}

// classifyExit fills status and exit code from the finished process.
func classifyExit(outcome *domain.Outcome, state *os.ProcessState, waitErr error) {
	if state == nil {
		outcome.Status = domain.RunStatusFailure
		outcome.ExitCode = 1
		outcome.Err = waitErr
		return
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		outcome.Status = domain.RunStatusFailure
		outcome.ExitCode = domain.ExitCodeSignalBase + int(ws.Signal())
		outcome.Signal = ws.Signal().String()
		return
	}

	outcome.ExitCode = state.ExitCode()
	if outcome.ExitCode == 0 {
		// A zero exit can still come with exec.ErrWaitDelay when a detached
		// descendant kept the output pipes open; the command itself succeeded.
		outcome.Status = domain.RunStatusSuccess
		return
	}
	outcome.Status = domain.RunStatusFailure
}

func exitCodeForStartFailure(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return domain.ExitCodeCommandNotFound
	}
	// Found but not runnable: permissions, bad interpreter, wrong format.
	return domain.ExitCodeNotExecutable
}
