// internal/usecase/wrap_service.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"cronwrap/internal/domain"
	"cronwrap/internal/metrics"
	"cronwrap/internal/policy"
	"cronwrap/internal/report"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WrapOptions controls locking and start-up of a wrapped run.
type WrapOptions struct {
	// NoOverlap refuses to start while another run of the same job holds the run lock.
	NoOverlap bool
	// LockName overrides the run lock; an absolute path may be shared between jobs.
	LockName          string
	LockRetries       int
	LockRetryInterval time.Duration
	// IgnoreRunning turns lock contention into a silent exit 0.
	IgnoreRunning bool
	// Fuzz delays the start by a random duration in [0, Fuzz).
	Fuzz time.Duration
	// MetricsDir receives a Prometheus textfile per job when set.
	MetricsDir string
}

// Result describes a finished invocation.
type Result struct {
	RunID    string
	Outcome  *domain.Outcome
	Decision policy.Decision
	Record   *domain.RunRecord
	// ExitCode is what the wrapper should exit with when Run returns no error.
	ExitCode int
	// Skipped is set when the command was not started because the job was already running.
	Skipped bool
}

// WrapService runs a job and applies the suppression policy to its outcome.
type WrapService struct {
	repo       domain.RunRepository
	locker     domain.Locker
	runner     domain.ProcessRunner
	policy     policy.Policy
	translator *report.Translator
	recorder   *metrics.Recorder
	failureLog *slog.Logger
	logger     *slog.Logger
	tracer     trace.Tracer

	newRunID func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWrapService creates a new WrapService instance.
func NewWrapService(repo domain.RunRepository, locker domain.Locker, runner domain.ProcessRunner, p policy.Policy, translator *report.Translator, logger *slog.Logger) (*WrapService, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &WrapService{
		repo:       repo,
		locker:     locker,
		runner:     runner,
		policy:     p,
		translator: translator,
		logger:     logger.With("component", "wrap-service"),
		tracer:     otel.Tracer("cronwrap-usecase"),
		newRunID:   uuid.NewString,
		sleep:      sleepContext,
	}, nil
}

// WithMetrics records every completed run in r.
func (s *WrapService) WithMetrics(r *metrics.Recorder) *WrapService {
	s.recorder = r
	return s
}

// WithFailureLog writes a record of every failed run, suppressed or not, to l.
func (s *WrapService) WithFailureLog(l *slog.Logger) *WrapService {
	s.failureLog = l
	return s
}

// Run executes job once: pre-flight state check, lock, run, decide, persist, emit.
//
// Errors are wrapper errors: domain.ErrLockNotAcquired when the job is already
// running (unless IgnoreRunning), domain.ErrInterrupted when ctx was cancelled,
// and domain.ErrCorruptState / domain.ErrStateIO for state problems.
func (s *WrapService) Run(ctx context.Context, job *domain.Job, opts WrapOptions) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	runID := s.newRunID()
	ctx, span := s.tracer.Start(ctx, "wrap.Run", trace.WithAttributes(
		attribute.String("job.id", string(job.ID)),
		attribute.String("run.id", runID),
	))
	defer span.End()

	logger := s.logger.With("job", job.ID, "run_id", runID)
	res := &Result{RunID: runID}

	// A corrupt or unreachable state store fails the run before the command starts.
	// It also prepares the state directory that per-job lock files live in.
	prior, err := s.repo.Load(ctx, job.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "state pre-flight check failed")
		return res, err
	}
	logger.Debug("loaded state", "consecutive_failures", prior.ConsecutiveFailures)

	if opts.NoOverlap {
		lock, err := s.acquireRunLock(ctx, job.ID, opts)
		if err != nil {
			if !errors.Is(err, domain.ErrLockNotAcquired) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to acquire run lock")
				return res, err
			}
			res.Skipped = true
			span.AddEvent("skipped_execution", trace.WithAttributes(attribute.String("reason", "lock_not_acquired")))
			s.exportMetrics(job.ID, opts, func(r *metrics.Recorder) { r.ObserveLockContention(job.ID) })
			if opts.IgnoreRunning {
				logger.Info("job already running, skipping")
				return res, nil
			}
			return res, fmt.Errorf("job %s is already running: %w", job.ID, err)
		}
		logger.Debug("acquired run lock")
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release run lock", "error", err)
			}
		}()
	}

	if opts.Fuzz > 0 {
		delay := rand.N(opts.Fuzz)
		logger.Debug("sleeping before start", "fuzz", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("%w: %v", domain.ErrInterrupted, err)
		}
	}

	outcome, err := s.runner.Run(ctx, job)
	res.Outcome = outcome
	if err != nil {
		// Interrupted runs are not completed runs: the record stays untouched.
		span.RecordError(err)
		span.SetStatus(codes.Error, "run did not complete")
		logger.Warn("run did not complete, state left unchanged", "error", err)
		return res, err
	}

	var decision policy.Decision
	record, err := s.repo.Update(ctx, job.ID, func(rec *domain.RunRecord) error {
		next, d := s.policy.Decide(rec, outcome, runID)
		next.Command = append([]string(nil), job.Argv...)
		if job.Schedule != "" {
			next.Schedule = job.Schedule
		}
		*rec = *next
		decision = d
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist state")
		// The command ran; its output is not lost just because the state is.
		if _, emitErr := s.translator.Emit(outcome, policy.Decision{Action: policy.ActionPassThrough}); emitErr != nil {
			logger.Error("failed to emit output", "error", emitErr)
		}
		return res, err
	}
	res.Record = record
	res.Decision = decision

	span.SetAttributes(
		attribute.String("run.status", string(outcome.Status)),
		attribute.String("decision.action", string(decision.Action)),
		attribute.Int("decision.streak", decision.Streak),
	)
	logger.Debug("decision taken",
		"status", outcome.Status,
		"exit_code", outcome.ExitCode,
		"action", decision.Action,
		"streak", decision.Streak,
		"reason", decision.Reason,
	)
	if decision.Recovered {
		logger.Info("job recovered", "previous_streak", decision.PriorStreak)
	}

	if !outcome.Status.IsSuccess() {
		s.logFailure(job, runID, outcome, decision)
	}
	s.exportMetrics(job.ID, opts, func(r *metrics.Recorder) { r.ObserveRun(job.ID, outcome, record, decision) })

	code, err := s.translator.Emit(outcome, decision)
	res.ExitCode = code
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to emit output")
		return res, err
	}
	span.SetStatus(codes.Ok, "run handled")
	return res, nil
}

// acquireRunLock tries the run lock, retrying contention up to opts.LockRetries times.
func (s *WrapService) acquireRunLock(ctx context.Context, id domain.JobID, opts WrapOptions) (domain.Lock, error) {
	ctx, span := s.tracer.Start(ctx, "wrap.acquireRunLock")
	defer span.End()

	name := opts.LockName
	if name == "" {
		name = domain.RunLockName(id)
	}
	span.SetAttributes(attribute.String("lock.name", name))

	interval := opts.LockRetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	attempt := 0
	lock, err := backoff.Retry(ctx, func() (domain.Lock, error) {
		attempt++
		l, err := s.locker.Lock(ctx, name)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, domain.ErrLockNotAcquired) {
			s.logger.Debug("run lock busy", "lock", name, "attempt", attempt)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(opts.LockRetries)+1),
	)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInterrupted, ctxErr)
		}
		return nil, fmt.Errorf("failed to acquire run lock %s: %w", name, err)
	}
	span.SetAttributes(attribute.Int("lock.attempts", attempt))
	return lock, nil
}

func (s *WrapService) logFailure(job *domain.Job, runID string, outcome *domain.Outcome, d policy.Decision) {
	if s.failureLog == nil {
		return
	}
	summary := policy.Summarize(outcome, runID)
	s.failureLog.Warn("cronwrap failure",
		"job", job.ID,
		"command", job.CommandLine(),
		"run_id", runID,
		"status", summary.Status,
		"exit_code", summary.ExitCode,
		"started_at", summary.StartedAt,
		"duration", summary.Duration,
		"streak", d.Streak,
		"action", d.Action,
		"stdout", summary.Stdout,
		"stderr", summary.Stderr,
		"error", summary.Error,
	)
}

func (s *WrapService) exportMetrics(id domain.JobID, opts WrapOptions, observe func(r *metrics.Recorder)) {
	if s.recorder == nil {
		return
	}
	observe(s.recorder)
	if opts.MetricsDir == "" {
		return
	}
	if err := s.recorder.WriteTextfile(opts.MetricsDir, id); err != nil {
		s.logger.Warn("failed to export metrics", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
