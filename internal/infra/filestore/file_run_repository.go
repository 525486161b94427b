// internal/infra/filestore/file_run_repository.go
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"cronwrap/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// StateFileExt is the suffix of state files inside the state directory.
	StateFileExt = ".json"
	// StateFileMode is the permission of state files.
	StateFileMode = 0o600
	// StateDirMode is used when the state directory is created.
	StateDirMode = 0o755
	// DefaultStateLockTimeout bounds how long Update waits for a concurrent writer.
	DefaultStateLockTimeout = 30 * time.Second
)

// Options tunes a fileRunRepository.
type Options struct {
	// CreateDir creates a missing state directory instead of failing.
	CreateDir bool
	// StateLockTimeout overrides DefaultStateLockTimeout when positive.
	StateLockTimeout time.Duration
}

type fileRunRepository struct {
	dir    string
	locker domain.Locker
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	dirOK  atomic.Bool
}

// NewFileRunRepository creates a repository keeping one JSON file per job in dir.
// Read-modify-write cycles are serialized through locker's state locks.
func NewFileRunRepository(dir string, locker domain.Locker, opts Options, logger *slog.Logger) domain.RunRepository {
	if opts.StateLockTimeout <= 0 {
		opts.StateLockTimeout = DefaultStateLockTimeout
	}
	return &fileRunRepository{
		dir:    dir,
		locker: locker,
		opts:   opts,
		logger: logger.With("component", "state-store"),
		tracer: otel.Tracer("cronwrap-filestore"),
	}
}

// StatePath returns the state file of a job inside dir.
func StatePath(dir string, id domain.JobID) string {
	return filepath.Join(dir, string(id)+StateFileExt)
}

// Load reads a job's record. A missing file yields a zero-state record.
func (r *fileRunRepository) Load(ctx context.Context, id domain.JobID) (*domain.RunRecord, error) {
	_, span := r.tracer.Start(ctx, "repo.file.Load", trace.WithAttributes(attribute.String("job.id", string(id))))
	defer span.End()

	record, err := r.load(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load state record")
		return nil, err
	}
	span.SetAttributes(attribute.Int("record.consecutive_failures", record.ConsecutiveFailures))
	return record, nil
}

// Save writes the record atomically: temp file, fsync, rename, directory fsync.
func (r *fileRunRepository) Save(ctx context.Context, id domain.JobID, record *domain.RunRecord) error {
	_, span := r.tracer.Start(ctx, "repo.file.Save", trace.WithAttributes(attribute.String("job.id", string(id))))
	defer span.End()

	if err := r.save(id, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save state record")
		return err
	}
	return nil
}

// Update performs load, fn and save while holding the job's state lock.
func (r *fileRunRepository) Update(ctx context.Context, id domain.JobID, fn func(record *domain.RunRecord) error) (*domain.RunRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.file.Update", trace.WithAttributes(attribute.String("job.id", string(id))))
	defer span.End()

	var updated *domain.RunRecord
	err := r.withStateLock(ctx, id, func() error {
		record, err := r.load(id)
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
		if err := r.save(id, record); err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update state record")
		return nil, err
	}
	return updated, nil
}

// List decodes every state file in the directory, newest run first.
// Undecodable files are logged and skipped so one bad job does not hide the rest.
func (r *fileRunRepository) List(ctx context.Context) ([]*domain.RunRecord, error) {
	_, span := r.tracer.Start(ctx, "repo.file.List")
	defer span.End()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		err = fmt.Errorf("%w: read state directory %s: %v", domain.ErrStateIO, r.dir, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list state directory")
		return nil, err
	}

	records := make([]*domain.RunRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, StateFileExt) || strings.Contains(name, ".tmp-") {
			continue
		}
		id := domain.JobID(strings.TrimSuffix(name, StateFileExt))
		record, err := r.load(id)
		if err != nil {
			r.logger.Warn("skipping unreadable state file", "file", name, "error", err)
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastRunAt.After(records[j].LastRunAt)
	})
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

// Delete removes a job's state file under its state lock.
func (r *fileRunRepository) Delete(ctx context.Context, id domain.JobID) error {
	ctx, span := r.tracer.Start(ctx, "repo.file.Delete", trace.WithAttributes(attribute.String("job.id", string(id))))
	defer span.End()

	err := r.withStateLock(ctx, id, func() error {
		path := StatePath(r.dir, id)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
			}
			return fmt.Errorf("%w: remove %s: %v", domain.ErrStateIO, path, err)
		}
		if err := syncDir(r.dir); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStateIO, err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete state record")
		return err
	}
	r.logger.Info("deleted state record", "job", id)
	return nil
}

func (r *fileRunRepository) withStateLock(ctx context.Context, id domain.JobID, fn func() error) error {
	if err := r.ensureDir(); err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.opts.StateLockTimeout)
	defer cancel()
	lock, err := r.locker.WaitLock(lockCtx, domain.StateLockName(id))
	if err != nil {
		return fmt.Errorf("%w: acquire state lock for %s: %v", domain.ErrStateIO, id, err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			r.logger.Error("failed to release state lock", "job", id, "error", err)
		}
	}()

	return fn()
}

func (r *fileRunRepository) load(id domain.JobID) (*domain.RunRecord, error) {
	if err := r.ensureDir(); err != nil {
		return nil, err
	}

	path := StatePath(r.dir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("no state record yet, starting from zero", "job", id)
			return domain.NewRunRecord(id), nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrStateIO, path, err)
	}

	var record domain.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrCorruptState, path, err)
	}
	if record.Version != domain.RecordVersion {
		return nil, fmt.Errorf("%w: %s has format version %d, expected %d (delete it or run `cronwrap reset`)",
			domain.ErrCorruptState, path, record.Version, domain.RecordVersion)
	}
	if record.Job != id {
		return nil, fmt.Errorf("%w: %s belongs to job %q", domain.ErrCorruptState, path, record.Job)
	}
	if record.ConsecutiveFailures < 0 {
		return nil, fmt.Errorf("%w: %s has negative failure count %d", domain.ErrCorruptState, path, record.ConsecutiveFailures)
	}
	return &record, nil
}

func (r *fileRunRepository) save(id domain.JobID, record *domain.RunRecord) error {
	if err := r.ensureDir(); err != nil {
		return err
	}

	record.Version = domain.RecordVersion
	record.Job = id
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state record %s: %w", id, err)
	}

	path := StatePath(r.dir, id)
	if err := writeFileAtomic(path, append(payload, '\n')); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrStateIO, path, err)
	}
	return nil
}

func (r *fileRunRepository) ensureDir() error {
	if r.dirOK.Load() {
		return nil
	}

	info, err := os.Stat(r.dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%w: %s is not a directory", domain.ErrStateIO, r.dir)
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && r.opts.CreateDir:
		if err := os.MkdirAll(r.dir, StateDirMode); err != nil {
			return fmt.Errorf("%w: create state directory %s: %v", domain.ErrStateIO, r.dir, err)
		}
		r.logger.Info("created state directory", "dir", r.dir)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: state directory %s does not exist (create it or enable create_state_dir)", domain.ErrStateIO, r.dir)
	default:
		return fmt.Errorf("%w: stat state directory %s: %v", domain.ErrStateIO, r.dir, err)
	}

	r.dirOK.Store(true)
	return nil
}

func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := tmpFile.Chmod(StateFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmpFile.Write(payload); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return syncDir(dir)
}

// syncDir makes a rename or unlink in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
