// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"cronwrap/internal/domain"
	"cronwrap/internal/policy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the metrics of a single wrapper invocation. Each invocation
// gets its own registry; the result is exported for node_exporter's
// textfile collector rather than served.
type Recorder struct {
	registry *prometheus.Registry

	// RunsTotal 记录本次调用的执行结果
	RunsTotal *prometheus.CounterVec
	// DecisionsTotal 按 pass_through / suppress 分类
	DecisionsTotal *prometheus.CounterVec
	// ConsecutiveFailures 当前失败连击数
	ConsecutiveFailures *prometheus.GaugeVec
	// LastRunTimestamp 最近一次运行结束的 Unix 时间
	LastRunTimestamp *prometheus.GaugeVec
	// LastExitCode 最近一次运行的退出码
	LastExitCode *prometheus.GaugeVec
	// RunDuration 运行耗时分布
	RunDuration *prometheus.HistogramVec
	// LockContentionTotal 因锁被占用而跳过的次数
	LockContentionTotal *prometheus.CounterVec
}

// NewRecorder registers the wrapper's metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronwrap_runs_total",
				Help: "Runs of the wrapped command by outcome.",
			},
			[]string{"job", "status"},
		),
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronwrap_decisions_total",
				Help: "Suppression decisions taken for the wrapped command.",
			},
			[]string{"job", "action"},
		),
		ConsecutiveFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cronwrap_consecutive_failures",
				Help: "Current consecutive failure streak of the job.",
			},
			[]string{"job"},
		),
		LastRunTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cronwrap_last_run_timestamp_seconds",
				Help: "Unix time the last run finished.",
			},
			[]string{"job"},
		),
		LastExitCode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cronwrap_last_exit_code",
				Help: "Exit code of the last run.",
			},
			[]string{"job"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cronwrap_run_duration_seconds",
				Help:    "Wall time of the wrapped command.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
			},
			[]string{"job"},
		),
		LockContentionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cronwrap_lock_contention_total",
				Help: "Invocations skipped because the job was already running.",
			},
			[]string{"job"},
		),
	}
}

// ObserveRun records a completed run and the decision taken for it.
func (r *Recorder) ObserveRun(id domain.JobID, outcome *domain.Outcome, record *domain.RunRecord, decision policy.Decision) {
	job := string(id)
	r.RunsTotal.WithLabelValues(job, string(outcome.Status)).Inc()
	r.DecisionsTotal.WithLabelValues(job, string(decision.Action)).Inc()
	r.ConsecutiveFailures.WithLabelValues(job).Set(float64(record.ConsecutiveFailures))
	r.LastExitCode.WithLabelValues(job).Set(float64(outcome.ExitCode))
	r.LastRunTimestamp.WithLabelValues(job).Set(float64(record.LastRunAt.UnixMilli()) / 1000)
	r.RunDuration.WithLabelValues(job).Observe(outcome.Duration.Seconds())
}

// ObserveLockContention records a run skipped because of an overlapping one.
func (r *Recorder) ObserveLockContention(id domain.JobID) {
	r.LockContentionTotal.WithLabelValues(string(id)).Inc()
}

// Gatherer exposes the registry for tests and alternative exporters.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// TextfilePath is where WriteTextfile puts a job's metrics inside dir.
func TextfilePath(dir string, id domain.JobID) string {
	return filepath.Join(dir, "cronwrap_"+string(id)+".prom")
}

// WriteTextfile atomically replaces the job's .prom file in dir.
func (r *Recorder) WriteTextfile(dir string, id domain.JobID) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory %s: %w", dir, err)
	}
	path := TextfilePath(dir, id)
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
