package api

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the saga executor for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunClaimed is called when a worker successfully claims a run.
	OnRunClaimed(ctx context.Context, run *Run, workerID string)

	// OnRunDelivered is called when a run reaches the terminal state.
	OnRunDelivered(ctx context.Context, run *Run)

	// OnRunFailed is called after a forward step fails, before compensation.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnStepStart is called before a forward action is invoked.
	OnStepStart(ctx context.Context, run *Run, stepName string)

	// OnStepCompleted is called after a forward action returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *Run, stepName string, err error, duration time.Duration)

	// OnCompensationStart is called before a compensating action runs.
	OnCompensationStart(ctx context.Context, run *Run, stepName string)

	// OnCompensationApplied is called after a compensating action succeeds
	// and its entry is recorded in the run's compensation log.
	OnCompensationApplied(ctx context.Context, run *Run, stepName string)

	// OnCompensationFailed is called when a compensating action fails. The
	// run halts for manual inspection; prior compensations stay recorded.
	OnCompensationFailed(ctx context.Context, run *Run, stepName string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunClaimed(ctx context.Context, run *Run, workerID string)    {}
func (NoopObserver) OnRunDelivered(ctx context.Context, run *Run)                   {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)           {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, stepName string)     {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, err error, d time.Duration) {
}
func (NoopObserver) OnCompensationStart(ctx context.Context, run *Run, stepName string)   {}
func (NoopObserver) OnCompensationApplied(ctx context.Context, run *Run, stepName string) {}
func (NoopObserver) OnCompensationFailed(ctx context.Context, run *Run, stepName string, err error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunClaimed(ctx context.Context, run *Run, workerID string) {
	for _, o := range c.observers {
		o.OnRunClaimed(ctx, run, workerID)
	}
}

func (c *CompositeObserver) OnRunDelivered(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunDelivered(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, stepName string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepName)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepName, err, d)
	}
}

func (c *CompositeObserver) OnCompensationStart(ctx context.Context, run *Run, stepName string) {
	for _, o := range c.observers {
		o.OnCompensationStart(ctx, run, stepName)
	}
}

func (c *CompositeObserver) OnCompensationApplied(ctx context.Context, run *Run, stepName string) {
	for _, o := range c.observers {
		o.OnCompensationApplied(ctx, run, stepName)
	}
}

func (c *CompositeObserver) OnCompensationFailed(ctx context.Context, run *Run, stepName string, err error) {
	for _, o := range c.observers {
		o.OnCompensationFailed(ctx, run, stepName, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunClaimed(ctx context.Context, run *Run, workerID string) {
	o.Logger.InfoContext(ctx, "run_claimed",
		slog.String("run_id", run.ID),
		slog.String("state", string(run.State)),
		slog.String("worker_id", workerID),
	)
}

func (o *LoggingObserver) OnRunDelivered(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_delivered",
		slog.String("run_id", run.ID),
		slog.String("brief_id", run.BriefID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("run_id", run.ID),
		slog.String("state", string(run.State)),
		slog.String("failed_step", run.FailedStep),
		slog.String("compensations_applied", strings.Join(run.CompensationsApplied, ",")),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, stepName string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
		slog.String("state", string(run.State)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnCompensationStart(ctx context.Context, run *Run, stepName string) {
	o.Logger.InfoContext(ctx, "compensation_start",
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
	)
}

func (o *LoggingObserver) OnCompensationApplied(ctx context.Context, run *Run, stepName string) {
	o.Logger.InfoContext(ctx, "compensation_applied",
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
		slog.String("compensations_applied", strings.Join(run.CompensationsApplied, ",")),
	)
}

func (o *LoggingObserver) OnCompensationFailed(ctx context.Context, run *Run, stepName string, err error) {
	o.Logger.ErrorContext(ctx, "compensation_failed",
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
		slog.String("state", string(run.State)),
		slog.String("compensations_applied", strings.Join(run.CompensationsApplied, ",")),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsClaimed          atomic.Int64
	runsDelivered        atomic.Int64
	runsFailed           atomic.Int64
	stepsCompleted       atomic.Int64
	compensationsApplied atomic.Int64
	compensationsFailed  atomic.Int64
	totalStepDuration    atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsClaimed          int64
	RunsDelivered        int64
	RunsFailed           int64
	StepsCompleted       int64
	CompensationsApplied int64
	CompensationsFailed  int64
	AvgStepDuration      time.Duration
}

func (m *BasicMetrics) OnRunClaimed(ctx context.Context, run *Run, workerID string) {
	m.runsClaimed.Add(1)
}

func (m *BasicMetrics) OnRunDelivered(ctx context.Context, run *Run) {
	m.runsDelivered.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, stepName string, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnCompensationApplied(ctx context.Context, run *Run, stepName string) {
	m.compensationsApplied.Add(1)
}

func (m *BasicMetrics) OnCompensationFailed(ctx context.Context, run *Run, stepName string, err error) {
	m.compensationsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsClaimed:          m.runsClaimed.Load(),
		RunsDelivered:        m.runsDelivered.Load(),
		RunsFailed:           m.runsFailed.Load(),
		StepsCompleted:       steps,
		CompensationsApplied: m.compensationsApplied.Load(),
		CompensationsFailed:  m.compensationsFailed.Load(),
		AvgStepDuration:      avg,
	}
}
