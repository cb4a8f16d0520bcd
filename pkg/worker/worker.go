// Package worker runs the claim-poll loop that drives runs through the
// pipeline. Any number of workers may poll the same store; the claim/lease
// protocol guarantees each run is executed by at most one of them at a time.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/adflowhq/adflow/pkg/api"
)

// Claimer is the slice of the run store the worker needs: claiming the next
// unit of work and maintaining its lease.
type Claimer interface {
	ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error)
	RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, runID, workerID string) error
}

// Runner executes a claimed run.
type Runner interface {
	Execute(ctx context.Context, run *api.Run) error
}

// Options configures a Worker. Zero values get defaults.
type Options struct {
	// ID identifies this worker in claims and logs. Defaults to
	// "<hostname>-<random suffix>".
	ID string

	// LeaseTTL is the lease duration requested on claims. The heartbeat
	// renews at a third of this interval. Defaults to 30s.
	LeaseTTL time.Duration

	// PollInterval is how long the worker sleeps when nothing is claimable.
	// Defaults to 2s.
	PollInterval time.Duration

	// Observer receives run lifecycle events. Defaults to NoopObserver.
	Observer api.Observer

	// Logger receives worker-level logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Worker polls for claimable runs and executes them one at a time,
// heartbeating the lease while a run is in flight.
type Worker struct {
	id       string
	claims   Claimer
	runner   Runner
	ttl      time.Duration
	poll     time.Duration
	observer api.Observer
	logger   *slog.Logger
}

// New creates a Worker over the given claimer and runner.
func New(claims Claimer, runner Runner, opts Options) *Worker {
	if opts.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		opts.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		id:       opts.ID,
		claims:   claims,
		runner:   runner,
		ttl:      opts.LeaseTTL,
		poll:     opts.PollInterval,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. Step failures are logged and do not stop
// the loop; the run record carries the failure for inspection.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker_started",
		slog.String("worker_id", w.id),
		slog.Duration("lease_ttl", w.ttl),
	)

	for {
		claimed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "run_execution_error",
				slog.String("worker_id", w.id),
				slog.Any("error", err),
			)
		}

		if claimed {
			// More work may be queued; poll again immediately.
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker_stopped", slog.String("worker_id", w.id))
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and executes at most one run. It reports whether a run was
// claimed, and any error from claiming or execution.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	run, err := w.claims.ClaimNext(ctx, w.id, w.ttl)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}
	w.observer.OnRunClaimed(ctx, run, w.id)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeat(hbCtx, run.ID)
	}()

	execErr := w.runner.Execute(ctx, run)

	stopHeartbeat()
	<-heartbeatDone

	if relErr := w.claims.ReleaseLease(ctx, run.ID, w.id); relErr != nil && execErr == nil {
		execErr = relErr
	}
	return true, execErr
}

// heartbeat renews the lease at a third of its TTL until ctx is cancelled.
// A failed renewal ends the heartbeat: the lease holder has changed and the
// executor's next persisted update will surface the conflict.
func (w *Worker) heartbeat(ctx context.Context, runID string) {
	interval := w.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.claims.RenewLease(ctx, runID, w.id, w.ttl); err != nil {
				w.logger.WarnContext(ctx, "lease_renewal_failed",
					slog.String("worker_id", w.id),
					slog.String("run_id", runID),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}
