package persistence

import (
	"context"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

// RunStore handles storage of workflow run records and the claim/lease
// protocol. Claiming is an atomic conditional update: a run is claimable if
// it is unclaimed, its lease has expired, or the claimer already owns it
// (re-entrant). At most one worker holds a live lease on a run at any
// instant; this is the sole mechanism preventing double-execution.
type RunStore interface {
	SaveRun(ctx context.Context, run *api.Run) error
	UpdateRun(ctx context.Context, run *api.Run) error
	GetRun(ctx context.Context, id string) (*api.Run, error)
	ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error)

	// Claim attempts to claim the given run for workerID with the given
	// lease. Returns api.ErrClaimConflict if another worker holds a live
	// lease, api.ErrRunNotFound if the run does not exist.
	Claim(ctx context.Context, runID, workerID string, ttl time.Duration) (*api.Run, error)

	// ClaimNext scans for a claimable, executable run and claims it.
	// Returns (nil, nil) when nothing is claimable.
	ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error)

	// RenewLease extends an existing lease owned by workerID. Returns
	// api.ErrClaimConflict if the lease is not held by workerID.
	RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error

	// ReleaseLease releases a lease if held by workerID. It is idempotent.
	ReleaseLease(ctx context.Context, runID, workerID string) error
}
