package api

import (
	"time"
)

// ArtifactRef is an opaque reference to an artifact owned by a module store.
// The orchestration core never dereferences it; it only hands it back to the
// owning module when compensating.
type ArtifactRef struct {
	Store   string `json:"store"`
	ID      string `json:"id"`
	Version int    `json:"version,omitempty"`
}

// Override is a pending one-shot authorization for a manual transition.
type Override struct {
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// Run is the durable record of one saga instance.
//
// Runs are created in StateCreated and mutated only by the executor and the
// claim/lease manager. They are never physically deleted, even after the
// artifacts they reference have been hard-deleted by compensation.
type Run struct {
	ID      string
	BriefID string
	State   State

	// Claim/lease metadata. ClaimedBy is empty when unclaimed; a run whose
	// lease has expired is reclaimable by any worker.
	ClaimedBy      string
	LeaseExpiresAt time.Time

	// Artifacts maps completed step names to the artifact each produced.
	Artifacts map[string]ArtifactRef

	// CompensationsApplied is the ordered log of compensations already
	// performed, entries of the form "<step>_reverted". A step present here
	// is never compensated again.
	CompensationsApplied []string

	// FailedStep names the forward step that failed, if any. The run state
	// stays at the last successfully reached state; CompensationDone marks
	// whether the reverse pass finished.
	FailedStep       string
	CompensationDone bool
	Err              error

	Override *Override

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Compensated reports whether the given step is already recorded in the
// compensation log.
func (r *Run) Compensated(step string) bool {
	entry := CompensationEntry(step)
	for _, e := range r.CompensationsApplied {
		if e == entry {
			return true
		}
	}
	return false
}

// Failed reports whether a forward step has failed on this run.
func (r *Run) Failed() bool {
	return r.FailedStep != ""
}

// Claimable reports whether the run may be claimed at the given instant:
// it is not terminal, not fully compensated after a failure, and either
// unclaimed or holding an expired lease.
func (r *Run) Claimable(now time.Time) bool {
	if Terminal(r.State) {
		return false
	}
	if r.Failed() && r.CompensationDone {
		// Parked for manual inspection; nothing left to execute.
		return false
	}
	return r.ClaimedBy == "" || !r.LeaseExpiresAt.After(now)
}

// CompensationEntry returns the compensation-log entry for a step name.
func CompensationEntry(step string) string {
	return step + "_reverted"
}

// RunListOptions controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunListOptions struct {
	State     State
	ClaimedBy string
}
