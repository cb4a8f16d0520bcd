package api

import (
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a workflow run.
type State string

const (
	StateCreated           State = "CREATED"
	StateIntakeComplete    State = "INTAKE_COMPLETE"
	StateStrategyGenerated State = "STRATEGY_GENERATED"
	StateStrategyApproved  State = "STRATEGY_APPROVED"
	StateCampaignDefined   State = "CAMPAIGN_DEFINED"
	StateCreativeGenerated State = "CREATIVE_GENERATED"
	StateQCFailed          State = "QC_FAILED"
	StateQCApproved        State = "QC_APPROVED"
	StateDelivered         State = "DELIVERED"
)

// States lists every workflow state in lifecycle order.
var States = []State{
	StateCreated,
	StateIntakeComplete,
	StateStrategyGenerated,
	StateStrategyApproved,
	StateCampaignDefined,
	StateCreativeGenerated,
	StateQCFailed,
	StateQCApproved,
	StateDelivered,
}

// transitions is the complete set of legal edges. Anything not listed here
// is illegal unless a one-shot override is pending on the run.
var transitions = map[State][]State{
	StateCreated:           {StateIntakeComplete},
	StateIntakeComplete:    {StateStrategyGenerated},
	StateStrategyGenerated: {StateStrategyApproved},
	StateStrategyApproved:  {StateCampaignDefined},
	StateCampaignDefined:   {StateCreativeGenerated},
	StateCreativeGenerated: {StateQCFailed, StateQCApproved},
	StateQCFailed:          {StateQCApproved},
	StateQCApproved:        {StateDelivered},
	StateDelivered:         {},
}

// CanTransition reports whether from -> to is a legal edge.
// It has no side effects and ignores any pending override.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s State) bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known workflow state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}

// Transition moves the run to the target state if the edge is legal, or if
// a one-shot override is pending on the run. The override is consumed by
// this attempt whether or not the edge was legal; an illegal transition
// without a pending override fails without mutating the run.
func Transition(run *Run, to State) error {
	if run.Override != nil {
		// One-shot: consumed by this attempt regardless of legality. An
		// unknown target still fails, but the override is spent.
		run.Override = nil
		if !Valid(to) {
			return &IllegalTransitionError{From: run.State, To: to}
		}
		run.State = to
		return nil
	}

	if !Valid(to) || !CanTransition(run.State, to) {
		return &IllegalTransitionError{From: run.State, To: to}
	}

	run.State = to
	return nil
}

// RequireOverride records a one-shot authorization on the run. The next
// transition attempt succeeds regardless of legality and clears it.
func RequireOverride(run *Run, reason, actor string) error {
	if reason == "" {
		return fmt.Errorf("override reason is required")
	}
	if actor == "" {
		return fmt.Errorf("override actor is required")
	}
	run.Override = &Override{
		Reason: reason,
		Actor:  actor,
		At:     time.Now().UTC(),
	}
	return nil
}

// RenderTransitionTable renders the legal edges as a stable, human-readable
// table. Used by the CLI and by tests pinning the transition set.
func RenderTransitionTable() string {
	var b strings.Builder
	for _, from := range States {
		next := transitions[from]
		if len(next) == 0 {
			fmt.Fprintf(&b, "%s -> (terminal)\n", from)
			continue
		}
		parts := make([]string, len(next))
		for i, s := range next {
			parts[i] = string(s)
		}
		fmt.Fprintf(&b, "%s -> %s\n", from, strings.Join(parts, " | "))
	}
	return b.String()
}
