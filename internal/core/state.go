package core

import (
	"errors"
	"fmt"
	"time"

	"triage-dispatcher/pkg"
)

// ErrIllegalTransition is returned when a requested state change is not in
// the transition table.  It is never fatal: the session is left untouched and
// the caller may retry with another target or drop the turn.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions is the legal state graph for a session.
var transitions = map[pkg.State][]pkg.State{
	pkg.StateNew:                       {pkg.StateCollectingProfile},
	pkg.StateCollectingProfile:         {pkg.StateCollectingSymptoms, pkg.StateConnectingToClinician},
	pkg.StateCollectingSymptoms:        {pkg.StateAIFollowup, pkg.StateConnectingToClinician},
	pkg.StateAIFollowup:                {pkg.StateSummaryPending, pkg.StateConnectingToClinician},
	pkg.StateSummaryPending:            {pkg.StateAwaitingClinicianDecision, pkg.StateCompleted},
	pkg.StateAwaitingClinicianDecision: {pkg.StateConnectingToClinician, pkg.StateCompleted},
	pkg.StateConnectingToClinician:     {pkg.StateClinicianActive},
	pkg.StateClinicianActive:           {pkg.StateCompleted},
}

// overrides may be entered from any state: a patient can always ask for a
// clinician and a case can always be closed.
var overrides = []pkg.State{pkg.StateConnectingToClinician, pkg.StateCompleted}

// AllowedTargets returns the regular targets reachable from s, excluding the
// overrides.
func AllowedTargets(s pkg.State) []pkg.State {
	out := make([]pkg.State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// OverrideTargets returns the states reachable from every state.
func OverrideTargets() []pkg.State {
	out := make([]pkg.State, len(overrides))
	copy(out, overrides)
	return out
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to pkg.State) bool {
	if !to.Valid() {
		return false
	}
	for _, t := range overrides {
		if t == to {
			return true
		}
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves the session to target if the move is legal, stamping
// UpdatedAt.  On failure the session is unchanged and the error wraps
// ErrIllegalTransition.
func Transition(s *pkg.Session, target pkg.State) error {
	if !CanTransition(s.State, target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, target)
	}
	s.State = target
	s.UpdatedAt = time.Now()
	return nil
}

// Reopen starts a new intake for a returning patient whose previous
// conversation is COMPLETED.  It is deliberately separate from Transition:
// the table has no edge out of COMPLETED.  Profile is kept; per-intake turn
// data and escalation markers are cleared.
func Reopen(s *pkg.Session) error {
	if s.State != pkg.StateCompleted {
		return fmt.Errorf("%w: reopen from %s", ErrIllegalTransition, s.State)
	}
	s.State = pkg.StateCollectingSymptoms
	s.Data = pkg.TurnData{}
	s.Escalated = false
	s.EscalationReason = ""
	s.AssignedClinician = nil
	s.UpdatedAt = time.Now()
	return nil
}
