package db

import (
	"errors"

	"triage-dispatcher/pkg"
)

var (
	// ErrNotFound is returned for an unknown session, case or clinician.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when a clinician is unavailable or
	// already at capacity at commit time.
	ErrCapacityExceeded = errors.New("clinician at capacity")
	// ErrAlreadyAssigned is returned when a case was picked up by someone
	// else first.
	ErrAlreadyAssigned = errors.New("case already assigned")
	// ErrAlreadyResolved is returned when a closed case is assigned or
	// resolved again.
	ErrAlreadyResolved = errors.New("case already resolved")
	// ErrOpenCaseExists is returned when inserting a second unresolved case
	// for one session.
	ErrOpenCaseExists = errors.New("session already has an open case")
)

// Mutator is applied to the session inside an assignment or resolution
// commit.  Returning an error aborts the whole commit.
type Mutator func(*pkg.Session) error
