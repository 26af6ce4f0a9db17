package pkg

import (
	"sort"
	"time"
)

// SortPending orders unassigned cases the way the queue is worked: most
// urgent first, oldest first within a tier.
func SortPending(cases []EscalationCase) {
	sort.SliceStable(cases, func(i, j int) bool {
		ri, rj := cases[i].Priority.Rank(), cases[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}

// SortAssigned orders a clinician's open cases: most urgent first, then by
// the time they were picked up.
func SortAssigned(cases []EscalationCase) {
	sort.SliceStable(cases, func(i, j int) bool {
		ri, rj := cases[i].Priority.Rank(), cases[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return timeOf(cases[i].AssignedAt).Before(timeOf(cases[j].AssignedAt))
	})
}

// SortByLoad orders clinicians least loaded first, ties broken by the one
// idle the longest.
func SortByLoad(cs []ClinicianWorkload) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].ActiveCount != cs[j].ActiveCount {
			return cs[i].ActiveCount < cs[j].ActiveCount
		}
		return cs[i].LastActive.Before(cs[j].LastActive)
	})
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
