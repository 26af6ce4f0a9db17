package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"triage-dispatcher/pkg"
)

func TestTransition_Table(t *testing.T) {
	legal := map[pkg.State]map[pkg.State]bool{
		pkg.StateNew:                       {pkg.StateCollectingProfile: true},
		pkg.StateCollectingProfile:         {pkg.StateCollectingSymptoms: true},
		pkg.StateCollectingSymptoms:        {pkg.StateAIFollowup: true},
		pkg.StateAIFollowup:                {pkg.StateSummaryPending: true},
		pkg.StateSummaryPending:            {pkg.StateAwaitingClinicianDecision: true},
		pkg.StateAwaitingClinicianDecision: {},
		pkg.StateConnectingToClinician:     {pkg.StateClinicianActive: true},
		pkg.StateClinicianActive:           {},
		pkg.StateCompleted:                 {},
	}

	for _, from := range pkg.States {
		for _, to := range pkg.States {
			want := legal[from][to] || to == pkg.StateConnectingToClinician || to == pkg.StateCompleted
			s := &pkg.Session{State: from}
			err := Transition(s, to)
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, s.State)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", from, to)
				assert.Equal(t, from, s.State, "state must be unchanged")
			}
		}
	}
}

func TestTransition_RejectsUnknownTarget(t *testing.T) {
	s := &pkg.Session{State: pkg.StateAIFollowup}
	err := Transition(s, pkg.State("DANCING"))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, pkg.StateAIFollowup, s.State)
}

func TestAllowedTargets_ReturnsCopy(t *testing.T) {
	targets := AllowedTargets(pkg.StateNew)
	targets[0] = pkg.StateCompleted
	assert.Equal(t, []pkg.State{pkg.StateCollectingProfile}, AllowedTargets(pkg.StateNew))
	assert.ElementsMatch(t, []pkg.State{pkg.StateConnectingToClinician, pkg.StateCompleted}, OverrideTargets())
}

func TestReopen(t *testing.T) {
	age := 40
	s := &pkg.Session{
		State:            pkg.StateCompleted,
		Profile:          pkg.Profile{Age: &age},
		Data:             pkg.TurnData{pkg.KeyQuestionCount: 3},
		Escalated:        true,
		EscalationReason: "patient requested",
	}
	assert.NoError(t, Reopen(s))
	assert.Equal(t, pkg.StateCollectingSymptoms, s.State)
	assert.Empty(t, s.Data)
	assert.False(t, s.Escalated)
	assert.Equal(t, 40, *s.Profile.Age)

	s.State = pkg.StateAIFollowup
	assert.ErrorIs(t, Reopen(s), ErrIllegalTransition)
	assert.Equal(t, pkg.StateAIFollowup, s.State)
}
