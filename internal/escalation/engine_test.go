package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-dispatcher/internal/config"
	"triage-dispatcher/internal/core"
	"triage-dispatcher/internal/db"
	"triage-dispatcher/pkg"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []pkg.Notification
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, n pkg.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.err
}

func (r *recordingNotifier) all() []pkg.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pkg.Notification(nil), r.notes...)
}

type fixture struct {
	store    *db.MemoryStore
	engine   *Engine
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: db.NewMemoryStore(), notifier: &recordingNotifier{}}
	opts = append([]Option{WithNotifier(f.notifier)}, opts...)
	f.engine = NewEngine(f.store, core.NewClassifier(config.Rules{}), opts...)
	return f
}

// patient creates a session in CONNECTING_TO_CLINICIAN with the given
// patient messages in its transcript.
func (f *fixture) patient(t *testing.T, ident string, texts ...string) *pkg.Session {
	t.Helper()
	ctx := context.Background()
	s, _, err := f.store.GetOrCreateSession(ctx, ident)
	require.NoError(t, err)
	s.State = pkg.StateConnectingToClinician
	require.NoError(t, f.store.SaveSession(ctx, s))
	for _, text := range texts {
		require.NoError(t, f.store.AppendMessage(ctx, &pkg.Message{SessionID: s.ID, Source: pkg.SourcePatient, Content: text}))
	}
	return s
}

func (f *fixture) clinician(t *testing.T, id string, capacity int, lastActive time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertClinician(context.Background(), &pkg.ClinicianWorkload{
		ClinicianID: id, Name: id, Available: true, MaxCapacity: capacity, LastActive: lastActive,
	}))
}

func (f *fixture) activeCount(t *testing.T, id string) int {
	t.Helper()
	cl, err := f.store.GetClinician(context.Background(), id)
	require.NoError(t, err)
	return cl.ActiveCount
}

func TestCreateOrUpdateEscalation_AssignsImmediately(t *testing.T) {
	f := newFixture(t)
	f.clinician(t, "dr-a", 3, time.Now())
	s := f.patient(t, "+1", "I have chest pain")

	out, err := f.engine.CreateOrUpdateEscalation(context.Background(), s, core.PatientRequestedReason, "")
	require.NoError(t, err)
	require.NotNil(t, out.Assignment)
	assert.Equal(t, pkg.PriorityUrgent, out.Case.Priority)
	assert.Equal(t, "dr-a", *out.Case.AssignedTo)
	assert.Equal(t, pkg.StateClinicianActive, out.Assignment.Session.State)
	assert.Equal(t, "dr-a", *out.Assignment.Session.AssignedClinician)
	assert.Equal(t, 1, f.activeCount(t, "dr-a"))

	f.engine.Wait()
	notes := f.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, pkg.Notification{
		ClinicianID: "dr-a",
		CaseID:      out.Case.ID,
		Identifier:  "+1",
		Priority:    pkg.PriorityUrgent,
		Reason:      core.PatientRequestedReason,
	}, notes[0])
}

func TestCreateOrUpdateEscalation_QueuesWhenNobodyFree(t *testing.T) {
	f := newFixture(t)
	s := f.patient(t, "+1", "mild rash")

	out, err := f.engine.CreateOrUpdateEscalation(context.Background(), s, "rash", "Rash for a day")
	require.NoError(t, err)
	assert.Nil(t, out.Assignment)
	assert.Equal(t, pkg.PriorityMedium, out.Case.Priority)

	pending, err := f.engine.PendingEscalations(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.Case.ID, pending[0].ID)
	assert.Equal(t, "Rash for a day", pending[0].Assessment)

	got, err := f.store.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.StateConnectingToClinician, got.State)
}

func TestRecordEscalation_DoesNotAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-a", 3, time.Now())
	s := f.patient(t, "+1", "I have chest pain")

	c, err := f.engine.RecordEscalation(ctx, s, core.PatientRequestedReason, "chest pain")
	require.NoError(t, err)
	assert.True(t, c.Pending())
	assert.Equal(t, pkg.PriorityUrgent, c.Priority)
	assert.Equal(t, 0, f.activeCount(t, "dr-a"))

	got, err := f.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Escalated)

	again, err := f.engine.RecordEscalation(ctx, s, "second", "")
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, "chest pain", again.Assessment)

	f.engine.Wait()
	assert.Empty(t, f.notifier.all())
}

func TestCreateOrUpdateEscalation_UpdatesOpenCaseInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.patient(t, "+1", "headache")

	first, err := f.engine.CreateOrUpdateEscalation(ctx, s, "first", "assessment one")
	require.NoError(t, err)
	assert.Equal(t, pkg.PriorityMedium, first.Case.Priority)

	require.NoError(t, f.store.AppendMessage(ctx, &pkg.Message{SessionID: s.ID, Source: pkg.SourcePatient, Content: "now it is unbearable"}))
	second, err := f.engine.CreateOrUpdateEscalation(ctx, s, "second", "")
	require.NoError(t, err)

	assert.Equal(t, first.Case.ID, second.Case.ID)
	assert.Equal(t, pkg.PriorityHigh, second.Case.Priority)
	assert.Equal(t, "second", second.Case.Reason)
	assert.Equal(t, "assessment one", second.Case.Assessment, "empty assessment keeps the old one")

	pending, err := f.engine.PendingEscalations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAssignToAvailable_LeastLoadedThenMostIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	f.clinician(t, "dr-recent", 5, base.Add(30*time.Minute))
	f.clinician(t, "dr-idle", 5, base)
	f.clinician(t, "dr-busy", 5, base.Add(-time.Hour))

	// give dr-busy one case so it is no longer least loaded
	busy := f.patient(t, "+0", "x")
	c := &pkg.EscalationCase{SessionID: busy.ID, Priority: pkg.PriorityMedium}
	require.NoError(t, f.store.InsertCase(ctx, c))
	_, err := f.engine.AssignToClinician(ctx, c.ID, "dr-busy")
	require.NoError(t, err)

	out, err := f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, "+1", "cough"), "r", "")
	require.NoError(t, err)
	require.NotNil(t, out.Assignment)
	assert.Equal(t, "dr-idle", out.Assignment.Clinician.ClinicianID)

	out, err = f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, "+2", "cough"), "r", "")
	require.NoError(t, err)
	require.NotNil(t, out.Assignment)
	assert.Equal(t, "dr-recent", out.Assignment.Clinician.ClinicianID)
}

func TestAssignToAvailable_SkipsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-a", 1, time.Now())
	require.NoError(t, f.store.SetAvailability(ctx, "dr-a", false))

	out, err := f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, "+1", "cough"), "r", "")
	require.NoError(t, err)
	assert.Nil(t, out.Assignment)
}

func TestConcurrentEscalations_SingleSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-only", 1, time.Now())
	a := f.patient(t, "+1", "cough")
	b := f.patient(t, "+2", "fever")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, s := range []*pkg.Session{a, b} {
		wg.Add(1)
		go func(i int, s *pkg.Session) {
			defer wg.Done()
			out, err := f.engine.CreateOrUpdateEscalation(ctx, s, "r", "")
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, s)
	}
	wg.Wait()

	assigned := 0
	for _, out := range outcomes {
		if out.Assignment != nil {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, f.activeCount(t, "dr-only"))

	pending, err := f.engine.PendingEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].AssignedTo)
}

// contendedStore fails the first commit for a clinician as if a concurrent
// escalation had taken its last slot.
type contendedStore struct {
	*db.MemoryStore
	mu      sync.Mutex
	contend map[string]bool
}

func (s *contendedStore) CommitAssignment(ctx context.Context, caseID, clinicianID string, at time.Time, mutate db.Mutator) (*pkg.EscalationCase, *pkg.Session, error) {
	s.mu.Lock()
	hit := s.contend[clinicianID]
	delete(s.contend, clinicianID)
	s.mu.Unlock()
	if hit {
		return nil, nil, db.ErrCapacityExceeded
	}
	return s.MemoryStore.CommitAssignment(ctx, caseID, clinicianID, at, mutate)
}

func TestAssignToAvailable_RetriesNextOnConflict(t *testing.T) {
	mem := db.NewMemoryStore()
	st := &contendedStore{MemoryStore: mem, contend: map[string]bool{"dr-first": true}}
	e := NewEngine(st, core.NewClassifier(config.Rules{}))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, mem.UpsertClinician(ctx, &pkg.ClinicianWorkload{ClinicianID: "dr-first", Available: true, MaxCapacity: 1, LastActive: base}))
	require.NoError(t, mem.UpsertClinician(ctx, &pkg.ClinicianWorkload{ClinicianID: "dr-second", Available: true, MaxCapacity: 1, LastActive: base.Add(time.Minute)}))
	s, _, err := mem.GetOrCreateSession(ctx, "+1")
	require.NoError(t, err)

	out, err := e.CreateOrUpdateEscalation(ctx, s, "r", "")
	require.NoError(t, err)
	require.NotNil(t, out.Assignment)
	assert.Equal(t, "dr-second", out.Assignment.Clinician.ClinicianID)
}

func TestAssignToClinician_Conflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-a", 1, time.Now())
	f.clinician(t, "dr-b", 1, time.Now())

	s1 := f.patient(t, "+1", "x")
	c1 := &pkg.EscalationCase{SessionID: s1.ID, Priority: pkg.PriorityMedium}
	require.NoError(t, f.store.InsertCase(ctx, c1))
	s2 := f.patient(t, "+2", "y")
	c2 := &pkg.EscalationCase{SessionID: s2.ID, Priority: pkg.PriorityMedium}
	require.NoError(t, f.store.InsertCase(ctx, c2))

	_, err := f.engine.AssignToClinician(ctx, c1.ID, "dr-a")
	require.NoError(t, err)

	_, err = f.engine.AssignToClinician(ctx, c2.ID, "dr-a")
	assert.ErrorIs(t, err, ErrAssignmentConflict)
	assert.ErrorIs(t, err, db.ErrCapacityExceeded)

	_, err = f.engine.AssignToClinician(ctx, c1.ID, "dr-b")
	assert.ErrorIs(t, err, db.ErrAlreadyAssigned)

	_, err = f.engine.AssignToClinician(ctx, c2.ID, "dr-nobody")
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Equal(t, 1, f.activeCount(t, "dr-a"))
	assert.Equal(t, 0, f.activeCount(t, "dr-b"))
}

func TestAssignToClinician_FromEarlierState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-a", 1, time.Now())
	s := f.patient(t, "+1", "x")
	s.State = pkg.StateAIFollowup
	require.NoError(t, f.store.SaveSession(ctx, s))
	c := &pkg.EscalationCase{SessionID: s.ID, Priority: pkg.PriorityMedium}
	require.NoError(t, f.store.InsertCase(ctx, c))

	a, err := f.engine.AssignToClinician(ctx, c.ID, "dr-a")
	require.NoError(t, err)
	assert.Equal(t, pkg.StateClinicianActive, a.Session.State)
}

func TestAssignResolve_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-a", 2, time.Now())

	out, err := f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, "+1", "x"), "r", "")
	require.NoError(t, err)
	require.NotNil(t, out.Assignment)
	assert.Equal(t, 1, f.activeCount(t, "dr-a"))

	queue, err := f.engine.ClinicianQueue(ctx, "dr-a")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	res, err := f.engine.Resolve(ctx, out.Case.ID)
	require.NoError(t, err)
	assert.True(t, res.Case.Resolved)
	assert.NotNil(t, res.Case.ResolvedAt)
	assert.Equal(t, pkg.StateCompleted, res.Session.State)
	assert.Nil(t, res.Session.AssignedClinician)
	assert.Equal(t, 0, f.activeCount(t, "dr-a"))

	_, err = f.engine.Resolve(ctx, out.Case.ID)
	assert.ErrorIs(t, err, db.ErrAlreadyResolved)
	assert.Equal(t, 0, f.activeCount(t, "dr-a"))

	queue, err = f.engine.ClinicianQueue(ctx, "dr-a")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestResolve_UnassignedCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, "+1", "x"), "r", "")
	require.NoError(t, err)
	require.Nil(t, out.Assignment)

	res, err := f.engine.Resolve(ctx, out.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.StateCompleted, res.Session.State)

	_, err = f.engine.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestNotificationFailureKeepsAssignment(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("channel down")
	f.clinician(t, "dr-a", 1, time.Now())

	out, err := f.engine.CreateOrUpdateEscalation(context.Background(), f.patient(t, "+1", "x"), "r", "")
	require.NoError(t, err)
	f.engine.Wait()

	require.NotNil(t, out.Assignment)
	assert.Equal(t, 1, f.activeCount(t, "dr-a"))
	assert.Len(t, f.notifier.all(), 1)
}

func TestPendingEscalations_Order(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	texts := []string{"mild cough", "difficulty breathing", "severe headache", "itchy skin", "chest pain"}
	for i, text := range texts {
		_, err := f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, fmt.Sprintf("+%d", i), text), "r", "")
		require.NoError(t, err)
	}

	pending, err := f.engine.PendingEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, len(texts))

	var prios []pkg.Priority
	for _, c := range pending {
		prios = append(prios, c.Priority)
	}
	assert.Equal(t, []pkg.Priority{
		pkg.PriorityUrgent, pkg.PriorityUrgent, pkg.PriorityHigh, pkg.PriorityMedium, pkg.PriorityMedium,
	}, prios)
	for i := 1; i < len(pending); i++ {
		if pending[i].Priority == pending[i-1].Priority {
			assert.False(t, pending[i].CreatedAt.Before(pending[i-1].CreatedAt))
		}
	}
}

func TestSetPriority_Downgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.engine.CreateOrUpdateEscalation(ctx, f.patient(t, "+1", "x"), "r", "")
	require.NoError(t, err)

	c, err := f.engine.SetPriority(ctx, out.Case.ID, pkg.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, pkg.PriorityLow, c.Priority)

	_, err = f.engine.SetPriority(ctx, out.Case.ID, "CRITICAL")
	assert.ErrorIs(t, err, pkg.ErrInvalidPriority)
}

func TestWorkloadBoundsUnderChurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clinician(t, "dr-a", 2, time.Now())
	f.clinician(t, "dr-b", 3, time.Now())

	sessions := make([]*pkg.Session, 30)
	for i := range sessions {
		sessions[i] = f.patient(t, fmt.Sprintf("+%d", i), "cough")
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *pkg.Session) {
			defer wg.Done()
			out, err := f.engine.CreateOrUpdateEscalation(ctx, s, "r", "")
			if !assert.NoError(t, err) {
				return
			}
			if i%2 == 0 {
				_, err = f.engine.Resolve(ctx, out.Case.ID)
				assert.NoError(t, err)
			}
		}(i, s)
	}
	wg.Wait()

	for id, limit := range map[string]int{"dr-a": 2, "dr-b": 3} {
		n := f.activeCount(t, id)
		assert.GreaterOrEqual(t, n, 0)
		assert.LessOrEqual(t, n, limit)
		queue, err := f.engine.ClinicianQueue(ctx, id)
		require.NoError(t, err)
		assert.Len(t, queue, n, "counter must match open assigned cases")
	}
}

func TestRecentPatientText(t *testing.T) {
	var msgs []pkg.Message
	for i := 0; i < 7; i++ {
		msgs = append(msgs,
			pkg.Message{Source: pkg.SourcePatient, Content: fmt.Sprintf("p%d", i)},
			pkg.Message{Source: pkg.SourceSystem, Content: "s"},
		)
	}
	assert.Equal(t, "p2\np3\np4\np5\np6", RecentPatientText(msgs, 5))
}
