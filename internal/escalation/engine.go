// Package escalation owns the clinician queue: creating cases, picking the
// least loaded clinician, committing assignments and resolving cases.
//
// All workload accounting goes through the store's commit operations, which
// apply the case, session and counter updates as one unit.  The engine only
// decides what to commit.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"triage-dispatcher/internal/core"
	"triage-dispatcher/internal/db"
	"triage-dispatcher/internal/logging"
	"triage-dispatcher/internal/metrics"
	"triage-dispatcher/pkg"
)

// ErrAssignmentConflict is returned when the chosen clinician had no free
// slot at commit time.  It wraps db.ErrCapacityExceeded.
var ErrAssignmentConflict = errors.New("assignment conflict")

// Store is the persistence the engine needs.
type Store interface {
	Transcript(ctx context.Context, sessionID string) ([]pkg.Message, error)
	OpenCase(ctx context.Context, sessionID string) (*pkg.EscalationCase, error)
	GetCase(ctx context.Context, id string) (*pkg.EscalationCase, error)
	InsertCase(ctx context.Context, c *pkg.EscalationCase) error
	UpdateCase(ctx context.Context, c *pkg.EscalationCase) error
	PendingCases(ctx context.Context) ([]pkg.EscalationCase, error)
	AssignedCases(ctx context.Context, clinicianID string) ([]pkg.EscalationCase, error)
	GetClinician(ctx context.Context, id string) (*pkg.ClinicianWorkload, error)
	EligibleClinicians(ctx context.Context) ([]pkg.ClinicianWorkload, error)
	GetSession(ctx context.Context, id string) (*pkg.Session, error)
	CommitAssignment(ctx context.Context, caseID, clinicianID string, at time.Time, mutate db.Mutator) (*pkg.EscalationCase, *pkg.Session, error)
	CommitResolution(ctx context.Context, caseID string, at time.Time, mutate db.Mutator) (*pkg.EscalationCase, *pkg.Session, error)
}

// Notifier tells a clinician a case was assigned to them.
type Notifier interface {
	Notify(ctx context.Context, n pkg.Notification) error
}

// Assignment is a committed case assignment.
type Assignment struct {
	Case      *pkg.EscalationCase
	Session   *pkg.Session
	Clinician pkg.ClinicianWorkload
}

// Outcome is the result of CreateOrUpdateEscalation.  Assignment is nil
// when the case stayed in the queue.
type Outcome struct {
	Case       *pkg.EscalationCase
	Assignment *Assignment
}

// Resolution is a committed case closure.
type Resolution struct {
	Case    *pkg.EscalationCase
	Session *pkg.Session
}

// Engine runs escalation and assignment.
type Engine struct {
	store      Store
	classifier *core.Classifier
	notifier   Notifier
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time

	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where assignment notifications are published.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics records queue and assignment metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an Engine.
func NewEngine(store Store, classifier *core.Classifier, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		classifier:    classifier,
		logger:        logging.NewNop(),
		now:           time.Now,
		notifyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOrUpdateEscalation records the escalation, then tries to assign the
// case straight away.
func (e *Engine) CreateOrUpdateEscalation(ctx context.Context, s *pkg.Session, reason, assessment string) (Outcome, error) {
	c, err := e.RecordEscalation(ctx, s, reason, assessment)
	if err != nil {
		return Outcome{}, err
	}
	if !c.Pending() {
		return Outcome{Case: c}, nil
	}
	a, err := e.AssignToAvailable(ctx, c)
	if err != nil {
		return Outcome{Case: c}, err
	}
	if a != nil {
		return Outcome{Case: a.Case, Assignment: a}, nil
	}
	return Outcome{Case: c}, nil
}

// RecordEscalation opens a case for the session, or re-prioritises its open
// case, without assigning it.  Priority is classified from everything the
// patient has written so far.  The session itself is not written.
func (e *Engine) RecordEscalation(ctx context.Context, s *pkg.Session, reason, assessment string) (*pkg.EscalationCase, error) {
	transcript, err := e.store.Transcript(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	priority := e.classifier.Classify(s, PatientText(transcript))

	c, err := e.upsertCase(ctx, s.ID, priority, reason, assessment)
	if err != nil {
		return nil, err
	}
	e.metrics.Escalated(c.Priority)
	e.logger.Info("escalation recorded",
		"case_id", c.ID,
		"session_id", s.ID,
		"priority", c.Priority,
		"reason", c.Reason,
	)
	return c, nil
}

func (e *Engine) upsertCase(ctx context.Context, sessionID string, priority pkg.Priority, reason, assessment string) (*pkg.EscalationCase, error) {
	for attempt := 0; attempt < 2; attempt++ {
		open, err := e.store.OpenCase(ctx, sessionID)
		switch {
		case err == nil:
			open.Priority = priority
			open.Reason = reason
			if assessment != "" {
				open.Assessment = assessment
			}
			if err := e.store.UpdateCase(ctx, open); err != nil {
				return nil, fmt.Errorf("update case: %w", err)
			}
			return open, nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("load open case: %w", err)
		}

		c := &pkg.EscalationCase{
			SessionID:  sessionID,
			Priority:   priority,
			Reason:     reason,
			Assessment: assessment,
		}
		err = e.store.InsertCase(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, db.ErrOpenCaseExists) {
			return nil, fmt.Errorf("insert case: %w", err)
		}
		// lost a race with another escalation for this session; update theirs
	}
	return nil, fmt.Errorf("insert case: %w", db.ErrOpenCaseExists)
}

// AssignToAvailable commits the case to the least loaded eligible
// clinician, ties going to the one idle longest.  A clinician that fills
// up between selection and commit is skipped in favour of the next one.
// It returns nil, nil when nobody can take the case; it then stays queued.
func (e *Engine) AssignToAvailable(ctx context.Context, c *pkg.EscalationCase) (*Assignment, error) {
	candidates, err := e.store.EligibleClinicians(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinicians: %w", err)
	}
	pkg.SortByLoad(candidates)

	for _, cl := range candidates {
		a, err := e.AssignToClinician(ctx, c.ID, cl.ClinicianID)
		switch {
		case err == nil:
			return a, nil
		case errors.Is(err, ErrAssignmentConflict):
			e.logger.Info("clinician filled up before commit, trying next",
				"case_id", c.ID,
				"clinician_id", cl.ClinicianID,
			)
			continue
		case errors.Is(err, db.ErrAlreadyAssigned), errors.Is(err, db.ErrAlreadyResolved):
			// someone else picked it up meanwhile
			return nil, nil
		default:
			return nil, err
		}
	}

	e.metrics.Assignment(metrics.OutcomeQueued)
	e.logger.Info("no clinician available, case queued", "case_id", c.ID, "priority", c.Priority)
	return nil, nil
}

// AssignToClinician assigns a pending case to a specific clinician.  The
// case, the session's move to CLINICIAN_ACTIVE and the clinician's counter
// are committed together.  The clinician is notified afterwards without
// waiting; a failed notification never undoes the assignment.
func (e *Engine) AssignToClinician(ctx context.Context, caseID, clinicianID string) (*Assignment, error) {
	cl, err := e.store.GetClinician(ctx, clinicianID)
	if err != nil {
		return nil, err
	}

	at := e.now()
	c, s, err := e.store.CommitAssignment(ctx, caseID, clinicianID, at, func(s *pkg.Session) error {
		if s.State != pkg.StateConnectingToClinician {
			if err := core.Transition(s, pkg.StateConnectingToClinician); err != nil {
				return err
			}
		}
		if err := core.Transition(s, pkg.StateClinicianActive); err != nil {
			return err
		}
		s.Escalated = true
		s.AssignedClinician = &clinicianID
		return nil
	})
	if errors.Is(err, db.ErrCapacityExceeded) {
		e.metrics.Assignment(metrics.OutcomeConflict)
		return nil, fmt.Errorf("%w: %w", ErrAssignmentConflict, err)
	}
	if err != nil {
		return nil, err
	}

	cl.ActiveCount++
	cl.LastActive = at
	e.metrics.Assignment(metrics.OutcomeAssigned)
	e.logger.Info("case assigned",
		"case_id", c.ID,
		"clinician_id", clinicianID,
		"priority", c.Priority,
	)
	e.notify(ctx, pkg.Notification{
		ClinicianID: clinicianID,
		CaseID:      c.ID,
		Identifier:  s.Identifier,
		Priority:    c.Priority,
		Reason:      c.Reason,
	})
	return &Assignment{Case: c, Session: s, Clinician: *cl}, nil
}

func (e *Engine) notify(ctx context.Context, n pkg.Notification) {
	if e.notifier == nil {
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(nctx, n); err != nil {
			e.logger.Warn("clinician notification failed",
				"case_id", n.CaseID,
				"clinician_id", n.ClinicianID,
				"err", err,
			)
		}
	}()
}

// Wait blocks until in-flight notifications have finished.
func (e *Engine) Wait() { e.pending.Wait() }

// Resolve closes a case, completes the session and frees the clinician's
// slot.  Resolving a closed case fails with db.ErrAlreadyResolved and
// changes nothing.
func (e *Engine) Resolve(ctx context.Context, caseID string) (*Resolution, error) {
	c, s, err := e.store.CommitResolution(ctx, caseID, e.now(), func(s *pkg.Session) error {
		if err := core.Transition(s, pkg.StateCompleted); err != nil {
			return err
		}
		s.AssignedClinician = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Resolved()
	e.logger.Info("case resolved", "case_id", c.ID, "session_id", s.ID)
	return &Resolution{Case: c, Session: s}, nil
}

// SetPriority overrides a case's tier.  This is the only way a case becomes
// LOW.
func (e *Engine) SetPriority(ctx context.Context, caseID string, p pkg.Priority) (*pkg.EscalationCase, error) {
	if p.Rank() < 0 {
		return nil, fmt.Errorf("%w: %q", pkg.ErrInvalidPriority, p)
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	c.Priority = p
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PendingEscalations lists unassigned open cases, most urgent first and
// oldest first within a tier.
func (e *Engine) PendingEscalations(ctx context.Context) ([]pkg.EscalationCase, error) {
	cases, err := e.store.PendingCases(ctx)
	if err != nil {
		return nil, err
	}
	pkg.SortPending(cases)
	e.metrics.QueueDepth(len(cases))
	return cases, nil
}

// ClinicianQueue lists the open cases assigned to a clinician.
func (e *Engine) ClinicianQueue(ctx context.Context, clinicianID string) ([]pkg.EscalationCase, error) {
	if _, err := e.store.GetClinician(ctx, clinicianID); err != nil {
		return nil, err
	}
	cases, err := e.store.AssignedCases(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	pkg.SortAssigned(cases)
	return cases, nil
}

// PatientText returns the content of every patient-authored message.
func PatientText(transcript []pkg.Message) []string {
	var out []string
	for _, m := range transcript {
		if m.Source == pkg.SourcePatient {
			out = append(out, m.Content)
		}
	}
	return out
}

// RecentPatientText joins the last n patient messages, oldest first.
func RecentPatientText(transcript []pkg.Message, n int) string {
	text := PatientText(transcript)
	if len(text) > n {
		text = text[len(text)-n:]
	}
	return strings.Join(text, "\n")
}
