package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triage-dispatcher/internal/core"
	"triage-dispatcher/internal/db"
	"triage-dispatcher/pkg"
)

// Actor is the clinician behind a dashboard request.
type Actor struct {
	ClinicianID string
	Supervisor  bool
}

// Queue is what a clinician sees on the dashboard.  Pending is only filled
// for supervisors.
type Queue struct {
	Assigned []pkg.EscalationCase `json:"assigned"`
	Pending  []pkg.EscalationCase `json:"pending,omitempty"`
}

// Entry is one transcript line labelled for display.
type Entry struct {
	Sender    string            `json:"sender"`
	Source    pkg.MessageSource `json:"source"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"timestamp"`
}

// CaseDetail is everything a clinician needs to pick up a case.
type CaseDetail struct {
	Case       pkg.EscalationCase `json:"escalation"`
	Identifier string             `json:"patient_phone"`
	State      pkg.State          `json:"state"`
	Profile    pkg.Profile        `json:"profile"`
	Data       pkg.TurnData       `json:"session_data"`
	Overview   string             `json:"ai_overview,omitempty"`
	Plan       string             `json:"recommendation_plan,omitempty"`
	Transcript []Entry            `json:"conversation"`
}

// History is a patient's conversation looked up by identifier.
type History struct {
	Session    pkg.Session   `json:"session"`
	Transcript []pkg.Message `json:"history"`
}

// ClinicianQueue lists the actor's open cases.  Supervisors also get the
// pending queue.
func (s *Service) ClinicianQueue(ctx context.Context, actor Actor) (*Queue, error) {
	assigned, err := s.engine.ClinicianQueue(ctx, actor.ClinicianID)
	if err != nil {
		return nil, err
	}
	q := &Queue{Assigned: assigned}
	if actor.Supervisor {
		if q.Pending, err = s.engine.PendingEscalations(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// PendingEscalations exposes the queue order to the manual assignment
// surface.
func (s *Service) PendingEscalations(ctx context.Context) ([]pkg.EscalationCase, error) {
	return s.engine.PendingEscalations(ctx)
}

// CaseDetail loads a case with its session and labelled transcript.
func (s *Service) CaseDetail(ctx context.Context, caseID string) (*CaseDetail, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, c.SessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.store.Transcript(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	entries := make([]Entry, 0, len(transcript))
	for _, m := range transcript {
		entries = append(entries, Entry{
			Sender:    s.senderLabel(ctx, m, names),
			Source:    m.Source,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return &CaseDetail{
		Case:       *c,
		Identifier: sess.Identifier,
		State:      sess.State,
		Profile:    sess.Profile,
		Data:       sess.Data,
		Overview:   sess.Overview,
		Plan:       sess.Recommendations,
		Transcript: entries,
	}, nil
}

func (s *Service) senderLabel(ctx context.Context, m pkg.Message, names map[string]string) string {
	switch m.Source {
	case pkg.SourcePatient:
		return "Patient"
	case pkg.SourceClinician:
		if m.ClinicianID == nil {
			return "Clinician"
		}
		id := *m.ClinicianID
		if name, ok := names[id]; ok {
			return name
		}
		name := "Clinician"
		if cl, err := s.store.GetClinician(ctx, id); err == nil && cl.Name != "" {
			name = "Dr. " + cl.Name
		}
		names[id] = name
		return name
	}
	return "AI Assistant"
}

// AcceptCase assigns a pending case to the actor and tells the patient.
// A case that already has a clinician fails with db.ErrAlreadyAssigned.
func (s *Service) AcceptCase(ctx context.Context, actor Actor, caseID string) (*pkg.EscalationCase, error) {
	var out *pkg.EscalationCase
	err := s.withCaseLock(ctx, caseID, func(ctx context.Context, _ *pkg.EscalationCase) error {
		a, err := s.engine.AssignToClinician(ctx, caseID, actor.ClinicianID)
		if err != nil {
			return err
		}
		out = a.Case
		s.sendAndLog(ctx, a.Session, core.ClinicianJoined(a.Clinician.Name), pkg.SourceSystem, nil)
		return nil
	})
	return out, err
}

// ResolveCase closes a case and sends the patient the closing message.
// Only the assigned clinician or a supervisor may resolve.  The freed slot
// is offered to the queue.
func (s *Service) ResolveCase(ctx context.Context, actor Actor, caseID string) (*pkg.EscalationCase, error) {
	var out *pkg.EscalationCase
	err := s.withCaseLock(ctx, caseID, func(ctx context.Context, c *pkg.EscalationCase) error {
		if !actor.Supervisor && !assignedTo(c, actor.ClinicianID) {
			return ErrForbidden
		}
		res, err := s.engine.Resolve(ctx, caseID)
		if err != nil {
			return err
		}
		out = res.Case
		s.sendAndLog(ctx, res.Session, core.SessionComplete, pkg.SourceSystem, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.AssignedTo != nil {
		s.DrainQueue(ctx)
	}
	return out, nil
}

// SendClinicianMessage relays a message from the assigned clinician to the
// patient and records it in the transcript.
func (s *Service) SendClinicianMessage(ctx context.Context, actor Actor, caseID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return s.withCaseLock(ctx, caseID, func(ctx context.Context, c *pkg.EscalationCase) error {
		if c.Resolved {
			return db.ErrAlreadyResolved
		}
		if !assignedTo(c, actor.ClinicianID) {
			return ErrForbidden
		}
		sess, err := s.store.GetSession(ctx, c.SessionID)
		if err != nil {
			return err
		}
		id := actor.ClinicianID
		s.sendAndLog(ctx, sess, text, pkg.SourceClinician, &id)
		return nil
	})
}

// SetCasePriority changes a case's tier.  Supervisors may change any case;
// clinicians only their own.
func (s *Service) SetCasePriority(ctx context.Context, actor Actor, caseID string, p pkg.Priority) (*pkg.EscalationCase, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !actor.Supervisor && !assignedTo(c, actor.ClinicianID) {
		return nil, ErrForbidden
	}
	return s.engine.SetPriority(ctx, caseID, p)
}

// SessionHistory returns the transcript and profile for an identifier.
func (s *Service) SessionHistory(ctx context.Context, identifier string) (*History, error) {
	sess, err := s.store.SessionByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	transcript, err := s.store.Transcript(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return &History{Session: *sess, Transcript: transcript}, nil
}

// RegisterClinician creates or updates a clinician.  A clinician who comes
// in available may pick up queued cases straight away.
func (s *Service) RegisterClinician(ctx context.Context, c *pkg.ClinicianWorkload) error {
	if strings.TrimSpace(c.ClinicianID) == "" {
		return ErrInvalidClinician
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 1
	}
	if err := s.store.UpsertClinician(ctx, c); err != nil {
		return err
	}
	s.logger.Info("clinician registered", "clinician_id", c.ClinicianID, "max_capacity", c.MaxCapacity)
	if c.CanAcceptCase() {
		s.DrainQueue(ctx)
	}
	return nil
}

// SetAvailability toggles a clinician's availability.  Going available
// offers the clinician to the queue.
func (s *Service) SetAvailability(ctx context.Context, clinicianID string, available bool) (*pkg.ClinicianWorkload, error) {
	if err := s.store.SetAvailability(ctx, clinicianID, available); err != nil {
		return nil, err
	}
	if available {
		s.DrainQueue(ctx)
	}
	return s.store.GetClinician(ctx, clinicianID)
}

// DrainQueue walks the pending queue in priority order and assigns what it
// can, stopping at the first case nobody can take.  It returns the number
// of cases assigned.  Failures are logged; the queue is retried on the next
// trigger.
func (s *Service) DrainQueue(ctx context.Context) int {
	pending, err := s.engine.PendingEscalations(ctx)
	if err != nil {
		s.logger.Error("load pending escalations", "err", err)
		return 0
	}
	assigned := 0
	for _, c := range pending {
		var ok bool
		err := s.withCaseLock(ctx, c.ID, func(ctx context.Context, cur *pkg.EscalationCase) error {
			if !cur.Pending() {
				ok = true
				return nil
			}
			a, err := s.engine.AssignToAvailable(ctx, cur)
			if err != nil || a == nil {
				return err
			}
			ok = true
			assigned++
			s.sendAndLog(ctx, a.Session, core.ClinicianJoined(a.Clinician.Name), pkg.SourceSystem, nil)
			return nil
		})
		if err != nil {
			s.logger.Warn("queued case not assigned", "case_id", c.ID, "err", err)
			return assigned
		}
		if !ok {
			return assigned
		}
	}
	return assigned
}

// withCaseLock runs fn under the lock of the case's patient so it cannot
// interleave with that patient's turn.  fn gets the case as read under the
// lock.
func (s *Service) withCaseLock(ctx context.Context, caseID string, fn func(context.Context, *pkg.EscalationCase) error) error {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	sess, err := s.store.GetSession(ctx, c.SessionID)
	if err != nil {
		return fmt.Errorf("session for case %s: %w", caseID, err)
	}
	return s.locks.WithLock(ctx, sess.Identifier, func(ctx context.Context) error {
		cur, err := s.store.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		return fn(ctx, cur)
	})
}

func assignedTo(c *pkg.EscalationCase, clinicianID string) bool {
	return c.AssignedTo != nil && *c.AssignedTo == clinicianID
}
