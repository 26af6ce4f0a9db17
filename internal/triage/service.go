// Package triage runs patient turns end to end: locking the identifier,
// logging the transcript, driving the dialogue, escalating and replying.
// It also carries the clinician-side operations, which share the same
// locks so a clinician action and a patient turn never interleave.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"triage-dispatcher/internal/channel"
	"triage-dispatcher/internal/core"
	"triage-dispatcher/internal/db"
	"triage-dispatcher/internal/escalation"
	"triage-dispatcher/internal/logging"
	"triage-dispatcher/internal/metrics"
	"triage-dispatcher/internal/session"
	"triage-dispatcher/pkg"
)

// ErrForbidden is returned when a clinician acts on a case that is not
// theirs.
var ErrForbidden = errors.New("not permitted for this clinician")

// ErrEmptyMessage is returned when a clinician sends a blank message.
var ErrEmptyMessage = errors.New("message is required")

// ErrInvalidClinician is returned when registering a clinician without an id.
var ErrInvalidClinician = errors.New("clinician id is required")

// Store is the persistence the service needs.
type Store interface {
	GetOrCreateSession(ctx context.Context, identifier string) (*pkg.Session, bool, error)
	GetSession(ctx context.Context, id string) (*pkg.Session, error)
	SessionByIdentifier(ctx context.Context, identifier string) (*pkg.Session, error)
	SaveSession(ctx context.Context, s *pkg.Session) error
	AppendMessage(ctx context.Context, m *pkg.Message) error
	Transcript(ctx context.Context, sessionID string) ([]pkg.Message, error)
	OpenCase(ctx context.Context, sessionID string) (*pkg.EscalationCase, error)
	GetCase(ctx context.Context, id string) (*pkg.EscalationCase, error)
	UpsertClinician(ctx context.Context, c *pkg.ClinicianWorkload) error
	GetClinician(ctx context.Context, id string) (*pkg.ClinicianWorkload, error)
	SetAvailability(ctx context.Context, id string, available bool) error
}

// Turn is what HandleInbound did for one inbound message.
type Turn struct {
	SessionID string
	From      pkg.State
	State     pkg.State
	Replies   []string
	Case      *pkg.EscalationCase
}

// Service orchestrates turns.
type Service struct {
	store      Store
	controller *core.Controller
	engine     *escalation.Engine
	locks      *session.Manager
	sender     channel.Sender
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time

	sendTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records turn metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// NewService wires a Service.
func NewService(store Store, controller *core.Controller, engine *escalation.Engine, locks *session.Manager, sender channel.Sender, opts ...Option) *Service {
	s := &Service{
		store:       store,
		controller:  controller,
		engine:      engine,
		locks:       locks,
		sender:      sender,
		logger:      logging.NewNop(),
		now:         time.Now,
		sendTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleInbound processes one patient message.  The inbound record is
// written before anything else and stays even if the turn fails.  When a
// store error aborts the turn the patient still gets an apology, and the
// error is returned.
func (s *Service) HandleInbound(ctx context.Context, in channel.Inbound) (*Turn, error) {
	if in.From == "" {
		return nil, channel.ErrMissingSender
	}
	start := s.now()
	var turn *Turn
	err := s.locks.WithLock(ctx, in.From, func(ctx context.Context) error {
		var err error
		turn, err = s.handleLocked(ctx, in)
		return err
	})
	if err != nil {
		s.logger.Error("turn failed", "from", in.From, "correlation_id", in.CorrelationID, "err", err)
		if _, sendErr := s.deliver(ctx, in.From, core.ApologyMessage); sendErr != nil {
			s.logger.Warn("apology not delivered", "from", in.From, "err", sendErr)
		}
		return nil, err
	}
	s.metrics.ObserveTurn(turn.From, s.now().Sub(start))
	return turn, nil
}

func (s *Service) handleLocked(ctx context.Context, in channel.Inbound) (*Turn, error) {
	sess, created, err := s.store.GetOrCreateSession(ctx, in.From)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if created {
		s.logger.Info("session created", "session_id", sess.ID, "from", in.From)
	}
	sess.LastActivityAt = s.now()

	if err := s.store.AppendMessage(ctx, &pkg.Message{
		SessionID:     sess.ID,
		Source:        pkg.SourcePatient,
		Content:       in.Text,
		CorrelationID: in.CorrelationID,
	}); err != nil {
		return nil, fmt.Errorf("log inbound: %w", err)
	}

	turn := &Turn{SessionID: sess.ID, From: sess.State}
	switch {
	case sess.State == pkg.StateClinicianActive:
		err = s.forwardToClinician(ctx, sess, turn)
	case s.controller.IsClinicianRequest(in.Text):
		err = s.requestClinician(ctx, sess, turn)
	case sess.State == pkg.StateConnectingToClinician:
		err = s.stillQueued(ctx, sess, turn)
	default:
		err = s.converse(ctx, sess, in.Text, turn)
	}
	if err != nil {
		return nil, err
	}
	turn.State = sess.State
	return turn, nil
}

// forwardToClinician acknowledges a message meant for the assigned doctor;
// the dashboard reads it from the transcript.
func (s *Service) forwardToClinician(ctx context.Context, sess *pkg.Session, turn *Turn) error {
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.reply(ctx, sess, turn, core.ForwardedToClinician)
	return nil
}

// requestClinician is the explicit "doctor" keyword path, valid from any
// state.
func (s *Service) requestClinician(ctx context.Context, sess *pkg.Session, turn *Turn) error {
	if err := core.Transition(sess, pkg.StateConnectingToClinician); err != nil {
		return err
	}
	assessment, err := s.requestAssessment(ctx, sess)
	if err != nil {
		return err
	}
	assigned, err := s.escalate(ctx, sess, turn, core.PatientRequestedReason, assessment)
	if err != nil {
		return err
	}
	if assigned == nil {
		s.reply(ctx, sess, turn, core.EscalationMessage)
	}
	return nil
}

func (s *Service) requestAssessment(ctx context.Context, sess *pkg.Session) (string, error) {
	transcript, err := s.store.Transcript(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	return "Patient requested clinician. Recent messages: " + escalation.RecentPatientText(transcript, 5), nil
}

// stillQueued answers a patient waiting for a clinician and takes the
// chance to retry assignment, since a clinician may have freed up.  A
// waiting session with no open case gets one.
func (s *Service) stillQueued(ctx context.Context, sess *pkg.Session, turn *Turn) error {
	open, err := s.store.OpenCase(ctx, sess.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		reason, assessment := sess.EscalationReason, sess.Overview
		if reason == "" {
			reason = core.PatientRequestedReason
		}
		if assessment == "" {
			if assessment, err = s.requestAssessment(ctx, sess); err != nil {
				return err
			}
		}
		s.logger.Warn("waiting session had no open case, escalating again", "session_id", sess.ID)
		assigned, err := s.escalate(ctx, sess, turn, reason, assessment)
		if err != nil {
			return err
		}
		if assigned == nil {
			s.reply(ctx, sess, turn, core.StillQueuedMessage)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load case: %w", err)
	}

	if err := s.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if open.Pending() {
		turn.Case = open
		a, err := s.engine.AssignToAvailable(ctx, open)
		if err != nil {
			return fmt.Errorf("assign: %w", err)
		}
		if a != nil {
			*sess = *a.Session
			turn.Case = a.Case
			s.reply(ctx, sess, turn, core.ClinicianJoined(a.Clinician.Name))
			return nil
		}
	}
	s.reply(ctx, sess, turn, core.StillQueuedMessage)
	return nil
}

// converse runs the dialogue.  A turn that lands in SUMMARY_PENDING goes
// straight on to produce the summary so the patient is not left waiting
// for another message.
func (s *Service) converse(ctx context.Context, sess *pkg.Session, text string, turn *Turn) error {
	for step := 0; step < 2; step++ {
		transcript, err := s.store.Transcript(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}
		if step > 0 {
			text = ""
		}
		res := s.controller.Advance(ctx, sess, transcript, text)
		s.apply(sess, res)

		var assigned *escalation.Assignment
		if res.ShouldEscalate {
			reason := res.EscalationReason
			if reason == "" {
				reason = core.DefaultEscalationReason
			}
			if assigned, err = s.escalate(ctx, sess, turn, reason, sess.Overview); err != nil {
				return err
			}
			if assigned == nil {
				s.reply(ctx, sess, turn, core.QueuedMessage)
			}
		} else if err := s.store.SaveSession(ctx, sess); err != nil {
			return fmt.Errorf("save session: %w", err)
		}

		// a turn headed for the clinician queue is announced by escalate
		if res.ShouldEscalate && res.NextState == pkg.StateConnectingToClinician {
			return nil
		}
		s.reply(ctx, sess, turn, res.Reply)
		if sess.State != pkg.StateSummaryPending {
			return nil
		}
	}
	return nil
}

// apply folds a dialogue decision into the session.  An illegal transition
// is logged and the state left as it was; the rest of the turn still
// applies.
func (s *Service) apply(sess *pkg.Session, res core.TurnResult) {
	from := sess.State
	var err error
	switch {
	case res.NextState == from:
	case from.Terminal() && res.NextState == pkg.StateCollectingSymptoms:
		err = core.Reopen(sess)
	default:
		err = core.Transition(sess, res.NextState)
	}
	if err != nil {
		s.logger.Warn("dropping illegal transition", "session_id", sess.ID, "from", from, "to", res.NextState, "err", err)
	}

	if res.Profile.Age != nil {
		sess.Profile.Age = res.Profile.Age
	}
	if res.Profile.Gender != "" {
		sess.Profile.Gender = res.Profile.Gender
	}
	if sess.Data == nil {
		sess.Data = pkg.TurnData{}
	}
	for k, v := range res.Data {
		if err := sess.Data.Set(k, v); err != nil {
			s.logger.Warn("dropping turn data", "session_id", sess.ID, "key", k, "err", err)
		}
	}
	if v := res.Data.String(pkg.KeyOverview); v != "" {
		sess.Overview = v
	}
	if v := res.Data.String(pkg.KeyRecommendations); v != "" {
		sess.Recommendations = v
	}
	if res.Fallback {
		s.logger.Info("turn answered from fallback", "session_id", sess.ID, "state", from)
	}
}

// escalate opens or updates the session's case, saves the escalated
// session and announces an immediate assignment.  The case is written
// first so a failure leaves the stored session as it was.  The caller
// announces the queued case, since the wording depends on the path.
func (s *Service) escalate(ctx context.Context, sess *pkg.Session, turn *Turn, reason, assessment string) (*escalation.Assignment, error) {
	c, err := s.engine.RecordEscalation(ctx, sess, reason, assessment)
	if err != nil {
		return nil, fmt.Errorf("escalate: %w", err)
	}
	turn.Case = c

	sess.Escalated = true
	sess.EscalationReason = reason
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if !c.Pending() {
		return nil, nil
	}
	a, err := s.engine.AssignToAvailable(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("assign: %w", err)
	}
	if a == nil {
		return nil, nil
	}
	turn.Case = a.Case
	*sess = *a.Session
	s.reply(ctx, sess, turn, core.ClinicianJoined(a.Clinician.Name))
	return a, nil
}

// reply sends text to the patient and logs it.  Neither a failed send nor
// a failed log aborts the turn.
func (s *Service) reply(ctx context.Context, sess *pkg.Session, turn *Turn, text string) {
	turn.Replies = append(turn.Replies, text)
	s.sendAndLog(ctx, sess, text, pkg.SourceSystem, nil)
}

func (s *Service) sendAndLog(ctx context.Context, sess *pkg.Session, text string, source pkg.MessageSource, clinicianID *string) {
	sid, err := s.deliver(ctx, sess.Identifier, text)
	if err != nil {
		s.logger.Warn("send failed", "session_id", sess.ID, "err", err)
	}
	if err := s.store.AppendMessage(ctx, &pkg.Message{
		SessionID:     sess.ID,
		Source:        source,
		Content:       text,
		ClinicianID:   clinicianID,
		CorrelationID: sid,
	}); err != nil {
		s.logger.Error("failed to log outbound message", "session_id", sess.ID, "err", err)
	}
}

func (s *Service) deliver(ctx context.Context, to, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	sid, err := s.sender.Send(ctx, to, text)
	if err != nil {
		s.metrics.SendFailed()
	}
	return sid, err
}
