package pkg

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the position of a patient session in the triage conversation.
// Only the nine values declared below are valid; UnmarshalText and
// ParseState reject anything else so a corrupted row or payload can never
// smuggle an arbitrary string into a session.
type State string

const (
	StateNew                       State = "NEW"
	StateCollectingProfile         State = "COLLECTING_PROFILE"
	StateCollectingSymptoms        State = "COLLECTING_SYMPTOMS"
	StateAIFollowup                State = "AI_FOLLOWUP"
	StateSummaryPending            State = "SUMMARY_PENDING"
	StateAwaitingClinicianDecision State = "AWAITING_CLINICIAN_DECISION"
	StateConnectingToClinician     State = "CONNECTING_TO_CLINICIAN"
	StateClinicianActive           State = "CLINICIAN_ACTIVE"
	StateCompleted                 State = "COMPLETED"
)

// States lists every valid state in conversation order.
var States = []State{
	StateNew,
	StateCollectingProfile,
	StateCollectingSymptoms,
	StateAIFollowup,
	StateSummaryPending,
	StateAwaitingClinicianDecision,
	StateConnectingToClinician,
	StateClinicianActive,
	StateCompleted,
}

// ErrInvalidState is returned when a string does not name a known state.
var ErrInvalidState = errors.New("invalid session state")

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether the conversation is closed in this state.
func (s State) Terminal() bool { return s == StateCompleted }

// ParseState converts a stored or transmitted value into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, v)
	}
	return s, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Priority is the urgency tier of an escalation.  LOW is only ever set by a
// clinician downgrading a case; the classifier starts at MEDIUM.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ErrInvalidPriority is returned when a string does not name a priority tier.
var ErrInvalidPriority = errors.New("invalid priority")

// Rank orders priorities so that a higher rank is more urgent.  Unknown values
// rank below LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// ParsePriority converts a stored value into a Priority.
func ParsePriority(v string) (Priority, error) {
	p := Priority(v)
	if p.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, v)
	}
	return p, nil
}

// MessageSource tags who authored a message in the transcript.
type MessageSource string

const (
	SourcePatient   MessageSource = "patient"
	SourceSystem    MessageSource = "system"
	SourceClinician MessageSource = "clinician"
)

// Profile holds the patient attributes collected during intake.
type Profile struct {
	Age            *int     `json:"age,omitempty"`
	Gender         string   `json:"gender,omitempty"`
	Weight         *float64 `json:"weight,omitempty"`
	MedicalHistory string   `json:"medical_history,omitempty"`
}

// Recognised turn data keys.  TurnData.Set rejects any other key so a typo
// fails loudly instead of becoming dead state.
const (
	KeyChiefComplaint     = "chief_complaint"
	KeyQuestionCount      = "question_count"
	KeyAssessmentComplete = "assessment_complete"
	KeyUsedFallback       = "used_fallback"
	KeyOverview           = "ai_overview"
	KeyRecommendations    = "recommendations"
	KeyFullSummary        = "full_summary"
)

// ErrUnknownTurnKey is returned for keys outside the turn data schema.
var ErrUnknownTurnKey = errors.New("unknown turn data key")

// ErrTurnValueType is returned when a value has the wrong type for its key.
var ErrTurnValueType = errors.New("wrong type for turn data key")

// TurnData is the open key-value store accumulated across turns.  Values are
// kept JSON-compatible because the map is persisted as a JSON column.
type TurnData map[string]any

// Set validates key and value against the schema and stores the value.
func (d TurnData) Set(key string, value any) error {
	var ok bool
	switch key {
	case KeyChiefComplaint, KeyOverview, KeyRecommendations:
		_, ok = value.(string)
	case KeyQuestionCount:
		_, ok = value.(int)
	case KeyAssessmentComplete, KeyUsedFallback:
		_, ok = value.(bool)
	case KeyFullSummary:
		_, ok = value.(map[string]any)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTurnKey, key)
	}
	if !ok {
		return fmt.Errorf("%w: %q got %T", ErrTurnValueType, key, value)
	}
	d[key] = value
	return nil
}

// Merge applies every entry of other through Set, stopping at the first error.
func (d TurnData) Merge(other TurnData) error {
	for k, v := range other {
		if err := d.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// String returns the string value stored under key, or "".
func (d TurnData) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the boolean value stored under key, or false.
func (d TurnData) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Int returns the integer stored under key.  Values decoded from JSON arrive
// as float64 or json.Number and are converted.
func (d TurnData) Int(key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// ChiefComplaint is the first symptom description the patient gave.
func (d TurnData) ChiefComplaint() string { return d.String(KeyChiefComplaint) }

// QuestionCount is the number of follow-up questions asked so far.
func (d TurnData) QuestionCount() int { return d.Int(KeyQuestionCount) }

// Session represents one patient conversation keyed by channel identifier.
type Session struct {
	ID                string    `json:"id"`
	Identifier        string    `json:"identifier"`
	State             State     `json:"state"`
	Profile           Profile   `json:"profile"`
	Data              TurnData  `json:"session_data"`
	Escalated         bool      `json:"escalated"`
	EscalationReason  string    `json:"escalation_reason,omitempty"`
	AssignedClinician *string   `json:"assigned_clinician,omitempty"`
	Overview          string    `json:"ai_overview,omitempty"`
	Recommendations   string    `json:"recommendation_plan,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Message is an immutable transcript entry.
type Message struct {
	ID            int64         `json:"id"`
	SessionID     string        `json:"session_id"`
	Source        MessageSource `json:"source"`
	Content       string        `json:"content"`
	ClinicianID   *string       `json:"clinician_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// EscalationCase is the queue entry for a session awaiting or receiving
// clinician attention.  At most one unresolved case exists per session.
type EscalationCase struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Priority   Priority   `json:"priority"`
	Reason     string     `json:"reason"`
	Assessment string     `json:"ai_assessment"`
	AssignedTo *string    `json:"assigned_to,omitempty"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Pending reports whether the case is waiting in the queue.
func (c *EscalationCase) Pending() bool { return !c.Resolved && c.AssignedTo == nil }

// ClinicianWorkload tracks availability and the number of open cases held by
// a clinician.  ActiveCount never leaves [0, MaxCapacity].
type ClinicianWorkload struct {
	ClinicianID    string    `json:"clinician_id"`
	Name           string    `json:"name"`
	Available      bool      `json:"available"`
	ActiveCount    int       `json:"active_count"`
	MaxCapacity    int       `json:"max_capacity"`
	Specialization string    `json:"specialization,omitempty"`
	LastActive     time.Time `json:"last_active"`
}

// CanAcceptCase reports whether the clinician is eligible for a new case.
func (c ClinicianWorkload) CanAcceptCase() bool {
	return c.Available && c.ActiveCount < c.MaxCapacity
}

// Notification is published to a clinician when a case is assigned to them.
type Notification struct {
	ClinicianID string   `json:"clinician_id"`
	CaseID      string   `json:"escalation_id"`
	Identifier  string   `json:"patient_phone"`
	Priority    Priority `json:"priority"`
	Reason      string   `json:"reason"`
}
