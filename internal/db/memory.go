package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"triage-dispatcher/pkg"
)

// MemoryStore keeps everything in maps behind one mutex.  It backs the tests
// and single-node development runs without a database.  Every read returns
// a copy so callers can never mutate stored records in place.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*pkg.Session // by id
	byIdent    map[string]string       // identifier -> id
	messages   map[string][]pkg.Message
	cases      map[string]*pkg.EscalationCase
	clinicians map[string]*pkg.ClinicianWorkload
	nextMsgID  int64
	now        func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*pkg.Session),
		byIdent:    make(map[string]string),
		messages:   make(map[string][]pkg.Message),
		cases:      make(map[string]*pkg.EscalationCase),
		clinicians: make(map[string]*pkg.ClinicianWorkload),
		now:        time.Now,
	}
}

// GetOrCreateSession returns the session for identifier, creating it in
// state NEW if it does not exist.  The boolean reports creation.
func (m *MemoryStore) GetOrCreateSession(ctx context.Context, identifier string) (*pkg.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byIdent[identifier]; ok {
		return cloneSession(m.sessions[id]), false, nil
	}
	now := m.now()
	s := &pkg.Session{
		ID:             uuid.NewString(),
		Identifier:     identifier,
		State:          pkg.StateNew,
		Data:           pkg.TurnData{},
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	m.byIdent[identifier] = s.ID
	return cloneSession(s), true, nil
}

// GetSession returns a session by id.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

// SessionByIdentifier returns a session by channel identifier.
func (m *MemoryStore) SessionByIdentifier(ctx context.Context, identifier string) (*pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdent[identifier]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", identifier, ErrNotFound)
	}
	return cloneSession(m.sessions[id]), nil
}

// SaveSession overwrites the mutable fields of an existing session.  The
// identifier and creation time are never changed.
func (m *MemoryStore) SaveSession(ctx context.Context, s *pkg.Session) error {
	if !s.State.Valid() {
		return fmt.Errorf("save session: %w", pkg.ErrInvalidState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	next := cloneSession(s)
	next.Identifier = cur.Identifier
	next.CreatedAt = cur.CreatedAt
	m.sessions[s.ID] = next
	return nil
}

// AppendMessage adds msg to its session's transcript, filling in ID and
// CreatedAt.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *pkg.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
	}
	m.nextMsgID++
	msg.ID = m.nextMsgID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

// Transcript returns the messages of a session in creation order.
func (m *MemoryStore) Transcript(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pkg.Message(nil), m.messages[sessionID]...), nil
}

// OpenCase returns the unresolved case for a session.
func (m *MemoryStore) OpenCase(ctx context.Context, sessionID string) (*pkg.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.openCaseLocked(sessionID); c != nil {
		return cloneCase(c), nil
	}
	return nil, fmt.Errorf("open case for %s: %w", sessionID, ErrNotFound)
}

func (m *MemoryStore) openCaseLocked(sessionID string) *pkg.EscalationCase {
	for _, c := range m.cases {
		if c.SessionID == sessionID && !c.Resolved {
			return c
		}
	}
	return nil
}

// GetCase returns a case by id.
func (m *MemoryStore) GetCase(ctx context.Context, id string) (*pkg.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	return cloneCase(c), nil
}

// InsertCase stores a new case, assigning its ID and CreatedAt.
func (m *MemoryStore) InsertCase(ctx context.Context, c *pkg.EscalationCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[c.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}
	if m.openCaseLocked(c.SessionID) != nil {
		return ErrOpenCaseExists
	}
	c.ID = uuid.NewString()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.cases[c.ID] = cloneCase(c)
	return nil
}

// UpdateCase rewrites priority, reason and assessment of an open case.
func (m *MemoryStore) UpdateCase(ctx context.Context, c *pkg.EscalationCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %s: %w", c.ID, ErrNotFound)
	}
	if cur.Resolved {
		return ErrAlreadyResolved
	}
	cur.Priority = c.Priority
	cur.Reason = c.Reason
	cur.Assessment = c.Assessment
	return nil
}

// PendingCases returns unresolved, unassigned cases in queue order.
func (m *MemoryStore) PendingCases(ctx context.Context) ([]pkg.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.EscalationCase
	for _, c := range m.cases {
		if c.Pending() {
			out = append(out, *cloneCase(c))
		}
	}
	pkg.SortPending(out)
	return out, nil
}

// AssignedCases returns a clinician's unresolved cases.
func (m *MemoryStore) AssignedCases(ctx context.Context, clinicianID string) ([]pkg.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.EscalationCase
	for _, c := range m.cases {
		if !c.Resolved && c.AssignedTo != nil && *c.AssignedTo == clinicianID {
			out = append(out, *cloneCase(c))
		}
	}
	pkg.SortAssigned(out)
	return out, nil
}

// UpsertClinician creates a clinician or updates its profile.  The active
// case count is owned by the commit operations and is never overwritten.
func (m *MemoryStore) UpsertClinician(ctx context.Context, c *pkg.ClinicianWorkload) error {
	if c.MaxCapacity < 0 {
		return fmt.Errorf("clinician %s: negative capacity", c.ClinicianID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.clinicians[c.ClinicianID]; ok {
		if c.MaxCapacity < cur.ActiveCount {
			return fmt.Errorf("clinician %s: capacity below active count: %w", c.ClinicianID, ErrCapacityExceeded)
		}
		cur.Name = c.Name
		cur.Available = c.Available
		cur.MaxCapacity = c.MaxCapacity
		cur.Specialization = c.Specialization
		*c = *cur
		return nil
	}
	next := *c
	next.ActiveCount = 0
	if next.LastActive.IsZero() {
		next.LastActive = m.now()
	}
	m.clinicians[c.ClinicianID] = &next
	*c = next
	return nil
}

// GetClinician returns a clinician's workload record.
func (m *MemoryStore) GetClinician(ctx context.Context, id string) (*pkg.ClinicianWorkload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clinicians[id]
	if !ok {
		return nil, fmt.Errorf("clinician %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// SetAvailability toggles whether a clinician takes new cases.
func (m *MemoryStore) SetAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clinicians[id]
	if !ok {
		return fmt.Errorf("clinician %s: %w", id, ErrNotFound)
	}
	c.Available = available
	c.LastActive = m.now()
	return nil
}

// EligibleClinicians returns clinicians that can take a case, least loaded
// first.
func (m *MemoryStore) EligibleClinicians(ctx context.Context) ([]pkg.ClinicianWorkload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.ClinicianWorkload
	for _, c := range m.clinicians {
		if c.CanAcceptCase() {
			out = append(out, *c)
		}
	}
	pkg.SortByLoad(out)
	return out, nil
}

// CommitAssignment assigns the case, bumps the clinician's counter and
// applies mutate to the session as one step.  Nothing changes on error.
func (m *MemoryStore) CommitAssignment(ctx context.Context, caseID, clinicianID string, at time.Time, mutate Mutator) (*pkg.EscalationCase, *pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	switch {
	case c.Resolved:
		return nil, nil, ErrAlreadyResolved
	case c.AssignedTo != nil:
		return nil, nil, ErrAlreadyAssigned
	}
	cl, ok := m.clinicians[clinicianID]
	if !ok {
		return nil, nil, fmt.Errorf("clinician %s: %w", clinicianID, ErrNotFound)
	}
	if !cl.CanAcceptCase() {
		return nil, nil, ErrCapacityExceeded
	}
	s, ok := m.sessions[c.SessionID]
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}

	next := cloneSession(s)
	if err := mutate(next); err != nil {
		return nil, nil, err
	}

	m.sessions[s.ID] = next
	cl.ActiveCount++
	cl.LastActive = at
	c.AssignedTo = &clinicianID
	c.AssignedAt = &at
	return cloneCase(c), cloneSession(next), nil
}

// CommitResolution closes the case, releases the clinician's slot (floored
// at zero) and applies mutate to the session as one step.
func (m *MemoryStore) CommitResolution(ctx context.Context, caseID string, at time.Time, mutate Mutator) (*pkg.EscalationCase, *pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	if c.Resolved {
		return nil, nil, ErrAlreadyResolved
	}
	s, ok := m.sessions[c.SessionID]
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}

	next := cloneSession(s)
	if err := mutate(next); err != nil {
		return nil, nil, err
	}

	m.sessions[s.ID] = next
	if c.AssignedTo != nil {
		if cl, ok := m.clinicians[*c.AssignedTo]; ok && cl.ActiveCount > 0 {
			cl.ActiveCount--
			cl.LastActive = at
		}
	}
	c.Resolved = true
	c.ResolvedAt = &at
	return cloneCase(c), cloneSession(next), nil
}

func cloneSession(s *pkg.Session) *pkg.Session {
	cp := *s
	cp.Data = make(pkg.TurnData, len(s.Data))
	for k, v := range s.Data {
		cp.Data[k] = v
	}
	if s.AssignedClinician != nil {
		id := *s.AssignedClinician
		cp.AssignedClinician = &id
	}
	if s.Profile.Age != nil {
		age := *s.Profile.Age
		cp.Profile.Age = &age
	}
	if s.Profile.Weight != nil {
		w := *s.Profile.Weight
		cp.Profile.Weight = &w
	}
	return &cp
}

func cloneCase(c *pkg.EscalationCase) *pkg.EscalationCase {
	cp := *c
	if c.AssignedTo != nil {
		id := *c.AssignedTo
		cp.AssignedTo = &id
	}
	if c.AssignedAt != nil {
		t := *c.AssignedAt
		cp.AssignedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
