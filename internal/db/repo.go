package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"triage-dispatcher/pkg"
)

// Repository is the Postgres implementation of the triage store.
// Assignment and resolution run in a transaction with row locks and
// conditional updates, so concurrent commits for one clinician can never
// push its active count past capacity.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, identifier, state, age, gender, weight, medical_history, session_data,
	escalated, escalation_reason, assigned_clinician, ai_overview, recommendation_plan,
	created_at, updated_at, last_activity_at`

func scanSession(row scanner) (*pkg.Session, error) {
	var (
		s        pkg.Session
		state    string
		age      sql.NullInt64
		weight   sql.NullFloat64
		data     []byte
		assigned sql.NullString
	)
	err := row.Scan(&s.ID, &s.Identifier, &state, &age, &s.Profile.Gender, &weight,
		&s.Profile.MedicalHistory, &data, &s.Escalated, &s.EscalationReason, &assigned,
		&s.Overview, &s.Recommendations, &s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if s.State, err = pkg.ParseState(state); err != nil {
		return nil, err
	}
	if age.Valid {
		v := int(age.Int64)
		s.Profile.Age = &v
	}
	if weight.Valid {
		v := weight.Float64
		s.Profile.Weight = &v
	}
	if assigned.Valid {
		v := assigned.String
		s.AssignedClinician = &v
	}
	s.Data = pkg.TurnData{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Data); err != nil {
			return nil, fmt.Errorf("decode session_data: %w", err)
		}
	}
	return &s, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// GetOrCreateSession returns the session for identifier, creating it in
// state NEW if it does not exist.  The boolean reports creation.
func (r *Repository) GetOrCreateSession(ctx context.Context, identifier string) (*pkg.Session, bool, error) {
	s, err := scanSession(r.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (id, identifier, state)
         VALUES ($1, $2, $3)
         ON CONFLICT (identifier) DO NOTHING
         RETURNING `+sessionColumns,
		uuid.New(), identifier, pkg.StateNew,
	))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	s, err = r.SessionByIdentifier(ctx, identifier)
	return s, false, err
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	return getSession(ctx, r.DB, id, false)
}

func getSession(ctx context.Context, q querier, id string, forUpdate bool) (*pkg.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "session "+id)
	}
	return s, nil
}

// SessionByIdentifier returns a session by channel identifier.
func (r *Repository) SessionByIdentifier(ctx context.Context, identifier string) (*pkg.Session, error) {
	s, err := scanSession(r.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE identifier = $1`, identifier))
	if err != nil {
		return nil, notFound(err, "session "+identifier)
	}
	return s, nil
}

// SaveSession writes the mutable fields of a session.
func (r *Repository) SaveSession(ctx context.Context, s *pkg.Session) error {
	return saveSession(ctx, r.DB, s)
}

func saveSession(ctx context.Context, q querier, s *pkg.Session) error {
	if !s.State.Valid() {
		return fmt.Errorf("save session: %w", pkg.ErrInvalidState)
	}
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode session_data: %w", err)
	}
	var age sql.NullInt64
	if s.Profile.Age != nil {
		age = sql.NullInt64{Int64: int64(*s.Profile.Age), Valid: true}
	}
	var weight sql.NullFloat64
	if s.Profile.Weight != nil {
		weight = sql.NullFloat64{Float64: *s.Profile.Weight, Valid: true}
	}
	res, err := q.ExecContext(ctx,
		`UPDATE sessions
         SET state = $2, age = $3, gender = $4, weight = $5, medical_history = $6,
             session_data = $7, escalated = $8, escalation_reason = $9,
             assigned_clinician = $10, ai_overview = $11, recommendation_plan = $12,
             updated_at = NOW(), last_activity_at = $13
         WHERE id = $1`,
		s.ID, s.State, age, s.Profile.Gender, weight, s.Profile.MedicalHistory,
		data, s.Escalated, s.EscalationReason, s.AssignedClinician,
		s.Overview, s.Recommendations, s.LastActivityAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// AppendMessage stores a transcript entry, filling in ID and CreatedAt.
func (r *Repository) AppendMessage(ctx context.Context, m *pkg.Message) error {
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, source, content, clinician_id, correlation_id)
         VALUES ($1, $2, $3, $4, $5)
         RETURNING id, created_at`,
		m.SessionID, m.Source, m.Content, m.ClinicianID, m.CorrelationID,
	).Scan(&m.ID, &m.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return fmt.Errorf("session %s: %w", m.SessionID, ErrNotFound)
	}
	return err
}

// Transcript returns the messages of a session in creation order.
func (r *Repository) Transcript(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, source, content, clinician_id, correlation_id, created_at
         FROM messages
         WHERE session_id = $1
         ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transcript []pkg.Message
	for rows.Next() {
		var (
			m         pkg.Message
			clinician sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Source, &m.Content, &clinician, &m.CorrelationID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if clinician.Valid {
			v := clinician.String
			m.ClinicianID = &v
		}
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

const caseColumns = `id, session_id, priority, reason, ai_assessment, assigned_to, resolved,
	created_at, assigned_at, resolved_at`

func scanCase(row scanner) (*pkg.EscalationCase, error) {
	var (
		c          pkg.EscalationCase
		priority   string
		assignedTo sql.NullString
		assignedAt sql.NullTime
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.SessionID, &priority, &c.Reason, &c.Assessment, &assignedTo,
		&c.Resolved, &c.CreatedAt, &assignedAt, &resolvedAt); err != nil {
		return nil, err
	}
	var err error
	if c.Priority, err = pkg.ParsePriority(priority); err != nil {
		return nil, err
	}
	if assignedTo.Valid {
		v := assignedTo.String
		c.AssignedTo = &v
	}
	if assignedAt.Valid {
		v := assignedAt.Time
		c.AssignedAt = &v
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time
		c.ResolvedAt = &v
	}
	return &c, nil
}

func (r *Repository) queryCases(ctx context.Context, query string, args ...any) ([]pkg.EscalationCase, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.EscalationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// OpenCase returns the unresolved case for a session.
func (r *Repository) OpenCase(ctx context.Context, sessionID string) (*pkg.EscalationCase, error) {
	c, err := scanCase(r.DB.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM escalations WHERE session_id = $1 AND NOT resolved`, sessionID))
	if err != nil {
		return nil, notFound(err, "open case for "+sessionID)
	}
	return c, nil
}

// GetCase returns a case by id.
func (r *Repository) GetCase(ctx context.Context, id string) (*pkg.EscalationCase, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	c, err := scanCase(r.DB.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM escalations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "case "+id)
	}
	return c, nil
}

// InsertCase stores a new case, assigning its ID and CreatedAt.
func (r *Repository) InsertCase(ctx context.Context, c *pkg.EscalationCase) error {
	id := uuid.New()
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO escalations (id, session_id, priority, reason, ai_assessment)
         VALUES ($1, $2, $3, $4, $5)
         RETURNING created_at`,
		id, c.SessionID, c.Priority, c.Reason, c.Assessment,
	).Scan(&c.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ErrOpenCaseExists
		case "23503":
			return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
		}
	}
	if err != nil {
		return err
	}
	c.ID = id.String()
	return nil
}

// UpdateCase rewrites priority, reason and assessment of an open case.
func (r *Repository) UpdateCase(ctx context.Context, c *pkg.EscalationCase) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE escalations SET priority = $2, reason = $3, ai_assessment = $4
         WHERE id = $1 AND NOT resolved`,
		c.ID, c.Priority, c.Reason, c.Assessment)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

const priorityOrder = `CASE priority WHEN 'URGENT' THEN 3 WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 ELSE 0 END`

// PendingCases returns unresolved, unassigned cases in queue order.
func (r *Repository) PendingCases(ctx context.Context) ([]pkg.EscalationCase, error) {
	return r.queryCases(ctx,
		`SELECT `+caseColumns+` FROM escalations
         WHERE NOT resolved AND assigned_to IS NULL
         ORDER BY `+priorityOrder+` DESC, created_at ASC`)
}

// AssignedCases returns a clinician's unresolved cases.
func (r *Repository) AssignedCases(ctx context.Context, clinicianID string) ([]pkg.EscalationCase, error) {
	return r.queryCases(ctx,
		`SELECT `+caseColumns+` FROM escalations
         WHERE NOT resolved AND assigned_to = $1
         ORDER BY `+priorityOrder+` DESC, assigned_at ASC`, clinicianID)
}

const clinicianColumns = `id, name, available, active_count, max_capacity, specialization, last_active`

func scanClinician(row scanner) (*pkg.ClinicianWorkload, error) {
	var c pkg.ClinicianWorkload
	err := row.Scan(&c.ClinicianID, &c.Name, &c.Available, &c.ActiveCount, &c.MaxCapacity, &c.Specialization, &c.LastActive)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertClinician creates a clinician or updates its profile.  The active
// case count is owned by the commit operations and is never overwritten.
func (r *Repository) UpsertClinician(ctx context.Context, c *pkg.ClinicianWorkload) error {
	out, err := scanClinician(r.DB.QueryRowContext(ctx,
		`INSERT INTO clinicians (id, name, available, max_capacity, specialization)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (id) DO UPDATE
         SET name = EXCLUDED.name, available = EXCLUDED.available,
             max_capacity = EXCLUDED.max_capacity, specialization = EXCLUDED.specialization
         RETURNING `+clinicianColumns,
		c.ClinicianID, c.Name, c.Available, c.MaxCapacity, c.Specialization))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		return fmt.Errorf("clinician %s: %w", c.ClinicianID, ErrCapacityExceeded)
	}
	if err != nil {
		return err
	}
	*c = *out
	return nil
}

// GetClinician returns a clinician's workload record.
func (r *Repository) GetClinician(ctx context.Context, id string) (*pkg.ClinicianWorkload, error) {
	c, err := scanClinician(r.DB.QueryRowContext(ctx,
		`SELECT `+clinicianColumns+` FROM clinicians WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "clinician "+id)
	}
	return c, nil
}

// SetAvailability toggles whether a clinician takes new cases.
func (r *Repository) SetAvailability(ctx context.Context, id string, available bool) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE clinicians SET available = $2, last_active = NOW() WHERE id = $1`, id, available)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clinician %s: %w", id, ErrNotFound)
	}
	return nil
}

// EligibleClinicians returns clinicians that can take a case, least loaded
// first.
func (r *Repository) EligibleClinicians(ctx context.Context) ([]pkg.ClinicianWorkload, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+clinicianColumns+` FROM clinicians
         WHERE available AND active_count < max_capacity
         ORDER BY active_count ASC, last_active ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.ClinicianWorkload
	for rows.Next() {
		c, err := scanClinician(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CommitAssignment assigns the case, bumps the clinician's counter and
// applies mutate to the session in one transaction.
func (r *Repository) CommitAssignment(ctx context.Context, caseID, clinicianID string, at time.Time, mutate Mutator) (*pkg.EscalationCase, *pkg.Session, error) {
	if _, err := uuid.Parse(caseID); err != nil {
		return nil, nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	var (
		c *pkg.EscalationCase
		s *pkg.Session
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = scanCase(tx.QueryRowContext(ctx,
			`SELECT `+caseColumns+` FROM escalations WHERE id = $1 FOR UPDATE`, caseID))
		if err != nil {
			return notFound(err, "case "+caseID)
		}
		switch {
		case c.Resolved:
			return ErrAlreadyResolved
		case c.AssignedTo != nil:
			return ErrAlreadyAssigned
		}

		// the WHERE clause is the capacity check; a concurrent commit that
		// took the last slot makes this update match no rows
		res, err := tx.ExecContext(ctx,
			`UPDATE clinicians SET active_count = active_count + 1, last_active = $2
             WHERE id = $1 AND available AND active_count < max_capacity`,
			clinicianID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM clinicians WHERE id = $1)`, clinicianID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("clinician %s: %w", clinicianID, ErrNotFound)
			}
			return ErrCapacityExceeded
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE escalations SET assigned_to = $2, assigned_at = $3 WHERE id = $1`,
			caseID, clinicianID, at); err != nil {
			return err
		}
		c.AssignedTo = &clinicianID
		c.AssignedAt = &at

		if s, err = getSession(ctx, tx, c.SessionID, true); err != nil {
			return err
		}
		if err := mutate(s); err != nil {
			return err
		}
		return saveSession(ctx, tx, s)
	})
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}

// CommitResolution closes the case, releases the clinician's slot (floored
// at zero) and applies mutate to the session in one transaction.
func (r *Repository) CommitResolution(ctx context.Context, caseID string, at time.Time, mutate Mutator) (*pkg.EscalationCase, *pkg.Session, error) {
	if _, err := uuid.Parse(caseID); err != nil {
		return nil, nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	var (
		c *pkg.EscalationCase
		s *pkg.Session
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = scanCase(tx.QueryRowContext(ctx,
			`SELECT `+caseColumns+` FROM escalations WHERE id = $1 FOR UPDATE`, caseID))
		if err != nil {
			return notFound(err, "case "+caseID)
		}
		if c.Resolved {
			return ErrAlreadyResolved
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE escalations SET resolved = TRUE, resolved_at = $2 WHERE id = $1`, caseID, at); err != nil {
			return err
		}
		c.Resolved = true
		c.ResolvedAt = &at

		if c.AssignedTo != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE clinicians SET active_count = GREATEST(active_count - 1, 0), last_active = $2
                 WHERE id = $1`, *c.AssignedTo, at); err != nil {
				return err
			}
		}

		if s, err = getSession(ctx, tx, c.SessionID, true); err != nil {
			return err
		}
		if err := mutate(s); err != nil {
			return err
		}
		return saveSession(ctx, tx, s)
	})
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}
