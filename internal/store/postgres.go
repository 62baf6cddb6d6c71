// Package store is the PostgreSQL implementation of the session state store.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
)

const codeUniqueViolation = "23505"

type Config struct {
	Addr    string
	User    string
	Pass    string
	Name    string
	SSLMode string
}

func (c Config) URL() string {
	mode := c.SSLMode
	if mode == "" {
		mode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s", c.User, c.Pass, c.Addr, c.Name, mode)
}

// Connect opens a pool and pings the database.
func Connect(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(c.URL())
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const (
	sessionColumns     = `id, code, session_name, duration_minutes, host_id, status, started_at, ended_at, created_at`
	participantColumns = `id, session_id, name, role, snitch_count, is_active, last_snitch_at, created_at`
	eventColumns       = `id, session_id, participant_id, event_type, created_at`
)

// CreateSession inserts the session and its host participant in one transaction.
func (p *Postgres) CreateSession(ctx context.Context, s domain.Session, host domain.Participant) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insSessionStmt = `
INSERT INTO sessions (id, code, session_name, duration_minutes, host_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err = tx.Exec(ctx, insSessionStmt, s.ID, s.Code, s.Name, s.DurationMinutes, s.HostID, string(s.Phase), s.CreatedAt)
	if err != nil {
		return convertWriteErr(fmt.Errorf("insert session: %w", err))
	}

	if err = insertParticipant(ctx, tx, host); err != nil {
		return fmt.Errorf("insert host: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) AddParticipant(ctx context.Context, pt domain.Participant) error {
	if err := insertParticipant(ctx, p.db, pt); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertParticipant(ctx context.Context, db execer, pt domain.Participant) error {
	const stmt = `
INSERT INTO participants (id, session_id, name, role, snitch_count, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err := db.Exec(ctx, stmt, pt.ID, pt.SessionID, pt.Name, string(pt.Role), pt.ViolationCount, pt.Active, pt.CreatedAt)
	return convertWriteErr(err)
}

func (p *Postgres) FetchSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if !validID(sessionID) {
		return nil, errors.NotFound("session not found: id=%s", sessionID)
	}

	row := p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1;`, sessionID)

	s, err := scanSession(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("session not found: id=%s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	return s, nil
}

// FetchSessionByCode returns the most recent session using the code.
func (p *Postgres) FetchSessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1 ORDER BY created_at DESC LIMIT 1;`

	s, err := scanSession(p.db.QueryRow(ctx, stmt, code))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("session not found: code=%s", code)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session by code: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListSessionsByPhase(ctx context.Context, phase domain.Phase) ([]domain.Session, error) {
	rows, err := p.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY created_at;`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ss, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Session, error) {
		s, err := scanSession(r)
		if err != nil {
			return domain.Session{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ss, nil
}

// UpdateSessionPhase moves a session to the next phase and stamps the matching timestamp once.
// Moving an ended session to ended returns it unchanged with changed set to false.
func (p *Postgres) UpdateSessionPhase(ctx context.Context, sessionID string, next domain.Phase, at time.Time) (s *domain.Session, changed bool, err error) {
	if !validID(sessionID) {
		return nil, false, errors.NotFound("session not found: id=%s", sessionID)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	cur, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE;`, sessionID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.NotFound("session not found: id=%s", sessionID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock session: %w", err)
	}

	if cur.Phase == next && next == domain.PhaseEnded {
		return cur, false, tx.Commit(ctx)
	}

	if !cur.Phase.CanTransitionTo(next) {
		return nil, false, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s is %s, cannot become %s", sessionID, cur.Phase, next))
	}

	const stmt = `
UPDATE sessions SET
	status = $2,
	started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
	ended_at = CASE WHEN $2 = 'ended' THEN COALESCE(ended_at, $3) ELSE ended_at END
WHERE id = $1
RETURNING ` + sessionColumns + `;`

	s, err = scanSession(tx.QueryRow(ctx, stmt, sessionID, string(next), at))
	if err != nil {
		return nil, false, fmt.Errorf("update session phase: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return s, true, nil
}

func (p *Postgres) FetchParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	if !validID(participantID) {
		return nil, errors.NotFound("participant not found: id=%s", participantID)
	}

	pt, err := scanParticipant(p.db.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1;`, participantID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("participant not found: id=%s", participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch participant: %w", err)
	}
	return pt, nil
}

// FetchActiveParticipants returns the active participants of a session, oldest first.
func (p *Postgres) FetchActiveParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	if !validID(sessionID) {
		return nil, errors.NotFound("session not found: id=%s", sessionID)
	}

	const stmt = `
SELECT ` + participantColumns + `
FROM participants
WHERE session_id = $1 AND is_active
ORDER BY created_at, id;`

	return p.queryParticipants(ctx, stmt, sessionID)
}

// FetchAllParticipants returns every participant of a session including those who left,
// oldest first.
func (p *Postgres) FetchAllParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	if !validID(sessionID) {
		return nil, errors.NotFound("session not found: id=%s", sessionID)
	}

	const stmt = `SELECT ` + participantColumns + ` FROM participants WHERE session_id = $1 ORDER BY created_at, id;`
	return p.queryParticipants(ctx, stmt, sessionID)
}

func (p *Postgres) queryParticipants(ctx context.Context, stmt string, args ...any) ([]domain.Participant, error) {
	rows, err := p.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch participants: %w", err)
	}

	ps, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Participant, error) {
		pt, err := scanParticipant(r)
		if err != nil {
			return domain.Participant{}, err
		}
		return *pt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch participants: %w", err)
	}
	return ps, nil
}

// MarkParticipantInactive soft-deletes a participant. Their events and count are kept.
func (p *Postgres) MarkParticipantInactive(ctx context.Context, participantID string) (*domain.Participant, error) {
	if !validID(participantID) {
		return nil, errors.NotFound("participant not found: id=%s", participantID)
	}

	const stmt = `UPDATE participants SET is_active = FALSE WHERE id = $1 RETURNING ` + participantColumns + `;`

	pt, err := scanParticipant(p.db.QueryRow(ctx, stmt, participantID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("participant not found: id=%s", participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark participant inactive: %w", err)
	}
	return pt, nil
}

func (p *Postgres) AppendViolationEvent(ctx context.Context, e domain.ViolationEvent) (*domain.ViolationEvent, error) {
	if !validID(e.SessionID) {
		return nil, errors.NotFound("session not found: id=%s", e.SessionID)
	}
	if !validID(e.ParticipantID) {
		return nil, errors.NotFound("participant not found: id=%s", e.ParticipantID)
	}

	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate event ID: %w", err)
		}
		e.ID = id.String()
	}

	const stmt = `
INSERT INTO snitch_events (id, session_id, participant_id, event_type, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + eventColumns + `;`

	ev, err := scanEvent(p.db.QueryRow(ctx, stmt, e.ID, e.SessionID, e.ParticipantID, e.Type.String(), e.CreatedAt))
	if err != nil {
		return nil, convertWriteErr(fmt.Errorf("insert violation event: %w", err))
	}
	return ev, nil
}

// IncrementViolationCount is a single atomic statement, concurrent calls never lose an increment.
func (p *Postgres) IncrementViolationCount(ctx context.Context, participantID string, at time.Time) (int, error) {
	if !validID(participantID) {
		return 0, errors.NotFound("participant not found: id=%s", participantID)
	}

	const stmt = `
UPDATE participants
SET snitch_count = snitch_count + 1, last_snitch_at = $2
WHERE id = $1
RETURNING snitch_count;`

	var count int
	err := p.db.QueryRow(ctx, stmt, participantID, at).Scan(&count)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, errors.NotFound("participant not found: id=%s", participantID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment violation count: %w", err)
	}
	return count, nil
}

// FetchViolationEvents returns every event of a session, newest first.
func (p *Postgres) FetchViolationEvents(ctx context.Context, sessionID string) ([]domain.ViolationEvent, error) {
	if !validID(sessionID) {
		return nil, errors.NotFound("session not found: id=%s", sessionID)
	}

	const stmt = `SELECT ` + eventColumns + ` FROM snitch_events WHERE session_id = $1 ORDER BY created_at DESC, id DESC;`

	rows, err := p.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch violation events: %w", err)
	}

	evs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.ViolationEvent, error) {
		ev, err := scanEvent(r)
		if err != nil {
			return domain.ViolationEvent{}, err
		}
		return *ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch violation events: %w", err)
	}
	return evs, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s     domain.Session
		phase string
	)
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &s.DurationMinutes, &s.HostID, &phase, &s.StartedAt, &s.EndedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Phase = domain.Phase(phase)
	return &s, nil
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var (
		pt   domain.Participant
		role string
	)
	if err := row.Scan(&pt.ID, &pt.SessionID, &pt.Name, &role, &pt.ViolationCount, &pt.Active, &pt.LastViolationAt, &pt.CreatedAt); err != nil {
		return nil, err
	}
	pt.Role = domain.Role(role)
	return &pt, nil
}

func scanEvent(row pgx.Row) (*domain.ViolationEvent, error) {
	var (
		ev  domain.ViolationEvent
		typ string
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &ev.ParticipantID, &typ, &ev.CreatedAt); err != nil {
		return nil, err
	}
	// Rows written by older clients may carry types outside the closed set, they read as unknown.
	ev.Type, _ = domain.ParseEventType(typ)
	return &ev, nil
}

// validID reports whether id can match a UUID column. Anything else can never resolve to a row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func convertWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}
	return err
}
