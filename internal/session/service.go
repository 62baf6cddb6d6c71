package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
	"github.com/victornm/mutely/internal/event"
)

const (
	DefaultName            = "Focus Session"
	DefaultDurationMinutes = 30
	MaxDurationMinutes     = 480
)

type Store interface {
	CreateSession(ctx context.Context, s domain.Session, host domain.Participant) error
	AddParticipant(ctx context.Context, p domain.Participant) error
	FetchSession(ctx context.Context, sessionID string) (*domain.Session, error)
	FetchSessionByCode(ctx context.Context, code string) (*domain.Session, error)
	UpdateSessionPhase(ctx context.Context, sessionID string, next domain.Phase, at time.Time) (*domain.Session, bool, error)
	FetchParticipant(ctx context.Context, participantID string) (*domain.Participant, error)
	MarkParticipantInactive(ctx context.Context, participantID string) (*domain.Participant, error)
	FetchActiveParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	FetchAllParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	FetchViolationEvents(ctx context.Context, sessionID string) ([]domain.ViolationEvent, error)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	CodeTTL  time.Duration
	Now      func() time.Time
	// NewCodeFunc overrides the random join code generator.
	NewCodeFunc func() (string, error)
}

type Service struct {
	store Store
	eb    *event.Bus
	codes *codes
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store: c.Store,
		eb:    c.EventBus,
		codes: newCodes(c.Redis, c.Prefix, c.CodeTTL, c.NewCodeFunc),
		now:   c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type CreateSessionRequest struct {
	HostName        string `json:"host_name"`
	SessionName     string `json:"session_name"`
	DurationMinutes int    `json:"duration_minutes"`
}

type CreateSessionResponse struct {
	Session domain.Session     `json:"session"`
	Host    domain.Participant `json:"host"`
}

// CreateSession creates a waiting session with its host participant and a reserved join code.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	req.HostName = strings.TrimSpace(req.HostName)
	req.SessionName = strings.TrimSpace(req.SessionName)
	if req.SessionName == "" {
		req.SessionName = DefaultName
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}

	if req.HostName == "" {
		return nil, errors.InvalidArgument("host name is required")
	}
	if req.DurationMinutes < 1 || req.DurationMinutes > MaxDurationMinutes {
		return nil, errors.InvalidArgument("duration must be between 1 and %d minutes, got %d", MaxDurationMinutes, req.DurationMinutes)
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}
	hostID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate participant ID: %w", err)
	}

	code, err := s.codes.Reserve(ctx, sessionID.String())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ss := domain.Session{
		ID:              sessionID.String(),
		Code:            code,
		Name:            req.SessionName,
		DurationMinutes: req.DurationMinutes,
		HostID:          hostID.String(),
		Phase:           domain.PhaseWaiting,
		CreatedAt:       now,
	}
	host := domain.Participant{
		ID:        hostID.String(),
		SessionID: ss.ID,
		Name:      req.HostName,
		Role:      domain.RoleHost,
		Active:    true,
		CreatedAt: now,
	}

	if err := s.store.CreateSession(ctx, ss, host); err != nil {
		s.releaseCode(ctx, ss)
		return nil, err
	}

	slog.InfoContext(ctx, "session: created", "session_id", ss.ID, "code", ss.Code, "duration_minutes", ss.DurationMinutes)

	s.eb.Publish(ctx, domain.EventParticipantJoined{Participant: host})

	return &CreateSessionResponse{Session: ss, Host: host}, nil
}

type JoinSessionRequest struct {
	Code     string `json:"code"`
	UserName string `json:"user_name"`
}

type JoinSessionResponse struct {
	Session     domain.Session     `json:"session"`
	Participant domain.Participant `json:"participant"`
}

// JoinSession adds a guest to the session holding the code.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*JoinSessionResponse, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	name := strings.TrimSpace(req.UserName)
	if code == "" {
		return nil, errors.InvalidArgument("code is required")
	}
	if name == "" {
		return nil, errors.InvalidArgument("user name is required")
	}

	ss, err := s.sessionByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if ss.Phase == domain.PhaseEnded {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session has already ended: code=%s", code))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate participant ID: %w", err)
	}

	p := domain.Participant{
		ID:        id.String(),
		SessionID: ss.ID,
		Name:      name,
		Role:      domain.RoleGuest,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session: participant joined", "session_id", ss.ID, "participant_id", p.ID)

	s.eb.Publish(ctx, domain.EventParticipantJoined{Participant: p})

	return &JoinSessionResponse{Session: *ss, Participant: p}, nil
}

func (s *Service) sessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	id, ok, err := s.codes.Resolve(ctx, code)
	if err != nil {
		slog.WarnContext(ctx, "session: resolve code from redis failed, falling back to store", "code", code, "error", err)
	}
	if ok {
		ss, err := s.store.FetchSession(ctx, id)
		if err == nil || !errors.IsNotFound(err) {
			return ss, err
		}
	}

	ss, err := s.store.FetchSessionByCode(ctx, code)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("no session with code %s", code)
		}
		return nil, err
	}
	return ss, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.store.FetchSession(ctx, sessionID)
}

func (s *Service) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	return s.store.FetchParticipant(ctx, participantID)
}

func (s *Service) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	return s.store.FetchActiveParticipants(ctx, sessionID)
}

// StartSession moves a waiting session to running and stamps started_at.
func (s *Service) StartSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ss, changed, err := s.store.UpdateSessionPhase(ctx, sessionID, domain.PhaseRunning, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if changed {
		slog.InfoContext(ctx, "session: started", "session_id", ss.ID)
		s.eb.Publish(ctx, domain.EventSessionStarted{Session: *ss})
	}

	return ss, nil
}

// EndSession ends a session. Ending an ended session returns it unchanged.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ss, changed, err := s.store.UpdateSessionPhase(ctx, sessionID, domain.PhaseEnded, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if !changed {
		return ss, nil
	}

	s.releaseCode(ctx, *ss)

	slog.InfoContext(ctx, "session: ended", "session_id", ss.ID)
	s.eb.Publish(ctx, domain.EventSessionEnded{Session: *ss})

	return ss, nil
}

// LeaveSession marks the participant inactive. Their count and events are kept.
func (s *Service) LeaveSession(ctx context.Context, participantID string) (*domain.Participant, error) {
	p, err := s.store.MarkParticipantInactive(ctx, participantID)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session: participant left", "session_id", p.SessionID, "participant_id", p.ID)
	s.eb.Publish(ctx, domain.EventParticipantLeft{Participant: *p})

	return p, nil
}

func (s *Service) releaseCode(ctx context.Context, ss domain.Session) {
	if err := s.codes.Release(ctx, ss.Code, ss.ID); err != nil {
		slog.ErrorContext(ctx, "session: release code failed", "session_id", ss.ID, "code", ss.Code, "error", err)
	}
}
