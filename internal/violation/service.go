package violation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
	"github.com/victornm/mutely/internal/event"
)

// Store is the write side of the session store used for violations.
type Store interface {
	AppendViolationEvent(ctx context.Context, e domain.ViolationEvent) (*domain.ViolationEvent, error)
	// IncrementViolationCount adds one to the participant's counter, stamps the last violation
	// time and returns the new count.
	IncrementViolationCount(ctx context.Context, participantID string, at time.Time) (int, error)
}

type Metrics interface {
	ObserveViolation(t domain.EventType, success bool)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Metrics  Metrics
	Now      func() time.Time
}

type Service struct {
	store   Store
	eb      *event.Bus
	metrics Metrics
	now     func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:   c.Store,
		eb:      c.EventBus,
		metrics: c.Metrics,
		now:     c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type LogViolationRequest struct {
	SessionID     string
	ParticipantID string
	Type          domain.EventType
}

// Result reports the outcome of LogViolation. Failures are carried here, never returned as
// an error or a panic.
type Result struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	NewCount int    `json:"new_count,omitempty"`
}

// LogViolation appends a violation event and increments the participant's counter. The
// append is the record of truth: once it succeeds the result is a success even when the
// counter update fails.
func (s *Service) LogViolation(ctx context.Context, req LogViolationRequest) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "violation: log violation panic",
				"session_id", req.SessionID,
				"participant_id", req.ParticipantID,
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
			res = Result{Error: "internal error"}
		}
		if s.metrics != nil {
			s.metrics.ObserveViolation(req.Type, res.Success)
		}
	}()

	if err := validate(req); err != nil {
		return Result{Error: err.Message}
	}

	now := s.now()
	ev, err := s.store.AppendViolationEvent(ctx, domain.ViolationEvent{
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
		Type:          req.Type,
		CreatedAt:     now,
	})
	if err != nil {
		slog.ErrorContext(ctx, "violation: append event failed",
			"session_id", req.SessionID,
			"participant_id", req.ParticipantID,
			"type", req.Type,
			"error", err,
		)
		return Result{Error: errors.Convert(err).Message}
	}

	count, err := s.store.IncrementViolationCount(ctx, req.ParticipantID, ev.CreatedAt)
	if err != nil {
		slog.WarnContext(ctx, "violation: increment count failed, event kept",
			"event_id", ev.ID,
			"participant_id", req.ParticipantID,
			"error", err,
		)
		count = 0
	}

	slog.InfoContext(ctx, "violation: logged",
		"event_id", ev.ID,
		"session_id", ev.SessionID,
		"participant_id", ev.ParticipantID,
		"type", ev.Type,
		"count", count,
	)

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventViolationLogged{
			Event: *ev,
			Count: count,
		})
	}

	return Result{
		Success:  true,
		EventID:  ev.ID,
		NewCount: count,
	}
}

func validate(req LogViolationRequest) *errors.Error {
	switch {
	case req.SessionID == "":
		return errors.InvalidArgument("session id is required")
	case req.ParticipantID == "":
		return errors.InvalidArgument("participant id is required")
	case !req.Type.Valid():
		return errors.InvalidArgument("invalid event type: %s", req.Type)
	}
	return nil
}
