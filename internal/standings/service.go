package standings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
	"github.com/victornm/mutely/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	standingsTTL    = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	Now      func() time.Time
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time

	// trailing publishes still waiting for their window to pass
	wg sync.WaitGroup
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		now:    c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(domain.EventNameViolationLogged, func(ctx context.Context, e event.Event) error {
		return s.RecordViolation(ctx, e.(domain.EventViolationLogged))
	})
	s.eb.Subscribe(domain.EventNameParticipantJoined, func(ctx context.Context, e event.Event) error {
		return s.AddParticipant(ctx, e.(domain.EventParticipantJoined).Participant)
	})
	s.eb.Subscribe(domain.EventNameParticipantLeft, func(ctx context.Context, e event.Event) error {
		return s.RemoveParticipant(ctx, e.(domain.EventParticipantLeft).Participant)
	})

	return s
}

// GetStandings returns the participants of a session, fewest violations first.
func (s *Service) GetStandings(ctx context.Context, sessionID string) (*domain.Standings, error) {
	res, err := s.redis.ZRangeWithScores(ctx, s.standingsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get standings: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("standings not found: session=%s", sessionID))
	}

	entries := make([]domain.StandingsEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.StandingsEntry{
			ParticipantID: z.Member.(string),
			Violations:    int(z.Score),
		})
	}

	return &domain.Standings{
		SessionID: sessionID,
		Entries:   entries,
	}, nil
}

// AddParticipant puts a participant on the board without resetting an existing count.
func (s *Service) AddParticipant(ctx context.Context, p domain.Participant) error {
	key := s.standingsKey(p.SessionID)
	if err := s.redis.ZAddNX(ctx, key, redis.Z{
		Score:  float64(p.ViolationCount),
		Member: p.ID,
	}).Err(); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	s.redis.Expire(ctx, key, standingsTTL)

	return s.schedulePublishStandings(ctx, p.SessionID)
}

func (s *Service) RemoveParticipant(ctx context.Context, p domain.Participant) error {
	if err := s.redis.ZRem(ctx, s.standingsKey(p.SessionID), p.ID).Err(); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}

	return s.schedulePublishStandings(ctx, p.SessionID)
}

// RecordViolation overwrites the participant's count. Without a count the board is bumped by one,
// the event itself was recorded.
func (s *Service) RecordViolation(ctx context.Context, e domain.EventViolationLogged) error {
	key := s.standingsKey(e.Event.SessionID)

	var err error
	if e.Count > 0 {
		err = s.redis.ZAdd(ctx, key, redis.Z{
			Score:  float64(e.Count),
			Member: e.Event.ParticipantID,
		}).Err()
	} else {
		err = s.redis.ZIncrBy(ctx, key, 1, e.Event.ParticipantID).Err()
	}
	if err != nil {
		return fmt.Errorf("update standings: %w", err)
	}
	s.redis.Expire(ctx, key, standingsTTL)

	return s.schedulePublishStandings(ctx, e.Event.SessionID)
}

// schedulePublishStandings publishes at most once per publish interval and session. Updates
// inside the window get one trailing publish after it.
func (s *Service) schedulePublishStandings(ctx context.Context, sessionID string) error {
	ok, err := s.redis.SetNX(ctx, s.publishTimeKey(sessionID), s.now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if ok {
		return s.publishStandings(ctx, sessionID)
	}

	pending, err := s.redis.SetNX(ctx, s.pendingKey(sessionID), 1, 2*publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx pending: %w", err)
	}
	if pending {
		s.trailingPublish(context.WithoutCancel(ctx), sessionID)
	}

	return nil
}

func (s *Service) trailingPublish(ctx context.Context, sessionID string) {
	s.wg.Add(1)
	time.AfterFunc(publishInterval, func() {
		defer s.wg.Done()

		if err := s.redis.Del(ctx, s.pendingKey(sessionID)).Err(); err != nil {
			slog.WarnContext(ctx, "standings: clear pending publish failed", "session_id", sessionID, "error", err)
		}
		if err := s.publishStandings(ctx, sessionID); err != nil {
			slog.ErrorContext(ctx, "standings: trailing publish failed", "session_id", sessionID, "error", err)
		}
	})
}

// Stop waits for trailing publishes. Call it before stopping the event bus.
func (s *Service) Stop() {
	s.wg.Wait()
}

func (s *Service) publishStandings(ctx context.Context, sessionID string) error {
	st, err := s.GetStandings(ctx, sessionID)
	if errors.IsNotFound(err) {
		st = &domain.Standings{SessionID: sessionID}
	} else if err != nil {
		return fmt.Errorf("get standings failed: session=%s: %w", sessionID, err)
	}

	s.eb.Publish(ctx, domain.EventStandingsUpdated{
		Standings: *st,
	})

	return nil
}

func (s *Service) standingsKey(session string) string {
	return fmt.Sprintf("%s:%s:standings", s.prefix, session)
}

func (s *Service) publishTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}

func (s *Service) pendingKey(session string) string {
	return fmt.Sprintf("%s:%s:pending", s.prefix, session)
}
