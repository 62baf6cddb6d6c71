package session

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/mutely/internal/countdown"
	"github.com/victornm/mutely/internal/domain"
)

// UnknownName is shown for events whose participant no longer exists.
const UnknownName = "Unknown"

// Break is one moment a participant left the session.
type Break struct {
	Event domain.ViolationEvent `json:"event"`
	// Stayed is the time from session start to the break.
	Stayed time.Duration `json:"-"`
	// ReturnedAfter is the time until the participant's next break, nil for the last one.
	ReturnedAfter *time.Duration `json:"-"`

	StayedClock        string `json:"stayed"`
	ReturnedAfterClock string `json:"returned_after,omitempty"`
}

type ParticipantSummary struct {
	Participant domain.Participant `json:"participant"`
	Breaks      []Break            `json:"breaks"`
}

type Summary struct {
	Session         domain.Session       `json:"session"`
	Participants    []ParticipantSummary `json:"participants"`
	TotalViolations int                  `json:"total_violations"`
	// MostFocused is the participant with the fewest violations, nil without participants.
	MostFocused       *domain.Participant `json:"most_focused,omitempty"`
	AverageViolations decimal.Decimal     `json:"average_violations"`
}

// Summary builds the end-of-session overview. Participants are ordered by violation count,
// fewest first.
func (s *Service) Summary(ctx context.Context, sessionID string) (*Summary, error) {
	var (
		ss  *domain.Session
		ps  []domain.Participant
		evs []domain.ViolationEvent
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		ss, err = s.store.FetchSession(ctx, sessionID)
		return err
	})
	eg.Go(func() (err error) {
		ps, err = s.store.FetchActiveParticipants(ctx, sessionID)
		return err
	})
	eg.Go(func() (err error) {
		evs, err = s.store.FetchViolationEvents(ctx, sessionID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return BuildSummary(*ss, ps, evs), nil
}

// BuildSummary is the pure part of Summary.
func BuildSummary(ss domain.Session, ps []domain.Participant, evs []domain.ViolationEvent) *Summary {
	sum := &Summary{
		Session:           ss,
		Participants:      make([]ParticipantSummary, 0, len(ps)),
		AverageViolations: decimal.Zero,
	}

	breaks := breaksByParticipant(evs)
	for _, p := range ps {
		sum.TotalViolations += p.ViolationCount
		sum.Participants = append(sum.Participants, ParticipantSummary{
			Participant: p,
			Breaks:      summarizeBreaks(ss.StartedAt, breaks[p.ID]),
		})
	}

	slices.SortStableFunc(sum.Participants, func(a, b ParticipantSummary) int {
		return a.Participant.ViolationCount - b.Participant.ViolationCount
	})

	if len(sum.Participants) > 0 {
		best := sum.Participants[0].Participant
		sum.MostFocused = &best
		sum.AverageViolations = decimal.NewFromInt(int64(sum.TotalViolations)).
			DivRound(decimal.NewFromInt(int64(len(sum.Participants))), 2)
	}

	return sum
}

// breaksByParticipant groups break events per participant in chronological order.
func breaksByParticipant(evs []domain.ViolationEvent) map[string][]domain.ViolationEvent {
	m := make(map[string][]domain.ViolationEvent)
	for _, e := range evs {
		if e.Type.IsBreak() {
			m[e.ParticipantID] = append(m[e.ParticipantID], e)
		}
	}
	for _, list := range m {
		sortChronological(list)
	}
	return m
}

func summarizeBreaks(startedAt *time.Time, evs []domain.ViolationEvent) []Break {
	out := make([]Break, 0, len(evs))
	for i, e := range evs {
		b := Break{
			Event:  e,
			Stayed: e.Stayed(startedAt),
		}
		b.StayedClock = countdown.FormatClock(b.Stayed)

		if i < len(evs)-1 {
			d := evs[i+1].CreatedAt.Sub(e.CreatedAt)
			b.ReturnedAfter = &d
			b.ReturnedAfterClock = countdown.FormatClock(d)
		}
		out = append(out, b)
	}
	return out
}

// ShameEntry is one line on the wall of shame.
type ShameEntry struct {
	EventID         string           `json:"event_id"`
	ParticipantID   string           `json:"participant_id"`
	ParticipantName string           `json:"participant_name"`
	Type            domain.EventType `json:"event_type"`
	At              time.Time        `json:"at"`
	Stayed          string           `json:"stayed"`
}

// WallOfShame lists every break of the session, oldest first, with the author's name.
func (s *Service) WallOfShame(ctx context.Context, sessionID string) ([]ShameEntry, error) {
	var (
		ss  *domain.Session
		ps  []domain.Participant
		evs []domain.ViolationEvent
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		ss, err = s.store.FetchSession(ctx, sessionID)
		return err
	})
	eg.Go(func() (err error) {
		ps, err = s.store.FetchAllParticipants(ctx, sessionID)
		return err
	})
	eg.Go(func() (err error) {
		evs, err = s.store.FetchViolationEvents(ctx, sessionID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return BuildWallOfShame(*ss, ps, evs), nil
}

func BuildWallOfShame(ss domain.Session, ps []domain.Participant, evs []domain.ViolationEvent) []ShameEntry {
	names := make(map[string]string, len(ps))
	for _, p := range ps {
		names[p.ID] = p.Name
	}

	breaks := make([]domain.ViolationEvent, 0, len(evs))
	for _, e := range evs {
		if e.Type.IsBreak() {
			breaks = append(breaks, e)
		}
	}
	sortChronological(breaks)

	out := make([]ShameEntry, 0, len(breaks))
	for _, e := range breaks {
		name, ok := names[e.ParticipantID]
		if !ok || name == "" {
			name = UnknownName
		}
		out = append(out, ShameEntry{
			EventID:         e.ID,
			ParticipantID:   e.ParticipantID,
			ParticipantName: name,
			Type:            e.Type,
			At:              e.CreatedAt,
			Stayed:          countdown.FormatClock(e.Stayed(ss.StartedAt)),
		})
	}
	return out
}

func sortChronological(evs []domain.ViolationEvent) {
	slices.SortStableFunc(evs, func(a, b domain.ViolationEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
