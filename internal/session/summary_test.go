package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
	"github.com/victornm/mutely/internal/session"
)

func TestBuildSummary(t *testing.T) {
	started := now
	ss := domain.Session{ID: "s1", DurationMinutes: 30, Phase: domain.PhaseEnded, StartedAt: &started}

	ps := []domain.Participant{
		{ID: "host", Name: "Anna", Role: domain.RoleHost, ViolationCount: 0, Active: true},
		{ID: "bram", Name: "Bram", Role: domain.RoleGuest, ViolationCount: 3, Active: true},
		{ID: "cas", Name: "Cas", Role: domain.RoleGuest, ViolationCount: 1, Active: true},
	}

	// newest first, like the store returns them
	evs := []domain.ViolationEvent{
		{ID: "e5", ParticipantID: "bram", Type: domain.EventTypeLeftSession, CreatedAt: started.Add(20 * time.Minute)},
		{ID: "e4", ParticipantID: "bram", Type: domain.EventTypeTest, CreatedAt: started.Add(15 * time.Minute)},
		{ID: "e3", ParticipantID: "cas", Type: domain.EventTypeBackgroundSwitch, CreatedAt: started.Add(10 * time.Minute)},
		{ID: "e2", ParticipantID: "bram", Type: domain.EventTypeLeftSessionScreen, CreatedAt: started.Add(6 * time.Minute)},
		{ID: "e1", ParticipantID: "bram", Type: domain.EventTypeBackgroundSwitch, CreatedAt: started.Add(5*time.Minute + 30*time.Second)},
	}

	sum := session.BuildSummary(ss, ps, evs)

	assert.Equal(t, 4, sum.TotalViolations)
	require.Len(t, sum.Participants, 3)
	assert.Equal(t, []string{"host", "cas", "bram"}, []string{
		sum.Participants[0].Participant.ID,
		sum.Participants[1].Participant.ID,
		sum.Participants[2].Participant.ID,
	}, "fewest violations first")

	require.NotNil(t, sum.MostFocused)
	assert.Equal(t, "Anna", sum.MostFocused.Name)
	assert.True(t, decimal.RequireFromString("1.33").Equal(sum.AverageViolations), "got %s", sum.AverageViolations)

	bram := sum.Participants[2]
	require.Len(t, bram.Breaks, 2, "only breaks are listed")
	assert.Equal(t, "e1", bram.Breaks[0].Event.ID)
	assert.Equal(t, "05:30", bram.Breaks[0].StayedClock)
	assert.Equal(t, "14:30", bram.Breaks[0].ReturnedAfterClock)
	require.NotNil(t, bram.Breaks[0].ReturnedAfter)
	assert.Equal(t, 14*time.Minute+30*time.Second, *bram.Breaks[0].ReturnedAfter)
	assert.Equal(t, "20:00", bram.Breaks[1].StayedClock)
	assert.Nil(t, bram.Breaks[1].ReturnedAfter, "the last break has no return")

	assert.Empty(t, sum.Participants[0].Breaks)
}

func TestBuildSummary_Empty(t *testing.T) {
	sum := session.BuildSummary(domain.Session{ID: "s1"}, nil, nil)

	assert.Zero(t, sum.TotalViolations)
	assert.Nil(t, sum.MostFocused)
	assert.True(t, sum.AverageViolations.IsZero())
	assert.Empty(t, sum.Participants)
}

func TestBuildSummary_NotStarted(t *testing.T) {
	ps := []domain.Participant{{ID: "p1", ViolationCount: 1, Active: true}}
	evs := []domain.ViolationEvent{{ID: "e1", ParticipantID: "p1", Type: domain.EventTypeLeftSession, CreatedAt: now}}

	sum := session.BuildSummary(domain.Session{ID: "s1"}, ps, evs)

	require.Len(t, sum.Participants[0].Breaks, 1)
	assert.Equal(t, "00:00", sum.Participants[0].Breaks[0].StayedClock)
}

func TestBuildWallOfShame(t *testing.T) {
	started := now
	ss := domain.Session{ID: "s1", StartedAt: &started}
	ps := []domain.Participant{
		{ID: "bram", Name: "Bram"},
		{ID: "cas", Name: "Cas", Active: false},
	}
	evs := []domain.ViolationEvent{
		{ID: "e4", ParticipantID: "ghost", Type: domain.EventTypeLeftSession, CreatedAt: started.Add(9 * time.Minute)},
		{ID: "e3", ParticipantID: "cas", Type: domain.EventTypeLeftSession, CreatedAt: started.Add(8 * time.Minute)},
		{ID: "e2", ParticipantID: "bram", Type: domain.EventTypeTest, CreatedAt: started.Add(2 * time.Minute)},
		{ID: "e1", ParticipantID: "bram", Type: domain.EventTypeBackgroundSwitch, CreatedAt: started.Add(65 * time.Second)},
	}

	wall := session.BuildWallOfShame(ss, ps, evs)

	require.Len(t, wall, 3)
	assert.Equal(t, []string{"Bram", "Cas", session.UnknownName}, []string{
		wall[0].ParticipantName, wall[1].ParticipantName, wall[2].ParticipantName,
	})
	assert.Equal(t, "01:05", wall[0].Stayed)
	assert.Equal(t, domain.EventTypeLeftSession, wall[1].Type)
}

func TestService_Summary(t *testing.T) {
	env := makeService(t)
	ctx := context.Background()

	s := env.create(t, "Anna")
	joined, err := env.svc.JoinSession(ctx, session.JoinSessionRequest{Code: s.Code, UserName: "Bram"})
	require.NoError(t, err)
	_, err = env.svc.StartSession(ctx, s.ID)
	require.NoError(t, err)

	env.store.addEvent(s.ID, joined.Participant.ID, domain.EventTypeBackgroundSwitch, now.Add(time.Minute))

	sum, err := env.svc.Summary(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, sum.Participants, 2)

	wall, err := env.svc.WallOfShame(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, wall, 1)
	assert.Equal(t, "Bram", wall[0].ParticipantName)
	assert.Equal(t, "01:00", wall[0].Stayed)

	_, err = env.svc.Summary(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}
