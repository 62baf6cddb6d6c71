package domain

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of a session: waiting -> running -> ended.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseRunning Phase = "running"
	PhaseEnded   Phase = "ended"
)

// CanTransitionTo reports whether a session may move from p to next. Phases only move forward.
func (p Phase) CanTransitionTo(next Phase) bool {
	switch p {
	case PhaseWaiting:
		return next == PhaseRunning || next == PhaseEnded
	case PhaseRunning:
		return next == PhaseEnded
	case PhaseEnded:
		return false
	}
	return false
}

func (p Phase) Valid() bool {
	return p == PhaseWaiting || p == PhaseRunning || p == PhaseEnded
}

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// EventType is the closed set of violation kinds.
type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeBackgroundSwitch
	EventTypeLeftSession
	EventTypeLeftSessionScreen
	EventTypeTest
)

var eventTypeNames = map[EventType]string{
	EventTypeBackgroundSwitch:  "background_switch",
	EventTypeLeftSession:       "left_session",
	EventTypeLeftSessionScreen: "left_session_screen",
	EventTypeTest:              "test_event",
}

// ParseEventType returns the event type for its wire name.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// IsBreak reports whether the event counts as leaving the session, as opposed to a test or
// a screen-level navigation.
func (t EventType) IsBreak() bool {
	switch t {
	case EventTypeBackgroundSwitch, EventTypeLeftSession:
		return true
	case EventTypeLeftSessionScreen, EventTypeTest, EventTypeUnknown:
		return false
	}
	return false
}

// MarshalText writes types outside the closed set as "unknown", which UnmarshalText rejects.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Session represents one focus session.
type Session struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	Name            string     `json:"session_name"`
	DurationMinutes int        `json:"duration_minutes"`
	HostID          string     `json:"host_id"`
	Phase           Phase      `json:"status"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Duration is the agreed length of the session.
func (s Session) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// EndsAt returns the moment the session is over, anchored on StartedAt.
// It returns false while the session has not been started.
func (s Session) EndsAt() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.Duration()), true
}

// Participant is one person attached to a session.
type Participant struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Name            string     `json:"name"`
	Role            Role       `json:"role"`
	ViolationCount  int        `json:"snitch_count"`
	Active          bool       `json:"is_active"`
	LastViolationAt *time.Time `json:"last_snitch_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ViolationEvent is one append-only record of a participant breaking the silence.
type ViolationEvent struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Type          EventType `json:"event_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stayed returns how long into the session the event happened.
func (e ViolationEvent) Stayed(startedAt *time.Time) time.Duration {
	if startedAt == nil || e.CreatedAt.Before(*startedAt) {
		return 0
	}
	return e.CreatedAt.Sub(*startedAt)
}

// Standings is the per-session ranking of participants, fewest violations first.
type Standings struct {
	SessionID string
	Entries   []StandingsEntry
}

type StandingsEntry struct {
	ParticipantID string
	Violations    int
}
