package domain

const (
	EventNameSessionStarted      = "session.started"
	EventNameSessionEnded        = "session.ended"
	EventNameParticipantJoined   = "participant.joined"
	EventNameParticipantLeft     = "participant.left"
	EventNameViolationLogged     = "violation.logged"
	EventNameStandingsUpdated    = "standings.updated"
	EventNameSessionNotification = "session.notification"
)

type EventSessionStarted struct {
	Session Session
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

type EventSessionEnded struct {
	Session Session
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventParticipantJoined struct {
	Participant Participant
}

func (EventParticipantJoined) Name() string { return EventNameParticipantJoined }

type EventParticipantLeft struct {
	Participant Participant
}

func (EventParticipantLeft) Name() string { return EventNameParticipantLeft }

type EventViolationLogged struct {
	Event ViolationEvent
	// Count is the participant's violation count after the event, zero when the counter
	// update failed.
	Count int
}

func (EventViolationLogged) Name() string { return EventNameViolationLogged }

type EventStandingsUpdated struct {
	Standings Standings
}

func (EventStandingsUpdated) Name() string { return EventNameStandingsUpdated }

// NotificationKind names one change observed by a poller.
type NotificationKind string

const (
	NotificationParticipantJoined  NotificationKind = "participant.joined"
	NotificationParticipantLeft    NotificationKind = "participant.left"
	NotificationParticipantUpdated NotificationKind = "participant.updated"
	NotificationSessionStarted     NotificationKind = "session.started"
	NotificationSessionEnded       NotificationKind = "session.ended"
	NotificationSessionUpdated     NotificationKind = "session.updated"
	NotificationViolation          NotificationKind = "violation"
)

// EventSessionNotification carries a diff observed by the relay for one session.
type EventSessionNotification struct {
	SessionID string
	Kind      NotificationKind
	// Data is a Session, Participant or Violation depending on Kind.
	Data any
}

func (EventSessionNotification) Name() string { return EventNameSessionNotification }

// Violation is a violation event with its author's display name resolved.
type Violation struct {
	Event           ViolationEvent `json:"event"`
	ParticipantName string         `json:"participant_name"`
}
