package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/mutely/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Standings struct {
		SessionID string          `json:"session_id"`
		Entries   []StandingsEntry `json:"entries"`
	}

	StandingsEntry struct {
		ParticipantID string `json:"participant_id"`
		Violations    int    `json:"violations"`
	}
)

func newStandings(st domain.Standings) Standings {
	data := Standings{
		SessionID: st.SessionID,
		Entries:   make([]StandingsEntry, 0, len(st.Entries)),
	}

	for _, entry := range st.Entries {
		data.Entries = append(data.Entries, StandingsEntry{
			ParticipantID: entry.ParticipantID,
			Violations:    entry.Violations,
		})
	}

	return data
}

func (a *API) PublishStandingsUpdated(ctx context.Context, e domain.EventStandingsUpdated) error {
	return a.publishNotification(ctx, e.Standings.SessionID, e.Name(), newStandings(e.Standings))
}

// PublishSessionNotification forwards a relay notification to the session's channel, the
// event name is the notification kind.
func (a *API) PublishSessionNotification(ctx context.Context, e domain.EventSessionNotification) error {
	return a.publishNotification(ctx, e.SessionID, string(e.Kind), e.Data)
}

func (a *API) publishNotification(ctx context.Context, sessionID, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, ChannelName(a.prefix, sessionID), b).Err()
}

// ChannelName is the pub/sub channel carrying the notifications of one session.
func ChannelName(prefix, sessionID string) string {
	return fmt.Sprintf("%s:session:%s", prefix, sessionID)
}
