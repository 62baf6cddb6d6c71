// Package relay runs one poller per running session on the server and turns the poller's
// change notifications into session.notification events, so clients can subscribe to a push
// channel instead of polling the store themselves.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/event"
	"github.com/victornm/mutely/internal/poller"
)

type SessionLister interface {
	ListSessionsByPhase(ctx context.Context, phase domain.Phase) ([]domain.Session, error)
}

type Metrics interface {
	poller.Metrics
	SetActiveSessions(n int)
}

type Config struct {
	EventBus      *event.Bus
	Source        poller.Source
	Sessions      SessionLister
	Interval      time.Duration
	NewTickerFunc func(d time.Duration) poller.Ticker
	Metrics       Metrics
}

type watch struct {
	poller *poller.Poller
	roster *poller.Roster
}

type Relay struct {
	eb        *event.Bus
	source    poller.Source
	sessions  SessionLister
	interval  time.Duration
	newTicker func(d time.Duration) poller.Ticker
	metrics   Metrics

	ctx    context.Context
	cancel context.CancelFunc
	unsub  []func()

	mu      sync.Mutex
	watches map[string]*watch
	stopped bool
}

func New(c Config) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		eb:        c.EventBus,
		source:    c.Source,
		sessions:  c.Sessions,
		interval:  c.Interval,
		newTicker: c.NewTickerFunc,
		metrics:   c.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		watches:   make(map[string]*watch),
	}

	r.unsub = append(r.unsub,
		r.eb.Subscribe(domain.EventNameSessionStarted, func(_ context.Context, e event.Event) error {
			r.Watch(e.(domain.EventSessionStarted).Session.ID)
			return nil
		}),
		r.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
			return r.finish(ctx, e.(domain.EventSessionEnded).Session.ID)
		}),
	)

	return r
}

// Resume starts watching every session that is running in the store, for instance after a
// restart of the server.
func (r *Relay) Resume(ctx context.Context) error {
	ss, err := r.sessions.ListSessionsByPhase(ctx, domain.PhaseRunning)
	if err != nil {
		return fmt.Errorf("relay: list running sessions: %w", err)
	}

	for _, s := range ss {
		r.Watch(s.ID)
	}

	slog.InfoContext(ctx, "relay: resumed", "sessions", len(ss))
	return nil
}

// Watch starts a poller for the session. Watching a watched session is a no-op.
func (r *Relay) Watch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if _, ok := r.watches[sessionID]; ok {
		return
	}

	roster := poller.NewRoster()
	p := poller.New(poller.Config{
		Source:        r.source,
		SessionID:     sessionID,
		Callbacks:     r.callbacks(sessionID, roster),
		Names:         roster,
		Interval:      r.interval,
		NewTickerFunc: r.newTicker,
		Metrics:       r.metrics,
	})
	r.watches[sessionID] = &watch{poller: p, roster: roster}
	r.reportActive()

	p.Start(r.ctx)
}

// Unwatch stops the session's poller. It is safe to call from the poller's own callbacks.
func (r *Relay) Unwatch(sessionID string) {
	r.mu.Lock()
	w, ok := r.watches[sessionID]
	delete(r.watches, sessionID)
	r.reportActive()
	r.mu.Unlock()

	if ok {
		w.poller.Stop()
	}
}

// finish runs a last poll so watchers see the session end, then stops the poller.
func (r *Relay) finish(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	w, ok := r.watches[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	defer r.Unwatch(sessionID)

	if err := w.poller.Poll(ctx); err != nil {
		return fmt.Errorf("relay: final poll: %w", err)
	}
	return nil
}

func (r *Relay) Watching(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watches[sessionID]
	return ok
}

func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// Stop unsubscribes from the bus and stops every poller.
func (r *Relay) Stop() {
	for _, u := range r.unsub {
		u()
	}

	r.mu.Lock()
	r.stopped = true
	ws := r.watches
	r.watches = make(map[string]*watch)
	r.reportActive()
	r.mu.Unlock()

	for _, w := range ws {
		w.poller.Stop()
	}
	r.cancel()

	for _, w := range ws {
		<-w.poller.Done()
	}
}

func (r *Relay) callbacks(sessionID string, roster *poller.Roster) poller.Callbacks {
	notify := func(kind domain.NotificationKind, data any) {
		r.eb.Publish(r.ctx, domain.EventSessionNotification{
			SessionID: sessionID,
			Kind:      kind,
			Data:      data,
		})
	}

	return poller.Callbacks{
		OnParticipantJoined: func(p domain.Participant) {
			roster.Set(p)
			notify(domain.NotificationParticipantJoined, p)
		},
		OnParticipantLeft: func(p domain.Participant) {
			notify(domain.NotificationParticipantLeft, p)
		},
		OnParticipantUpdated: func(p domain.Participant) {
			roster.Set(p)
			notify(domain.NotificationParticipantUpdated, p)
		},
		OnSessionStarted: func(s domain.Session) {
			notify(domain.NotificationSessionStarted, s)
		},
		OnSessionEnded: func(s domain.Session) {
			notify(domain.NotificationSessionEnded, s)
			r.Unwatch(sessionID)
		},
		OnSessionUpdated: func(s domain.Session) {
			notify(domain.NotificationSessionUpdated, s)
		},
		OnViolation: func(e domain.ViolationEvent, name string) {
			notify(domain.NotificationViolation, domain.Violation{Event: e, ParticipantName: name})
		},
	}
}

func (r *Relay) reportActive() {
	if r.metrics != nil {
		r.metrics.SetActiveSessions(len(r.watches))
	}
}
