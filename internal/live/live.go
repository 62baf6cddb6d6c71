// Package live drives one device through a running session: it feeds app state changes to the
// violation detector, keeps the countdown anchored on the session record and follows the other
// participants through a poller.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/mutely/internal/countdown"
	"github.com/victornm/mutely/internal/detector"
	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/errors"
	"github.com/victornm/mutely/internal/poller"
	"github.com/victornm/mutely/internal/violation"
)

type Sessions interface {
	EndSession(ctx context.Context, sessionID string) (*domain.Session, error)
	LeaveSession(ctx context.Context, participantID string) (*domain.Participant, error)
}

type Violations interface {
	LogViolation(ctx context.Context, req violation.LogViolationRequest) violation.Result
}

// FinishReason tells why the live view ended.
type FinishReason int

const (
	FinishTimeUp FinishReason = iota + 1
	FinishEnded
	FinishLeft
	FinishStopped
)

func (r FinishReason) String() string {
	switch r {
	case FinishTimeUp:
		return "time_up"
	case FinishEnded:
		return "ended"
	case FinishLeft:
		return "left"
	case FinishStopped:
		return "stopped"
	}
	return "unknown"
}

// Callbacks report what a device would render. Nil callbacks are skipped.
type Callbacks struct {
	OnTick func(remaining int)
	// OnViolation is called for violations of other participants, with the time they stayed
	// in the session before the violation.
	OnViolation         func(v domain.Violation, stayed time.Duration)
	OnReturnWarning     func()
	OnParticipantJoined func(p domain.Participant)
	OnParticipantLeft   func(p domain.Participant)
	OnSessionUpdated    func(s domain.Session)
	OnFinished          func(reason FinishReason)
}

type Config struct {
	Session     domain.Session
	Participant domain.Participant

	Source     poller.Source
	Sessions   Sessions
	Violations Violations
	Callbacks  Callbacks

	PollInterval           time.Duration
	Now                    func() time.Time
	NewPollTickerFunc      func(d time.Duration) poller.Ticker
	NewCountdownTickerFunc func(d time.Duration) countdown.Ticker
}

type Controller struct {
	self       domain.Participant
	sessions   Sessions
	violations Violations
	cb         Callbacks
	now        func() time.Time

	roster   *poller.Roster
	poller   *poller.Poller
	timer    *countdown.Timer
	detector *detector.Detector

	mu        sync.Mutex
	session   domain.Session
	since     time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	finishing sync.Once
	reason    FinishReason
	done      chan struct{}
}

func New(c Config) *Controller {
	ctl := &Controller{
		self:       c.Participant,
		sessions:   c.Sessions,
		violations: c.Violations,
		cb:         c.Callbacks,
		now:        c.Now,
		roster:     poller.NewRoster(),
		session:    c.Session,
		done:       make(chan struct{}),
	}
	if ctl.now == nil {
		ctl.now = time.Now
	}

	ctl.timer = countdown.New(countdown.Config{
		Now:           ctl.now,
		OnTick:        c.Callbacks.OnTick,
		OnComplete:    func() { ctl.finish(FinishTimeUp) },
		NewTickerFunc: c.NewCountdownTickerFunc,
	})

	ctl.detector = detector.New(detector.Config{
		Enabled:           c.Session.Phase == domain.PhaseRunning,
		IsHost:            ctl.isHost(),
		LogViolation:      ctl.logViolation,
		ShowReturnWarning: c.Callbacks.OnReturnWarning,
		Now:               ctl.now,
	})

	ctl.poller = poller.New(poller.Config{
		Source:        c.Source,
		SessionID:     c.Session.ID,
		Callbacks:     ctl.pollerCallbacks(),
		Names:         ctl.roster,
		Interval:      c.PollInterval,
		NewTickerFunc: c.NewPollTickerFunc,
	})

	ctl.roster.Set(c.Participant)
	return ctl
}

// Start anchors the countdown, begins polling and runs the clock until the live view
// finishes or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("live: already started"))
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.since = c.now()
	runCtx := c.ctx
	c.mu.Unlock()

	c.applySession(c.Session())
	if c.finished() {
		return nil
	}

	// the first tick is a cold start, it reports everybody already in the session as joined
	c.poller.Start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.timer.Run(runCtx)
	}()

	slog.InfoContext(ctx, "live: started",
		"session_id", c.Session().ID,
		"participant_id", c.self.ID,
		"host", c.isHost(),
	)
	return nil
}

// HandleStateChange feeds a foreground state reported by the device. Coming back to the
// foreground recomputes the countdown and refreshes the session right away.
func (c *Controller) HandleStateChange(ctx context.Context, s detector.AppState) error {
	if c.finished() {
		return nil
	}
	err := c.detector.HandleStateChange(ctx, s)

	if s == detector.StateActive {
		c.timer.Resume()
		if c.finished() {
			return err
		}
		if rerr := c.poller.RefreshNow(ctx); rerr != nil {
			slog.WarnContext(ctx, "live: refresh on resume failed", "session_id", c.Session().ID, "error", rerr)
		}
	}
	return err
}

// Leave logs a left_session violation and marks the participant inactive. The participant is
// marked inactive even if logging the violation failed.
func (c *Controller) Leave(ctx context.Context) error {
	logErr := c.detector.TriggerLeave(ctx)
	if logErr != nil {
		slog.ErrorContext(ctx, "live: log leave violation failed", "participant_id", c.self.ID, "error", logErr)
	}

	_, err := c.sessions.LeaveSession(ctx, c.self.ID)
	c.finish(FinishLeft)

	if err != nil {
		return fmt.Errorf("live: leave session: %w", err)
	}
	return logErr
}

// End ends the session for everybody. Only the host may end a session.
func (c *Controller) End(ctx context.Context) error {
	if !c.isHost() {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("live: only the host can end the session"))
	}

	if _, err := c.sessions.EndSession(ctx, c.Session().ID); err != nil {
		return fmt.Errorf("live: end session: %w", err)
	}
	c.finish(FinishEnded)
	return nil
}

// Stop tears the live view down without touching the session.
func (c *Controller) Stop() {
	c.finish(FinishStopped)
	c.wg.Wait()
}

// Done is closed once the live view has finished.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Reason returns why the live view finished, zero while it is running.
func (c *Controller) Reason() FinishReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) Remaining() int {
	return c.timer.Remaining()
}

func (c *Controller) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) DetectorEnabled() bool {
	return c.detector.Enabled()
}

func (c *Controller) isHost() bool {
	return c.self.Role == domain.RoleHost
}

func (c *Controller) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// finish runs once, whichever of time up, remote end, leave or stop comes first. When the
// countdown completes on the host's device the session is ended for everybody.
func (c *Controller) finish(reason FinishReason) {
	c.finishing.Do(func() {
		c.mu.Lock()
		c.reason = reason
		ctx, cancel := c.ctx, c.cancel
		c.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}

		c.detector.SetEnabled(false)
		c.poller.Stop()

		if reason == FinishTimeUp && c.isHost() {
			ss := c.Session()
			if _, err := c.sessions.EndSession(context.WithoutCancel(ctx), ss.ID); err != nil {
				slog.ErrorContext(ctx, "live: end session on time up failed", "session_id", ss.ID, "error", err)
			}
		}

		if cancel != nil {
			cancel()
		}
		close(c.done)

		slog.InfoContext(ctx, "live: finished", "session_id", c.Session().ID, "reason", reason)

		if c.cb.OnFinished != nil {
			c.cb.OnFinished(reason)
		}
	})
}

// applySession re-anchors the countdown and arms the detector from a session record.
func (c *Controller) applySession(s domain.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if s.Phase == domain.PhaseRunning {
		c.timer.Anchor(s)
	}
	c.detector.SetEnabled(s.Phase == domain.PhaseRunning)
}

func (c *Controller) pollerCallbacks() poller.Callbacks {
	return poller.Callbacks{
		OnSessionStarted: c.applySession,
		OnSessionEnded: func(s domain.Session) {
			c.applySession(s)
			c.finish(FinishEnded)
		},
		OnSessionUpdated: func(s domain.Session) {
			c.applySession(s)
			if c.cb.OnSessionUpdated != nil {
				c.cb.OnSessionUpdated(s)
			}
			// a refresh replaces the snapshot without reporting the phase change
			if s.Phase == domain.PhaseEnded {
				c.finish(FinishEnded)
			}
		},
		OnParticipantJoined: func(p domain.Participant) {
			c.roster.Set(p)
			if c.cb.OnParticipantJoined != nil {
				c.cb.OnParticipantJoined(p)
			}
		},
		OnParticipantUpdated: c.roster.Set,
		OnParticipantLeft: func(p domain.Participant) {
			if c.cb.OnParticipantLeft != nil {
				c.cb.OnParticipantLeft(p)
			}
		},
		OnViolation: c.showViolation,
	}
}

// showViolation reports violations of others logged since the live view started.
func (c *Controller) showViolation(e domain.ViolationEvent, name string) {
	if e.ParticipantID == c.self.ID || c.cb.OnViolation == nil {
		return
	}

	c.mu.Lock()
	since, s := c.since, c.session
	c.mu.Unlock()
	if e.CreatedAt.Before(since) {
		return
	}

	c.cb.OnViolation(domain.Violation{Event: e, ParticipantName: name}, e.Stayed(s.StartedAt))
}

func (c *Controller) logViolation(ctx context.Context, t domain.EventType) error {
	ss := c.Session()
	res := c.violations.LogViolation(ctx, violation.LogViolationRequest{
		SessionID:     ss.ID,
		ParticipantID: c.self.ID,
		Type:          t,
	})
	if !res.Success {
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("log violation: %s", res.Error))
	}

	slog.InfoContext(ctx, "live: violation logged", "type", t, "count", res.NewCount)
	return nil
}
