// Package detector decides whether a foreground/background transition of the app is a
// violation of the session's silence.
//
// The classification itself is the pure Step function. Detector wraps it with the state
// tracking and the injected side effects.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/victornm/mutely/internal/domain"
)

// ProtectionWindow is the shortest time away that counts as a violation. The host
// environment reports a device lock exactly like a switch to another app, shorter absences
// are treated as a lock screen.
const ProtectionWindow = 5 * time.Second

// AppState is the foreground state reported by the host environment.
type AppState int

const (
	StateActive AppState = iota
	StateInactive
	StateBackground
)

var appStateNames = map[AppState]string{
	StateActive:     "active",
	StateInactive:   "inactive",
	StateBackground: "background",
}

func (s AppState) String() string {
	if n, ok := appStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AppState(%d)", int(s))
}

func ParseAppState(s string) (AppState, error) {
	for st, n := range appStateNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown app state %q", s)
}

type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictViolation
)

func (v Verdict) String() string {
	if v == VerdictViolation {
		return "violation"
	}
	return "none"
}

// Tracker is the transition tracking state carried between two Step calls.
type Tracker struct {
	State        AppState
	BackgroundAt time.Time
	Backgrounded bool
}

// Classify returns the verdict for an absence of the given length.
func Classify(away time.Duration) Verdict {
	if away >= ProtectionWindow {
		return VerdictViolation
	}
	return VerdictNone
}

// Step applies the transition to next observed at now. The returned tracker has its
// background tracking cleared whenever a verdict was reached, so a later cycle never reuses a
// stale timestamp.
func Step(t Tracker, next AppState, now time.Time) (Tracker, Verdict) {
	prev := t.State
	t.State = next

	switch {
	case next == StateBackground && prev != StateBackground:
		t.BackgroundAt = now
		t.Backgrounded = true
		return t, VerdictNone

	case next == StateActive && t.Backgrounded:
		away := now.Sub(t.BackgroundAt)
		t.BackgroundAt = time.Time{}
		t.Backgrounded = false
		return t, Classify(away)
	}

	return t, VerdictNone
}

type Config struct {
	// Enabled is true while the session is running.
	Enabled bool
	// IsHost suppresses every violation, hosts are never tracked.
	IsHost bool
	// LogViolation records a violation. Its error is returned to the caller of the
	// detector, it is never retried.
	LogViolation func(ctx context.Context, t domain.EventType) error
	// ShowReturnWarning is called once per violation detected on return.
	ShowReturnWarning func()
	Now               func() time.Time
}

type Detector struct {
	log  func(ctx context.Context, t domain.EventType) error
	warn func()
	now  func() time.Time

	mu      sync.Mutex
	enabled bool
	isHost  bool
	tracker Tracker
}

func New(c Config) *Detector {
	d := &Detector{
		log:     c.LogViolation,
		warn:    c.ShowReturnWarning,
		now:     c.Now,
		enabled: c.Enabled,
		isHost:  c.IsHost,
		tracker: Tracker{State: StateActive},
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.log == nil {
		d.log = func(context.Context, domain.EventType) error { return nil }
	}
	if d.warn == nil {
		d.warn = func() {}
	}
	return d
}

func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

// Enabled reports whether violations can currently be emitted.
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled && !d.isHost
}

func (d *Detector) State() AppState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.State
}

// HandleStateChange feeds one state change reported by the environment. When the change
// completes a violation, the violation is logged and the return warning is shown even if
// logging failed; the logging error is returned.
func (d *Detector) HandleStateChange(ctx context.Context, next AppState) error {
	d.mu.Lock()
	if !d.enabled || d.isHost {
		d.tracker.State = next
		d.mu.Unlock()
		return nil
	}

	prev := d.tracker.State
	backgroundAt := d.tracker.BackgroundAt
	var v Verdict
	d.tracker, v = Step(d.tracker, next, d.now())
	d.mu.Unlock()

	slog.DebugContext(ctx, "detector: state changed", "from", prev, "to", next, "verdict", v)

	if v != VerdictViolation {
		return nil
	}

	slog.InfoContext(ctx, "detector: violation detected", "away", d.now().Sub(backgroundAt).Round(100*time.Millisecond))

	err := d.logViolation(ctx, domain.EventTypeBackgroundSwitch)
	d.showWarning(ctx)
	return err
}

// TriggerLeave logs a left_session violation for an explicit leave, independent of any
// state change.
func (d *Detector) TriggerLeave(ctx context.Context) error {
	if !d.Enabled() {
		return nil
	}
	slog.InfoContext(ctx, "detector: manual leave")
	return d.logViolation(ctx, domain.EventTypeLeftSession)
}

// Watch feeds every state received from states until the channel is closed or ctx is done.
func (d *Detector) Watch(ctx context.Context, states <-chan AppState) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if err := d.HandleStateChange(ctx, s); err != nil {
				slog.ErrorContext(ctx, "detector: log violation failed", "error", err)
			}
		}
	}
}

func (d *Detector) logViolation(ctx context.Context, t domain.EventType) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector: log violation panic: %v, stack: %s", r, debug.Stack())
		}
	}()
	return d.log(ctx, t)
}

func (d *Detector) showWarning(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "detector: show return warning panic", "error", fmt.Errorf("%v", r))
		}
	}()
	d.warn()
}
