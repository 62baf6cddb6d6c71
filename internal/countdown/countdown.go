// Package countdown derives the remaining time of a session from its server-side start
// time, so that a suspended process shows the correct time as soon as it resumes.
package countdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/mutely/internal/domain"
)

const tickInterval = time.Second

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Config struct {
	Now func() time.Time
	// OnTick receives the remaining seconds after every recomputation.
	OnTick func(remaining int)
	// OnComplete is called exactly once, when the remaining time first reaches zero.
	OnComplete    func()
	NewTickerFunc func(d time.Duration) Ticker
}

// Timer counts down to started_at + duration. It never trusts elapsed ticks: every update
// recomputes the remaining time from the anchor and the current clock.
type Timer struct {
	now        func() time.Time
	onTick     func(int)
	onComplete func()
	newTicker  func(d time.Duration) Ticker

	mu        sync.Mutex
	anchored  bool
	endsAt    time.Time
	duration  time.Duration
	remaining int
	completed bool
	done      chan struct{}
}

func New(c Config) *Timer {
	t := &Timer{
		now:        c.Now,
		onTick:     c.OnTick,
		onComplete: c.OnComplete,
		newTicker:  c.NewTickerFunc,
		done:       make(chan struct{}),
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newTicker == nil {
		t.newTicker = newTimeTicker
	}
	return t
}

// Remaining returns the whole seconds left until endsAt, between zero and duration.
func Remaining(endsAt, now time.Time, duration time.Duration) int {
	left := endsAt.Sub(now)
	if left > duration {
		left = duration
	}
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

// Anchor sets the end of the countdown from a session record. Sessions that have not
// started are ignored.
func (t *Timer) Anchor(s domain.Session) int {
	endsAt, ok := s.EndsAt()
	if !ok {
		return t.Remaining()
	}

	t.mu.Lock()
	if !t.anchored || !endsAt.Equal(t.endsAt) || s.Duration() != t.duration {
		t.anchored = true
		t.endsAt = endsAt
		t.duration = s.Duration()
		t.remaining = int(t.duration / time.Second)
	}
	t.mu.Unlock()

	return t.Update()
}

// Update recomputes the remaining time from the anchor and returns it.
func (t *Timer) Update() int {
	t.mu.Lock()
	if !t.anchored {
		t.mu.Unlock()
		return 0
	}

	// min with the previous value keeps the countdown from running backward on clock skew
	t.remaining = min(t.remaining, Remaining(t.endsAt, t.now(), t.duration))
	remaining := t.remaining

	fire := remaining == 0 && !t.completed
	if fire {
		t.completed = true
		close(t.done)
	}
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(remaining)
	}
	if fire && t.onComplete != nil {
		t.onComplete()
	}
	return remaining
}

// Resume is called when the process becomes active again after a suspension.
func (t *Timer) Resume() int {
	remaining := t.Update()
	slog.Debug("countdown: resumed", "remaining", remaining)
	return remaining
}

// Remaining returns the last computed number of seconds left.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

func (t *Timer) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Done is closed when the countdown completes.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

// Run updates the timer every second until it completes or ctx is done.
func (t *Timer) Run(ctx context.Context) {
	tk := t.newTicker(tickInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-tk.C():
			t.Update()
		}
	}
}

// FormatClock renders d as MM:SS, negative durations as 00:00.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
