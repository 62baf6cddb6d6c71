package countdown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mutely/internal/countdown"
	"github.com/victornm/mutely/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRemaining(t *testing.T) {
	const d = 30 * time.Minute
	endsAt := t0.Add(d)

	tests := map[string]struct {
		now  time.Time
		want int
	}{
		"at start":                     {now: t0, want: 1800},
		"floors partial seconds":       {now: t0.Add(1500 * time.Millisecond), want: 1798},
		"one second before the end":    {now: endsAt.Add(-time.Second), want: 1},
		"just before the end":          {now: endsAt.Add(-time.Millisecond), want: 0},
		"at the end":                   {now: endsAt, want: 0},
		"long after the end":           {now: endsAt.Add(15 * time.Minute), want: 0},
		"clock before start is capped": {now: t0.Add(-time.Hour), want: 1800},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, countdown.Remaining(endsAt, tt.now, d))
		})
	}
}

func TestTimer_ResumeAfterSuspension(t *testing.T) {
	// 30 minute session, process suspended for 45 minutes.
	clk := &clock{t: t0}
	completions := 0
	timer := countdown.New(countdown.Config{
		Now:        clk.now,
		OnComplete: func() { completions++ },
	})

	assert.Equal(t, 1800, timer.Anchor(session(t0, 30)))

	clk.set(t0.Add(45 * time.Minute))
	assert.Equal(t, 0, timer.Resume())
	assert.Equal(t, 1, completions)
	assert.True(t, timer.Completed())

	select {
	case <-timer.Done():
	default:
		t.Fatal("done channel not closed")
	}

	timer.Update()
	timer.Resume()
	assert.Equal(t, 1, completions, "completion must fire exactly once")
}

func TestTimer_ShortSuspension(t *testing.T) {
	clk := &clock{t: t0}
	timer := countdown.New(countdown.Config{Now: clk.now})
	timer.Anchor(session(t0, 30))

	clk.set(t0.Add(10 * time.Minute))
	assert.Equal(t, 1200, timer.Resume())
	assert.False(t, timer.Completed())
}

func TestTimer_NeverRunsBackward(t *testing.T) {
	clk := &clock{t: t0.Add(time.Minute)}
	timer := countdown.New(countdown.Config{Now: clk.now})
	require.Equal(t, 1740, timer.Anchor(session(t0, 30)))

	clk.set(t0)
	assert.Equal(t, 1740, timer.Update())
}

func TestTimer_AnchorIgnoresUnstartedSession(t *testing.T) {
	completions := 0
	timer := countdown.New(countdown.Config{OnComplete: func() { completions++ }})

	assert.Equal(t, 0, timer.Anchor(domain.Session{DurationMinutes: 30, Phase: domain.PhaseWaiting}))
	assert.Equal(t, 0, timer.Update())
	assert.Zero(t, completions, "an unanchored timer never completes")
}

func TestTimer_JoinLate(t *testing.T) {
	clk := &clock{t: t0.Add(20 * time.Minute)}
	timer := countdown.New(countdown.Config{Now: clk.now})

	assert.Equal(t, 600, timer.Anchor(session(t0, 30)))
}

func TestTimer_Run(t *testing.T) {
	clk := &clock{t: t0}
	tk := &fakeTicker{c: make(chan time.Time)}

	var (
		mu    sync.Mutex
		ticks []int
	)
	timer := countdown.New(countdown.Config{
		Now: clk.now,
		OnTick: func(r int) {
			mu.Lock()
			ticks = append(ticks, r)
			mu.Unlock()
		},
		NewTickerFunc: func(time.Duration) countdown.Ticker { return tk },
	})
	timer.Anchor(session(t0, 1))

	done := make(chan struct{})
	go func() {
		timer.Run(context.Background())
		close(done)
	}()

	clk.set(t0.Add(20 * time.Second))
	tk.c <- time.Time{}
	clk.set(t0.Add(61 * time.Second))
	tk.c <- time.Time{}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after completion")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{60, 40, 0}, ticks)
	assert.True(t, tk.stopped)
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00", countdown.FormatClock(-time.Second))
	assert.Equal(t, "01:05", countdown.FormatClock(65*time.Second))
	assert.Equal(t, "30:00", countdown.FormatClock(30*time.Minute))
	assert.Equal(t, "125:00", countdown.FormatClock(125*time.Minute))
}

func session(startedAt time.Time, minutes int) domain.Session {
	return domain.Session{
		ID:              "s1",
		DurationMinutes: minutes,
		Phase:           domain.PhaseRunning,
		StartedAt:       &startedAt,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeTicker struct {
	c       chan time.Time
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }

func (f *fakeTicker) Stop() { f.stopped = true }
