// Package poller keeps a view of one session in sync with the store by polling it and
// turning the difference between two full snapshots into change notifications.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/mutely/internal/domain"
)

const (
	DefaultInterval = 2 * time.Second

	// UnknownName is reported for violations whose author is missing from the name lookup.
	UnknownName = "Someone"
)

// Source is the read side of the session store.
type Source interface {
	FetchSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// FetchActiveParticipants returns active participants, oldest first.
	FetchActiveParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// FetchViolationEvents returns all events of the session, newest first.
	FetchViolationEvents(ctx context.Context, sessionID string) ([]domain.ViolationEvent, error)
}

// NameLookup resolves participant display names. It is owned by the caller and may be stale.
type NameLookup interface {
	ParticipantName(participantID string) (string, bool)
}

// Callbacks are invoked from the polling goroutine, in the order session, participants,
// violations. Nil callbacks are skipped.
type Callbacks struct {
	OnParticipantJoined  func(p domain.Participant)
	OnParticipantLeft    func(p domain.Participant)
	OnParticipantUpdated func(p domain.Participant)
	OnSessionStarted     func(s domain.Session)
	OnSessionEnded       func(s domain.Session)
	OnSessionUpdated     func(s domain.Session)
	OnViolation          func(e domain.ViolationEvent, participantName string)
}

type Metrics interface {
	ObservePoll(d time.Duration, err error)
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Config struct {
	Source        Source
	SessionID     string
	Callbacks     Callbacks
	Names         NameLookup
	Interval      time.Duration
	NewTickerFunc func(d time.Duration) Ticker
	Metrics       Metrics
}

type snapshot struct {
	session      *domain.Session
	participants map[string]domain.Participant
	order        []string
	eventCount   int
}

// Poller polls one session. The zero snapshot is a cold start: the first tick reports every
// participant as joined and every existing event as new.
type Poller struct {
	source    Source
	sessionID string
	cb        Callbacks
	names     NameLookup
	interval  time.Duration
	newTicker func(d time.Duration) Ticker
	metrics   Metrics

	// gen changes on every Stop, a tick only delivers notifications while its
	// generation is current.
	gen    atomic.Uint64
	active atomic.Bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	snap snapshot
}

func New(c Config) *Poller {
	p := &Poller{
		source:    c.Source,
		sessionID: c.SessionID,
		cb:        c.Callbacks,
		names:     c.Names,
		interval:  c.Interval,
		newTicker: c.NewTickerFunc,
		metrics:   c.Metrics,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.newTicker == nil {
		p.newTicker = newTimeTicker
	}
	return p
}

func (p *Poller) SessionID() string {
	return p.sessionID
}

// Start polls immediately and then on every interval until Stop is called or ctx is done.
// Starting an active poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.active.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.active.Store(true)

	gen := p.gen.Load()
	go p.run(ctx, gen, p.done)

	slog.InfoContext(ctx, "poller: started", "session_id", p.sessionID, "interval", p.interval)
}

// Stop ends polling and resets the snapshot, a later Start is a cold start. Results of a
// tick still in flight are discarded. Stop may be called from a callback.
func (p *Poller) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.active.Load() {
		return
	}

	p.gen.Add(1)
	p.active.Store(false)
	p.cancel()

	p.mu.Lock()
	p.snap = snapshot{}
	p.mu.Unlock()

	slog.Info("poller: stopped", "session_id", p.sessionID)
}

func (p *Poller) IsActive() bool {
	return p.active.Load()
}

// Done is closed when the polling goroutine of the current run has exited.
func (p *Poller) Done() <-chan struct{} {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return p.done
}

func (p *Poller) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	p.tick(ctx, gen)

	t := p.newTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			p.tick(ctx, gen)
		}
	}
}

func (p *Poller) tick(ctx context.Context, gen uint64) {
	if err := p.poll(ctx, gen); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "poller: tick failed", "session_id", p.sessionID, "error", err)
	}
}

// Poll runs one full reconciliation pass: fetch, diff against the snapshot, notify.
// A failed fetch abandons the pass and leaves the snapshot untouched.
func (p *Poller) Poll(ctx context.Context) error {
	return p.poll(ctx, p.gen.Load())
}

func (p *Poller) poll(ctx context.Context, gen uint64) (err error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObservePoll(time.Since(start), err)
		}
	}()

	s, err := p.source.FetchSession(ctx, p.sessionID)
	if err != nil {
		return fmt.Errorf("fetch session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("fetch session: %s not found", p.sessionID)
	}

	ps, err := p.source.FetchActiveParticipants(ctx, p.sessionID)
	if err != nil {
		return fmt.Errorf("fetch participants: %w", err)
	}

	evs, err := p.source.FetchViolationEvents(ctx, p.sessionID)
	if err != nil {
		return fmt.Errorf("fetch violation events: %w", err)
	}

	p.mu.Lock()
	if p.gen.Load() != gen {
		p.mu.Unlock()
		return nil
	}
	var notes []func()
	notes = append(notes, p.diffSession(*s)...)
	notes = append(notes, p.diffParticipants(ps)...)
	notes = append(notes, p.diffEvents(evs)...)
	p.mu.Unlock()

	p.dispatch(ctx, gen, notes)
	return nil
}

// RefreshNow fetches the session and participants outside the polling cadence and replaces
// their snapshots. Violation events are not diffed, their count is left as is. A refresh
// that completes after Stop is discarded.
func (p *Poller) RefreshNow(ctx context.Context) error {
	gen := p.gen.Load()

	s, err := p.source.FetchSession(ctx, p.sessionID)
	if err != nil {
		return fmt.Errorf("poller: refresh session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("poller: refresh session: %s not found", p.sessionID)
	}

	ps, err := p.source.FetchActiveParticipants(ctx, p.sessionID)
	if err != nil {
		return fmt.Errorf("poller: refresh participants: %w", err)
	}

	p.mu.Lock()
	if p.gen.Load() != gen {
		p.mu.Unlock()
		return nil
	}
	p.snap.session = s
	p.snap.participants, p.snap.order = index(ps)
	p.mu.Unlock()

	if p.cb.OnSessionUpdated != nil && p.gen.Load() == gen {
		p.invoke(ctx, func() { p.cb.OnSessionUpdated(*s) })
	}
	return nil
}

func (p *Poller) diffSession(s domain.Session) []func() {
	var notes []func()

	if prev := p.snap.session; prev != nil {
		if prev.Phase != s.Phase {
			switch s.Phase {
			case domain.PhaseRunning:
				if p.cb.OnSessionStarted != nil {
					notes = append(notes, func() { p.cb.OnSessionStarted(s) })
				}
			case domain.PhaseEnded:
				if p.cb.OnSessionEnded != nil {
					notes = append(notes, func() { p.cb.OnSessionEnded(s) })
				}
			case domain.PhaseWaiting:
			}
		}

		if p.cb.OnSessionUpdated != nil {
			notes = append(notes, func() { p.cb.OnSessionUpdated(s) })
		}
	}

	p.snap.session = &s
	return notes
}

func (p *Poller) diffParticipants(ps []domain.Participant) []func() {
	var notes []func()

	cur, order := index(ps)
	for _, pt := range ps {
		pt := pt
		prev, seen := p.snap.participants[pt.ID]
		switch {
		case !seen:
			if p.cb.OnParticipantJoined != nil {
				notes = append(notes, func() { p.cb.OnParticipantJoined(pt) })
			}
		case prev.Active && !pt.Active:
			if p.cb.OnParticipantLeft != nil {
				notes = append(notes, func() { p.cb.OnParticipantLeft(pt) })
			}
		case prev.ViolationCount != pt.ViolationCount:
			if p.cb.OnParticipantUpdated != nil {
				notes = append(notes, func() { p.cb.OnParticipantUpdated(pt) })
			}
		}
	}

	// The store only returns active participants, one that is gone has left.
	for _, id := range p.snap.order {
		if _, ok := cur[id]; ok {
			continue
		}
		prev := p.snap.participants[id]
		if !prev.Active || p.cb.OnParticipantLeft == nil {
			continue
		}
		prev.Active = false
		notes = append(notes, func() { p.cb.OnParticipantLeft(prev) })
	}

	p.snap.participants, p.snap.order = cur, order
	return notes
}

func (p *Poller) diffEvents(evs []domain.ViolationEvent) []func() {
	n := len(evs) - p.snap.eventCount
	if n <= 0 {
		return nil
	}
	p.snap.eventCount = len(evs)

	if p.cb.OnViolation == nil {
		return nil
	}

	fresh := slices.Clone(evs[:n])
	slices.Reverse(fresh)

	notes := make([]func(), 0, len(fresh))
	for _, e := range fresh {
		e := e
		// The name is resolved when the callback runs, after this tick's joins were delivered.
		notes = append(notes, func() { p.cb.OnViolation(e, p.participantName(e.ParticipantID)) })
	}
	return notes
}

func (p *Poller) participantName(id string) string {
	if p.names != nil {
		if n, ok := p.names.ParticipantName(id); ok && n != "" {
			return n
		}
	}
	return UnknownName
}

func (p *Poller) dispatch(ctx context.Context, gen uint64, notes []func()) {
	for _, n := range notes {
		if p.gen.Load() != gen {
			slog.DebugContext(ctx, "poller: discarding notifications after stop", "session_id", p.sessionID)
			return
		}
		p.invoke(ctx, n)
	}
}

func (p *Poller) invoke(ctx context.Context, n func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "poller: callback panic",
				"session_id", p.sessionID,
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()
	n()
}

func index(ps []domain.Participant) (map[string]domain.Participant, []string) {
	m := make(map[string]domain.Participant, len(ps))
	order := make([]string, 0, len(ps))
	for _, pt := range ps {
		m[pt.ID] = pt
		order = append(order, pt.ID)
	}
	return m, order
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
