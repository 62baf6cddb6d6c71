package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mutely/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber should only receive the events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						named("session.started"),
						named("session.ended"),
					},
					subscribers: []subscriber{
						{name: "relay", subscribeTo: []string{"session.started"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{named("session.started")}, out.received["relay"])
			},
		},

		"every subscriber of an event should receive it": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						named("violation.logged"),
						named("violation.logged"),
					},
					subscribers: []subscriber{
						{name: "standings", subscribeTo: []string{"violation.logged"}},
						{name: "metrics", subscribeTo: []string{"violation.logged"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				want := []event.Event{named("violation.logged"), named("violation.logged")}
				assert.ElementsMatch(t, want, out.received["standings"])
				assert.ElementsMatch(t, want, out.received["metrics"])
			},
		},

		"an unsubscribed handler should not receive later events": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						named("participant.joined"),
					},
					subscribers: []subscriber{
						{name: "gone", subscribeTo: []string{"participant.joined"}, unsubscribe: true},
						{name: "kept", subscribeTo: []string{"participant.joined"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Empty(t, out.received["gone"])
				assert.ElementsMatch(t, []event.Event{named("participant.joined")}, out.received["kept"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					unsubscribe := b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
					if s.unsubscribe {
						unsubscribe()
						unsubscribe()
					}
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_HandlerFailureDoesNotAffectOthers(t *testing.T) {
	b := event.NewBus()

	var (
		mu       sync.Mutex
		received int
	)
	b.Subscribe("session.ended", func(context.Context, event.Event) error {
		panic("boom")
	})
	b.Subscribe("session.ended", func(context.Context, event.Event) error {
		return errors.New("failed")
	})
	b.Subscribe("session.ended", func(context.Context, event.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), named("session.ended"))
	b.Stop()

	require.Equal(t, 1, received)
}

type named string

func (e named) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
	unsubscribe bool
}
