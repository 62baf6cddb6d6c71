package violation_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/event"
	"github.com/victornm/mutely/internal/violation"
)

var now = time.Date(2026, 2, 3, 14, 0, 0, 0, time.UTC)

func TestService_LogViolation(t *testing.T) {
	type outputs struct {
		res       violation.Result
		published []domain.EventViolationLogged
		observed  []bool
	}

	req := violation.LogViolationRequest{
		SessionID:     "s1",
		ParticipantID: "p1",
		Type:          domain.EventTypeBackgroundSwitch,
	}

	tests := map[string]struct {
		req     violation.LogViolationRequest
		arrange func(st *mockStore)
		assert  func(t *testing.T, st *mockStore, out outputs)
	}{
		"should append the event and return the new count": {
			req: req,
			arrange: func(st *mockStore) {
				st.On("AppendViolationEvent", mock.Anything, mock.Anything).
					Return(&domain.ViolationEvent{ID: "e1", SessionID: "s1", ParticipantID: "p1", Type: domain.EventTypeBackgroundSwitch, CreatedAt: now}, nil)
				st.On("IncrementViolationCount", mock.Anything, "p1", now).Return(3, nil)
			},
			assert: func(t *testing.T, st *mockStore, out outputs) {
				assert.Equal(t, violation.Result{Success: true, EventID: "e1", NewCount: 3}, out.res)
				require.Len(t, out.published, 1)
				assert.Equal(t, 3, out.published[0].Count)
				assert.Equal(t, "e1", out.published[0].Event.ID)
				assert.Equal(t, []bool{true}, out.observed)

				appended := st.Calls[0].Arguments.Get(1).(domain.ViolationEvent)
				assert.Equal(t, now, appended.CreatedAt)
			},
		},

		"counter failure after a successful append is still a success": {
			req: req,
			arrange: func(st *mockStore) {
				st.On("AppendViolationEvent", mock.Anything, mock.Anything).
					Return(&domain.ViolationEvent{ID: "e2", SessionID: "s1", ParticipantID: "p1", CreatedAt: now}, nil)
				st.On("IncrementViolationCount", mock.Anything, "p1", now).Return(0, errors.New("connection reset"))
			},
			assert: func(t *testing.T, _ *mockStore, out outputs) {
				assert.True(t, out.res.Success)
				assert.Equal(t, "e2", out.res.EventID)
				assert.Empty(t, out.res.Error)
				require.Len(t, out.published, 1)
			},
		},

		"should report a failed append without touching the counter": {
			req: req,
			arrange: func(st *mockStore) {
				st.On("AppendViolationEvent", mock.Anything, mock.Anything).Return(nil, errors.New("store unavailable"))
			},
			assert: func(t *testing.T, st *mockStore, out outputs) {
				assert.False(t, out.res.Success)
				assert.NotEmpty(t, out.res.Error)
				assert.Empty(t, out.res.EventID)
				assert.Empty(t, out.published)
				assert.Equal(t, []bool{false}, out.observed)
				st.AssertNotCalled(t, "IncrementViolationCount", mock.Anything, mock.Anything, mock.Anything)
			},
		},

		"should reject an unknown event type": {
			req: violation.LogViolationRequest{SessionID: "s1", ParticipantID: "p1", Type: domain.EventTypeUnknown},
			arrange: func(*mockStore) {},
			assert: func(t *testing.T, st *mockStore, out outputs) {
				assert.False(t, out.res.Success)
				assert.Contains(t, out.res.Error, "invalid event type")
				st.AssertNotCalled(t, "AppendViolationEvent", mock.Anything, mock.Anything)
			},
		},

		"should reject a missing participant": {
			req:     violation.LogViolationRequest{SessionID: "s1", Type: domain.EventTypeLeftSession},
			arrange: func(*mockStore) {},
			assert: func(t *testing.T, _ *mockStore, out outputs) {
				assert.False(t, out.res.Success)
				assert.Equal(t, "participant id is required", out.res.Error)
			},
		},

		"should convert a store panic into a failed result": {
			req: req,
			arrange: func(st *mockStore) {
				st.On("AppendViolationEvent", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
					panic("nil pool")
				})
			},
			assert: func(t *testing.T, _ *mockStore, out outputs) {
				assert.False(t, out.res.Success)
				assert.Equal(t, "internal error", out.res.Error)
				assert.Equal(t, []bool{false}, out.observed)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			st := &mockStore{}
			tt.arrange(st)

			var (
				mu  sync.Mutex
				out outputs
			)
			eb := event.NewBus()
			eb.Subscribe(domain.EventNameViolationLogged, func(_ context.Context, e event.Event) error {
				mu.Lock()
				out.published = append(out.published, e.(domain.EventViolationLogged))
				mu.Unlock()
				return nil
			})

			m := &metrics{}
			s := violation.NewService(violation.Config{
				Store:    st,
				EventBus: eb,
				Metrics:  m,
				Now:      func() time.Time { return now },
			})

			out.res = s.LogViolation(context.Background(), tt.req)
			eb.Stop()
			out.observed = m.observed

			tt.assert(t, st, out)
		})
	}
}

func TestService_LogViolation_CountIsMonotonic(t *testing.T) {
	st := newMemStore()
	s := violation.NewService(violation.Config{Store: st})

	types := []domain.EventType{
		domain.EventTypeBackgroundSwitch,
		domain.EventTypeTest,
		domain.EventTypeLeftSessionScreen,
		domain.EventTypeLeftSession,
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := s.LogViolation(context.Background(), violation.LogViolationRequest{
				SessionID:     "s1",
				ParticipantID: "p1",
				Type:          types[i%len(types)],
			})
			assert.True(t, res.Success)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 40, st.count)
	assert.Len(t, st.events, 40)
	for i := 1; i < len(st.seen); i++ {
		assert.Greater(t, st.seen[i], st.seen[i-1], "count must never decrease")
	}
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendViolationEvent(ctx context.Context, e domain.ViolationEvent) (*domain.ViolationEvent, error) {
	args := m.Called(ctx, e)
	ev, _ := args.Get(0).(*domain.ViolationEvent)
	return ev, args.Error(1)
}

func (m *mockStore) IncrementViolationCount(ctx context.Context, participantID string, at time.Time) (int, error) {
	args := m.Called(ctx, participantID, at)
	return args.Int(0), args.Error(1)
}

type metrics struct {
	observed []bool
}

func (m *metrics) ObserveViolation(_ domain.EventType, success bool) {
	m.observed = append(m.observed, success)
}

type memStore struct {
	mu     sync.Mutex
	events []domain.ViolationEvent
	count  int
	seen   []int
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) AppendViolationEvent(_ context.Context, e domain.ViolationEvent) (*domain.ViolationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = strconv.Itoa(len(s.events) + 1)
	s.events = append(s.events, e)
	return &e, nil
}

func (s *memStore) IncrementViolationCount(context.Context, string, time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.seen = append(s.seen, s.count)
	return s.count, nil
}
