//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/mutely/internal/api"
	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/session"
	"github.com/victornm/mutely/internal/violation"
)

const (
	baseURL = "http://localhost:8080/v1"
	prefix  = "mutely"
)

func TestSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		hc     = &http.Client{Timeout: 5 * time.Second}
		wg     = new(sync.WaitGroup)
		guests = []string{"Anna", "Bao", "Cas"}
	)

	// Create new session
	var created session.CreateSessionResponse
	post(ctx, t, hc, "/sessions", session.CreateSessionRequest{
		HostName:        "Host",
		SessionName:     "demo",
		DurationMinutes: 1,
	}, &created)
	sid := created.Session.ID
	t.Logf("Session %s created with code %s", sid, created.Session.Code)

	subscribeSession(t, makeRedis(t), wg, sid)

	// Guests join concurrently
	joined := make([]domain.Participant, len(guests))
	var eg errgroup.Group
	for i, g := range guests {
		i, g := i, g
		eg.Go(func() error {
			var resp session.JoinSessionResponse
			if err := do(ctx, hc, http.MethodPost, "/sessions/join", session.JoinSessionRequest{
				Code:     created.Session.Code,
				UserName: g,
			}, &resp); err != nil {
				return fmt.Errorf("guest %q join: %w", g, err)
			}
			joined[i] = resp.Participant
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	var started domain.Session
	post(ctx, t, hc, fmt.Sprintf("/sessions/%s/start", sid), nil, &started)
	require.Equal(t, domain.PhaseRunning, started.Phase)

	// Anna and Bao reach for their phones
	for _, p := range joined[:2] {
		var res violation.Result
		post(ctx, t, hc, fmt.Sprintf("/sessions/%s/violations", sid), api.LogViolationRequest{
			ParticipantID: p.ID,
			EventType:     domain.EventTypeBackgroundSwitch,
		}, &res)
		require.True(t, res.Success, res.Error)
		t.Logf("%s violation logged, count=%d", p.Name, res.NewCount)
	}

	time.Sleep(3 * time.Second)

	var standings api.Standings
	get(ctx, t, hc, fmt.Sprintf("/sessions/%s/standings", sid), &standings)
	assert.Len(t, standings.Entries, 2)

	var ended domain.Session
	post(ctx, t, hc, fmt.Sprintf("/sessions/%s/end", sid), nil, &ended)
	require.Equal(t, domain.PhaseEnded, ended.Phase)

	var sum session.Summary
	get(ctx, t, hc, fmt.Sprintf("/sessions/%s/summary", sid), &sum)
	assert.Equal(t, 2, sum.TotalViolations)
	require.NotNil(t, sum.MostFocused)
	t.Logf("Most focused: %s, average %s", sum.MostFocused.Name, sum.AverageViolations)

	wg.Wait()
}

func post(ctx context.Context, t *testing.T, hc *http.Client, path string, body, out any) {
	t.Helper()
	require.NoError(t, do(ctx, hc, http.MethodPost, path, body, out))
}

func get(ctx context.Context, t *testing.T, hc *http.Client, path string, out any) {
	t.Helper()
	require.NoError(t, do(ctx, hc, http.MethodGet, path, nil, out))
}

func do(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s: %s", method, path, resp.StatusCode, e.Code, e.Message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func subscribeSession(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, sid string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, api.ChannelName(prefix, sid))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameStandingsUpdated:
				var st api.Standings
				if err := json.Unmarshal(n.Data, &st); err != nil {
					t.Logf("unmarshal standings: %v", err)
					continue
				}

				t.Logf("standings:\n%s", formatStandings(st))
			default:
				t.Logf("notification %s: %s", n.Event, n.Data)
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatStandings(st api.Standings) string {
	var s string
	for _, e := range st.Entries {
		s += fmt.Sprintf("%s: %d\n", e.ParticipantID, e.Violations)
	}
	return s
}
