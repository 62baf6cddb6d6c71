package api_test

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mutely/internal/api"
	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/session"
)

func TestRateLimiter_Join(t *testing.T) {
	rl := api.NewRateLimiter(api.RateLimiterConfig{PerMinute: 20, Burst: 5})
	t.Cleanup(rl.Stop)

	env := makeAPI(t, withJoinLimiter(rl))
	env.sessions.On("JoinSession", mock.Anything, mock.Anything).
		Return(&session.JoinSessionResponse{Session: domain.Session{ID: "s1"}}, nil)

	body := `{"code":"123456","user_name":"Bram"}`
	for i := 0; i < 5; i++ {
		rec := env.do(http.MethodPost, "/v1/sessions/join", body)
		require.Equal(t, http.StatusOK, rec.Code, "request %d is within the burst", i)
	}

	rec := env.do(http.MethodPost, "/v1/sessions/join", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":"resource_exhausted","message":"too many requests"}`, rec.Body.String())

	env.sessions.AssertNumberOfCalls(t, "JoinSession", 5)

	rec = env.do(http.MethodPost, "/v1/sessions", `{"host_name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "other routes are not limited")
}

func TestRateLimiter_Refill(t *testing.T) {
	var (
		mu  sync.Mutex
		now = started
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	rl := api.NewRateLimiter(api.RateLimiterConfig{PerMinute: 20, Burst: 1, Now: clock, CleanupInterval: time.Minute})
	t.Cleanup(rl.Stop)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "clients are limited separately")

	mu.Lock()
	now = now.Add(4 * time.Second)
	mu.Unlock()
	assert.True(t, rl.Allow("10.0.0.1"), "a token is back after a few seconds")

	mu.Lock()
	now = now.Add(3 * time.Minute)
	mu.Unlock()
	rl.Sweep()
	assert.Equal(t, 0, rl.Len(), "idle clients are dropped")
}
