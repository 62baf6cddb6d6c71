package telemetry_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/mutely/internal/domain"
	"github.com/victornm/mutely/internal/telemetry"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)

	m.ObservePoll(20*time.Millisecond, nil)
	m.ObservePoll(30*time.Millisecond, nil)
	m.ObservePoll(5*time.Millisecond, errors.New("connection refused"))
	m.ObserveViolation(domain.EventTypeBackgroundSwitch, true)
	m.ObserveViolation(domain.EventTypeUnknown, false)
	m.SetActiveSessions(3)

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP mutely_poll_ticks_total Number of poll ticks by result.
# TYPE mutely_poll_ticks_total counter
mutely_poll_ticks_total{result="error"} 1
mutely_poll_ticks_total{result="success"} 2
# HELP mutely_relay_active_sessions Number of sessions watched by the relay.
# TYPE mutely_relay_active_sessions gauge
mutely_relay_active_sessions 3
# HELP mutely_violations_logged_total Number of violations logged by event type and result.
# TYPE mutely_violations_logged_total counter
mutely_violations_logged_total{result="error",type="unknown"} 1
mutely_violations_logged_total{result="success",type="background_switch"} 1
`), "mutely_poll_ticks_total", "mutely_relay_active_sessions", "mutely_violations_logged_total")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "mutely_poll_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
