package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitorConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	return cfg
}

func TestMonitorHealthyAfterProbes(t *testing.T) {
	m := newTestStore(t)
	mon := NewMonitor(m, testMonitorConfig())
	mon.Start()
	defer mon.Stop()

	assert.Eventually(t, func() bool {
		rep := mon.Report()
		return rep.Probes >= 3 && rep.State == HealthHealthy
	}, 2*time.Second, 10*time.Millisecond)

	rep := mon.Report()
	assert.Zero(t, rep.Failures)
	assert.Equal(t, float64(1), rep.Availability)
	assert.Empty(t, rep.Alerts)
	assert.LessOrEqual(t, rep.LatencyP50, rep.LatencyP95)
	assert.LessOrEqual(t, rep.LatencyP95, rep.LatencyP99)

	// Probe sessions clean up after themselves.
	n, err := m.Count(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMonitorUnhealthyWhenBackendDown(t *testing.T) {
	m := NewMemoryStore(0)
	require.NoError(t, m.Close()) // every probe now fails

	mon := NewMonitor(m, testMonitorConfig())
	mon.Start()
	defer mon.Stop()

	assert.Eventually(t, func() bool {
		rep := mon.Report()
		return rep.Failures >= 3 && rep.State == HealthUnhealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorErrorRateNeedsSampleFloor(t *testing.T) {
	m := newTestStore(t)
	cfg := testMonitorConfig()
	cfg.MaxErrorRate = 0.0001
	mon := NewMonitor(m, cfg)

	// A few recorded failures below the sample floor must not alert.
	for i := 0; i < 5; i++ {
		mon.record(time.Millisecond, i != 0)
	}
	rep := mon.Report()
	for _, a := range rep.Alerts {
		assert.NotEqual(t, "store_error_rate_high", a.Code)
	}

	// Past the floor the same rate alerts.
	for i := 0; i < 10; i++ {
		mon.record(time.Millisecond, false)
	}
	rep = mon.Report()
	codes := make([]string, 0, len(rep.Alerts))
	for _, a := range rep.Alerts {
		codes = append(codes, a.Code)
	}
	assert.Contains(t, codes, "store_error_rate_high")
}

func TestMonitorFallbackAlertAfterWindow(t *testing.T) {
	m := newTestStore(t)
	cfg := testMonitorConfig()
	cfg.MaxFallbackTime = 1 * time.Millisecond
	mon := NewMonitor(m, cfg)
	mon.record(time.Millisecond, true)

	mon.SetFallback(true)
	time.Sleep(5 * time.Millisecond)

	rep := mon.Report()
	assert.True(t, rep.Fallback)
	assert.NotEqual(t, HealthHealthy, rep.State)

	mon.SetFallback(false)
	rep = mon.Report()
	assert.False(t, rep.Fallback)
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		100 * time.Millisecond,
	}
	assert.Equal(t, 30*time.Millisecond, percentile(samples, 0.50))
	assert.Equal(t, 100*time.Millisecond, percentile(samples, 0.99))
	assert.Zero(t, percentile(nil, 0.5))
}
