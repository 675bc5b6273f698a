package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// deadPrimary poses as an external backend that fails every operation.
type deadPrimary struct{ Store }

func (deadPrimary) Type() string { return "redis" }

func newDeadPrimary(t *testing.T) deadPrimary {
	t.Helper()
	m := NewMemoryStore(0)
	require.NoError(t, m.Close())
	return deadPrimary{m}
}

func TestGuardFailsFastWhenBreakerOpen(t *testing.T) {
	primary := newDeadPrimary(t)
	mon := NewMonitor(primary, testMonitorConfig())
	st := mon.Guard(primary)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.Create(ctx, validCreate())
		require.Error(t, err)
		assert.Equal(t, types.KindBackend, types.KindOf(err))
	}

	// Three consecutive backend failures open the breaker; the next call
	// is rejected without reaching the backend.
	_, err := st.Create(ctx, validCreate())
	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
	assert.Equal(t, "store_breaker_open", types.CodeOf(err))
}

func TestGuardIgnoresClientErrors(t *testing.T) {
	m := newTestStore(t)
	mon := NewMonitor(m, testMonitorConfig())
	st := mon.Guard(m)
	ctx := context.Background()

	// Validation failures never count against the backend.
	for i := 0; i < 5; i++ {
		_, err := st.Create(ctx, CreateData{})
		assert.Equal(t, types.KindInvalid, types.KindOf(err))
	}

	id, err := st.Create(ctx, validCreate())
	require.NoError(t, err)
	s, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestMonitorBreakerOpenHandler(t *testing.T) {
	mon := NewMonitor(newDeadPrimary(t), testMonitorConfig())
	fired := make(chan struct{})
	var once sync.Once
	mon.OnBreakerOpen(func() { once.Do(func() { close(fired) }) })
	mon.Start()
	defer mon.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Breaker open handler never fired")
	}
}

func TestFactoryFailoverToMemory(t *testing.T) {
	cfg := &config.Config{
		StoreType:       "auto",
		MonitorInterval: 10 * time.Millisecond,
	}
	f := NewFactory(cfg)
	t.Cleanup(func() { _ = f.Close() })

	// Wire a dead external primary the way Open does for auto mode.
	primary := newDeadPrimary(t)
	mon := f.newMonitor(primary)
	mon.OnBreakerOpen(func() { f.failover("store circuit breaker open") })
	f.mu.Lock()
	f.active = mon.Guard(primary)
	f.monitor = mon
	f.mu.Unlock()
	mon.Start()

	// Failed probes open the breaker, which must cut traffic over to the
	// memory fallback.
	assert.Eventually(t, func() bool {
		return f.Active().Type() == "memory"
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	id, err := f.Active().Create(ctx, validCreate())
	require.NoError(t, err)
	s, err := f.Active().Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)

	rep := f.HealthStatus()
	assert.True(t, rep.Fallback)
	assert.Equal(t, "memory", rep.Backend)

	// Memory is the last resort: a second cutover request is a no-op.
	f.failover("again")
	assert.Equal(t, "memory", f.Active().Type())
}
