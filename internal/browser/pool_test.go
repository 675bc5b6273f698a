package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// testConfig returns a configuration suitable for testing.
// Small pool, short timeouts.
func testConfig() *config.Config {
	return &config.Config{
		Headless:            true,
		MinBrowsers:         1,
		MaxBrowsers:         2,
		MaxPagesPerBrowser:  5,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		MaxUses:             100,
		MaxErrors:           5,
		AcquisitionTimeout:  10 * time.Second,
		HealthCheckInterval: time.Minute,
		MaintenanceInterval: time.Minute,
		ResponseTimeout:     5 * time.Second,
		MaxMemoryMB:         1024,
		MaxPageCount:        20,
	}
}

// skipCI skips tests that require a browser in short mode.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

func newTestPool(t *testing.T, cfg *config.Config) *Pool {
	t.Helper()
	pool, err := NewPool(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func TestNewPoolPrewarms(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	pool := newTestPool(t, cfg)

	m := pool.Metrics()
	if m.Total != cfg.MinBrowsers {
		t.Errorf("Expected %d instances after init, got %d", cfg.MinBrowsers, m.Total)
	}
	if m.Idle != cfg.MinBrowsers {
		t.Errorf("Expected %d idle instances, got %d", cfg.MinBrowsers, m.Idle)
	}
}

func TestPoolAcquireReleaseLifecycle(t *testing.T) {
	skipCI(t)

	pool := newTestPool(t, testConfig())
	ctx := context.Background()

	inst, err := pool.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	if inst.State() != StateActive {
		t.Errorf("Expected active instance, got %s", inst.State())
	}
	if inst.SessionID() != "session-1" {
		t.Errorf("Expected lease for session-1, got %q", inst.SessionID())
	}

	// Same session gets the same instance back.
	again, err := pool.Acquire(ctx, "session-1")
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if again.ID() != inst.ID() {
		t.Error("Same session must get its leased instance back")
	}

	if err := pool.Release("session-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if inst.State() != StateIdle {
		t.Errorf("Expected idle after release, got %s", inst.State())
	}
}

func TestPoolReleaseWithoutLease(t *testing.T) {
	skipCI(t)

	pool := newTestPool(t, testConfig())

	err := pool.Release("nobody")
	if !errors.Is(err, types.ErrNotLeaseOwner) {
		t.Errorf("Expected ErrNotLeaseOwner, got %v", err)
	}
}

func TestPoolScalesToMax(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	pool := newTestPool(t, cfg)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "session-a")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	b, err := pool.Acquire(ctx, "session-b")
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if a.ID() == b.ID() {
		t.Error("Two sessions must not share one instance")
	}

	m := pool.Metrics()
	if m.Total != cfg.MaxBrowsers {
		t.Errorf("Expected pool scaled to %d, got %d", cfg.MaxBrowsers, m.Total)
	}
}

func TestPoolSaturationQueuesAndHandsOff(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	pool := newTestPool(t, cfg)
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, "session-a"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	b, err := pool.Acquire(ctx, "session-b")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	// Third session must queue; release unblocks it.
	acquired := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, "session-c")
		acquired <- err
	}()

	time.Sleep(200 * time.Millisecond)
	if err := pool.Release("session-b"); err != nil {
		t.Fatalf("Release b: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Queued acquire failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Queued acquire never resolved")
	}

	if b.SessionID() != "session-c" {
		t.Errorf("Released instance leased to %q, want session-c", b.SessionID())
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	skipCI(t)

	cfg := testConfig()
	cfg.AcquisitionTimeout = 500 * time.Millisecond
	pool := newTestPool(t, cfg)
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, "session-a"); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := pool.Acquire(ctx, "session-b"); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	_, err := pool.Acquire(ctx, "session-c")
	if !errors.Is(err, types.ErrPoolTimeout) {
		t.Errorf("Expected ErrPoolTimeout, got %v", err)
	}
}

func TestPoolReclaimRedispatchesToNextWaiter(t *testing.T) {
	p := &Pool{
		cfg:    testConfig(),
		queue:  NewAcquisitionQueue(),
		leases: make(map[string]*Instance),
		stopCh: make(chan struct{}),
	}
	t.Cleanup(p.queue.Close)

	// An instance dispatched to a waiter that already gave up is still
	// leased to that session; reclaim must free it and serve the queue.
	inst := idleInstance("b1")
	if !inst.lease("session-gone") {
		t.Fatal("Failed to lease the test instance")
	}
	ch, _ := p.queue.Enqueue("session-next", 0, time.Minute)

	p.reclaim("session-gone", inst)

	select {
	case res := <-ch:
		if res.err != nil || res.inst != inst {
			t.Fatalf("Expected the reclaimed instance, got %+v", res)
		}
		if inst.SessionID() != "session-next" {
			t.Errorf("Reclaimed instance leased to %q, want session-next", inst.SessionID())
		}
	case <-time.After(time.Second):
		t.Fatal("Reclaimed instance never reached the waiting session")
	}
}

func TestPoolReclaimIdlesWithEmptyQueue(t *testing.T) {
	p := &Pool{
		cfg:    testConfig(),
		queue:  NewAcquisitionQueue(),
		leases: make(map[string]*Instance),
		stopCh: make(chan struct{}),
	}
	t.Cleanup(p.queue.Close)

	inst := idleInstance("b1")
	if !inst.lease("session-gone") {
		t.Fatal("Failed to lease the test instance")
	}

	p.reclaim("session-gone", inst)
	if inst.State() != StateIdle {
		t.Errorf("Expected idle after reclaim, got %s", inst.State())
	}
}

func TestPoolAcquireAfterShutdown(t *testing.T) {
	skipCI(t)

	pool := newTestPool(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, err := pool.Acquire(context.Background(), "session-1")
	if !errors.Is(err, types.ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolHealthCheck(t *testing.T) {
	skipCI(t)

	pool := newTestPool(t, testConfig())

	results := pool.HealthCheck(context.Background())
	if len(results) == 0 {
		t.Fatal("Expected at least one health result")
	}
	for id, res := range results {
		if !res.Healthy {
			t.Errorf("Instance %s unhealthy: %s", id, res.Reason)
		}
	}
}
