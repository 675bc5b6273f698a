package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Pool manages a bounded set of browser instances leased to sessions.
//
// Each session holds at most one lease; repeated acquisitions by the same
// session return the same instance. When every instance is leased and the
// pool is at its maximum, acquirers wait in the queue until a release or
// their deadline.
//
// Lock ordering: p.mu before any instance lock. Never hold p.mu across
// launches, closes, or CDP calls.
type Pool struct {
	mu        sync.Mutex
	instances []*Instance
	leases    map[string]*Instance // sessionID -> leased instance

	cfg       *config.Config
	lifecycle *Lifecycle
	health    *HealthChecker
	queue     *AcquisitionQueue

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	stats PoolStats
}

// PoolStats holds pool counters.
type PoolStats struct {
	Acquired  atomic.Int64
	Released  atomic.Int64
	Launched  atomic.Int64
	Restarted atomic.Int64
	Reaped    atomic.Int64
	Errors    atomic.Int64
}

// PoolMetrics is a point-in-time snapshot for status surfaces.
type PoolMetrics struct {
	Total     int            `json:"total"`
	Idle      int            `json:"idle"`
	Active    int            `json:"active"`
	Max       int            `json:"max"`
	Acquired  int64          `json:"acquired"`
	Released  int64          `json:"released"`
	Launched  int64          `json:"launched"`
	Restarted int64          `json:"restarted"`
	Reaped    int64          `json:"reaped"`
	Errors    int64          `json:"errors"`
	Queue     QueueStats     `json:"queue"`
	Instances []InstanceInfo `json:"instances"`
}

// NewPool creates the pool and pre-warms it to the configured minimum.
// Blocks until the minimum is ready or a launch fails.
func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	log.Info().
		Int("min", cfg.MinBrowsers).
		Int("max", cfg.MaxBrowsers).
		Bool("headless", cfg.Headless).
		Msg("Initializing browser pool")

	lifecycle := NewLifecycle(cfg)
	p := &Pool{
		cfg:       cfg,
		lifecycle: lifecycle,
		health:    NewHealthChecker(cfg, lifecycle),
		queue:     NewAcquisitionQueue(),
		leases:    make(map[string]*Instance),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.MinBrowsers; i++ {
		inst, err := lifecycle.Launch(ctx)
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("Failed to launch browser during pool init")
			_ = p.Shutdown(context.Background())
			return nil, err
		}
		p.stats.Launched.Add(1)
		p.mu.Lock()
		p.instances = append(p.instances, inst)
		p.mu.Unlock()
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.maintenanceLoop()
	}()
	go func() {
		defer p.wg.Done()
		p.healthLoop()
	}()

	log.Info().Int("instances", cfg.MinBrowsers).Msg("Browser pool initialized")
	return p, nil
}

// Acquire leases an instance to a session. A session that already holds a
// lease gets the same instance back. Blocks in the queue when the pool is
// saturated, until a release, the acquisition timeout, or ctx.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Instance, error) {
	if p.closed.Load() {
		return nil, types.WrapError(types.KindUnavailable, "pool_closed", types.ErrPoolClosed)
	}
	if sessionID == "" {
		return nil, types.NewError(types.KindInvalid, "session_id_required", "session id is required")
	}

	p.mu.Lock()
	if inst, ok := p.leases[sessionID]; ok {
		p.mu.Unlock()
		inst.MarkActivity()
		return inst, nil
	}

	// A failed lease means the candidate stopped being idle under us;
	// the next scan no longer sees it.
	for {
		inst := p.idleInstanceLocked()
		if inst == nil {
			break
		}
		if !inst.lease(sessionID) {
			continue
		}
		p.leases[sessionID] = inst
		p.mu.Unlock()
		p.stats.Acquired.Add(1)
		metrics.PoolAcquired.Inc()
		log.Debug().
			Str("session_id", sessionID).
			Str("instance_id", inst.ID()).
			Msg("Browser leased from pool")
		return inst, nil
	}

	canLaunch := len(p.instances) < p.cfg.MaxBrowsers
	p.mu.Unlock()

	if canLaunch {
		inst, err := p.launchAndLease(ctx, sessionID)
		if err == nil {
			return inst, nil
		}
		if inst == nil && err != errSlotRaced {
			p.stats.Errors.Add(1)
			return nil, err
		}
		// Lost the launch race; fall through to the queue.
	}

	return p.waitInQueue(ctx, sessionID)
}

// errSlotRaced signals that another acquirer filled the last free slot
// between the capacity check and the launch.
var errSlotRaced = types.NewError(types.KindInternal, "pool_slot_raced", "pool slot taken concurrently")

// launchAndLease launches a new instance for a session, re-checking
// capacity under the lock once the process is up.
func (p *Pool) launchAndLease(ctx context.Context, sessionID string) (*Instance, error) {
	inst, err := p.lifecycle.Launch(ctx)
	if err != nil {
		return nil, err
	}
	p.stats.Launched.Add(1)

	p.mu.Lock()
	if p.closed.Load() || len(p.instances) >= p.cfg.MaxBrowsers {
		p.mu.Unlock()
		p.lifecycle.Close(inst)
		if p.closed.Load() {
			return nil, types.WrapError(types.KindUnavailable, "pool_closed", types.ErrPoolClosed)
		}
		return nil, errSlotRaced
	}
	if !inst.lease(sessionID) {
		p.mu.Unlock()
		p.lifecycle.Close(inst)
		return nil, errSlotRaced
	}
	p.instances = append(p.instances, inst)
	p.leases[sessionID] = inst
	p.mu.Unlock()

	p.stats.Acquired.Add(1)
	metrics.PoolAcquired.Inc()
	log.Debug().
		Str("session_id", sessionID).
		Str("instance_id", inst.ID()).
		Msg("Browser launched and leased")
	return inst, nil
}

// waitInQueue parks the acquirer until a release hands over an instance.
// On early departure any instance already dispatched to this waiter is
// reclaimed, never stranded on the unread result channel.
func (p *Pool) waitInQueue(ctx context.Context, sessionID string) (*Instance, error) {
	resultCh, abandon := p.queue.Enqueue(sessionID, 0, p.cfg.AcquisitionTimeout)

	select {
	case res := <-resultCh:
		if res.err != nil {
			p.stats.Errors.Add(1)
			return nil, res.err
		}
		p.mu.Lock()
		p.leases[sessionID] = res.inst
		p.mu.Unlock()
		p.stats.Acquired.Add(1)
		metrics.PoolAcquired.Inc()
		return res.inst, nil
	case <-ctx.Done():
		if inst := abandon(); inst != nil {
			p.reclaim(sessionID, inst)
		}
		return nil, types.WrapError(types.KindTimeout, "pool_acquire_canceled", ctx.Err())
	case <-p.stopCh:
		if inst := abandon(); inst != nil {
			p.reclaim(sessionID, inst)
		}
		return nil, types.WrapError(types.KindUnavailable, "pool_closed", types.ErrPoolClosed)
	}
}

// reclaim puts back an instance that was dispatched to a departed waiter.
func (p *Pool) reclaim(sessionID string, inst *Instance) {
	if !inst.release(sessionID) {
		return
	}
	if p.closed.Load() {
		p.lifecycle.Close(inst)
		return
	}
	p.queue.Dispatch(inst)
}

// idleInstanceLocked returns an idle instance, preferring the most
// recently used one so cold instances age out naturally.
func (p *Pool) idleInstanceLocked() *Instance {
	var best *Instance
	var bestInfo InstanceInfo
	for _, inst := range p.instances {
		info := inst.Info()
		if info.State != StateIdle {
			continue
		}
		if best == nil || info.LastActivity.After(bestInfo.LastActivity) {
			best = inst
			bestInfo = info
		}
	}
	return best
}

// Release returns a session's lease to the pool. Fails when the session
// holds no lease. The freed instance goes to the longest-waiting queued
// session first, then back to idle.
func (p *Pool) Release(sessionID string) error {
	p.mu.Lock()
	inst, ok := p.leases[sessionID]
	if !ok {
		p.mu.Unlock()
		return types.WrapError(types.KindPermissionDenied, "not_lease_owner", types.ErrNotLeaseOwner)
	}
	delete(p.leases, sessionID)
	p.mu.Unlock()

	if !inst.release(sessionID) {
		// State drifted, treat the instance as suspect.
		log.Warn().
			Str("session_id", sessionID).
			Str("instance_id", inst.ID()).
			Msg("Lease state mismatch on release")
		p.stats.Errors.Add(1)
		return types.WrapError(types.KindPermissionDenied, "not_lease_owner", types.ErrNotLeaseOwner)
	}
	p.stats.Released.Add(1)

	if p.closed.Load() {
		p.lifecycle.Close(inst)
		return nil
	}

	// A draining instance dies on release instead of going back in rotation.
	if inst.NeedsRestart(p.cfg.MaxLifetime, p.cfg.MaxUses, p.cfg.MaxErrors) {
		p.restartOrRemove(inst)
		return nil
	}

	// The waiter registers its own lease when it wakes up; registering
	// here could outlive a waiter that already gave up.
	if p.queue.Dispatch(inst) {
		return nil
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("instance_id", inst.ID()).
		Msg("Browser returned to pool")
	return nil
}

// ReleaseIfHeld releases a session's lease if it has one. Used by session
// teardown where holding no lease is normal.
func (p *Pool) ReleaseIfHeld(sessionID string) {
	p.mu.Lock()
	_, ok := p.leases[sessionID]
	p.mu.Unlock()
	if ok {
		_ = p.Release(sessionID)
	}
}

// InstanceFor returns the instance leased to a session.
func (p *Pool) InstanceFor(sessionID string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.leases[sessionID]
	if !ok {
		return nil, types.WrapError(types.KindNotFound, "browser_not_found", types.ErrBrowserNotFound)
	}
	return inst, nil
}

// restartOrRemove restarts a worn instance in place, or removes it when
// the pool is above its minimum.
func (p *Pool) restartOrRemove(inst *Instance) {
	p.mu.Lock()
	aboveMin := len(p.instances) > p.cfg.MinBrowsers
	p.mu.Unlock()

	if aboveMin {
		p.removeInstance(inst)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.lifecycle.Restart(ctx, inst); err != nil {
		log.Error().Err(err).Str("instance_id", inst.ID()).Msg("Instance restart failed, removing")
		p.removeInstance(inst)
		return
	}
	p.stats.Restarted.Add(1)
	metrics.PoolRestarted.Inc()
	p.queue.Dispatch(inst)
}

// removeInstance closes an instance and drops it from the pool.
func (p *Pool) removeInstance(inst *Instance) {
	p.mu.Lock()
	for i, cur := range p.instances {
		if cur == inst {
			last := len(p.instances) - 1
			p.instances[i] = p.instances[last]
			p.instances = p.instances[:last]
			break
		}
	}
	p.mu.Unlock()

	p.stats.Reaped.Add(1)
	p.lifecycle.Close(inst)
}

// maintenanceLoop reaps idle instances above the minimum, restarts worn
// ones, and tops the pool back up to the minimum.
func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Pool maintenance stopping")
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.maintain()
		}
	}
}

// maintain runs one maintenance pass. Slow work happens outside the lock.
func (p *Pool) maintain() {
	p.mu.Lock()
	var toReap, toRestart []*Instance
	var dead []*Instance
	total := len(p.instances)
	for _, inst := range p.instances {
		switch {
		case inst.State() == StateDead:
			dead = append(dead, inst)
		case inst.IsIdleTooLong(p.cfg.IdleTimeout) && total-len(toReap)-len(dead) > p.cfg.MinBrowsers:
			toReap = append(toReap, inst)
		case inst.State() == StateIdle && inst.NeedsRestart(p.cfg.MaxLifetime, p.cfg.MaxUses, p.cfg.MaxErrors):
			toRestart = append(toRestart, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range dead {
		log.Info().Str("instance_id", inst.ID()).Msg("Removing dead instance")
		p.removeInstance(inst)
	}
	for _, inst := range toReap {
		log.Info().Str("instance_id", inst.ID()).Msg("Reaping idle instance")
		p.removeInstance(inst)
	}
	for _, inst := range toRestart {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := p.lifecycle.Restart(ctx, inst); err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID()).Msg("Maintenance restart failed")
			p.removeInstance(inst)
		} else {
			p.stats.Restarted.Add(1)
			metrics.PoolRestarted.Inc()
		}
		cancel()
	}

	p.topUp()
}

// topUp launches instances until the pool is back at its minimum.
func (p *Pool) topUp() {
	for {
		p.mu.Lock()
		need := p.cfg.MinBrowsers - len(p.instances)
		p.mu.Unlock()
		if need <= 0 || p.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		inst, err := p.lifecycle.Launch(ctx)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Pool top-up launch failed")
			p.stats.Errors.Add(1)
			return
		}
		p.stats.Launched.Add(1)

		p.mu.Lock()
		if p.closed.Load() {
			p.mu.Unlock()
			p.lifecycle.Close(inst)
			return
		}
		p.instances = append(p.instances, inst)
		p.mu.Unlock()

		// New capacity can serve the queue immediately.
		p.queue.Dispatch(inst)
	}
}

// healthLoop periodically checks idle instances and recovers failures.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Pool health loop stopping")
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.mu.Lock()
			instances := make([]*Instance, len(p.instances))
			copy(instances, p.instances)
			p.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckInterval)
			for _, inst := range instances {
				if inst.State() != StateIdle {
					continue
				}
				res := p.health.CheckAndRecover(ctx, inst)
				if !res.Healthy {
					p.stats.Errors.Add(1)
				}
			}
			cancel()
		}
	}
}

// HealthCheck runs the check ladder against every instance and returns
// the results keyed by instance id.
func (p *Pool) HealthCheck(ctx context.Context) map[string]HealthResult {
	p.mu.Lock()
	instances := make([]*Instance, len(p.instances))
	copy(instances, p.instances)
	p.mu.Unlock()

	out := make(map[string]HealthResult, len(instances))
	for _, inst := range instances {
		out[inst.ID()] = p.health.Check(ctx, inst)
	}
	return out
}

// Metrics snapshots the pool.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	infos := make([]InstanceInfo, 0, len(p.instances))
	idle, active := 0, 0
	for _, inst := range p.instances {
		info := inst.Info()
		switch info.State {
		case StateIdle:
			idle++
		case StateActive:
			active++
		}
		infos = append(infos, info)
	}
	total := len(p.instances)
	p.mu.Unlock()

	return PoolMetrics{
		Total:     total,
		Idle:      idle,
		Active:    active,
		Max:       p.cfg.MaxBrowsers,
		Acquired:  p.stats.Acquired.Load(),
		Released:  p.stats.Released.Load(),
		Launched:  p.stats.Launched.Load(),
		Restarted: p.stats.Restarted.Load(),
		Reaped:    p.stats.Reaped.Load(),
		Errors:    p.stats.Errors.Load(),
		Queue:     p.queue.Stats(),
		Instances: infos,
	}
}

// Shutdown closes the pool: waiters are cleared, background loops stop,
// and instances close in parallel. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	log.Info().Msg("Shutting down browser pool")

	p.queue.Close()
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.leases = make(map[string]*Instance)
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			p.lifecycle.Close(inst)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()
	select {
	case err := <-done:
		log.Info().Int("closed", len(instances)).Msg("Browser pool shut down")
		return err
	case <-ctx.Done():
		log.Warn().Msg("Pool shutdown deadline exceeded, abandoning browser closes")
		return ctx.Err()
	}
}
