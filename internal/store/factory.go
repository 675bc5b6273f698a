package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// startupProbeTimeout bounds the redis reachability check during "auto"
// backend selection.
const startupProbeTimeout = 3 * time.Second

// memoryJanitorInterval is how often the in-memory backend reaps expired
// records.
const memoryJanitorInterval = time.Minute

// Factory builds and owns the active session store, its monitor, and the
// replication pipeline. It is the single place that knows which backend is
// live and why.
type Factory struct {
	cfg *config.Config

	mu             sync.RWMutex
	active         Store
	monitor        *Monitor
	migrator       *Migrator
	fallbackReason string
}

// NewFactory creates a store factory from configuration.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, migrator: NewMigrator()}
}

// Open selects and starts the backend per configuration.
//
//	redis  - require the external KV, fail startup if unreachable
//	memory - in-process only
//	auto   - probe the KV within the startup timeout, fall back to memory
//
// Replication and monitoring wrap whichever backend wins.
func (f *Factory) Open(ctx context.Context) (Store, error) {
	var base Store
	var err error

	switch f.cfg.StoreType {
	case "memory":
		base = NewMemoryStore(memoryJanitorInterval)
		log.Info().Msg("Session store: memory backend")

	case "redis":
		base, err = f.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Session store: redis backend")

	default: // auto
		base, err = f.openRedis(ctx)
		if err != nil {
			f.mu.Lock()
			f.fallbackReason = err.Error()
			f.mu.Unlock()
			log.Warn().
				Err(err).
				Msg("Redis unreachable at startup, falling back to memory backend")
			base = NewMemoryStore(memoryJanitorInterval)
		} else {
			log.Info().Msg("Session store: redis backend (auto)")
		}
	}

	wrapped := f.wrapReplication(base)

	monitor := f.newMonitor(wrapped)
	// Auto mode keeps running when the primary dies mid-flight: the breaker
	// opening hands the traffic to an in-process memory backend.
	if f.cfg.StoreType != "memory" && f.cfg.StoreType != "redis" && base.Type() != "memory" {
		monitor.OnBreakerOpen(func() { f.failover("store circuit breaker open") })
	}
	guarded := monitor.Guard(wrapped)

	f.mu.Lock()
	f.active = guarded
	f.monitor = monitor
	if f.fallbackReason != "" {
		monitor.SetFallback(true)
	}
	monitor.Start()
	f.mu.Unlock()

	return guarded, nil
}

// newMonitor builds a monitor with the configured tuning over st.
func (f *Factory) newMonitor(st Store) *Monitor {
	return NewMonitor(st, MonitorConfig{
		Interval:        f.cfg.MonitorInterval,
		ProbeTimeout:    f.cfg.ResponseTimeout,
		MaxLatency:      f.cfg.MaxLatency,
		MaxErrorRate:    f.cfg.MaxErrorRate,
		MaxFallbackTime: f.cfg.MaxFallbackTime,
		MinAvailability: f.cfg.MinAvailability,
	})
}

// failover swaps the active store for a fresh memory backend after the
// primary's breaker opens. The dead primary's monitor stops and the store
// closes; sessions that only lived in the primary are lost, which the
// memory fallback contract accepts. A memory backend never fails over.
func (f *Factory) failover(reason string) {
	f.mu.Lock()
	if f.active == nil || f.active.Type() == "memory" {
		f.mu.Unlock()
		return
	}
	old := f.active
	oldMonitor := f.monitor

	mem := f.wrapReplication(NewMemoryStore(memoryJanitorInterval))
	monitor := f.newMonitor(mem)
	f.active = monitor.Guard(mem)
	f.monitor = monitor
	f.fallbackReason = reason
	f.mu.Unlock()

	monitor.SetFallback(true)
	monitor.Start()
	log.Error().Str("reason", reason).Msg("Primary session store lost, serving from memory fallback")

	oldMonitor.Stop()
	if err := old.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed primary store close error")
	}
}

func (f *Factory) openRedis(ctx context.Context) (Store, error) {
	if f.cfg.RedisURL == "" {
		return nil, types.NewError(types.KindInvalid, "redis_url_missing", "REDIS_URL is not set")
	}
	rs, err := NewRedisStore(f.cfg.RedisURL, f.cfg.RedisPrefix, f.cfg.SessionTTL, f.cfg.StoreRetryDelay)
	if err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()
	if err := rs.Ping(probeCtx); err != nil {
		_ = rs.Close()
		return nil, err
	}
	return rs, nil
}

// wrapReplication decorates the base store with replica forwarding when
// replica URLs are configured.
func (f *Factory) wrapReplication(base Store) Store {
	if len(f.cfg.ReplicaURLs) == 0 {
		return base
	}
	replicas := make(map[string]Store, len(f.cfg.ReplicaURLs))
	for i, url := range f.cfg.ReplicaURLs {
		name := fmt.Sprintf("replica-%d", i)
		rs, err := NewRedisStore(url, f.cfg.RedisPrefix, f.cfg.SessionTTL, f.cfg.StoreRetryDelay)
		if err != nil {
			log.Error().Err(err).Str("replica", name).Msg("Skipping replica with invalid URL")
			continue
		}
		replicas[name] = rs
	}
	if len(replicas) == 0 {
		return base
	}

	repCfg := DefaultReplicatorConfig()
	repCfg.MaxRetries = f.cfg.StoreMaxRetries
	repCfg.RetryDelay = f.cfg.StoreRetryDelay
	repCfg.ConflictPolicy = ConflictPolicy(f.cfg.ConflictPolicy)
	repCfg.SyncDeletions = f.cfg.SyncDeletions
	repCfg.SyncExpired = f.cfg.SyncExpired

	log.Info().Int("replicas", len(replicas)).Msg("Session store replication enabled")
	return NewReplicatedStore(base, repCfg, replicas)
}

// Active returns the live store.
func (f *Factory) Active() Store {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// Monitor returns the store health monitor.
func (f *Factory) Monitor() *Monitor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.monitor
}

// HealthStatus reports the backend, fallback state, and monitor metrics.
func (f *Factory) HealthStatus() HealthReport {
	f.mu.RLock()
	monitor := f.monitor
	reason := f.fallbackReason
	f.mu.RUnlock()

	rep := monitor.Report()
	if reason != "" && len(rep.Alerts) == 0 && rep.State == HealthHealthy {
		rep.State = HealthDegraded
	}
	return rep
}

// SwitchBackend migrates live sessions to a new backend and makes it the
// active store. The old store stays authoritative until the copy completes.
func (f *Factory) SwitchBackend(ctx context.Context, storeType string) (*MigrationStats, error) {
	if !f.cfg.MigrationEnabled {
		return nil, types.NewError(types.KindUnavailable, "migration_disabled", "store migration is disabled")
	}

	var target Store
	var err error
	switch storeType {
	case "memory":
		target = NewMemoryStore(memoryJanitorInterval)
	case "redis":
		target, err = f.openRedis(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, types.Errorf(types.KindInvalid, "store_type_invalid", "unknown store type %q", storeType)
	}

	f.mu.RLock()
	source := f.active
	f.mu.RUnlock()

	if source.Type() == target.Type() {
		_ = target.Close()
		return nil, types.Errorf(types.KindInvalid, "store_type_same", "already running on %s backend", storeType)
	}

	stats, err := f.migrator.Migrate(ctx, source, target, MigratorConfig{
		BatchSize:     f.cfg.MigrateBatchSize,
		SkipExpired:   true,
		OverwriteMode: ConflictPolicy(f.cfg.ConflictPolicy),
	})
	if err != nil {
		_ = target.Close()
		return nil, err
	}

	wrapped := f.wrapReplication(target)
	monitor := f.newMonitor(wrapped)
	if f.cfg.StoreType != "memory" && f.cfg.StoreType != "redis" && target.Type() != "memory" {
		monitor.OnBreakerOpen(func() { f.failover("store circuit breaker open") })
	}

	f.mu.Lock()
	old := f.active
	oldMonitor := f.monitor
	f.active = monitor.Guard(wrapped)
	f.fallbackReason = ""
	f.monitor = monitor
	monitor.Start()
	f.mu.Unlock()

	oldMonitor.Stop()
	if err := old.Close(); err != nil {
		log.Warn().Err(err).Msg("Previous store close failed after switch")
	}

	log.Info().
		Str("backend", storeType).
		Int("migrated", stats.Migrated).
		Msg("Store backend switched")
	return stats, nil
}

// backupRecord is the on-disk backup envelope.
type backupRecord struct {
	CreatedAt time.Time  `json:"createdAt"`
	Backend   string     `json:"backend"`
	Sessions  []*Session `json:"sessions"`
}

// CreateBackup writes every live session to a JSON file.
func (f *Factory) CreateBackup(ctx context.Context, path string) (int, error) {
	f.mu.RLock()
	active := f.active
	f.mu.RUnlock()

	sessions, err := listAllSlice(ctx, active)
	if err != nil {
		return 0, err
	}
	payload, err := json.MarshalIndent(backupRecord{
		CreatedAt: time.Now(),
		Backend:   active.Type(),
		Sessions:  sessions,
	}, "", "  ")
	if err != nil {
		return 0, types.WrapError(types.KindInternal, "backup_marshal_failed", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return 0, types.WrapError(types.KindInternal, "backup_write_failed", err)
	}
	log.Info().Str("path", path).Int("sessions", len(sessions)).Msg("Session backup created")
	return len(sessions), nil
}

// RestoreBackup loads sessions from a backup file into the active store.
// Expired records are skipped; live records overwrite by id.
func (f *Factory) RestoreBackup(ctx context.Context, path string) (int, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return 0, types.WrapError(types.KindInvalid, "backup_read_failed", err)
	}
	var rec backupRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return 0, types.WrapError(types.KindInvalid, "backup_decode_failed", err)
	}

	f.mu.RLock()
	active := f.active
	f.mu.RUnlock()

	now := time.Now()
	restored := 0
	for _, s := range rec.Sessions {
		if s.Expired(now) {
			continue
		}
		if err := upsert(ctx, active, s); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("Backup record restore failed")
			continue
		}
		restored++
	}
	log.Info().Str("path", path).Int("restored", restored).Msg("Session backup restored")
	return restored, nil
}

// Close stops the monitor and closes the active store.
func (f *Factory) Close() error {
	f.mu.Lock()
	monitor := f.monitor
	active := f.active
	f.monitor = nil
	f.active = nil
	f.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if active != nil {
		return active.Close()
	}
	return nil
}

// listAllSlice snapshots a store's sessions as a slice.
func listAllSlice(ctx context.Context, st Store) ([]*Session, error) {
	byID, err := listAll(ctx, st)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out, nil
}
