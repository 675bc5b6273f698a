package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// OpType identifies a replicated mutation.
type OpType string

// Replicated mutation types.
const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpTouch  OpType = "touch"
)

// ReplicationOp is one mutation forwarded to the replicas. Session carries
// the full post-mutation record for create/update/touch; delete carries only
// the id.
type ReplicationOp struct {
	Type      OpType
	SessionID string
	Session   *Session
	Time      time.Time
}

// ConflictPolicy decides which side wins when Sync finds both stores holding
// the same session id with diverging records.
type ConflictPolicy string

const (
	// ConflictLastWrite keeps the record with the later LastAccessedAt.
	ConflictLastWrite ConflictPolicy = "last-write-wins"
	// ConflictOldest keeps the record with the earlier CreatedAt.
	ConflictOldest ConflictPolicy = "oldest-wins"
	// ConflictManual keeps the primary record and records the divergence.
	ConflictManual ConflictPolicy = "manual"
)

// ReplicatorConfig tunes the replication pipeline.
type ReplicatorConfig struct {
	QueueSize      int
	MaxRetries     int
	RetryDelay     time.Duration
	FailThreshold  int
	ProbeInterval  time.Duration
	ConflictPolicy ConflictPolicy
	SyncDeletions  bool
	SyncExpired    bool
}

// DefaultReplicatorConfig returns the standard replication tuning.
func DefaultReplicatorConfig() ReplicatorConfig {
	return ReplicatorConfig{
		QueueSize:      1024,
		MaxRetries:     3,
		RetryDelay:     200 * time.Millisecond,
		FailThreshold:  5,
		ProbeInterval:  15 * time.Second,
		ConflictPolicy: ConflictLastWrite,
		SyncDeletions:  true,
		SyncExpired:    false,
	}
}

// replica is one downstream store with its serial apply worker.
// Ops for a replica are applied in submission order by a single goroutine,
// so a replica never observes an update before its create.
type replica struct {
	name   string
	store  Store
	ops    chan ReplicationOp
	active atomic.Bool

	failures  atomic.Int64
	applied   atomic.Int64
	dropped   atomic.Int64
	lastError atomic.Value // string
}

// ReplicaStatus is a point-in-time view of one replica.
type ReplicaStatus struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Queued    int    `json:"queued"`
	Applied   int64  `json:"applied"`
	Dropped   int64  `json:"dropped"`
	Failures  int64  `json:"failures"`
	LastError string `json:"lastError,omitempty"`
}

// SyncStats summarizes one reconciliation pass.
type SyncStats struct {
	Checked    int `json:"checked"`
	Copied     int `json:"copied"`
	Deleted    int `json:"deleted"`
	Conflicts  int `json:"conflicts"`
	Divergent  int `json:"divergent"`
	Errors     int `json:"errors"`
	DurationMs int64 `json:"durationMs"`
}

// ReplicatedStore wraps a primary Store and forwards every successful
// mutation to a set of replicas asynchronously. Reads always hit the
// primary; replication never adds latency to the caller path.
type ReplicatedStore struct {
	Store

	cfg      ReplicatorConfig
	replicas []*replica
	stopCh   chan struct{}
	wg       sync.WaitGroup
	syncMu   sync.Mutex
	closed   atomic.Bool
}

// NewReplicatedStore wraps primary with asynchronous replication to the
// named replica stores. Workers start immediately.
func NewReplicatedStore(primary Store, cfg ReplicatorConfig, replicas map[string]Store) *ReplicatedStore {
	rs := &ReplicatedStore{
		Store:  primary,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	for name, st := range replicas {
		r := &replica{
			name:  name,
			store: st,
			ops:   make(chan ReplicationOp, cfg.QueueSize),
		}
		r.active.Store(true)
		r.lastError.Store("")
		rs.replicas = append(rs.replicas, r)

		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			rs.applyLoop(r)
		}()
	}
	if cfg.ProbeInterval > 0 && len(rs.replicas) > 0 {
		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			rs.probeLoop()
		}()
	}
	return rs
}

// Create forwards to the primary, then enqueues the new record.
func (rs *ReplicatedStore) Create(ctx context.Context, data CreateData) (string, error) {
	id, err := rs.Store.Create(ctx, data)
	if err != nil {
		return "", err
	}
	if s, getErr := rs.Store.Get(ctx, id); getErr == nil && s != nil {
		rs.enqueue(ReplicationOp{Type: OpCreate, SessionID: id, Session: s, Time: time.Now()})
	}
	return id, nil
}

// Update forwards to the primary, then enqueues the updated record.
func (rs *ReplicatedStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	s, err := rs.Store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	rs.enqueue(ReplicationOp{Type: OpUpdate, SessionID: id, Session: s.Clone(), Time: time.Now()})
	return s, nil
}

// Delete forwards to the primary, then enqueues the deletion.
func (rs *ReplicatedStore) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := rs.Store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		rs.enqueue(ReplicationOp{Type: OpDelete, SessionID: id, Time: time.Now()})
	}
	return ok, nil
}

// Touch forwards to the primary, then enqueues the renewed record.
func (rs *ReplicatedStore) Touch(ctx context.Context, id string) (bool, error) {
	ok, err := rs.Store.Touch(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if s, getErr := rs.Store.Get(ctx, id); getErr == nil && s != nil {
		rs.enqueue(ReplicationOp{Type: OpTouch, SessionID: id, Session: s, Time: time.Now()})
	}
	return true, nil
}

// Put writes a full record through to the primary and replicates it.
func (rs *ReplicatedStore) Put(ctx context.Context, s *Session) error {
	if err := upsert(ctx, rs.Store, s); err != nil {
		return err
	}
	rs.enqueue(ReplicationOp{Type: OpUpdate, SessionID: s.ID, Session: s.Clone(), Time: time.Now()})
	return nil
}

// List snapshots the primary.
func (rs *ReplicatedStore) List(ctx context.Context) ([]*Session, error) {
	l, ok := rs.Store.(interface {
		List(ctx context.Context) ([]*Session, error)
	})
	if !ok {
		return nil, types.NewError(types.KindInternal, "store_not_listable", "backend does not support listing")
	}
	return l.List(ctx)
}

// enqueue hands an op to every active replica without blocking. A full
// queue drops the op and counts it; Sync repairs the gap later.
func (rs *ReplicatedStore) enqueue(op ReplicationOp) {
	if rs.closed.Load() {
		return
	}
	for _, r := range rs.replicas {
		if !r.active.Load() {
			r.dropped.Add(1)
			continue
		}
		select {
		case r.ops <- op:
		default:
			r.dropped.Add(1)
			metrics.ReplicationDropped.Inc()
			log.Warn().
				Str("replica", r.name).
				Str("op", string(op.Type)).
				Msg("Replication queue full, op dropped")
		}
	}
}

// applyLoop drains one replica's queue, retrying each op with exponential
// backoff. A replica exceeding the failure threshold is marked inactive
// until a probe brings it back.
func (rs *ReplicatedStore) applyLoop(r *replica) {
	for {
		select {
		case <-rs.stopCh:
			return
		case op := <-r.ops:
			if err := rs.applyWithRetry(r, op); err != nil {
				n := r.failures.Add(1)
				r.lastError.Store(err.Error())
				log.Warn().
					Err(err).
					Str("replica", r.name).
					Str("op", string(op.Type)).
					Str("session_id", op.SessionID).
					Msg("Replication op failed")
				if int(n) >= rs.cfg.FailThreshold && r.active.CompareAndSwap(true, false) {
					log.Error().
						Str("replica", r.name).
						Int64("failures", n).
						Msg("Replica marked inactive")
				}
			} else {
				r.failures.Store(0)
				r.applied.Add(1)
			}
		}
	}
}

func (rs *ReplicatedStore) applyWithRetry(r *replica, op ReplicationOp) error {
	delay := rs.cfg.RetryDelay
	var err error
	for attempt := 0; attempt <= rs.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-rs.stopCh:
				return err
			case <-time.After(delay):
			}
			delay *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rs.applyOp(ctx, r.store, op)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

// applyOp writes one op into a replica store. Creates and updates both
// upsert so a replica that missed the create still converges.
func (rs *ReplicatedStore) applyOp(ctx context.Context, st Store, op ReplicationOp) error {
	switch op.Type {
	case OpDelete:
		_, err := st.Delete(ctx, op.SessionID)
		return err
	case OpCreate, OpUpdate, OpTouch:
		if op.Session == nil {
			return nil
		}
		return upsert(ctx, st, op.Session)
	default:
		return types.Errorf(types.KindInternal, "replication_op_unknown", "unknown replication op %q", op.Type)
	}
}

// upsert writes a full record into a store, replacing any existing one.
// Both backends support id-preserving Put; Update is the fallback for
// wrapped stores that only expose the Store interface.
func upsert(ctx context.Context, st Store, s *Session) error {
	if raw, ok := st.(interface {
		Put(ctx context.Context, s *Session) error
	}); ok {
		return raw.Put(ctx, s)
	}
	patch := Patch{
		Username:  &s.Username,
		Roles:     s.Roles,
		ExpiresAt: &s.ExpiresAt,
		Metadata:  s.Metadata,
	}
	_, err := st.Update(ctx, s.ID, patch)
	return err
}

// probeLoop periodically pings inactive replicas and reactivates the ones
// that answer.
func (rs *ReplicatedStore) probeLoop() {
	ticker := time.NewTicker(rs.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.stopCh:
			return
		case <-ticker.C:
			for _, r := range rs.replicas {
				if r.active.Load() {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := probeStore(ctx, r.store)
				cancel()
				if err == nil {
					r.failures.Store(0)
					r.active.Store(true)
					log.Info().Str("replica", r.name).Msg("Replica reactivated")
				}
			}
		}
	}
}

// probeStore checks liveness with the cheapest available call.
func probeStore(ctx context.Context, st Store) error {
	if p, ok := st.(interface{ Ping(ctx context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := st.Count(ctx)
	return err
}

// Status reports the current state of every replica.
func (rs *ReplicatedStore) Status() []ReplicaStatus {
	out := make([]ReplicaStatus, 0, len(rs.replicas))
	for _, r := range rs.replicas {
		out = append(out, ReplicaStatus{
			Name:      r.name,
			Active:    r.active.Load(),
			Queued:    len(r.ops),
			Applied:   r.applied.Load(),
			Dropped:   r.dropped.Load(),
			Failures:  r.failures.Load(),
			LastError: r.lastError.Load().(string),
		})
	}
	return out
}

// Sync reconciles every replica against the primary, repairing records lost
// to dropped ops or downtime. Conflicting records are resolved per policy.
// Only one sync runs at a time.
func (rs *ReplicatedStore) Sync(ctx context.Context) (*SyncStats, error) {
	rs.syncMu.Lock()
	defer rs.syncMu.Unlock()

	start := time.Now()
	stats := &SyncStats{}

	primarySessions, err := listAll(ctx, rs.Store)
	if err != nil {
		return nil, types.WrapError(types.KindBackend, "sync_list_primary_failed", err)
	}

	for _, r := range rs.replicas {
		if !r.active.Load() {
			continue
		}
		if err := rs.syncReplica(ctx, r, primarySessions, stats); err != nil {
			stats.Errors++
			log.Warn().Err(err).Str("replica", r.name).Msg("Replica sync failed")
		}
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	log.Info().
		Int("checked", stats.Checked).
		Int("copied", stats.Copied).
		Int("deleted", stats.Deleted).
		Int("conflicts", stats.Conflicts).
		Int("errors", stats.Errors).
		Msg("Replica sync complete")
	return stats, nil
}

func (rs *ReplicatedStore) syncReplica(ctx context.Context, r *replica, primary map[string]*Session, stats *SyncStats) error {
	now := time.Now()
	for id, ps := range primary {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Checked++
		if !rs.cfg.SyncExpired && ps.Expired(now) {
			continue
		}
		replicaRec, err := r.store.Get(ctx, id)
		if err != nil {
			stats.Errors++
			continue
		}
		if replicaRec == nil {
			if err := upsert(ctx, r.store, ps); err != nil {
				stats.Errors++
				continue
			}
			stats.Copied++
			continue
		}
		if replicaRec.LastAccessedAt.Equal(ps.LastAccessedAt) && replicaRec.ExpiresAt.Equal(ps.ExpiresAt) {
			continue
		}
		stats.Conflicts++
		winner := rs.resolve(ps, replicaRec)
		if winner == nil {
			stats.Divergent++
			log.Warn().
				Str("session_id", id).
				Str("replica", r.name).
				Msg("Session divergence recorded for manual resolution")
			continue
		}
		if err := upsert(ctx, r.store, winner); err != nil {
			stats.Errors++
			continue
		}
		stats.Copied++
	}

	if rs.cfg.SyncDeletions {
		replicaSessions, err := listAll(ctx, r.store)
		if err != nil {
			return err
		}
		for id := range replicaSessions {
			if _, ok := primary[id]; ok {
				continue
			}
			if _, err := r.store.Delete(ctx, id); err != nil {
				stats.Errors++
				continue
			}
			stats.Deleted++
		}
	}
	return nil
}

// resolve picks the winning record per the conflict policy. Nil means the
// divergence is recorded, not repaired.
func (rs *ReplicatedStore) resolve(primary, replicaRec *Session) *Session {
	switch rs.cfg.ConflictPolicy {
	case ConflictOldest:
		if replicaRec.CreatedAt.Before(primary.CreatedAt) {
			return replicaRec
		}
		return primary
	case ConflictManual:
		return nil
	default:
		if replicaRec.LastAccessedAt.After(primary.LastAccessedAt) {
			return replicaRec
		}
		return primary
	}
}

// listAll snapshots every session in a store keyed by id.
func listAll(ctx context.Context, st Store) (map[string]*Session, error) {
	if l, ok := st.(interface {
		List(ctx context.Context) ([]*Session, error)
	}); ok {
		sessions, err := l.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]*Session, len(sessions))
		for _, s := range sessions {
			out[s.ID] = s
		}
		return out, nil
	}
	return nil, types.NewError(types.KindInternal, "store_not_listable", "backend does not support listing")
}

// Close drains nothing; queued ops not yet applied are lost, which Sync
// repairs on the next run. The primary is closed last.
func (rs *ReplicatedStore) Close() error {
	if !rs.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(rs.stopCh)
	rs.wg.Wait()
	for _, r := range rs.replicas {
		if err := r.store.Close(); err != nil {
			log.Warn().Err(err).Str("replica", r.name).Msg("Replica close failed")
		}
	}
	return rs.Store.Close()
}
