package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplicatedPair(t *testing.T, cfg ReplicatorConfig) (*ReplicatedStore, *MemoryStore) {
	t.Helper()
	primary := NewMemoryStore(0)
	replica := NewMemoryStore(0)
	rs := NewReplicatedStore(primary, cfg, map[string]Store{"replica-0": replica})
	t.Cleanup(func() { _ = rs.Close() })
	return rs, replica
}

func fastReplicatorConfig() ReplicatorConfig {
	cfg := DefaultReplicatorConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.ProbeInterval = 10 * time.Millisecond
	return cfg
}

func TestReplicatedStoreForwardsCreate(t *testing.T) {
	rs, replica := newReplicatedPair(t, fastReplicatorConfig())
	ctx := context.Background()

	id, err := rs.Create(ctx, validCreate())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, err := replica.Get(ctx, id)
		return err == nil && s != nil && s.Username == "alice"
	}, time.Second, 10*time.Millisecond, "create must reach the replica")
}

func TestReplicatedStoreForwardsUpdateAndDelete(t *testing.T) {
	rs, replica := newReplicatedPair(t, fastReplicatorConfig())
	ctx := context.Background()

	id, err := rs.Create(ctx, validCreate())
	require.NoError(t, err)

	name := "bob"
	_, err = rs.Update(ctx, id, Patch{Username: &name})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, err := replica.Get(ctx, id)
		return err == nil && s != nil && s.Username == "bob"
	}, time.Second, 10*time.Millisecond)

	ok, err := rs.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		s, err := replica.Get(ctx, id)
		return err == nil && s == nil
	}, time.Second, 10*time.Millisecond, "delete must reach the replica")
}

func TestReplicatedStoreReadsHitPrimaryOnly(t *testing.T) {
	rs, replica := newReplicatedPair(t, fastReplicatorConfig())
	ctx := context.Background()

	// A record living only on the replica must stay invisible to readers.
	require.NoError(t, replica.Put(ctx, &Session{
		ID:             "ghost",
		UserID:         "u",
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
		LastAccessedAt: time.Now(),
	}))

	s, err := rs.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestReplicatedStoreInactiveAfterFailures(t *testing.T) {
	primary := NewMemoryStore(0)
	broken := NewMemoryStore(0)
	require.NoError(t, broken.Close()) // every op on it now fails

	cfg := fastReplicatorConfig()
	cfg.MaxRetries = 0
	cfg.FailThreshold = 2
	cfg.ProbeInterval = time.Hour // keep the probe out of this test
	rs := NewReplicatedStore(primary, cfg, map[string]Store{"replica-0": broken})
	defer rs.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rs.Create(ctx, validCreate())
		require.NoError(t, err, "primary writes must not fail when a replica is down")
	}

	assert.Eventually(t, func() bool {
		st := rs.Status()
		return len(st) == 1 && !st[0].Active && st[0].Failures >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestReplicatedStoreSyncRepairsMissing(t *testing.T) {
	primary := NewMemoryStore(0)
	replica := NewMemoryStore(0)
	cfg := fastReplicatorConfig()
	rs := NewReplicatedStore(primary, cfg, map[string]Store{"replica-0": replica})
	defer rs.Close()
	ctx := context.Background()

	// Seed the primary directly so nothing was replicated.
	id1, err := primary.Create(ctx, validCreate())
	require.NoError(t, err)
	id2, err := primary.Create(ctx, validCreate())
	require.NoError(t, err)

	// And an orphan on the replica that the primary never had.
	require.NoError(t, replica.Put(ctx, &Session{
		ID:             "orphan",
		UserID:         "u",
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
		LastAccessedAt: time.Now(),
	}))

	stats, err := rs.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Copied)
	assert.Equal(t, 1, stats.Deleted)

	for _, id := range []string{id1, id2} {
		s, err := replica.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, s)
	}
	s, err := replica.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestReplicatedStoreSyncLastWriteWins(t *testing.T) {
	primary := NewMemoryStore(0)
	replica := NewMemoryStore(0)
	cfg := fastReplicatorConfig()
	cfg.ConflictPolicy = ConflictLastWrite
	rs := NewReplicatedStore(primary, cfg, map[string]Store{"replica-0": replica})
	defer rs.Close()
	ctx := context.Background()

	base := time.Now()
	mk := func(name string, last time.Time) *Session {
		return &Session{
			ID:             "shared",
			UserID:         "u",
			Username:       name,
			CreatedAt:      base,
			ExpiresAt:      base.Add(time.Hour),
			LastAccessedAt: last,
		}
	}
	require.NoError(t, primary.Put(ctx, mk("old", base)))
	require.NoError(t, replica.Put(ctx, mk("new", base.Add(time.Minute))))

	stats, err := rs.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	s, err := replica.Get(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "new", s.Username, "later LastAccessedAt must win")
}

func TestReplicatedStoreSyncManualRecordsDivergence(t *testing.T) {
	primary := NewMemoryStore(0)
	replica := NewMemoryStore(0)
	cfg := fastReplicatorConfig()
	cfg.ConflictPolicy = ConflictManual
	rs := NewReplicatedStore(primary, cfg, map[string]Store{"replica-0": replica})
	defer rs.Close()
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, primary.Put(ctx, &Session{
		ID: "shared", UserID: "u", Username: "a",
		CreatedAt: base, ExpiresAt: base.Add(time.Hour), LastAccessedAt: base,
	}))
	require.NoError(t, replica.Put(ctx, &Session{
		ID: "shared", UserID: "u", Username: "b",
		CreatedAt: base, ExpiresAt: base.Add(time.Hour), LastAccessedAt: base.Add(time.Second),
	}))

	stats, err := rs.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Divergent)

	s, err := replica.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "b", s.Username, "manual policy must not repair")
}
