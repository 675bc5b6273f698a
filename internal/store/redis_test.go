package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisTestStore connects to the instance named by REDIS_TEST_URL or
// skips. Each test run uses its own prefix so parallel runs cannot collide.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("Skipping: REDIS_TEST_URL not set")
	}
	prefix := "test-" + time.Now().Format("150405.000000")
	rs, err := NewRedisStore(url, prefix, time.Hour, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rs.Clear(context.Background())
		_ = rs.Close()
	})
	return rs
}

func TestRedisStoreRoundTrip(t *testing.T) {
	rs := newRedisTestStore(t)
	ctx := context.Background()

	id, err := rs.Create(ctx, validCreate())
	require.NoError(t, err)

	s, err := rs.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "alice", s.Username)

	name := "bob"
	updated, err := rs.Update(ctx, id, Patch{Username: &name})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.Username)

	ok, err := rs.Touch(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := rs.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	ok, err = rs.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	s, err = rs.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestRedisStoreExpiryReadsAsAbsent(t *testing.T) {
	rs := newRedisTestStore(t)
	ctx := context.Background()

	data := validCreate()
	data.ExpiresAt = time.Now().Add(time.Second)
	id, err := rs.Create(ctx, data)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, err := rs.Get(ctx, id)
		return err == nil && s == nil
	}, 3*time.Second, 100*time.Millisecond)

	// The user index entry is pruned lazily on list.
	list, err := rs.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStorePutAndList(t *testing.T) {
	rs := newRedisTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, rs.Put(ctx, &Session{
		ID: "fixed", UserID: "u", Username: "carol",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastAccessedAt: now,
	}))

	s, err := rs.Get(ctx, "fixed")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "carol", s.Username)

	all, err := rs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	n, err := rs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
