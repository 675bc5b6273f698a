package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	m := NewMemoryStore(0)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func validCreate() CreateData {
	return CreateData{
		UserID:    "user-1",
		Username:  "alice",
		Roles:     []string{"user"},
		ExpiresAt: time.Now().Add(time.Hour),
		Metadata:  map[string]interface{}{"client": "test"},
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	id, err := m.Create(ctx, validCreate())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "alice", s.Username)
	assert.False(t, s.LastAccessedAt.Before(s.CreatedAt))
	assert.False(t, s.ExpiresAt.Before(s.LastAccessedAt))
}

func TestMemoryStoreCreateValidation(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateData{ExpiresAt: time.Now().Add(time.Hour)})
	require.Error(t, err)
	assert.Equal(t, types.KindInvalid, types.KindOf(err))

	_, err = m.Create(ctx, CreateData{UserID: "u", ExpiresAt: time.Now().Add(-time.Minute)})
	require.Error(t, err)
	assert.Equal(t, types.KindInvalid, types.KindOf(err))
}

func TestMemoryStoreGetAbsentReturnsNil(t *testing.T) {
	m := newTestStore(t)

	s, err := m.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestMemoryStoreExpiryLazyOnRead(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	data := validCreate()
	data.ExpiresAt = time.Now().Add(20 * time.Millisecond)
	id, err := m.Create(ctx, data)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s, "expired session must read back as absent")

	// The record was reaped, not just hidden.
	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	list, err := m.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStoreGetReturnsClone(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	id, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	first, err := m.Get(ctx, id)
	require.NoError(t, err)
	first.Username = "mallory"
	first.Metadata["client"] = "tampered"

	second, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", second.Username)
	assert.Equal(t, "test", second.Metadata["client"])
}

func TestMemoryStoreCreateCopiesInputs(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	data := validCreate()
	id, err := m.Create(ctx, data)
	require.NoError(t, err)

	// Mutating the caller's maps and slices after Create must not reach
	// the stored record.
	data.Metadata["client"] = "tampered"
	data.Roles[0] = "admin"

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "test", s.Metadata["client"])
	assert.Equal(t, []string{"user"}, s.Roles)
}

func TestMemoryStoreUpdate(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	id, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	name := "bob"
	updated, err := m.Update(ctx, id, Patch{Username: &name, Roles: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.Username)
	assert.Equal(t, []string{"admin"}, updated.Roles)

	_, err = m.Update(ctx, "nope", Patch{Username: &name})
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestMemoryStoreTouchDoesNotExtendExpiry(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	data := validCreate()
	data.ExpiresAt = time.Now().Add(time.Hour)
	id, err := m.Create(ctx, data)
	require.NoError(t, err)

	before, err := m.Get(ctx, id)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	ok, err := m.Touch(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, after.LastAccessedAt.After(before.LastAccessedAt))
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt)
}

func TestMemoryStoreTouchAbsent(t *testing.T) {
	m := newTestStore(t)

	ok, err := m.Touch(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	id, err := m.Create(ctx, validCreate())
	require.NoError(t, err)

	ok, err := m.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second delete must report absence")

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestMemoryStoreListByUser(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, validCreate())
		require.NoError(t, err)
	}
	other := validCreate()
	other.UserID = "user-2"
	_, err := m.Create(ctx, other)
	require.NoError(t, err)

	list, err := m.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = m.ListByUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = m.ListByUser(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStorePutPreservesID(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	s := &Session{
		ID:             "fixed-id",
		UserID:         "user-9",
		Username:       "carol",
		CreatedAt:      time.Now().Add(-time.Minute),
		ExpiresAt:      time.Now().Add(time.Hour),
		LastAccessedAt: time.Now(),
	}
	require.NoError(t, m.Put(ctx, s))

	got, err := m.Get(ctx, "fixed-id")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "carol", got.Username)

	list, err := m.ListByUser(ctx, "user-9")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStoreJanitorReapsExpired(t *testing.T) {
	m := NewMemoryStore(20 * time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	data := validCreate()
	data.ExpiresAt = time.Now().Add(10 * time.Millisecond)
	_, err := m.Create(ctx, data)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := m.Count(ctx)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStoreClosedRefusesWrites(t *testing.T) {
	m := NewMemoryStore(0)
	require.NoError(t, m.Close())

	_, err := m.Create(context.Background(), validCreate())
	require.Error(t, err)
	assert.Equal(t, types.KindBackend, types.KindOf(err))
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	m := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Get(ctx, "any")
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}
