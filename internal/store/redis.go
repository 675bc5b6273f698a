package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// userIndexSlack is added to the user-set TTL so the index always outlives
// the longest individual session it references.
const userIndexSlack = 5 * time.Minute

// RedisStore is the external KV session backend.
//
// Key layout:
//
//	{prefix}:session:{id}        -> serialized record, TTL = remaining lifetime
//	{prefix}:user_sessions:{uid} -> set of session ids, TTL = max TTL + slack
//
// Record and index are always written in one pipeline so they cannot drift.
// The KV TTL is the authoritative expiry guard; Get additionally checks the
// deserialized record so a clock-skewed replica never resurrects a session.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxTTL     time.Duration
	retryDelay time.Duration
}

// NewRedisStore connects a redis-backed store. The caller owns the URL;
// maxTTL bounds the user-index TTL.
func NewRedisStore(url, prefix string, maxTTL, retryDelay time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, types.Errorf(types.KindInvalid, "redis_url_invalid", "invalid redis url: %v", err)
	}
	return &RedisStore{
		client:     redis.NewClient(opts),
		prefix:     prefix,
		maxTTL:     maxTTL,
		retryDelay: retryDelay,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests and by the
// replicator, which shares one client per replica.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, maxTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, maxTTL: maxTTL, retryDelay: 50 * time.Millisecond}
}

// Type returns the backend type name.
func (r *RedisStore) Type() string { return "redis" }

// Ping probes connectivity. The factory and monitor use this.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return types.WrapError(types.KindBackend, "redis_ping_failed", err)
	}
	return nil
}

func (r *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user_sessions:%s", r.prefix, userID)
}

// retriable reports whether an error is a transient transport failure that
// deserves the single immediate retry allowed by the failure policy.
func retriable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// withRetry runs fn, retrying exactly once after retryDelay on transient
// errors. Validation errors and cancellations are never retried.
func (r *RedisStore) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !retriable(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return types.WrapError(types.KindTimeout, "store_ctx_canceled", ctx.Err())
	case <-time.After(r.retryDelay):
	}
	return fn()
}

// Create stores a new session record and indexes it under its user.
func (r *RedisStore) Create(ctx context.Context, data CreateData) (string, error) {
	now := time.Now()
	if err := data.Validate(now); err != nil {
		return "", err
	}

	s := &Session{
		ID:             uuid.NewString(),
		UserID:         data.UserID,
		Username:       data.Username,
		Roles:          append([]string(nil), data.Roles...),
		CreatedAt:      now,
		ExpiresAt:      data.ExpiresAt,
		LastAccessedAt: now,
		Metadata:       data.Metadata,
	}
	if err := r.put(ctx, s, true); err != nil {
		return "", err
	}

	log.Debug().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Msg("Session created in redis store")
	return s.ID, nil
}

// put writes the record (and optionally the user index) in one pipeline.
func (r *RedisStore) put(ctx context.Context, s *Session, index bool) error {
	payload, err := s.Marshal()
	if err != nil {
		return types.WrapError(types.KindInternal, "session_marshal_failed", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return types.WrapError(types.KindInvalid, "session_expiry_past", types.ErrSessionInvalid)
	}

	return r.withRetry(ctx, func() error {
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, r.sessionKey(s.ID), payload, ttl)
		if index {
			pipe.SAdd(ctx, r.userKey(s.UserID), s.ID)
			pipe.Expire(ctx, r.userKey(s.UserID), r.maxTTL+userIndexSlack)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return types.WrapError(types.KindBackend, "redis_write_failed", err)
		}
		return nil
	})
}

// Get returns the session or nil when absent. Records the KV already let
// expire simply read back as redis.Nil; a record surviving past ExpiresAt
// through clock skew is deleted here.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	var raw string
	err := r.withRetry(ctx, func() error {
		v, err := r.client.Get(ctx, r.sessionKey(id)).Result()
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindBackend, "redis_read_failed", err)
	}

	s, err := UnmarshalSession([]byte(raw))
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "session_unmarshal_failed", err)
	}
	if s.Expired(time.Now()) {
		if _, delErr := r.Delete(ctx, id); delErr != nil {
			log.Warn().Err(delErr).Str("session_id", id).Msg("Failed to delete expired session")
		}
		return nil, nil
	}
	return s, nil
}

// Update applies a partial update under the remaining TTL.
func (r *RedisStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, types.WrapError(types.KindNotFound, "session_not_found", types.ErrSessionNotFound)
	}

	updated := applyPatch(s, patch, time.Now())
	if err := r.put(ctx, updated, false); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the record and its index entry atomically.
func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	// Read first so we know which user index to clean.
	var raw string
	err := r.withRetry(ctx, func() error {
		v, err := r.client.Get(ctx, r.sessionKey(id)).Result()
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, types.WrapError(types.KindBackend, "redis_read_failed", err)
	}

	userID := ""
	if s, err := UnmarshalSession([]byte(raw)); err == nil {
		userID = s.UserID
	}

	var deleted int64
	err = r.withRetry(ctx, func() error {
		pipe := r.client.TxPipeline()
		del := pipe.Del(ctx, r.sessionKey(id))
		if userID != "" {
			pipe.SRem(ctx, r.userKey(userID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return types.WrapError(types.KindBackend, "redis_write_failed", err)
		}
		deleted = del.Val()
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// Touch renews LastAccessedAt under the remaining TTL; expiry is untouched.
func (r *RedisStore) Touch(ctx context.Context, id string) (bool, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}

	now := time.Now()
	s.LastAccessedAt = now
	if s.LastAccessedAt.After(s.ExpiresAt) {
		s.LastAccessedAt = s.ExpiresAt
	}
	if err := r.put(ctx, s, false); err != nil {
		return false, err
	}
	return true, nil
}

// ListByUser resolves the user set and prunes ids whose records expired.
func (r *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	var ids []string
	err := r.withRetry(ctx, func() error {
		v, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
		if err != nil {
			return err
		}
		ids = v
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, types.WrapError(types.KindBackend, "redis_read_failed", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]*Session, 0, len(ids))
	var stale []string
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			stale = append(stale, id)
			continue
		}
		out = append(out, s)
	}

	// Unlink ids whose records expired out from under the set.
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		if err := r.client.SRem(ctx, r.userKey(userID), members...).Err(); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to prune stale user index entries")
		}
	}
	return out, nil
}

// Put inserts or replaces a full record, preserving its id. The replicator
// and migrator use this to copy records across stores.
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	return r.put(ctx, s.Clone(), true)
}

// List snapshots every live session. O(keys); replication and migration only.
func (r *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	iter := r.client.Scan(ctx, 0, r.sessionKey("*"), 500).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, types.WrapError(types.KindBackend, "redis_read_failed", err)
		}
		s, err := UnmarshalSession([]byte(raw))
		if err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("Skipping undecodable session record")
			continue
		}
		if s.Expired(now) {
			continue
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, types.WrapError(types.KindBackend, "redis_scan_failed", err)
	}
	return out, nil
}

// Exists reports whether a live record exists for the id.
func (r *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := r.withRetry(ctx, func() error {
		v, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return false, types.WrapError(types.KindBackend, "redis_read_failed", err)
	}
	return n > 0, nil
}

// Count scans for session keys. O(keys); admin and monitor surface only.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	var count int
	iter := r.client.Scan(ctx, 0, r.sessionKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, types.WrapError(types.KindBackend, "redis_scan_failed", err)
	}
	return count, nil
}

// Clear removes every key under the prefix. Admin surface only.
func (r *RedisStore) Clear(ctx context.Context) error {
	for _, pattern := range []string{r.sessionKey("*"), r.userKey("*")} {
		iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return types.WrapError(types.KindBackend, "redis_scan_failed", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return types.WrapError(types.KindBackend, "redis_write_failed", err)
			}
		}
	}
	log.Info().Msg("Redis store cleared")
	return nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
