package store

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Guard wraps a store so every operation runs through the monitor's
// circuit breaker. While the breaker is open, calls fail fast with an
// unavailable error instead of waiting out backend timeouts, and the
// shared failure counts let client traffic trip the breaker between
// probe intervals.
func (m *Monitor) Guard(st Store) Store {
	return &guardedStore{inner: st, breaker: m.breaker}
}

type guardedStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

// run executes fn through the breaker, translating breaker rejections
// into the store error taxonomy.
func (g *guardedStore) run(fn func() error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.WrapError(types.KindUnavailable, "store_breaker_open", err)
	}
	return err
}

func (g *guardedStore) Create(ctx context.Context, data CreateData) (string, error) {
	var id string
	err := g.run(func() error {
		var err error
		id, err = g.inner.Create(ctx, data)
		return err
	})
	return id, err
}

func (g *guardedStore) Get(ctx context.Context, id string) (*Session, error) {
	var s *Session
	err := g.run(func() error {
		var err error
		s, err = g.inner.Get(ctx, id)
		return err
	})
	return s, err
}

func (g *guardedStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	var s *Session
	err := g.run(func() error {
		var err error
		s, err = g.inner.Update(ctx, id, patch)
		return err
	})
	return s, err
}

func (g *guardedStore) Delete(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := g.run(func() error {
		var err error
		ok, err = g.inner.Delete(ctx, id)
		return err
	})
	return ok, err
}

func (g *guardedStore) Touch(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := g.run(func() error {
		var err error
		ok, err = g.inner.Touch(ctx, id)
		return err
	})
	return ok, err
}

func (g *guardedStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	var out []*Session
	err := g.run(func() error {
		var err error
		out, err = g.inner.ListByUser(ctx, userID)
		return err
	})
	return out, err
}

func (g *guardedStore) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := g.run(func() error {
		var err error
		ok, err = g.inner.Exists(ctx, id)
		return err
	})
	return ok, err
}

func (g *guardedStore) Count(ctx context.Context) (int, error) {
	var n int
	err := g.run(func() error {
		var err error
		n, err = g.inner.Count(ctx)
		return err
	})
	return n, err
}

func (g *guardedStore) Clear(ctx context.Context) error {
	return g.run(func() error { return g.inner.Clear(ctx) })
}

// Type and Close bypass the breaker: identity and teardown must work
// while the breaker is open.
func (g *guardedStore) Type() string { return g.inner.Type() }

func (g *guardedStore) Close() error { return g.inner.Close() }

// Unwrap returns the store behind the guard.
func (g *guardedStore) Unwrap() Store { return g.inner }

// AsReplicated peels decorators off st until it reaches a replicated
// store, if there is one.
func AsReplicated(st Store) (*ReplicatedStore, bool) {
	for st != nil {
		switch s := st.(type) {
		case *ReplicatedStore:
			return s, true
		case interface{ Unwrap() Store }:
			st = s.Unwrap()
		default:
			return nil, false
		}
	}
	return nil, false
}
