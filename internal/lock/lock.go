// Package lock implements a TTL-bounded distributed mutex on top of Redis.
//
// A lock is a single key set with SET NX PX to a random token. Release only
// deletes the key while it still carries the caller's token, so a holder
// whose TTL lapsed can never free a lock that someone else acquired since.
// Locks are not renewed: a holder that outlives its TTL has lost exclusivity.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ErrNotHeld is returned by Release when the key is missing or carries a
// different token. It matches types.ErrNotFound.
var ErrNotHeld = fmt.Errorf("lock: not held: %w", types.ErrNotFound)

// DefaultRetryInterval is the polling interval of blocking acquisition.
const DefaultRetryInterval = 50 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held lock.
type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Manager acquires and releases named locks.
type Manager struct {
	store         *storage.Store
	retryInterval time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetryInterval sets the polling interval of blocking acquisition.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// New returns a Manager bound to store.
func New(store *storage.Store, opts ...Option) *Manager {
	m := &Manager{store: store, retryInterval: DefaultRetryInterval}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock called name for ttl.
//
// Non-blocking acquisition fails immediately with types.ErrLockContention
// when the lock is held. Blocking acquisition polls until it succeeds or ctx
// is done.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration, blocking bool) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", types.ErrInvariantViolation)
	}
	token, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("lock: token: %w", err)
	}
	key := m.store.Keys().Lock(name)
	for {
		ok, err := m.store.Client().SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewStorageError("lock acquire", err)
		}
		if ok {
			return &Lock{Key: key, Token: token, TTL: ttl}, nil
		}
		if !blocking {
			return nil, fmt.Errorf("lock %s: %w", name, types.ErrLockContention)
		}
		t := time.NewTimer(m.retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release deletes the lock if it is still held with l's token.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, m.store.Client(), []string{l.Key}, l.Token).Int64()
	if err != nil {
		return types.NewStorageError("lock release", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Do runs fn while holding the lock called name, acquired without blocking.
// The lock is always released; a lapsed lock at release time is not an
// error for the caller since fn already ran.
func (m *Manager) Do(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, name, ttl, false)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(context.WithoutCancel(ctx), l); rerr != nil && !errors.Is(rerr, ErrNotHeld) {
			m.store.Logger().Warn("lock: release failed", "lock", name, "err", rerr)
		}
	}()
	return fn(ctx)
}
