// Package storage is the single gateway through which EpochMQ talks to Redis.
//
// Every layer above it (queue, scheduler, lock, liveness) reaches Redis only
// through a *Store: the key layout lives in Keys, atomic transitions are built
// with Tx, and lifecycle events are fanned out to participants (inside the
// transaction) and listeners (after commit). Redis is the only source of
// truth; nothing here caches state between calls.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/types"
)

// Participant is invoked for every event emitted on a Tx before the
// transaction commits. It may append further steps to the same transaction,
// which then commit or fail together with the transition.
type Participant interface {
	Participate(ctx context.Context, tx *Tx, ev types.Event) error
}

// Listener receives events after the owning transaction committed.
type Listener interface {
	OnEvent(ev types.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev types.Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev types.Event) { f(ev) }

// Options configures Open.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int

	// Prefix namespaces every key. Defaults to "epochmq".
	Prefix string
	// GlobalSchedule keeps a single scheduled set for all queues instead of
	// one per queue.
	GlobalSchedule bool

	DialTimeout time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeys overrides the key layout.
func WithKeys(k Keys) Option {
	return func(s *Store) { s.keys = k }
}

// Store wraps the Redis client together with the key layout and the event
// fan-out registrations.
//
// All methods are safe for concurrent use.
type Store struct {
	client *redis.Client
	keys   Keys
	now    func() time.Time
	logger *slog.Logger

	mu           sync.RWMutex
	participants []Participant
	listeners    []Listener
}

// Open dials Redis, verifies connectivity with PING and returns a Store that
// owns the client. Close releases it.
func Open(ctx context.Context, o Options, opts ...Option) (*Store, error) {
	if o.Addr == "" {
		return nil, errors.New("storage: redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        o.Addr,
		Username:    o.Username,
		Password:    o.Password,
		DB:          o.DB,
		PoolSize:    o.PoolSize,
		DialTimeout: o.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewStorageError("ping", err)
	}
	prefix := o.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	all := append([]Option{WithKeys(Keys{Prefix: prefix, GlobalSchedule: o.GlobalSchedule})}, opts...)
	return New(client, all...), nil
}

// New wraps an existing client. Used by tests that point the client at an
// in-process Redis.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   Keys{Prefix: DefaultPrefix, GlobalSchedule: true},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client exposes the underlying Redis client for reads that need no
// transaction.
func (s *Store) Client() *redis.Client { return s.client }

// Keys returns the key layout.
func (s *Store) Keys() Keys { return s.keys }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// NowMs returns the store clock in UTC milliseconds.
func (s *Store) NowMs() int64 { return s.now().UnixMilli() }

// Logger returns the store logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// AddParticipant registers p for every subsequent transaction.
func (s *Store) AddParticipant(p Participant) {
	s.mu.Lock()
	s.participants = append(s.participants, p)
	s.mu.Unlock()
}

// AddListener registers l for every subsequent committed event.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return types.NewStorageError("ping", s.client.Ping(ctx).Err())
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return nil
}

func (s *Store) snapshot() ([]Participant, []Listener) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participants, s.listeners
}

func (s *Store) publish(events []types.Event) {
	if len(events) == 0 {
		return
	}
	_, listeners := s.snapshot()
	for _, ev := range events {
		for _, l := range listeners {
			l.OnEvent(ev)
		}
	}
}

// IsNil reports whether err is the Redis empty-reply sentinel.
func IsNil(err error) bool { return errors.Is(err, redis.Nil) }

// IsConflict reports whether a watched transaction aborted because a watched
// key changed.
func IsConflict(err error) bool { return errors.Is(err, redis.TxFailedErr) }
