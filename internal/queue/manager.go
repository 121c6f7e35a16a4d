package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ErrEmpty is returned by Dequeue when nothing became available within the
// wait window.
var ErrEmpty = fmt.Errorf("queue: empty: %w", types.ErrNotFound)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds the protocol tunables shared by every queue.
type Config struct {
	// AcknowledgedHistory caps the acknowledged history list.
	// 0 disables the history, a negative value keeps it unbounded.
	AcknowledgedHistory int64

	// DeadLetteredHistory caps the dead-lettered history list, same rules.
	DeadLetteredHistory int64

	// LockTTL bounds administrative critical sections.
	LockTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AcknowledgedHistory: 10_000,
		DeadLetteredHistory: 10_000,
		LockTTL:             10 * time.Second,
	}
}

// ─── RetryScheduler ──────────────────────────────────────────────────────────

// RetryScheduler places a message into the scheduled set inside a
// caller-owned transaction. The scheduler engine implements it; queue only
// depends on the interface to keep the import graph acyclic.
type RetryScheduler interface {
	ScheduleAtTx(ctx context.Context, tx *storage.Tx, msg *Message, timestamp int64) error
}

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager runs the transition protocol for every queue in the deployment.
// It keeps no per-queue in-process state: Redis is the source of truth, so any
// number of Managers in any number of processes can operate side by side.
//
// All methods are safe for concurrent use.
type Manager struct {
	store  *storage.Store
	keys   storage.Keys
	locks  *lock.Manager
	cfg    Config
	retry  RetryScheduler
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetryScheduler wires delayed retries. Without one, retries with a
// retry delay are re-enqueued immediately.
func WithRetryScheduler(r RetryScheduler) Option {
	return func(m *Manager) { m.retry = r }
}

// WithLogger sets the logger. Defaults to the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(store *storage.Store, locks *lock.Manager, cfg Config, opts ...Option) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	m := &Manager{
		store:  store,
		keys:   store.Keys(),
		locks:  locks,
		cfg:    cfg,
		logger: store.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRetryScheduler wires delayed retries after construction. The scheduler
// engine itself depends on the Manager, so the broker wires the two in this
// order.
func (m *Manager) SetRetryScheduler(r RetryScheduler) { m.retry = r }

// Store returns the underlying store.
func (m *Manager) Store() *storage.Store { return m.store }

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue inserts msg into pending in its own transaction.
func (m *Manager) Enqueue(ctx context.Context, msg *Message) error {
	tx := m.store.Begin()
	if err := m.EnqueueTx(ctx, tx, msg); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx)
}

// EnqueueTx stages the pending insertion of msg on tx.
//
// publishedAt is set the first time a message enters the broker; enqueuedAt
// is refreshed on every insertion. A priority message goes to the priority
// set (score = priority, member = id) plus the id index; any other message is
// pushed onto the head of the FIFO list and consumed from its tail.
func (m *Manager) EnqueueTx(ctx context.Context, tx *storage.Tx, msg *Message) error {
	ref, err := msg.RequireQueue()
	if err != nil {
		return err
	}
	now := m.store.NowMs()
	if msg.PublishedAt == 0 {
		msg.PublishedAt = now
	}
	msg.EnqueuedAt = now

	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	pipe := tx.Pipe()
	if msg.HasPriority() {
		pipe.ZAdd(ctx, m.keys.Priority(ref), &redis.Z{Score: float64(*msg.Priority), Member: msg.ID})
		pipe.HSet(ctx, m.keys.PriorityIndex(ref), msg.ID, raw)
	} else {
		pipe.LPush(ctx, m.keys.Pending(ref), raw)
	}
	pipe.SAdd(ctx, m.keys.Queues(), ref.String())

	return tx.Emit(ctx, types.Event{
		Kind:      types.EventEnqueued,
		Queue:     ref,
		MessageID: msg.ID,
		Attempts:  msg.Attempts,
	})
}

// ─── Queues ──────────────────────────────────────────────────────────────────

// Queues lists every queue that ever received a message, sorted.
func (m *Manager) Queues(ctx context.Context) ([]Ref, error) {
	members, err := m.store.Client().SMembers(ctx, m.keys.Queues()).Result()
	if err != nil {
		return nil, types.NewStorageError("queues", err)
	}
	refs := make([]Ref, 0, len(members))
	for _, s := range members {
		ref, err := types.ParseQueueRef(s)
		if err != nil {
			m.logger.Warn("queue: skipping malformed queue entry", "entry", s)
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}

// Exists reports whether ref is a known queue.
func (m *Manager) Exists(ctx context.Context, ref Ref) (bool, error) {
	ok, err := m.store.Client().SIsMember(ctx, m.keys.Queues(), ref.String()).Result()
	if err != nil {
		return false, types.NewStorageError("queue exists", err)
	}
	return ok, nil
}

// Metrics returns the size of every structure of ref.
func (m *Manager) Metrics(ctx context.Context, ref Ref) (Metrics, error) {
	c := m.store.Client()
	workers, err := m.workersOf(ctx, ref)
	if err != nil {
		return Metrics{}, err
	}

	pipe := c.Pipeline()
	pending := pipe.LLen(ctx, m.keys.Pending(ref))
	prio := pipe.ZCard(ctx, m.keys.Priority(ref))
	acked := pipe.LLen(ctx, m.keys.Acknowledged(ref))
	dead := pipe.LLen(ctx, m.keys.DeadLettered(ref))
	inflight := make([]*redis.IntCmd, 0, len(workers))
	for _, w := range workers {
		inflight = append(inflight, pipe.LLen(ctx, m.keys.Processing(ref, w)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !storage.IsNil(err) {
		return Metrics{}, types.NewStorageError("queue metrics", err)
	}

	out := Metrics{
		Pending:         pending.Val(),
		PriorityPending: prio.Val(),
		Acknowledged:    acked.Val(),
		DeadLettered:    dead.Val(),
	}
	for _, cmd := range inflight {
		out.InFlight += cmd.Val()
	}
	return out, nil
}

// workersOf returns the worker ids holding an in-flight marker on ref.
func (m *Manager) workersOf(ctx context.Context, ref Ref) ([]string, error) {
	members, err := m.store.Client().SMembers(ctx, m.keys.InFlight()).Result()
	if err != nil {
		return nil, types.NewStorageError("in-flight markers", err)
	}
	var out []string
	for _, s := range members {
		r, w, err := storage.ParseMarker(s)
		if err != nil || r != ref {
			continue
		}
		out = append(out, w)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteQueue removes every structure of ref, including in-flight lists and
// markers, and forgets the queue. Scheduled messages targeting ref are left
// alone and recreate the queue when they fire.
func (m *Manager) DeleteQueue(ctx context.Context, ref Ref) error {
	return m.locks.Do(ctx, lockName(ref), m.cfg.LockTTL, func(ctx context.Context) error {
		workers, err := m.workersOf(ctx, ref)
		if err != nil {
			return err
		}
		tx := m.store.Begin()
		pipe := tx.Pipe()
		pipe.Del(ctx,
			m.keys.Pending(ref),
			m.keys.Priority(ref),
			m.keys.PriorityIndex(ref),
			m.keys.Acknowledged(ref),
			m.keys.DeadLettered(ref),
			m.keys.Counters(ref),
		)
		for _, w := range workers {
			pipe.Del(ctx, m.keys.Processing(ref, w))
			pipe.SRem(ctx, m.keys.InFlight(), storage.Marker(ref, w))
		}
		pipe.SRem(ctx, m.keys.Queues(), ref.String())
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		m.logger.Info("queue deleted", "queue", ref.String())
		return nil
	})
}

// lockName is the per-queue lock guarding positional mutations.
func lockName(ref Ref) string { return "queue:" + ref.String() }

func isNotFound(err error) bool { return errors.Is(err, types.ErrNotFound) }
