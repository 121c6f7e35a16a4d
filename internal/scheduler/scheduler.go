// Package scheduler owns the scheduled set: delayed, cron and repeating
// messages wait there, keyed by fire timestamp, until a sweep moves them into
// pending.
//
// The sweep runs under a non-blocking lock, so however many broker processes
// run it, one sweep per scheduled set happens at a time and the others skip
// the tick. Each due message moves in its own transaction: removal from the
// scheduled set, pending insertion and, for periodic messages, re-insertion
// under the next fire timestamp commit together, so a message is never lost
// between the two structures nor present in both.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/ticker"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Config tunes the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// LockTTL bounds one sweep or one deletion.
	LockTTL time.Duration
	// BatchSize caps the due messages moved per scheduled set per sweep.
	BatchSize int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		LockTTL:   10 * time.Second,
		BatchSize: 100,
	}
}

// Engine inserts messages into the scheduled set and sweeps due ones into
// pending.
//
// All methods are safe for concurrent use.
type Engine struct {
	store  *storage.Store
	keys   storage.Keys
	queues *queue.Manager
	locks  *lock.Manager
	cfg    Config
	logger *slog.Logger

	tk *ticker.Ticker
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine and registers it as the queue manager's retry
// scheduler.
func New(store *storage.Store, queues *queue.Manager, locks *lock.Manager, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	e := &Engine{
		store:  store,
		keys:   store.Keys(),
		queues: queues,
		locks:  locks,
		cfg:    cfg,
		logger: store.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tk = ticker.New("scheduler", cfg.Interval, e.tick, ticker.WithLogger(e.logger))
	queues.SetRetryScheduler(e)
	return e
}

// ─── Insertion ───────────────────────────────────────────────────────────────

// Schedule computes the first fire timestamp of msg and inserts it. It
// reports false, and writes nothing, when msg has nothing to fire.
func (e *Engine) Schedule(ctx context.Context, msg *types.Message) (bool, error) {
	tx := e.store.Begin()
	ok, err := e.ScheduleTx(ctx, tx, msg)
	if err != nil || !ok {
		tx.Discard()
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ScheduleTx is Schedule staged on a caller-owned transaction.
func (e *Engine) ScheduleTx(ctx context.Context, tx *storage.Tx, msg *types.Message) (bool, error) {
	state, ts, err := Next(msg.Schedule, msg.State, e.store.Now())
	if err != nil {
		return false, err
	}
	if ts == 0 {
		return false, nil
	}
	msg.State = state
	if err := e.ScheduleAtTx(ctx, tx, msg, ts); err != nil {
		return false, err
	}
	return true, nil
}

// ScheduleAt inserts msg to fire at timestamp (UTC ms) in its own
// transaction.
func (e *Engine) ScheduleAt(ctx context.Context, msg *types.Message, timestamp int64) error {
	tx := e.store.Begin()
	if err := e.ScheduleAtTx(ctx, tx, msg, timestamp); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx)
}

// ScheduleAtTx stages the insertion of msg into the scheduled set and its id
// index on tx. Participants registered on the store may append their own
// steps through the emitted event.
func (e *Engine) ScheduleAtTx(ctx context.Context, tx *storage.Tx, msg *types.Message, timestamp int64) error {
	ref, err := msg.RequireQueue()
	if err != nil {
		return err
	}
	if msg.PublishedAt == 0 {
		msg.PublishedAt = e.store.NowMs()
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	pipe := tx.Pipe()
	pipe.ZAdd(ctx, e.keys.Scheduled(ref), &redis.Z{Score: float64(timestamp), Member: msg.ID})
	pipe.HSet(ctx, e.keys.ScheduledIndex(ref), msg.ID, raw)
	pipe.SAdd(ctx, e.keys.Queues(), ref.String())
	return tx.Emit(ctx, types.Event{
		Kind:      types.EventScheduled,
		Queue:     ref,
		MessageID: msg.ID,
		Attempts:  msg.Attempts,
	})
}

// ─── Sweep ───────────────────────────────────────────────────────────────────

// target is one scheduled set together with the lock that guards it.
type target struct {
	lock  string
	zset  string
	index string
}

func (e *Engine) targetFor(ref types.QueueRef) target {
	name := "scheduler"
	if !e.keys.GlobalSchedule {
		name += ":" + ref.String()
	}
	return target{lock: name, zset: e.keys.Scheduled(ref), index: e.keys.ScheduledIndex(ref)}
}

func (e *Engine) targets(ctx context.Context) ([]target, error) {
	if e.keys.GlobalSchedule {
		return []target{e.targetFor(types.QueueRef{})}, nil
	}
	refs, err := e.queues.Queues(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]target, 0, len(refs))
	for _, r := range refs {
		out = append(out, e.targetFor(r))
	}
	return out, nil
}

// EnqueueDue moves every message whose fire timestamp has passed into
// pending, up to the batch size per scheduled set. A set whose lock is held
// by another sweeper is skipped; when every set was skipped the returned
// error matches types.ErrLockContention.
func (e *Engine) EnqueueDue(ctx context.Context) (int, error) {
	targets, err := e.targets(ctx)
	if err != nil {
		return 0, err
	}
	moved, contended := 0, 0
	for _, t := range targets {
		err := e.locks.Do(ctx, t.lock, e.cfg.LockTTL, func(ctx context.Context) error {
			n, err := e.sweep(ctx, t)
			moved += n
			return err
		})
		switch {
		case errors.Is(err, types.ErrLockContention):
			contended++
		case err != nil:
			return moved, err
		}
	}
	if contended > 0 && contended == len(targets) {
		return moved, fmt.Errorf("scheduler: sweep skipped: %w", types.ErrLockContention)
	}
	return moved, nil
}

func (e *Engine) sweep(ctx context.Context, t target) (int, error) {
	now := e.store.NowMs()
	ids, err := e.store.Client().ZRangeByScore(ctx, t.zset, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: e.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, types.NewStorageError("range due", err)
	}
	moved := 0
	for _, id := range ids {
		ok, err := e.fire(ctx, t, id)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	if moved > 0 {
		e.logger.Debug("scheduler: enqueued due messages", "set", t.zset, "count", moved)
	}
	return moved, nil
}

// fire moves one due message. Must be called under the target lock.
func (e *Engine) fire(ctx context.Context, t target, id string) (bool, error) {
	c := e.store.Client()
	raw, err := c.HGet(ctx, t.index, id).Result()
	if storage.IsNil(err) {
		// Index entry already gone: drop the dangling sorted-set member.
		if err := c.ZRem(ctx, t.zset, id).Err(); err != nil {
			return false, types.NewStorageError("drop dangling", err)
		}
		return false, nil
	}
	if err != nil {
		return false, types.NewStorageError("read scheduled", err)
	}
	msg, err := types.Decode(raw)
	if err != nil {
		return false, fmt.Errorf("scheduled message %s: %w", id, err)
	}
	ref, err := msg.RequireQueue()
	if err != nil {
		return false, err
	}

	tx := e.store.Begin()
	tx.Pipe().ZRem(ctx, t.zset, id)

	pending := msg
	if IsPeriodic(msg) {
		nid, err := node.NewID()
		if err != nil {
			tx.Discard()
			return false, fmt.Errorf("scheduler: occurrence id: %w", err)
		}
		pending = msg.Occurrence(nid)

		again, err := e.ScheduleTx(ctx, tx, msg)
		if err != nil {
			tx.Discard()
			return false, err
		}
		if !again {
			tx.Pipe().HDel(ctx, t.index, id)
		}
	} else {
		tx.Pipe().HDel(ctx, t.index, id)
	}

	if err := queue.CheckTransition(types.LocationScheduled, types.LocationPending); err != nil {
		tx.Discard()
		return false, err
	}
	if err := e.queues.EnqueueTx(ctx, tx, pending); err != nil {
		tx.Discard()
		return false, err
	}
	if err := tx.Emit(ctx, types.Event{
		Kind:      types.EventScheduledEnqueue,
		Queue:     ref,
		MessageID: pending.ID,
	}); err != nil {
		tx.Discard()
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
