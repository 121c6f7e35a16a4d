package scheduler

import (
	"context"
	"fmt"

	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run sweeps every Interval until ctx is cancelled or Stop is called. It
// returns the first fatal sweep error. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	return e.tk.Run(ctx)
}

// Stop requests the sweep loop to end after the current sweep.
func (e *Engine) Stop() { e.tk.Stop() }

func (e *Engine) tick(ctx context.Context) error {
	_, err := e.EnqueueDue(ctx)
	return err
}

// ─── Lookup ──────────────────────────────────────────────────────────────────

// find locates the scheduled set holding id.
func (e *Engine) find(ctx context.Context, id string) (target, bool, error) {
	targets, err := e.targets(ctx)
	if err != nil {
		return target{}, false, err
	}
	for _, t := range targets {
		ok, err := e.store.Client().HExists(ctx, t.index, id).Result()
		if err != nil {
			return target{}, false, types.NewStorageError("find scheduled", err)
		}
		if ok {
			return t, true, nil
		}
	}
	return target{}, false, nil
}

// Get returns the scheduled message id.
func (e *Engine) Get(ctx context.Context, id string) (*types.Message, error) {
	t, ok, err := e.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("scheduled message %s: %w", id, types.ErrNotFound)
	}
	raw, err := e.store.Client().HGet(ctx, t.index, id).Result()
	if storage.IsNil(err) {
		return nil, fmt.Errorf("scheduled message %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get scheduled", err)
	}
	return types.Decode(raw)
}

// Delete removes a scheduled message (a one-shot or a periodic template)
// from both the sorted set and the index, under the same lock as the sweep.
// A missing id returns types.ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id string) error {
	t, ok, err := e.find(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scheduled message %s: %w", id, types.ErrNotFound)
	}
	return e.locks.Do(ctx, t.lock, e.cfg.LockTTL, func(ctx context.Context) error {
		raw, err := e.store.Client().HGet(ctx, t.index, id).Result()
		if storage.IsNil(err) {
			return fmt.Errorf("scheduled message %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return types.NewStorageError("get scheduled", err)
		}
		var ref types.QueueRef
		if msg, err := types.Decode(raw); err == nil && msg.Queue != nil {
			ref = *msg.Queue
		}

		tx := e.store.Begin()
		tx.Pipe().ZRem(ctx, t.zset, id)
		tx.Pipe().HDel(ctx, t.index, id)
		if err := tx.Emit(ctx, types.Event{Kind: types.EventScheduledDelete, Queue: ref, MessageID: id}); err != nil {
			tx.Discard()
			return err
		}
		return tx.Commit(ctx)
	})
}

// ─── Listing ─────────────────────────────────────────────────────────────────

// List pages through the scheduled set in fire order. ref selects the set in
// per-queue mode and is ignored with a global set.
func (e *Engine) List(ctx context.Context, ref types.QueueRef, skip, take int64) (queue.Page, error) {
	if !e.keys.GlobalSchedule && !ref.Valid() {
		return queue.Page{}, fmt.Errorf("%w: a queue is required to list per-queue schedules", types.ErrInvariantViolation)
	}
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 100
	}
	t := e.targetFor(ref)
	c := e.store.Client()

	pipe := c.Pipeline()
	total := pipe.ZCard(ctx, t.zset)
	idsCmd := pipe.ZRange(ctx, t.zset, skip, skip+take-1)
	if _, err := pipe.Exec(ctx); err != nil && !storage.IsNil(err) {
		return queue.Page{}, types.NewStorageError("list scheduled", err)
	}
	page := queue.Page{Total: total.Val(), Items: []queue.Item{}}
	ids := idsCmd.Val()
	if len(ids) == 0 {
		return page, nil
	}
	vals, err := c.HMGet(ctx, t.index, ids...).Result()
	if err != nil {
		return queue.Page{}, types.NewStorageError("list scheduled index", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		msg, err := types.Decode(s)
		if err != nil {
			continue
		}
		page.Items = append(page.Items, queue.Item{SequenceID: skip + int64(i), Message: msg})
	}
	return page, nil
}

// Count returns the number of scheduled messages in ref's set.
func (e *Engine) Count(ctx context.Context, ref types.QueueRef) (int64, error) {
	n, err := e.store.Client().ZCard(ctx, e.targetFor(ref).zset).Result()
	if err != nil {
		return 0, types.NewStorageError("count scheduled", err)
	}
	return n, nil
}

// Purge empties ref's scheduled set.
func (e *Engine) Purge(ctx context.Context, ref types.QueueRef) error {
	t := e.targetFor(ref)
	return e.locks.Do(ctx, t.lock, e.cfg.LockTTL, func(ctx context.Context) error {
		tx := e.store.Begin()
		tx.Pipe().Del(ctx, t.zset, t.index)
		return tx.Commit(ctx)
	})
}
