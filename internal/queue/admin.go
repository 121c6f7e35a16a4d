package queue

import (
	"context"
	"fmt"

	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ─── Listing ─────────────────────────────────────────────────────────────────

// ListPending pages through the FIFO pending list, newest first.
func (m *Manager) ListPending(ctx context.Context, ref Ref, skip, take int64) (Page, error) {
	return m.listList(ctx, m.keys.Pending(ref), skip, take)
}

// ListAcknowledged pages through the acknowledged history, newest first.
func (m *Manager) ListAcknowledged(ctx context.Context, ref Ref, skip, take int64) (Page, error) {
	return m.listList(ctx, m.keys.Acknowledged(ref), skip, take)
}

// ListDeadLettered pages through the dead-lettered history, newest first.
func (m *Manager) ListDeadLettered(ctx context.Context, ref Ref, skip, take int64) (Page, error) {
	return m.listList(ctx, m.keys.DeadLettered(ref), skip, take)
}

// ListPriority pages through the priority set in delivery order.
func (m *Manager) ListPriority(ctx context.Context, ref Ref, skip, take int64) (Page, error) {
	skip, take = normalizePage(skip, take)
	c := m.store.Client()
	pipe := c.Pipeline()
	total := pipe.ZCard(ctx, m.keys.Priority(ref))
	idsCmd := pipe.ZRange(ctx, m.keys.Priority(ref), skip, skip+take-1)
	if _, err := pipe.Exec(ctx); err != nil && !storage.IsNil(err) {
		return Page{}, types.NewStorageError("list priority", err)
	}
	ids := idsCmd.Val()
	page := Page{Total: total.Val(), Items: []Item{}}
	if len(ids) == 0 {
		return page, nil
	}
	vals, err := c.HMGet(ctx, m.keys.PriorityIndex(ref), ids...).Result()
	if err != nil {
		return Page{}, types.NewStorageError("list priority index", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		msg, err := types.Decode(s)
		if err != nil {
			m.logger.Warn("queue: undecodable priority entry", "queue", ref.String(), "id", ids[i])
			continue
		}
		page.Items = append(page.Items, Item{SequenceID: skip + int64(i), Message: msg})
	}
	return page, nil
}

func (m *Manager) listList(ctx context.Context, key string, skip, take int64) (Page, error) {
	skip, take = normalizePage(skip, take)
	pipe := m.store.Client().Pipeline()
	total := pipe.LLen(ctx, key)
	rng := pipe.LRange(ctx, key, skip, skip+take-1)
	if _, err := pipe.Exec(ctx); err != nil && !storage.IsNil(err) {
		return Page{}, types.NewStorageError("list", err)
	}
	page := Page{Total: total.Val(), Items: make([]Item, 0, len(rng.Val()))}
	for i, raw := range rng.Val() {
		msg, err := types.Decode(raw)
		if err != nil {
			m.logger.Warn("queue: undecodable list entry", "key", key, "pos", skip+int64(i))
			continue
		}
		page.Items = append(page.Items, Item{SequenceID: skip + int64(i), Message: msg})
	}
	return page, nil
}

func normalizePage(skip, take int64) (int64, int64) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 100
	}
	return skip, take
}

// ─── Positional deletion ─────────────────────────────────────────────────────

// DeletePendingAt removes the pending message at position seq if it still
// carries id. When the element at seq is another message, or seq is past the
// end of the list, types.ErrNotFound is returned and nothing is removed.
func (m *Manager) DeletePendingAt(ctx context.Context, ref Ref, seq int64, id string) error {
	return m.deleteAt(ctx, ref, m.keys.Pending(ref), seq, id)
}

// DeleteAcknowledgedAt removes one acknowledged history entry. The entry at
// seq must carry id, otherwise types.ErrNotFound is returned.
func (m *Manager) DeleteAcknowledgedAt(ctx context.Context, ref Ref, seq int64, id string) error {
	return m.deleteAt(ctx, ref, m.keys.Acknowledged(ref), seq, id)
}

// DeleteDeadLetteredAt removes one dead-lettered history entry, same rules as
// DeleteAcknowledgedAt.
func (m *Manager) DeleteDeadLetteredAt(ctx context.Context, ref Ref, seq int64, id string) error {
	return m.deleteAt(ctx, ref, m.keys.DeadLettered(ref), seq, id)
}

// DeletePriority removes a priority pending message by id. Missing ids are
// a no-op.
func (m *Manager) DeletePriority(ctx context.Context, ref Ref, id string) error {
	return m.locks.Do(ctx, lockName(ref), m.cfg.LockTTL, func(ctx context.Context) error {
		tx := m.store.Begin()
		pipe := tx.Pipe()
		pipe.ZRem(ctx, m.keys.Priority(ref), id)
		pipe.HDel(ctx, m.keys.PriorityIndex(ref), id)
		if err := tx.Emit(ctx, types.Event{Kind: types.EventDeleted, Queue: ref, MessageID: id}); err != nil {
			tx.Discard()
			return err
		}
		return tx.Commit(ctx)
	})
}

func (m *Manager) deleteAt(ctx context.Context, ref Ref, key string, seq int64, id string) error {
	return m.locks.Do(ctx, lockName(ref), m.cfg.LockTTL, func(ctx context.Context) error {
		raw, _, err := m.locate(ctx, key, seq, id)
		if err != nil {
			return err
		}
		tx := m.store.Begin()
		tx.Pipe().LRem(ctx, key, 1, raw)
		if err := tx.Emit(ctx, types.Event{Kind: types.EventDeleted, Queue: ref, MessageID: id}); err != nil {
			tx.Discard()
			return err
		}
		return tx.Commit(ctx)
	})
}

// locate returns the element at seq of the list at key if it carries id.
// A negative seq scans the list for id. Must be called under the queue lock.
func (m *Manager) locate(ctx context.Context, key string, seq int64, id string) (string, *Message, error) {
	c := m.store.Client()
	if seq >= 0 {
		raw, err := c.LIndex(ctx, key, seq).Result()
		if storage.IsNil(err) {
			return "", nil, fmt.Errorf("message %s at %d: %w", id, seq, types.ErrNotFound)
		}
		if err != nil {
			return "", nil, types.NewStorageError("lindex", err)
		}
		msg, err := types.Decode(raw)
		if err != nil {
			return "", nil, err
		}
		if msg.ID != id {
			return "", nil, fmt.Errorf("message %s at %d: %w", id, seq, types.ErrNotFound)
		}
		return raw, msg, nil
	}

	all, err := c.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return "", nil, types.NewStorageError("lrange", err)
	}
	for _, raw := range all {
		msg, err := types.Decode(raw)
		if err == nil && msg.ID == id {
			return raw, msg, nil
		}
	}
	return "", nil, fmt.Errorf("message %s: %w", id, types.ErrNotFound)
}

// ─── Requeue ─────────────────────────────────────────────────────────────────

// RequeueFromDeadLetter moves a dead-lettered message back to pending as a
// fresh message: new id, zero attempts, priority set to priority (nil for
// the FIFO list). seq < 0 looks the message up by id. A message that is no
// longer there is a no-op.
func (m *Manager) RequeueFromDeadLetter(ctx context.Context, ref Ref, seq int64, id string, priority *int) (string, error) {
	return m.requeue(ctx, ref, types.LocationDeadLettered, seq, id, priority)
}

// RequeueFromAcknowledged does the same for the acknowledged history.
func (m *Manager) RequeueFromAcknowledged(ctx context.Context, ref Ref, seq int64, id string, priority *int) (string, error) {
	return m.requeue(ctx, ref, types.LocationAcknowledged, seq, id, priority)
}

func (m *Manager) requeue(ctx context.Context, ref Ref, from Location, seq int64, id string, priority *int) (string, error) {
	if err := CheckTransition(from, types.LocationPending); err != nil {
		return "", err
	}
	key := m.keys.Acknowledged(ref)
	if from == types.LocationDeadLettered {
		key = m.keys.DeadLettered(ref)
	}
	var newID string
	err := m.locks.Do(ctx, lockName(ref), m.cfg.LockTTL, func(ctx context.Context) error {
		raw, msg, err := m.locate(ctx, key, seq, id)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		nid, err := node.NewID()
		if err != nil {
			return fmt.Errorf("queue: requeue id: %w", err)
		}
		fresh := msg.Occurrence(nid)
		fresh.Queue = &types.QueueRef{Namespace: ref.Namespace, Name: ref.Name}
		fresh.Priority = priority

		tx := m.store.Begin()
		tx.Pipe().LRem(ctx, key, 1, raw)
		if err := m.EnqueueTx(ctx, tx, fresh); err != nil {
			tx.Discard()
			return err
		}
		if err := tx.Emit(ctx, types.Event{Kind: types.EventRequeued, Queue: ref, MessageID: fresh.ID}); err != nil {
			tx.Discard()
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		newID = fresh.ID
		return nil
	})
	return newID, err
}

// ─── Purge ───────────────────────────────────────────────────────────────────

// PurgePending empties the FIFO pending list.
func (m *Manager) PurgePending(ctx context.Context, ref Ref) error {
	return m.purge(ctx, ref, m.keys.Pending(ref))
}

// PurgePriority empties the priority set and its index.
func (m *Manager) PurgePriority(ctx context.Context, ref Ref) error {
	return m.purge(ctx, ref, m.keys.Priority(ref), m.keys.PriorityIndex(ref))
}

// PurgeAcknowledged empties the acknowledged history.
func (m *Manager) PurgeAcknowledged(ctx context.Context, ref Ref) error {
	return m.purge(ctx, ref, m.keys.Acknowledged(ref))
}

// PurgeDeadLettered empties the dead-lettered history.
func (m *Manager) PurgeDeadLettered(ctx context.Context, ref Ref) error {
	return m.purge(ctx, ref, m.keys.DeadLettered(ref))
}

func (m *Manager) purge(ctx context.Context, ref Ref, keys ...string) error {
	return m.locks.Do(ctx, lockName(ref), m.cfg.LockTTL, func(ctx context.Context) error {
		tx := m.store.Begin()
		tx.Pipe().Del(ctx, keys...)
		return tx.Commit(ctx)
	})
}
