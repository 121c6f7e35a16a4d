package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// popPriorityScript atomically moves the lowest-score priority message into
// the worker's in-flight list. Ids whose index entry vanished (deleted by an
// administrator between ZADD and now) are dropped and the next one is tried.
//
// KEYS: priority zset, priority index, processing list.
var popPriorityScript = redis.NewScript(`
while true do
	local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call("ZREM", KEYS[1], id)
	local payload = redis.call("HGET", KEYS[2], id)
	if payload then
		redis.call("HDEL", KEYS[2], id)
		redis.call("LPUSH", KEYS[3], payload)
		return payload
	end
end
`)

// ─── Dequeue ─────────────────────────────────────────────────────────────────

// Dequeue hands the next message of ref to workerID.
//
// The worker's in-flight marker is registered before any pop, so a crash at
// any point after the pop leaves a recoverable trace. Priority messages are
// served before plain ones. When nothing is available, Dequeue blocks up to
// wait on the FIFO list (wait <= 0 polls once) and returns ErrEmpty.
//
// Messages whose TTL elapsed while pending are removed from the in-flight list
// and reported with an expired event; they are never returned.
func (m *Manager) Dequeue(ctx context.Context, ref Ref, workerID string, wait time.Duration) (*Delivery, error) {
	if !ref.Valid() || workerID == "" {
		return nil, fmt.Errorf("%w: dequeue needs a queue and a worker id", types.ErrInvariantViolation)
	}
	if err := CheckTransition(types.LocationPending, types.LocationInFlight); err != nil {
		return nil, err
	}
	c := m.store.Client()
	processing := m.keys.Processing(ref, workerID)

	if err := c.SAdd(ctx, m.keys.InFlight(), storage.Marker(ref, workerID)).Err(); err != nil {
		return nil, types.NewStorageError("register in-flight marker", err)
	}

	for {
		raw, err := m.pop(ctx, ref, processing, wait)
		if err != nil {
			return nil, err
		}

		msg, err := types.Decode(raw)
		if err != nil {
			// Unreadable payloads would cycle through recovery forever.
			_ = c.LRem(ctx, processing, 1, raw).Err()
			m.logger.Error("queue: dropped undecodable message", "queue", ref.String(), "err", err)
			return nil, err
		}

		now := m.store.NowMs()
		if msg.Expired(now) {
			if err := m.expire(ctx, ref, workerID, processing, raw, msg); err != nil {
				return nil, err
			}
			continue
		}

		tx := m.store.Begin()
		if err := tx.Emit(ctx, types.Event{
			Kind:      types.EventReceived,
			Queue:     ref,
			MessageID: msg.ID,
			WorkerID:  workerID,
			Attempts:  msg.Attempts,
		}); err != nil {
			tx.Discard()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &Delivery{Message: msg, Queue: ref, WorkerID: workerID, raw: raw}, nil
	}
}

func (m *Manager) pop(ctx context.Context, ref Ref, processing string, wait time.Duration) (string, error) {
	c := m.store.Client()
	raw, err := popPriorityScript.Run(ctx, c,
		[]string{m.keys.Priority(ref), m.keys.PriorityIndex(ref), processing}).Text()
	switch {
	case err == nil:
		return raw, nil
	case !storage.IsNil(err):
		return "", types.NewStorageError("pop priority", err)
	}

	if wait > 0 {
		raw, err = c.BRPopLPush(ctx, m.keys.Pending(ref), processing, wait).Result()
	} else {
		raw, err = c.RPopLPush(ctx, m.keys.Pending(ref), processing).Result()
	}
	if storage.IsNil(err) {
		return "", ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", types.NewStorageError("pop pending", err)
	}
	return raw, nil
}

func (m *Manager) expire(ctx context.Context, ref Ref, workerID, processing, raw string, msg *Message) error {
	tx := m.store.Begin()
	tx.Pipe().LRem(ctx, processing, 1, raw)
	if err := tx.Emit(ctx, types.Event{
		Kind:      types.EventExpired,
		Queue:     ref,
		MessageID: msg.ID,
		WorkerID:  workerID,
		Attempts:  msg.Attempts,
	}); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.logger.Debug("queue: message expired", "queue", ref.String(), "id", msg.ID, "ttl_ms", msg.Options.TTL)
	return nil
}

// ─── Ack ─────────────────────────────────────────────────────────────────────

// Ack removes the delivery from the worker's in-flight list and records it in
// the acknowledged history.
func (m *Manager) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.Message == nil {
		return fmt.Errorf("%w: nil delivery", types.ErrInvariantViolation)
	}
	if err := CheckTransition(types.LocationInFlight, types.LocationAcknowledged); err != nil {
		return err
	}
	tx := m.store.Begin()
	pipe := tx.Pipe()
	pipe.LRem(ctx, m.keys.Processing(d.Queue, d.WorkerID), 1, d.raw)
	if err := m.pushHistory(ctx, pipe, m.keys.Acknowledged(d.Queue), m.cfg.AcknowledgedHistory, d.Message); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Emit(ctx, types.Event{
		Kind:      types.EventAcknowledged,
		Queue:     d.Queue,
		MessageID: d.Message.ID,
		WorkerID:  d.WorkerID,
		Attempts:  d.Message.Attempts,
	}); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx)
}

// ─── Unack ───────────────────────────────────────────────────────────────────

// Unack records a failed delivery. cause is the handler's error; a cause
// matching types.ErrConsumeTimeout is reported as a consume timeout, which is
// otherwise handled identically.
//
// The attempt counter is incremented. While it stays below the message's
// retry threshold the message is retried, immediately or after its retry
// delay through the scheduled set. Otherwise it is dead-lettered with its
// retry state discarded.
func (m *Manager) Unack(ctx context.Context, d *Delivery, cause error) error {
	if d == nil || d.Message == nil {
		return fmt.Errorf("%w: nil delivery", types.ErrInvariantViolation)
	}
	kind := types.EventUnacknowledged
	if errors.Is(cause, types.ErrConsumeTimeout) {
		kind = types.EventConsumeTimeout
	}

	msg := d.Message.Clone()
	msg.Attempts++

	tx := m.store.Begin()
	tx.Pipe().LRem(ctx, m.keys.Processing(d.Queue, d.WorkerID), 1, d.raw)
	if err := m.unackTx(ctx, tx, d, msg, kind); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit(ctx)
}

func (m *Manager) unackTx(ctx context.Context, tx *storage.Tx, d *Delivery, msg *Message, kind types.EventKind) error {
	ev := types.Event{Queue: d.Queue, MessageID: msg.ID, WorkerID: d.WorkerID, Attempts: msg.Attempts}

	ev.Kind = kind
	if err := tx.Emit(ctx, ev); err != nil {
		return err
	}

	if msg.Attempts < msg.Options.RetryThreshold {
		if msg.Options.RetryDelay > 0 && m.retry != nil {
			if err := CheckTransition(types.LocationInFlight, types.LocationScheduled); err != nil {
				return err
			}
			at := m.store.NowMs() + msg.Options.RetryDelay
			if err := m.retry.ScheduleAtTx(ctx, tx, msg, at); err != nil {
				return err
			}
			ev.Kind = types.EventRetryAfterDelay
			return tx.Emit(ctx, ev)
		}
		if err := CheckTransition(types.LocationInFlight, types.LocationPending); err != nil {
			return err
		}
		if err := m.EnqueueTx(ctx, tx, msg); err != nil {
			return err
		}
		ev.Kind = types.EventRetry
		return tx.Emit(ctx, ev)
	}

	if err := CheckTransition(types.LocationInFlight, types.LocationDeadLettered); err != nil {
		return err
	}
	msg.Attempts = 0
	if err := m.pushHistory(ctx, tx.Pipe(), m.keys.DeadLettered(d.Queue), m.cfg.DeadLetteredHistory, msg); err != nil {
		return err
	}
	ev.Kind = types.EventDeadLetter
	return tx.Emit(ctx, ev)
}

// pushHistory stages LPUSH + LTRIM of msg onto a bounded history list.
func (m *Manager) pushHistory(ctx context.Context, pipe redis.Pipeliner, key string, limit int64, msg *Message) error {
	if limit == 0 {
		return nil
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	pipe.LPush(ctx, key, raw)
	if limit > 0 {
		pipe.LTrim(ctx, key, 0, limit-1)
	}
	return nil
}
