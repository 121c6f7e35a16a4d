// Package dlq provides utilities for inspecting and replaying messages that
// have been moved to a queue's dead-lettered history.
//
// A message is dead-lettered once its attempts reach the retry threshold of
// its consume options. The history is a capped Redis list owned by the queue
// (newest first); this package wraps the queue.Manager to provide bulk
// helpers on top of the single-message administrative operations:
//
//   - Peek:   read (but don't move) the oldest N dead-lettered messages.
//   - Replay: move the oldest N messages back to pending for reprocessing.
//   - Len:    size of the history.
package dlq

import (
	"context"
	"fmt"

	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Manager provides dead-letter operations on top of a queue.Manager.
type Manager struct {
	qm *queue.Manager
}

// NewManager wraps the given queue.Manager.
func NewManager(qm *queue.Manager) *Manager {
	return &Manager{qm: qm}
}

// Peek returns up to limit dead-lettered messages of ref, oldest first,
// without moving them.
func (m *Manager) Peek(ctx context.Context, ref types.QueueRef, limit int64) ([]queue.Item, error) {
	total, err := m.Len(ctx, ref)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	if limit == 0 {
		return []queue.Item{}, nil
	}
	page, err := m.qm.ListDeadLettered(ctx, ref, total-limit, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq.Peek: %w", err)
	}
	items := page.Items
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Replay moves up to limit of the oldest dead-lettered messages of ref back
// to pending. Each replayed message is a fresh copy (new id, zero attempts)
// that keeps its original priority. Returns the number of messages moved;
// entries removed concurrently are skipped.
func (m *Manager) Replay(ctx context.Context, ref types.QueueRef, limit int64) (int, error) {
	items, err := m.Peek(ctx, ref, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, it := range items {
		// Positions shift as entries leave, so look each one up by id.
		id, err := m.qm.RequeueFromDeadLetter(ctx, ref, -1, it.Message.ID, it.Message.Priority)
		if err != nil {
			return replayed, fmt.Errorf("dlq.Replay: %w", err)
		}
		if id != "" {
			replayed++
		}
	}
	return replayed, nil
}

// Len returns the number of messages in the dead-lettered history of ref.
func (m *Manager) Len(ctx context.Context, ref types.QueueRef) (int64, error) {
	met, err := m.qm.Metrics(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("dlq.Len: %w", err)
	}
	return met.DeadLettered, nil
}
