package storage

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/types"
)

// Tx accumulates the steps of one atomic transition into a MULTI/EXEC
// pipeline. Components append steps with Pipe(), announce what happened with
// Emit, and the owner calls Commit exactly once.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	store  *Store
	pipe   redis.Pipeliner
	events []types.Event
	done   bool
}

// Begin starts a new transaction on the store client.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, pipe: s.client.TxPipeline()}
}

// Watch runs fn inside an optimistic transaction guarded by WATCH on keys.
// fn reads through rtx and stages writes on the Tx it receives; the Tx is
// committed when fn returns nil. A concurrent change to a watched key aborts
// the commit and Watch returns an error for which IsConflict is true.
func (s *Store) Watch(ctx context.Context, fn func(rtx *redis.Tx, tx *Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &Tx{store: s, pipe: rtx.TxPipeline()}
		if err := fn(rtx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}, keys...)
	if err != nil && IsConflict(err) {
		return types.NewStorageError("watch", err)
	}
	return err
}

// Pipe exposes the pipeline for appending commands.
func (t *Tx) Pipe() redis.Pipeliner { return t.pipe }

// Store returns the owning store.
func (t *Tx) Store() *Store { return t.store }

// Emit records ev for post-commit listeners and lets every registered
// participant append steps to this transaction now.
func (t *Tx) Emit(ctx context.Context, ev types.Event) error {
	if ev.At == 0 {
		ev.At = t.store.NowMs()
	}
	participants, _ := t.store.snapshot()
	for _, p := range participants {
		if err := p.Participate(ctx, t, ev); err != nil {
			return err
		}
	}
	t.events = append(t.events, ev)
	return nil
}

// Commit executes the transaction. On success the recorded events are
// delivered to listeners. A Tx can only be committed once.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if _, err := t.pipe.Exec(ctx); err != nil && !IsNil(err) {
		return types.NewStorageError("exec", err)
	}
	t.store.publish(t.events)
	return nil
}

// Discard drops every staged step.
func (t *Tx) Discard() {
	t.done = true
	_ = t.pipe.Discard()
}
