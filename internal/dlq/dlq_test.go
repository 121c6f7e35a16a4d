package dlq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/dlq"
	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

var orders = types.QueueRef{Namespace: "ns", Name: "orders"}

func newManagers(t *testing.T) (*queue.Manager, *dlq.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.New(client)
	qm := queue.NewManager(store, lock.New(store), queue.DefaultConfig())
	return qm, dlq.NewManager(qm)
}

// deadLetter publishes a message with a retry threshold of 1, dequeues it and
// unacknowledges it once so that it lands in the dead-lettered history.
func deadLetter(t *testing.T, qm *queue.Manager, body string, prio *int) *types.Message {
	t.Helper()
	ctx := context.Background()
	q := orders
	opts := types.DefaultConsumeOptions()
	opts.RetryThreshold = 1
	msg := &types.Message{ID: node.MustNewID(), Queue: &q, Body: []byte(body), Options: opts, Priority: prio}
	if err := qm.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d, err := qm.Dequeue(ctx, orders, "w1", 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := qm.Unack(ctx, d, errors.New("boom")); err != nil {
		t.Fatalf("Unack: %v", err)
	}
	return msg
}

func TestDLQ_Len_AfterDeadLetter(t *testing.T) {
	qm, dm := newManagers(t)
	ctx := context.Background()

	if n, err := dm.Len(ctx, orders); err != nil || n != 0 {
		t.Errorf("Len before any message: want 0, got %d (%v)", n, err)
	}
	deadLetter(t, qm, "dead", nil)
	if n, _ := dm.Len(ctx, orders); n != 1 {
		t.Errorf("Len after dead-letter: want 1, got %d", n)
	}
}

func TestDLQ_Peek_OldestFirst(t *testing.T) {
	qm, dm := newManagers(t)
	ctx := context.Background()

	first := deadLetter(t, qm, "a", nil)
	second := deadLetter(t, qm, "b", nil)
	deadLetter(t, qm, "c", nil)

	items, err := dm.Peek(ctx, orders, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Message.ID != first.ID || items[1].Message.ID != second.ID {
		t.Fatalf("unexpected peek order: %+v", items)
	}
	if n, _ := dm.Len(ctx, orders); n != 3 {
		t.Fatalf("Peek must not move messages, Len = %d", n)
	}

	all, _ := dm.Peek(ctx, orders, 0)
	if len(all) != 3 {
		t.Fatalf("Peek(0) should return everything, got %d", len(all))
	}
}

func TestDLQ_Replay(t *testing.T) {
	qm, dm := newManagers(t)
	ctx := context.Background()

	p := 1
	plain := deadLetter(t, qm, "plain", nil)
	prio := deadLetter(t, qm, "prio", &p)
	deadLetter(t, qm, "left", nil)

	n, err := dm.Replay(ctx, orders, 2)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("replayed %d, want 2", n)
	}

	m, _ := qm.Metrics(ctx, orders)
	if m.DeadLettered != 1 || m.Pending != 1 || m.PriorityPending != 1 {
		t.Fatalf("unexpected metrics after replay %+v", m)
	}

	got, err := qm.Dequeue(ctx, orders, "w2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Message.Body) != "prio" || got.Message.Origin != prio.ID || got.Message.ID == prio.ID {
		t.Fatalf("priority replay should come first as a fresh copy, got %+v", got.Message)
	}
	if got.Message.Attempts != 0 {
		t.Fatalf("replayed attempts = %d, want 0", got.Message.Attempts)
	}
	got, _ = qm.Dequeue(ctx, orders, "w2", 0)
	if got.Message.Origin != plain.ID {
		t.Fatalf("expected plain replay, got %+v", got.Message)
	}
}

func TestDLQ_Replay_EmptyDLQ(t *testing.T) {
	_, dm := newManagers(t)
	n, err := dm.Replay(context.Background(), orders, 10)
	if err != nil || n != 0 {
		t.Fatalf("Replay on empty history: n=%d err=%v", n, err)
	}
}
