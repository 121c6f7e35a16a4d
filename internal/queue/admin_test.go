package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/types"
)

func deadLetter(t *testing.T, e *env, m *types.Message) {
	t.Helper()
	mustEnqueue(t, e, m)
	d := mustDequeue(t, e, "w1")
	if err := e.mgr.Unack(context.Background(), d, errors.New("fail")); err != nil {
		t.Fatal(err)
	}
}

func TestListPending_SequenceIDs(t *testing.T) {
	e := newEnv(t)
	var ids []string
	for i := 0; i < 5; i++ {
		m := newMsg(types.DefaultConsumeOptions())
		ids = append(ids, m.ID)
		mustEnqueue(t, e, m)
	}
	page, err := e.mgr.ListPending(context.Background(), orders, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	// newest first: position 1 holds the fourth message
	if page.Items[0].SequenceID != 1 || page.Items[0].Message.ID != ids[3] {
		t.Fatalf("unexpected first item %+v", page.Items[0])
	}
}

func TestDeletePendingAt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := newMsg(types.DefaultConsumeOptions())
	b := newMsg(types.DefaultConsumeOptions())
	mustEnqueue(t, e, a)
	mustEnqueue(t, e, b)

	// b is at position 0: a stale position for a is not found.
	if err := e.mgr.DeletePendingAt(ctx, orders, 0, a.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("mismatch: expected not found, got %v", err)
	}
	if err := e.mgr.DeletePendingAt(ctx, orders, 5, a.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("out of range: expected not found, got %v", err)
	}
	if got := metrics(t, e); got.Pending != 2 {
		t.Fatalf("wrong element deleted: %+v", got)
	}
	if err := e.mgr.DeletePendingAt(ctx, orders, 1, a.ID); err != nil {
		t.Fatal(err)
	}
	d := mustDequeue(t, e, "w1")
	if d.Message.ID != b.ID {
		t.Fatalf("expected %s to survive, got %s", b.ID, d.Message.ID)
	}
	// Already delivered: the id is gone from pending.
	if err := e.mgr.DeletePendingAt(ctx, orders, -1, b.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("delivered message: expected not found, got %v", err)
	}
}

func TestDeleteDeadLetteredAt_MismatchIsNotFound(t *testing.T) {
	e := newEnv(t)
	m := newMsg(types.ConsumeOptions{RetryThreshold: 1})
	deadLetter(t, e, m)

	if err := e.mgr.DeleteDeadLetteredAt(context.Background(), orders, 0, "other"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := e.mgr.DeleteDeadLetteredAt(context.Background(), orders, 3, m.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("out of range: expected ErrNotFound, got %v", err)
	}
	if err := e.mgr.DeleteDeadLetteredAt(context.Background(), orders, 0, m.ID); err != nil {
		t.Fatal(err)
	}
}

func TestDeletePriority_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := withPriority(newMsg(types.DefaultConsumeOptions()), 3)
	mustEnqueue(t, e, m)

	for i := 0; i < 2; i++ {
		if err := e.mgr.DeletePriority(ctx, orders, m.ID); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if got := metrics(t, e); got.PriorityPending != 0 {
		t.Fatalf("priority entry left: %+v", got)
	}
	if e.mr.Exists("epochmq:q:{ns}:orders:priority:index") {
		t.Fatal("index entry left behind")
	}
}

func TestRequeueFromDeadLetter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := newMsg(types.ConsumeOptions{RetryThreshold: 1})
	deadLetter(t, e, m)

	prio := 7
	newID, err := e.mgr.RequeueFromDeadLetter(ctx, orders, 0, m.ID, &prio)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if newID == "" || newID == m.ID {
		t.Fatalf("expected a fresh id, got %q", newID)
	}
	got := metrics(t, e)
	if got.DeadLettered != 0 || got.PriorityPending != 1 {
		t.Fatalf("unexpected metrics %+v", got)
	}
	d := mustDequeue(t, e, "w2")
	if d.Message.Attempts != 0 || d.Message.Origin != m.ID || *d.Message.Priority != 7 {
		t.Fatalf("unexpected requeued message %+v", d.Message)
	}

	// Already requeued: no-op.
	if id, err := e.mgr.RequeueFromDeadLetter(ctx, orders, 0, m.ID, nil); err != nil || id != "" {
		t.Fatalf("second requeue: id=%q err=%v", id, err)
	}
}

func TestRequeueFromAcknowledged_ByID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := newMsg(types.DefaultConsumeOptions())
	mustEnqueue(t, e, m)
	if err := e.mgr.Ack(ctx, mustDequeue(t, e, "w1")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.mgr.RequeueFromAcknowledged(ctx, orders, -1, m.ID, nil); err != nil {
		t.Fatal(err)
	}
	got := metrics(t, e)
	if got.Acknowledged != 0 || got.Pending != 1 {
		t.Fatalf("unexpected metrics %+v", got)
	}
}

func TestAdminMutation_LockContention(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := lock.New(e.store).Acquire(ctx, "queue:ns/orders", time.Second, false); err != nil {
		t.Fatal(err)
	}
	if err := e.mgr.PurgePending(ctx, orders); !errors.Is(err, types.ErrLockContention) {
		t.Fatalf("expected contention, got %v", err)
	}
}

func TestPurgeAndDeleteQueue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustEnqueue(t, e, newMsg(types.DefaultConsumeOptions()))
	}
	mustEnqueue(t, e, withPriority(newMsg(types.DefaultConsumeOptions()), 1))

	if err := e.mgr.PurgePriority(ctx, orders); err != nil {
		t.Fatal(err)
	}
	if got := metrics(t, e); got.PriorityPending != 0 || got.Pending != 3 {
		t.Fatalf("unexpected metrics after purge %+v", got)
	}

	mustDequeue(t, e, "w1")
	if err := e.mgr.DeleteQueue(ctx, orders); err != nil {
		t.Fatal(err)
	}
	refs, err := e.mgr.Queues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Fatalf("queue still listed: %v", refs)
	}
	if got := metrics(t, e); got != (queue.Metrics{}) {
		t.Fatalf("structures left after delete: %+v", got)
	}
}
