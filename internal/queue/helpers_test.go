package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

var orders = types.QueueRef{Namespace: "ns", Name: "orders"}

type clock struct{ ms atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.ms.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	return c
}

func (c *clock) Now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *clock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

type env struct {
	mr    *miniredis.Miniredis
	store *storage.Store
	mgr   *queue.Manager
	clock *clock
	ev    *recorder
}

// recorder collects committed events.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) OnEvent(ev types.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind types.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newEnv(t *testing.T, opts ...queue.Option) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := newClock()
	store := storage.New(client, storage.WithClock(clk.Now))
	rec := &recorder{}
	store.AddListener(rec)
	mgr := queue.NewManager(store, lock.New(store), queue.DefaultConfig(), opts...)
	return &env{mr: mr, store: store, mgr: mgr, clock: clk, ev: rec}
}

func newMsg(opts types.ConsumeOptions) *types.Message {
	q := orders
	return &types.Message{
		ID:      node.MustNewID(),
		Queue:   &q,
		Body:    []byte(`{"test":true}`),
		Options: opts,
	}
}

func withPriority(m *types.Message, p int) *types.Message {
	m.Priority = &p
	return m
}

func mustEnqueue(t *testing.T, e *env, m *types.Message) {
	t.Helper()
	if err := e.mgr.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func mustDequeue(t *testing.T, e *env, worker string) *queue.Delivery {
	t.Helper()
	d, err := e.mgr.Dequeue(context.Background(), orders, worker, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return d
}

func metrics(t *testing.T, e *env) queue.Metrics {
	t.Helper()
	m, err := e.mgr.Metrics(context.Background(), orders)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	return m
}

// fakeRetry records delayed retries.
type fakeRetry struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeRetry) ScheduleAtTx(ctx context.Context, tx *storage.Tx, msg *types.Message, ts int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, ts)
	f.mu.Unlock()
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	tx.Pipe().HSet(ctx, "test:retry", msg.ID, raw)
	return nil
}
