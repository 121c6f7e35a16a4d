package consumer_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/consumer"
	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

var jobs = types.QueueRef{Namespace: "ns", Name: "jobs"}

func newQueues(t *testing.T) (*queue.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.New(client)
	return queue.NewManager(store, lock.New(store), queue.DefaultConfig()), mr
}

func publish(t *testing.T, qm *queue.Manager, body string, opts types.ConsumeOptions) *types.Message {
	t.Helper()
	q := jobs
	m := &types.Message{ID: node.MustNewID(), Queue: &q, Body: []byte(body), Options: opts, Metadata: map[string]string{"k": "v"}}
	if err := qm.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func metrics(t *testing.T, qm *queue.Manager) queue.Metrics {
	t.Helper()
	m, err := qm.Metrics(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// start runs w until the returned stop function is called.
func start(t *testing.T, w *consumer.Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errc:
				if err != nil {
					t.Errorf("Run returned %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Error("worker did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

// ─── Worker ──────────────────────────────────────────────────────────────────

func TestWorker_AcksHandledMessages(t *testing.T) {
	qm, mr := newQueues(t)
	publish(t, qm, "a", types.DefaultConsumeOptions())
	publish(t, qm, "b", types.DefaultConsumeOptions())

	var mu sync.Mutex
	var got []string
	w, err := consumer.NewWorker(qm, jobs, consumer.HandlerFunc(func(_ context.Context, m *types.Message) error {
		mu.Lock()
		got = append(got, string(m.Body))
		mu.Unlock()
		return nil
	}), consumer.WithWait(0), consumer.WithWorkerID("w1"))
	if err != nil {
		t.Fatal(err)
	}
	stop := start(t, w)

	waitFor(t, "two acknowledgements", func() bool { return metrics(t, qm).Acknowledged == 2 })
	if mr.HGet("epochmq:heartbeats", "ns|jobs|w1") == "" {
		t.Fatal("running worker must publish a heartbeat")
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if mr.HGet("epochmq:heartbeats", "ns|jobs|w1") != "" {
		t.Fatal("heartbeat not removed on stop")
	}
	if m := metrics(t, qm); m.InFlight != 0 || m.Pending != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestWorker_HandlerErrorRetriesThenDeadLetters(t *testing.T) {
	qm, _ := newQueues(t)
	opts := types.DefaultConsumeOptions()
	opts.RetryThreshold = 2
	publish(t, qm, "bad", opts)

	var calls sync.WaitGroup
	calls.Add(2)
	w, _ := consumer.NewWorker(qm, jobs, consumer.HandlerFunc(func(context.Context, *types.Message) error {
		defer calls.Done()
		return errors.New("boom")
	}), consumer.WithWait(0))
	start(t, w)

	calls.Wait()
	waitFor(t, "dead-letter", func() bool { return metrics(t, qm).DeadLettered == 1 })
}

func TestWorker_ConsumeTimeout(t *testing.T) {
	qm, _ := newQueues(t)
	opts := types.DefaultConsumeOptions()
	opts.ConsumeTimeout = 20
	opts.RetryThreshold = 1
	publish(t, qm, "slow", opts)

	results := make(chan error, 1)
	release := make(chan struct{})
	defer close(release)
	w, _ := consumer.NewWorker(qm, jobs, consumer.HandlerFunc(func(ctx context.Context, _ *types.Message) error {
		// Ignores ctx on purpose: the worker must not wait for it.
		<-release
		return nil
	}), consumer.WithWait(0), consumer.WithResultHook(func(_ *queue.Delivery, err error) { results <- err }))
	start(t, w)

	select {
	case err := <-results:
		if !errors.Is(err, types.ErrConsumeTimeout) {
			t.Fatalf("expected consume timeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consume timeout not enforced")
	}
	waitFor(t, "dead-letter", func() bool { return metrics(t, qm).DeadLettered == 1 })
}

func TestWorker_PanicUnacknowledges(t *testing.T) {
	qm, _ := newQueues(t)
	opts := types.DefaultConsumeOptions()
	opts.RetryThreshold = 1
	publish(t, qm, "panic", opts)

	w, _ := consumer.NewWorker(qm, jobs, consumer.HandlerFunc(func(context.Context, *types.Message) error {
		panic("handler bug")
	}), consumer.WithWait(0))
	start(t, w)
	waitFor(t, "dead-letter", func() bool { return metrics(t, qm).DeadLettered == 1 })
}

func TestNewWorker_Validation(t *testing.T) {
	qm, _ := newQueues(t)
	if _, err := consumer.NewWorker(qm, types.QueueRef{}, consumer.HandlerFunc(nil)); !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("missing queue: got %v", err)
	}
	if _, err := consumer.NewWorker(qm, jobs, nil); !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("missing handler: got %v", err)
	}
	w, err := consumer.NewWorker(qm, jobs, consumer.HandlerFunc(func(context.Context, *types.Message) error { return nil }))
	if err != nil || !node.Valid(w.ID()) {
		t.Fatalf("default worker id should be a ULID, got %q (%v)", w.ID(), err)
	}
}

// ─── Webhooks ────────────────────────────────────────────────────────────────

func TestSubscriptions_DeliversSignedPayload(t *testing.T) {
	qm, _ := newQueues(t)
	msg := publish(t, qm, "hello", types.DefaultConsumeOptions())

	type received struct {
		body []byte
		sig  string
	}
	hits := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		hits <- received{body: b, sig: r.Header.Get(consumer.SignatureHeader)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	subs := consumer.NewSubscriptions(qm, consumer.WebhookConfig{}, nil)
	t.Cleanup(func() { _ = subs.Close(context.Background()) })

	id, err := subs.Register(jobs, srv.URL, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if l := subs.List(); len(l) != 1 || l[0].ID != id || l[0].Queue != jobs {
		t.Fatalf("unexpected list %+v", l)
	}

	var hit received
	select {
	case hit = <-hits:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never called")
	}
	if hit.sig != "sha256="+consumer.Sign("s3cret", hit.body) {
		t.Fatalf("bad signature %q", hit.sig)
	}
	var p struct {
		ID        string            `json:"id"`
		Body      string            `json:"body"`
		Namespace string            `json:"namespace"`
		Queue     string            `json:"queue"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(hit.body, &p); err != nil {
		t.Fatal(err)
	}
	body, _ := base64.StdEncoding.DecodeString(p.Body)
	if p.ID != msg.ID || string(body) != "hello" || p.Namespace != "ns" || p.Queue != "jobs" || p.Metadata["k"] != "v" {
		t.Fatalf("unexpected payload %+v", p)
	}
	waitFor(t, "acknowledgement", func() bool { return metrics(t, qm).Acknowledged == 1 })

	if err := subs.Deregister(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if len(subs.List()) != 0 {
		t.Fatal("subscription still listed")
	}
}

func TestSubscriptions_FailingEndpointUnacks(t *testing.T) {
	qm, _ := newQueues(t)
	opts := types.DefaultConsumeOptions()
	opts.RetryThreshold = 1
	publish(t, qm, "x", opts)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	subs := consumer.NewSubscriptions(qm, consumer.WebhookConfig{}, nil)
	t.Cleanup(func() { _ = subs.Close(context.Background()) })
	if _, err := subs.Register(jobs, srv.URL, ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dead-letter", func() bool { return metrics(t, qm).DeadLettered == 1 })
}

func TestSubscriptions_Errors(t *testing.T) {
	qm, _ := newQueues(t)
	subs := consumer.NewSubscriptions(qm, consumer.WebhookConfig{}, nil)

	if _, err := subs.Register(jobs, "ftp://example.com", ""); !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("bad url: got %v", err)
	}
	if err := subs.Deregister(context.Background(), "ghost"); !errors.Is(err, consumer.ErrSubscriptionNotFound) || !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
}
