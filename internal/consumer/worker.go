// Package consumer pulls messages from a queue and drives them through the
// transition protocol: each delivery is handed to a Handler under the
// message's consume timeout and then acknowledged or unacknowledged.
//
// A Worker owns one worker id on one queue. While it runs it publishes a
// heartbeat, so a worker that dies mid-delivery is detected by the recovery
// sweep and its in-flight messages return to pending.
//
// Webhook subscriptions (Subscriptions) are Workers whose Handler POSTs the
// message to an HTTP endpoint.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochmq/internal/liveness"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Handler processes one message. A nil return acknowledges it; any error
// unacknowledges it. Handlers must honour ctx: it is cancelled when the
// message's consume timeout elapses.
type Handler interface {
	Handle(ctx context.Context, msg *types.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *types.Message) error

// Handle calls f(ctx, msg).
func (f HandlerFunc) Handle(ctx context.Context, msg *types.Message) error { return f(ctx, msg) }

// DefaultWait is how long one dequeue blocks on an empty queue.
const DefaultWait = time.Second

// errorBackoff is the pause after a failed dequeue.
const errorBackoff = time.Second

// pollInterval paces non-blocking dequeues (wait <= 0) on an empty queue.
const pollInterval = 50 * time.Millisecond

// Worker consumes one queue.
type Worker struct {
	queues   *queue.Manager
	ref      types.QueueRef
	handler  Handler
	id       string
	wait     time.Duration
	beat     time.Duration
	self     *node.Node
	logger   *slog.Logger
	onResult func(d *queue.Delivery, err error)
}

// Option customizes a Worker.
type Option func(*Worker)

// WithWorkerID fixes the worker id. Defaults to a fresh ULID.
func WithWorkerID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithWait sets how long a dequeue blocks on an empty queue. Redis blocks
// in whole seconds; a wait <= 0 polls instead.
func WithWait(d time.Duration) Option {
	return func(w *Worker) { w.wait = d }
}

// WithHeartbeatInterval sets how often the liveness record is refreshed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.beat = d }
}

// WithNode attaches the process identity reported in heartbeats.
func WithNode(n *node.Node) Option {
	return func(w *Worker) { w.self = n }
}

// WithLogger sets the logger. Defaults to the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// withResultHook is used by tests to observe each finished delivery.
func withResultHook(fn func(d *queue.Delivery, err error)) Option {
	return func(w *Worker) { w.onResult = fn }
}

// NewWorker returns a Worker for ref. Call Run to start consuming.
func NewWorker(queues *queue.Manager, ref types.QueueRef, h Handler, opts ...Option) (*Worker, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("%w: consumer needs a queue", types.ErrInvariantViolation)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: consumer needs a handler", types.ErrInvariantViolation)
	}
	w := &Worker{
		queues:  queues,
		ref:     ref,
		handler: h,
		wait:    DefaultWait,
		beat:    liveness.DefaultBeatInterval,
		logger:  queues.Store().Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.id == "" {
		id, err := node.NewID()
		if err != nil {
			return nil, fmt.Errorf("consumer: generate worker id: %w", err)
		}
		w.id = id
	}
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Queue returns the consumed queue.
func (w *Worker) Queue() types.QueueRef { return w.ref }

// Run consumes until ctx is cancelled. The delivery in progress when ctx is
// cancelled is finished (acknowledged or unacknowledged) before Run returns.
// The heartbeat record is removed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	hb := liveness.NewHeartbeat(w.queues.Store(), w.ref, w.id, w.self, w.beat)
	if err := hb.Beat(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hb.Run(gctx) })
	g.Go(func() error { return w.loop(gctx) })

	w.logger.Info("consumer: started", "queue", w.ref.String(), "worker", w.id)
	err := g.Wait()
	if serr := hb.Stop(context.WithoutCancel(ctx)); serr != nil {
		w.logger.Warn("consumer: heartbeat removal failed", "worker", w.id, "err", serr)
	}
	w.logger.Info("consumer: stopped", "queue", w.ref.String(), "worker", w.id)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := w.queues.Dequeue(ctx, w.ref, w.id, w.wait)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			if w.wait <= 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollInterval):
				}
			}
			continue
		case ctx.Err() != nil:
			return nil
		case types.IsFatal(err):
			// Undecodable payloads are dropped by Dequeue; keep consuming.
			w.logger.Error("consumer: bad message", "queue", w.ref.String(), "err", err)
			continue
		case err != nil:
			w.logger.Warn("consumer: dequeue failed", "queue", w.ref.String(), "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}
		w.process(context.WithoutCancel(ctx), d)
	}
}

// process runs the handler and settles the delivery. It is never cancelled
// from outside, only by the message's own consume timeout.
func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	err := w.invoke(ctx, d.Message)
	var settle error
	if err == nil {
		settle = w.queues.Ack(ctx, d)
	} else {
		w.logger.Debug("consumer: handler failed", "queue", w.ref.String(), "id", d.Message.ID, "err", err)
		settle = w.queues.Unack(ctx, d, err)
	}
	if settle != nil {
		// The message stays in flight; recovery returns it once this worker
		// goes offline.
		w.logger.Error("consumer: settle failed", "queue", w.ref.String(), "id", d.Message.ID, "err", settle)
	}
	if w.onResult != nil {
		w.onResult(d, err)
	}
}

// invoke calls the handler under the consume timeout. A handler that
// overruns is abandoned: the delivery is unacknowledged with
// types.ErrConsumeTimeout even if the handler never returns.
func (w *Worker) invoke(ctx context.Context, msg *types.Message) error {
	timeout := time.Duration(msg.Options.ConsumeTimeout) * time.Millisecond
	if timeout <= 0 {
		return w.safeHandle(ctx, msg)
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.safeHandle(hctx, msg) }()
	select {
	case err := <-done:
		if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", types.ErrConsumeTimeout, err)
		}
		return err
	case <-hctx.Done():
		return fmt.Errorf("%w after %s", types.ErrConsumeTimeout, timeout)
	}
}

func (w *Worker) safeHandle(ctx context.Context, msg *types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer: handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, msg)
}
