// Package broker is the central orchestrator for EpochMQ.
//
// A Broker is built once per process and carries every component, wired
// explicitly: storage, locks, the queue transition protocol, the scheduling
// engine, liveness and recovery, metrics, the namespace registry and webhook
// subscriptions. Transport layers (admin HTTP API, WebSocket feed) talk to
// the Broker, never directly to the queue or storage layer.
//
// Data flow:
//
//	Producer → Broker.Produce → scheduler.ScheduleTx | queue.EnqueueTx (one transaction)
//	Ticker   → scheduler.EnqueueDue → queue.EnqueueTx
//	Consumer → queue.Dequeue → Ack | Unack (retry, delayed retry, dead-letter)
//	Ticker   → liveness.Recovery.Sweep → queue.EnqueueTx
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochmq/internal/config"
	"github.com/snehjoshi/epochmq/internal/consumer"
	"github.com/snehjoshi/epochmq/internal/dlq"
	"github.com/snehjoshi/epochmq/internal/liveness"
	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/metrics"
	"github.com/snehjoshi/epochmq/internal/namespace"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/scheduler"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrInvalidRequest is returned when a produce request fails validation.
	ErrInvalidRequest = fmt.Errorf("broker: invalid request: %w", types.ErrInvariantViolation)

	// ErrQueueNotFound is returned for administrative calls on unknown queues.
	ErrQueueNotFound = fmt.Errorf("broker: queue: %w", types.ErrNotFound)
)

// ─── Request / Response types ─────────────────────────────────────────────────

// ProduceRequest carries everything needed to publish one message.
type ProduceRequest struct {
	Queue types.QueueRef
	Body  []byte
	// Priority routes the message through the priority variant; lower is
	// delivered first.
	Priority *int
	// Options fields left at zero take the configured defaults.
	Options  types.ConsumeOptions
	Schedule types.Directives
	Metadata map[string]string // optional producer-set key/value pairs
}

// ProduceResponse is returned after a successful Produce.
type ProduceResponse struct {
	MessageID string `json:"messageId"`
	Scheduled bool   `json:"scheduled"`
}

// QueueInfo is the size snapshot of a single queue.
type QueueInfo struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	queue.Metrics
	// Scheduled is only reported with per-queue scheduled sets.
	Scheduled *int64 `json:"scheduled,omitempty"`
	// Counters are the durable per-queue event counts, when enabled.
	Counters map[types.EventKind]int64 `json:"counters,omitempty"`
	// WorkerCounters splits the worker-attributed counts by worker id.
	WorkerCounters map[string]map[types.EventKind]int64 `json:"workerCounters,omitempty"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry that follows every committed
// transition. Without it the broker keeps no in-process counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger. Defaults to the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires together every component into a single façade used by every
// transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	self   *node.Node
	logger *slog.Logger

	store    *storage.Store
	locks    *lock.Manager
	qm       *queue.Manager
	sched    *scheduler.Engine
	monitor  *liveness.Monitor
	recovery *liveness.Recovery
	dlqMgr   *dlq.Manager
	ns       *namespace.Registry
	subs     *consumer.Subscriptions

	// Optional integrations.
	metrics  *metrics.Registry
	counters *metrics.Counters
}

// New wires a Broker over store. Nothing runs until Run is called.
func New(store *storage.Store, cfg *config.Config, self *node.Node, opts ...Option) (*Broker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	b := &Broker{cfg: cfg, self: self, store: store, logger: store.Logger()}
	for _, o := range opts {
		o(b)
	}

	b.locks = lock.New(store)
	b.qm = queue.NewManager(store, b.locks, queue.Config{
		AcknowledgedHistory: cfg.Queue.AcknowledgedHistory,
		DeadLetteredHistory: cfg.Queue.DeadLetteredHistory,
		LockTTL:             config.Ms(cfg.Queue.LockTTLMs),
	}, queue.WithLogger(b.logger))
	b.sched = scheduler.New(store, b.qm, b.locks, scheduler.Config{
		Interval:  config.Ms(cfg.Scheduler.IntervalMs),
		LockTTL:   config.Ms(cfg.Scheduler.LockTTLMs),
		BatchSize: cfg.Scheduler.BatchSize,
	}, scheduler.WithLogger(b.logger))
	b.monitor = liveness.NewMonitor(store)
	b.recovery = liveness.NewRecovery(store, b.qm, b.locks, b.monitor, liveness.RecoveryConfig{
		Interval: config.Ms(cfg.Liveness.RecoveryIntervalMs),
		LockTTL:  config.Ms(cfg.Liveness.LockTTLMs),
	})
	b.dlqMgr = dlq.NewManager(b.qm)
	b.ns = namespace.New(store)
	b.subs = consumer.NewSubscriptions(b.qm, consumer.WebhookConfig{
		Timeout: config.Ms(cfg.Webhook.TimeoutMs),
		Wait:    config.Ms(cfg.Webhook.WaitMs),
	}, self)

	if cfg.Metrics.Counters {
		b.counters = metrics.NewCounters(store)
		store.AddParticipant(b.counters)
	}
	if b.metrics != nil {
		store.AddListener(b.metrics)
	}
	return b, nil
}

// Run drives the scheduling sweep and the recovery sweep until ctx is
// cancelled. It returns the first fatal error of either loop.
func (b *Broker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.sched.Run(gctx) })
	g.Go(func() error { return b.recovery.Run(gctx) })
	b.logger.Info("broker: running", "node", b.NodeID(),
		"schedule_mode", string(b.cfg.Scheduler.Mode))
	return g.Wait()
}

// Close stops the periodic loops after their current sweep and every webhook
// subscription after its current delivery.
func (b *Broker) Close(ctx context.Context) error {
	b.sched.Stop()
	b.recovery.Stop()
	return b.subs.Close(ctx)
}

// Health checks that Redis is reachable.
func (b *Broker) Health(ctx context.Context) error { return b.store.Ping(ctx) }

// NodeID returns the identity of this process.
func (b *Broker) NodeID() string {
	if b.self == nil {
		return ""
	}
	return b.self.ID().String()
}

// Config returns the configuration the broker was built with.
func (b *Broker) Config() *config.Config { return b.cfg }

// Store exposes the storage layer (for listeners such as the event feed).
func (b *Broker) Store() *storage.Store { return b.store }

// QueueManager exposes the transition protocol for in-process consumers.
func (b *Broker) QueueManager() *queue.Manager { return b.qm }

// Scheduler exposes the scheduling engine.
func (b *Broker) Scheduler() *scheduler.Engine { return b.sched }

// Recovery exposes the recovery sweep.
func (b *Broker) Recovery() *liveness.Recovery { return b.recovery }

// Metrics returns the attached registry, or nil.
func (b *Broker) Metrics() *metrics.Registry { return b.metrics }

// ─── Produce ──────────────────────────────────────────────────────────────────

// Produce validates req and stores the message: schedulable messages enter
// the scheduled set, everything else enters pending. Either way the message
// and its produced event commit in one transaction.
func (b *Broker) Produce(ctx context.Context, req ProduceRequest) (*ProduceResponse, error) {
	msg, err := b.buildMessage(req)
	if err != nil {
		return nil, err
	}

	// Auto-register the namespace on first use.
	if err := b.ns.Ensure(ctx, req.Queue.Namespace); err != nil {
		return nil, fmt.Errorf("broker: ensure namespace %s: %w", req.Queue.Namespace, err)
	}

	tx := b.store.Begin()
	scheduled := false
	if scheduler.IsSchedulable(msg) {
		scheduled, err = b.sched.ScheduleTx(ctx, tx, msg)
		if err != nil {
			tx.Discard()
			return nil, fmt.Errorf("broker: schedule %s: %w", req.Queue, err)
		}
	}
	if scheduled {
		// The queue exists from its first produce, even before anything fires.
		tx.Pipe().SAdd(ctx, b.store.Keys().Queues(), req.Queue.String())
	} else if err := b.qm.EnqueueTx(ctx, tx, msg); err != nil {
		tx.Discard()
		return nil, fmt.Errorf("broker: enqueue %s: %w", req.Queue, err)
	}
	if err := tx.Emit(ctx, types.Event{Kind: types.EventProduced, Queue: req.Queue, MessageID: msg.ID}); err != nil {
		tx.Discard()
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("broker: produce to %s: %w", req.Queue, err)
	}
	return &ProduceResponse{MessageID: msg.ID, Scheduled: scheduled}, nil
}

func (b *Broker) buildMessage(req ProduceRequest) (*types.Message, error) {
	if err := b.validateRef(req.Queue); err != nil {
		return nil, err
	}
	if limit := b.cfg.Queue.MaxMessageSizeKB * 1024; len(req.Body) > limit {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidRequest, len(req.Body), limit)
	}
	o := req.Options
	if o.TTL < 0 || o.RetryThreshold < 0 || o.RetryDelay < 0 || o.ConsumeTimeout < 0 {
		return nil, fmt.Errorf("%w: consume options must not be negative", ErrInvalidRequest)
	}
	if err := scheduler.ValidateDirectives(req.Schedule); err != nil {
		return nil, err
	}

	if o.TTL == 0 {
		o.TTL = b.cfg.Queue.DefaultTTLMs
	}
	if o.RetryThreshold == 0 {
		o.RetryThreshold = b.cfg.Queue.DefaultRetryThreshold
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = b.cfg.Queue.DefaultRetryDelayMs
	}
	if o.ConsumeTimeout == 0 {
		o.ConsumeTimeout = b.cfg.Queue.DefaultConsumeTimeoutMs
	}

	msgID, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("broker: generate message ID: %w", err)
	}
	ref := req.Queue
	return &types.Message{
		ID:       msgID,
		Queue:    &ref,
		Body:     req.Body,
		Priority: req.Priority,
		Options:  o,
		Schedule: req.Schedule,
		Metadata: req.Metadata,
	}, nil
}

func (b *Broker) validateRef(ref types.QueueRef) error {
	if !namespace.ValidateName(ref.Namespace) || !namespace.ValidateName(ref.Name) {
		return fmt.Errorf("%w: queue %q", ErrInvalidRequest, ref.String())
	}
	return nil
}

// ─── Queue management ─────────────────────────────────────────────────────────

// ListQueues returns every known queue sorted by namespace then name.
func (b *Broker) ListQueues(ctx context.Context) ([]types.QueueRef, error) {
	return b.qm.Queues(ctx)
}

// QueueInfo returns the size snapshot of ref.
func (b *Broker) QueueInfo(ctx context.Context, ref types.QueueRef) (*QueueInfo, error) {
	if err := b.requireQueue(ctx, ref); err != nil {
		return nil, err
	}
	m, err := b.qm.Metrics(ctx, ref)
	if err != nil {
		return nil, err
	}
	info := &QueueInfo{Namespace: ref.Namespace, Name: ref.Name, Metrics: m}
	if b.perQueue() {
		n, err := b.sched.Count(ctx, ref)
		if err != nil {
			return nil, err
		}
		info.Scheduled = &n
	}
	if b.counters != nil {
		c, err := b.counters.Read(ctx, ref)
		if err != nil {
			return nil, err
		}
		info.Counters = c
		w, err := b.counters.ReadWorkers(ctx, ref)
		if err != nil {
			return nil, err
		}
		if len(w) > 0 {
			info.WorkerCounters = w
		}
	}
	return info, nil
}

// DeleteQueue removes a queue with all of its structures. With per-queue
// scheduled sets the queue's scheduled messages go too.
func (b *Broker) DeleteQueue(ctx context.Context, ref types.QueueRef) error {
	if err := b.requireQueue(ctx, ref); err != nil {
		return err
	}
	if b.perQueue() {
		if err := b.sched.Purge(ctx, ref); err != nil {
			return err
		}
	}
	return b.qm.DeleteQueue(ctx, ref)
}

func (b *Broker) requireQueue(ctx context.Context, ref types.QueueRef) error {
	ok, err := b.qm.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, ref)
	}
	return nil
}

// ─── Message listings ─────────────────────────────────────────────────────────

// Structure names a per-queue message structure for listing, deleting,
// purging and requeueing.
type Structure string

const (
	Pending      Structure = "pending"
	Priority     Structure = "priority"
	Acknowledged Structure = "acknowledged"
	DeadLettered Structure = "dead-lettered"
)

// ErrUnknownStructure is returned for an unsupported Structure.
var ErrUnknownStructure = fmt.Errorf("broker: unknown structure: %w", types.ErrInvariantViolation)

// List pages through one structure of ref.
func (b *Broker) List(ctx context.Context, ref types.QueueRef, s Structure, skip, take int64) (queue.Page, error) {
	switch s {
	case Pending:
		return b.qm.ListPending(ctx, ref, skip, take)
	case Priority:
		return b.qm.ListPriority(ctx, ref, skip, take)
	case Acknowledged:
		return b.qm.ListAcknowledged(ctx, ref, skip, take)
	case DeadLettered:
		return b.qm.ListDeadLettered(ctx, ref, skip, take)
	}
	return queue.Page{}, fmt.Errorf("%w: %q", ErrUnknownStructure, s)
}

// Delete removes one message from a structure of ref. seq is ignored for
// the priority set.
func (b *Broker) Delete(ctx context.Context, ref types.QueueRef, s Structure, seq int64, id string) error {
	switch s {
	case Pending:
		return b.qm.DeletePendingAt(ctx, ref, seq, id)
	case Priority:
		return b.qm.DeletePriority(ctx, ref, id)
	case Acknowledged:
		return b.qm.DeleteAcknowledgedAt(ctx, ref, seq, id)
	case DeadLettered:
		return b.qm.DeleteDeadLetteredAt(ctx, ref, seq, id)
	}
	return fmt.Errorf("%w: %q", ErrUnknownStructure, s)
}

// Purge empties one structure of ref.
func (b *Broker) Purge(ctx context.Context, ref types.QueueRef, s Structure) error {
	switch s {
	case Pending:
		return b.qm.PurgePending(ctx, ref)
	case Priority:
		return b.qm.PurgePriority(ctx, ref)
	case Acknowledged:
		return b.qm.PurgeAcknowledged(ctx, ref)
	case DeadLettered:
		return b.qm.PurgeDeadLettered(ctx, ref)
	}
	return fmt.Errorf("%w: %q", ErrUnknownStructure, s)
}

// Requeue moves one message of the acknowledged or dead-lettered history
// back to pending as a fresh message. It returns the new id, or "" when the
// message was no longer there.
func (b *Broker) Requeue(ctx context.Context, ref types.QueueRef, s Structure, seq int64, id string, priority *int) (string, error) {
	switch s {
	case Acknowledged:
		return b.qm.RequeueFromAcknowledged(ctx, ref, seq, id, priority)
	case DeadLettered:
		return b.qm.RequeueFromDeadLetter(ctx, ref, seq, id, priority)
	}
	return "", fmt.Errorf("%w: cannot requeue from %q", ErrUnknownStructure, s)
}

// ReplayDeadLettered requeues up to limit of the oldest dead-lettered
// messages of ref.
func (b *Broker) ReplayDeadLettered(ctx context.Context, ref types.QueueRef, limit int64) (int, error) {
	return b.dlqMgr.Replay(ctx, ref, limit)
}

// ─── Scheduled messages ───────────────────────────────────────────────────────

// ListScheduled pages through the scheduled set. ref is required with
// per-queue scheduled sets and ignored otherwise.
func (b *Broker) ListScheduled(ctx context.Context, ref types.QueueRef, skip, take int64) (queue.Page, error) {
	return b.sched.List(ctx, ref, skip, take)
}

// GetScheduled returns one scheduled message.
func (b *Broker) GetScheduled(ctx context.Context, id string) (*types.Message, error) {
	return b.sched.Get(ctx, id)
}

// DeleteScheduled removes one scheduled message or periodic template.
func (b *Broker) DeleteScheduled(ctx context.Context, id string) error {
	return b.sched.Delete(ctx, id)
}

// PurgeScheduled empties the scheduled set (of ref in per-queue mode).
func (b *Broker) PurgeScheduled(ctx context.Context, ref types.QueueRef) error {
	if b.perQueue() && !ref.Valid() {
		return fmt.Errorf("%w: a queue is required in per-queue mode", ErrInvalidRequest)
	}
	return b.sched.Purge(ctx, ref)
}

// ─── Consumers ────────────────────────────────────────────────────────────────

// OnlineConsumers lists every worker with a fresh heartbeat.
func (b *Broker) OnlineConsumers(ctx context.Context) ([]liveness.Worker, error) {
	online, err := b.monitor.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]liveness.Worker, 0, len(online))
	for _, w := range online {
		out = append(out, w)
	}
	sortWorkers(out)
	return out, nil
}

// Consume starts an in-process worker on ref and blocks until ctx is
// cancelled.
func (b *Broker) Consume(ctx context.Context, ref types.QueueRef, h consumer.Handler, opts ...consumer.Option) error {
	if err := b.validateRef(ref); err != nil {
		return err
	}
	all := append([]consumer.Option{
		consumer.WithNode(b.self),
		consumer.WithHeartbeatInterval(config.Ms(b.cfg.Liveness.HeartbeatIntervalMs)),
		consumer.WithLogger(b.logger),
	}, opts...)
	w, err := consumer.NewWorker(b.qm, ref, h, all...)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Subscribe registers a webhook on ref.
func (b *Broker) Subscribe(ref types.QueueRef, url, secret string) (string, error) {
	if err := b.validateRef(ref); err != nil {
		return "", err
	}
	return b.subs.Register(ref, url, secret)
}

// Unsubscribe removes a webhook.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	return b.subs.Deregister(ctx, id)
}

// Subscriptions lists the webhooks of this process.
func (b *Broker) Subscriptions() []consumer.Subscription { return b.subs.List() }

// ─── Namespaces ───────────────────────────────────────────────────────────────

// ListNamespaces returns every registered namespace.
func (b *Broker) ListNamespaces(ctx context.Context) ([]*namespace.Namespace, error) {
	return b.ns.List(ctx)
}

// CreateNamespace registers a namespace explicitly.
func (b *Broker) CreateNamespace(ctx context.Context, name string) error {
	return b.ns.Create(ctx, name)
}

// DeleteNamespace removes an empty namespace.
func (b *Broker) DeleteNamespace(ctx context.Context, name string) error {
	return b.ns.Delete(ctx, name)
}

func (b *Broker) perQueue() bool { return !b.store.Keys().GlobalSchedule }

// IsNotFound reports whether err means the addressed entity does not exist.
func IsNotFound(err error) bool { return errors.Is(err, types.ErrNotFound) }
