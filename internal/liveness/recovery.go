package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/lock"
	"github.com/snehjoshi/epochmq/internal/queue"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/ticker"
	"github.com/snehjoshi/epochmq/internal/types"
)

// RecoveryConfig tunes the recovery sweep.
type RecoveryConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
}

// DefaultRecoveryConfig returns production defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{Interval: 5 * time.Second, LockTTL: 30 * time.Second}
}

// Recovery moves messages held by offline workers back to pending.
type Recovery struct {
	store  *storage.Store
	keys   storage.Keys
	queues *queue.Manager
	locks  *lock.Manager
	signal Signal
	cfg    RecoveryConfig
	logger *slog.Logger
	tk     *ticker.Ticker
}

// NewRecovery wires a recovery sweep.
func NewRecovery(store *storage.Store, queues *queue.Manager, locks *lock.Manager, signal Signal, cfg RecoveryConfig) *Recovery {
	def := DefaultRecoveryConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	r := &Recovery{
		store:  store,
		keys:   store.Keys(),
		queues: queues,
		locks:  locks,
		signal: signal,
		cfg:    cfg,
		logger: store.Logger(),
	}
	r.tk = ticker.New("recovery", cfg.Interval, func(ctx context.Context) error {
		_, err := r.Sweep(ctx)
		return err
	}, ticker.WithLogger(r.logger))
	return r
}

// Run sweeps every Interval until ctx is cancelled or Stop is called.
func (r *Recovery) Run(ctx context.Context) error { return r.tk.Run(ctx) }

// Stop ends the loop after the current sweep.
func (r *Recovery) Stop() { r.tk.Stop() }

// Sweep inspects every in-flight marker once and returns how many messages
// went back to pending. Only one sweep runs at a time across the deployment;
// a concurrent call returns types.ErrLockContention.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	recovered := 0
	err := r.locks.Do(ctx, "recovery", r.cfg.LockTTL, func(ctx context.Context) error {
		markers, err := r.store.Client().SMembers(ctx, r.keys.InFlight()).Result()
		if err != nil {
			return types.NewStorageError("in-flight markers", err)
		}
		for _, marker := range markers {
			ref, worker, err := storage.ParseMarker(marker)
			if err != nil {
				r.logger.Warn("liveness: dropping malformed marker", "marker", marker)
				_ = r.store.Client().SRem(ctx, r.keys.InFlight(), marker).Err()
				continue
			}
			online, err := r.signal.IsOnline(ctx, ref, worker)
			if err != nil {
				return err
			}
			if online {
				continue
			}
			n, err := r.recover(ctx, ref, worker, marker)
			if storage.IsConflict(err) {
				// The list changed under us; the next sweep retries.
				r.logger.Debug("liveness: recovery conflict", "marker", marker)
				continue
			}
			if err != nil {
				return err
			}
			if n > 0 {
				r.logger.Info("liveness: recovered in-flight messages",
					"queue", ref.String(), "worker", worker, "count", n)
			}
			recovered += n
		}
		return nil
	})
	return recovered, err
}

// recover moves the whole in-flight list of one worker back to pending in a
// single transaction guarded by WATCH on that list.
func (r *Recovery) recover(ctx context.Context, ref types.QueueRef, worker, marker string) (int, error) {
	processing := r.keys.Processing(ref, worker)
	n := 0
	err := r.store.Watch(ctx, func(rtx *redis.Tx, tx *storage.Tx) error {
		n = 0
		raws, err := rtx.LRange(ctx, processing, 0, -1).Result()
		if err != nil {
			return types.NewStorageError("read in-flight", err)
		}
		for _, raw := range raws {
			msg, err := types.Decode(raw)
			if err != nil {
				r.logger.Error("liveness: discarding undecodable in-flight message", "queue", ref.String(), "err", err)
				continue
			}
			if msg.Queue == nil {
				msg.Queue = &types.QueueRef{Namespace: ref.Namespace, Name: ref.Name}
			}
			msg.Attempts++
			if err := queue.CheckTransition(types.LocationInFlight, types.LocationPending); err != nil {
				return err
			}
			if err := r.queues.EnqueueTx(ctx, tx, msg); err != nil {
				return err
			}
			if err := tx.Emit(ctx, types.Event{
				Kind:      types.EventRecovered,
				Queue:     ref,
				MessageID: msg.ID,
				WorkerID:  worker,
				Attempts:  msg.Attempts,
			}); err != nil {
				return err
			}
			n++
		}
		tx.Pipe().Del(ctx, processing)
		tx.Pipe().SRem(ctx, r.keys.InFlight(), marker)
		return nil
	}, processing)
	if err != nil {
		return 0, err
	}
	return n, nil
}
