package metrics

import (
	"context"
	"strconv"
	"strings"

	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Counters keeps durable per-queue event counts in a Redis hash per queue
// (field = event kind). Events attributed to a worker also bump the field
// "worker:<id>:<kind>". Increments are staged on the transaction that emits
// the event, so a counter moves if and only if the transition committed.
type Counters struct {
	store *storage.Store
}

// NewCounters returns a participant over store. Register it with
// store.AddParticipant.
func NewCounters(store *storage.Store) *Counters { return &Counters{store: store} }

// Participate implements storage.Participant.
func (c *Counters) Participate(ctx context.Context, tx *storage.Tx, ev types.Event) error {
	if !ev.Queue.Valid() {
		return nil
	}
	key := c.store.Keys().Counters(ev.Queue)
	tx.Pipe().HIncrBy(ctx, key, string(ev.Kind), 1)
	if ev.WorkerID != "" {
		tx.Pipe().HIncrBy(ctx, key, workerField(ev.WorkerID, ev.Kind), 1)
	}
	return nil
}

const workerPrefix = "worker:"

func workerField(workerID string, kind types.EventKind) string {
	return workerPrefix + workerID + ":" + string(kind)
}

// Read returns the queue-wide counters of ref keyed by event kind.
func (c *Counters) Read(ctx context.Context, ref types.QueueRef) (map[types.EventKind]int64, error) {
	raw, err := c.store.Client().HGetAll(ctx, c.store.Keys().Counters(ref)).Result()
	if err != nil {
		return nil, types.NewStorageError("read counters", err)
	}
	out := make(map[types.EventKind]int64, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, workerPrefix) {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[types.EventKind(k)] = n
		}
	}
	return out, nil
}

// ReadWorkers returns the per-worker counters of ref: worker id, then event
// kind.
func (c *Counters) ReadWorkers(ctx context.Context, ref types.QueueRef) (map[string]map[types.EventKind]int64, error) {
	raw, err := c.store.Client().HGetAll(ctx, c.store.Keys().Counters(ref)).Result()
	if err != nil {
		return nil, types.NewStorageError("read counters", err)
	}
	out := make(map[string]map[types.EventKind]int64)
	for k, v := range raw {
		rest, ok := strings.CutPrefix(k, workerPrefix)
		if !ok {
			continue
		}
		// Worker ids may contain ':', event kinds never do.
		i := strings.LastIndexByte(rest, ':')
		if i <= 0 {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		worker, kind := rest[:i], types.EventKind(rest[i+1:])
		if out[worker] == nil {
			out[worker] = make(map[types.EventKind]int64)
		}
		out[worker][kind] = n
	}
	return out, nil
}

// Reset drops every counter of ref.
func (c *Counters) Reset(ctx context.Context, ref types.QueueRef) error {
	err := c.store.Client().Del(ctx, c.store.Keys().Counters(ref)).Err()
	return types.NewStorageError("reset counters", err)
}
