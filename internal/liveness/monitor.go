package liveness

import (
	"context"
	"encoding/json"

	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Signal answers whether a worker is alive. Recovery only needs this; Monitor
// is the Redis-backed implementation.
type Signal interface {
	IsOnline(ctx context.Context, ref types.QueueRef, workerID string) (bool, error)
}

// Worker is an online worker as reported by ListOnline.
type Worker struct {
	Queue    types.QueueRef `json:"queue"`
	WorkerID string         `json:"workerId"`
	Record
}

// Monitor reads heartbeat records.
type Monitor struct {
	store *storage.Store
}

// NewMonitor returns a Monitor over store.
func NewMonitor(store *storage.Store) *Monitor { return &Monitor{store: store} }

func (m *Monitor) fresh(rec Record) bool {
	return m.store.NowMs()-rec.Timestamp <= Window.Milliseconds()
}

// IsOnline reports whether workerID on ref refreshed its heartbeat within
// Window.
func (m *Monitor) IsOnline(ctx context.Context, ref types.QueueRef, workerID string) (bool, error) {
	raw, err := m.store.Client().HGet(ctx, m.store.Keys().Heartbeats(), storage.Marker(ref, workerID)).Result()
	if storage.IsNil(err) {
		return false, nil
	}
	if err != nil {
		return false, types.NewStorageError("heartbeat read", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, nil
	}
	return m.fresh(rec), nil
}

// ListOnline returns every online worker keyed by marker. Stale and
// unreadable records found along the way are deleted.
func (m *Monitor) ListOnline(ctx context.Context) (map[string]Worker, error) {
	c := m.store.Client()
	key := m.store.Keys().Heartbeats()
	all, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, types.NewStorageError("heartbeat list", err)
	}

	out := make(map[string]Worker, len(all))
	var stale []string
	for marker, raw := range all {
		ref, worker, err := storage.ParseMarker(marker)
		if err != nil {
			stale = append(stale, marker)
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || !m.fresh(rec) {
			stale = append(stale, marker)
			continue
		}
		out[marker] = Worker{Queue: ref, WorkerID: worker, Record: rec}
	}
	if len(stale) > 0 {
		if err := c.HDel(ctx, key, stale...).Err(); err != nil {
			m.store.Logger().Warn("liveness: stale heartbeat cleanup failed", "err", err)
		}
	}
	return out, nil
}
