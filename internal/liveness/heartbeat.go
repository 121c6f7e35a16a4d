// Package liveness tells live consumers from dead ones and reclaims what
// dead ones left in flight.
//
// Every consumer publishes a heartbeat record into one Redis hash, keyed by
// the same "ns|queue|worker" marker that names its in-flight list. A worker
// whose record is older than Window is offline; the recovery sweep moves its
// in-flight messages back to pending.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/ticker"
	"github.com/snehjoshi/epochmq/internal/types"
)

// Window is the staleness window after which a worker is offline.
const Window = 10 * time.Second

// DefaultBeatInterval is how often a heartbeat is refreshed.
const DefaultBeatInterval = time.Second

// Usage is the resource snapshot carried by a heartbeat.
type Usage struct {
	Hostname   string `json:"hostname"`
	PID        int    `json:"pid"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heapAlloc"`
}

// Record is one stored heartbeat.
type Record struct {
	Timestamp int64 `json:"timestamp"`
	Usage     Usage `json:"usage"`
}

// Heartbeat publishes the liveness record of one worker on one queue.
type Heartbeat struct {
	store    *storage.Store
	ref      types.QueueRef
	workerID string
	self     *node.Node
	logger   *slog.Logger
	tk       *ticker.Ticker
	started  atomic.Bool
}

// NewHeartbeat returns a publisher for workerID on ref. self supplies the
// host identity reported in the usage payload and may be nil.
func NewHeartbeat(store *storage.Store, ref types.QueueRef, workerID string, self *node.Node, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultBeatInterval
	}
	h := &Heartbeat{store: store, ref: ref, workerID: workerID, self: self, logger: store.Logger()}
	h.tk = ticker.New("heartbeat", interval, h.Beat, ticker.WithLogger(h.logger))
	return h
}

// Beat refreshes the record once.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rec := Record{
		Timestamp: h.store.NowMs(),
		Usage: Usage{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  ms.HeapAlloc,
		},
	}
	if h.self != nil {
		rec.Usage.Hostname = h.self.Hostname()
		rec.Usage.PID = h.self.PID()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("liveness: encode heartbeat: %w", err)
	}
	err = h.store.Client().HSet(ctx, h.store.Keys().Heartbeats(), storage.Marker(h.ref, h.workerID), b).Err()
	return types.NewStorageError("heartbeat", err)
}

// Run beats until ctx is cancelled or Stop is called.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.started.Store(true)
	return h.tk.Run(ctx)
}

// Stop ends the loop after the current beat and removes the record, which
// makes the worker offline immediately.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if h.started.Load() {
		_ = h.tk.StopAndWait(ctx)
	}
	err := h.store.Client().HDel(ctx, h.store.Keys().Heartbeats(), storage.Marker(h.ref, h.workerID)).Err()
	return types.NewStorageError("heartbeat remove", err)
}
