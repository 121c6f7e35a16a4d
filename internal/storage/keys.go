package storage

import (
	"fmt"
	"strings"

	"github.com/snehjoshi/epochmq/internal/types"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "epochmq"

// Keys computes every Redis key EpochMQ uses.
//
// Per-queue structures live under "<prefix>:q:{<ns>}:<name>:...". The braces
// keep all keys of a queue in the same hash slot.
type Keys struct {
	Prefix         string
	GlobalSchedule bool
}

func (k Keys) queue(r types.QueueRef, suffix string) string {
	return fmt.Sprintf("%s:q:{%s}:%s:%s", k.Prefix, r.Namespace, r.Name, suffix)
}

// Pending is the FIFO list of plain pending messages (LPUSH in, RPOP out).
func (k Keys) Pending(r types.QueueRef) string { return k.queue(r, "pending") }

// Priority is the sorted set of priority pending message ids.
func (k Keys) Priority(r types.QueueRef) string { return k.queue(r, "priority") }

// PriorityIndex maps priority message ids to their stored form.
func (k Keys) PriorityIndex(r types.QueueRef) string { return k.queue(r, "priority:index") }

// Processing is the in-flight list of one worker on one queue.
func (k Keys) Processing(r types.QueueRef, workerID string) string {
	return k.queue(r, "processing:"+workerID)
}

// Acknowledged is the bounded history of acknowledged messages.
func (k Keys) Acknowledged(r types.QueueRef) string { return k.queue(r, "acknowledged") }

// DeadLettered is the bounded history of dead-lettered messages.
func (k Keys) DeadLettered(r types.QueueRef) string { return k.queue(r, "dead-lettered") }

// Counters is the per-queue durable counter hash.
func (k Keys) Counters(r types.QueueRef) string { return k.queue(r, "counters") }

// Scheduled is the scheduled sorted set (score = fire timestamp) that holds
// messages of r.
func (k Keys) Scheduled(r types.QueueRef) string {
	if k.GlobalSchedule {
		return k.Prefix + ":scheduled"
	}
	return k.queue(r, "scheduled")
}

// ScheduledIndex maps scheduled ids to their stored form.
func (k Keys) ScheduledIndex(r types.QueueRef) string {
	if k.GlobalSchedule {
		return k.Prefix + ":scheduled:index"
	}
	return k.queue(r, "scheduled:index")
}

// Queues is the set of known queues, members "ns/name".
func (k Keys) Queues() string { return k.Prefix + ":queues" }

// Namespaces is the set of registered namespaces.
func (k Keys) Namespaces() string { return k.Prefix + ":namespaces" }

// NamespaceMeta stores namespace metadata (description, creation time).
func (k Keys) NamespaceMeta() string { return k.Prefix + ":namespaces:meta" }

// Heartbeats is the hash of consumer heartbeats keyed by Marker.
func (k Keys) Heartbeats() string { return k.Prefix + ":heartbeats" }

// InFlight is the set of in-flight markers, one per (queue, worker) that
// may own a processing list.
func (k Keys) InFlight() string { return k.Prefix + ":processing" }

// Lock is the key of a named distributed lock.
func (k Keys) Lock(name string) string { return k.Prefix + ":lock:" + name }

// Marker encodes the owner of a processing list: "ns|name|worker".
func Marker(r types.QueueRef, workerID string) string {
	return r.Namespace + "|" + r.Name + "|" + workerID
}

// ParseMarker is the inverse of Marker.
func ParseMarker(s string) (types.QueueRef, string, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return types.QueueRef{}, "", fmt.Errorf("%w: malformed marker %q", types.ErrInvariantViolation, s)
	}
	return types.QueueRef{Namespace: parts[0], Name: parts[1]}, parts[2], nil
}
