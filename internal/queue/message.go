// Package queue implements the transition protocol that moves messages
// between pending, in-flight, acknowledged and dead-lettered states.
//
// Every transition is one MULTI/EXEC transaction built on storage.Tx, so no
// observer ever sees a message in two locations or in none. Administrative
// mutations that address list elements by position run under a per-queue
// lock from internal/lock.
package queue

import "github.com/snehjoshi/epochmq/internal/types"

// Aliases so callers can write queue.Message / queue.Ref.
type (
	Message  = types.Message
	Ref      = types.QueueRef
	Location = types.Location
)

// Delivery is a message handed to a worker. It carries the exact stored
// form so acknowledgment can remove precisely this element from the
// worker's in-flight list.
type Delivery struct {
	Message  *Message
	Queue    Ref
	WorkerID string
	raw      string
}

// Raw returns the stored form of the delivered message.
func (d *Delivery) Raw() string { return d.raw }

// Item is one element of a paginated listing. SequenceID is the element's
// position at read time; positional mutations must present it back together
// with the message id.
type Item struct {
	SequenceID int64    `json:"sequenceId"`
	Message    *Message `json:"message"`
}

// Page is a slice of a listing plus the total size of the structure.
type Page struct {
	Items []Item `json:"items"`
	Total int64  `json:"total"`
}

// Metrics is a point-in-time size snapshot of a queue's structures.
type Metrics struct {
	Pending         int64 `json:"pending"`
	PriorityPending int64 `json:"priorityPending"`
	InFlight        int64 `json:"inFlight"`
	Acknowledged    int64 `json:"acknowledged"`
	DeadLettered    int64 `json:"deadLettered"`
}
