// Package types contains the core domain types shared across all EpochMQ
// internal packages. It has no imports of other EpochMQ packages so that the
// storage, queue and scheduler layers can all depend on it without cycles.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Location is the logical place a message occupies at a given instant.
// A message lives in exactly one location; every move between locations is a
// single storage transaction.
type Location uint8

const (
	// LocationScheduled means the message waits in the scheduled set for its
	// fire timestamp.
	LocationScheduled Location = iota
	// LocationPending means the message is available for consumption, either
	// in the plain FIFO list or the priority set.
	LocationPending
	// LocationInFlight means a consumer popped the message and owns it until
	// it acknowledges or unacknowledges.
	LocationInFlight
	// LocationAcknowledged is the terminal success history.
	LocationAcknowledged
	// LocationDeadLettered is the terminal failure history.
	LocationDeadLettered
)

// String returns a human-readable representation of the location.
func (l Location) String() string {
	switch l {
	case LocationScheduled:
		return "scheduled"
	case LocationPending:
		return "pending"
	case LocationInFlight:
		return "in_flight"
	case LocationAcknowledged:
		return "acknowledged"
	case LocationDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// QueueRef identifies a queue.
type QueueRef struct {
	Namespace string `json:"ns"`
	Name      string `json:"name"`
}

// String renders the ref as "namespace/name".
func (r QueueRef) String() string { return r.Namespace + "/" + r.Name }

// Valid reports whether both parts are set.
func (r QueueRef) Valid() bool { return r.Namespace != "" && r.Name != "" }

// ParseQueueRef parses "namespace/name". A bare name is rejected.
func ParseQueueRef(s string) (QueueRef, error) {
	ns, name, ok := strings.Cut(s, "/")
	if !ok || ns == "" || name == "" {
		return QueueRef{}, fmt.Errorf("%w: invalid queue reference %q", ErrInvariantViolation, s)
	}
	return QueueRef{Namespace: ns, Name: name}, nil
}

// ConsumeOptions is the consumption policy carried by a message. All
// durations are milliseconds; zero disables the corresponding behavior.
type ConsumeOptions struct {
	// TTL is the maximum residence time in pending before the message is
	// discarded on dequeue.
	TTL int64 `json:"ttl"`
	// RetryThreshold is the number of unacknowledged attempts after which the
	// message is dead-lettered.
	RetryThreshold int `json:"retryThreshold"`
	// RetryDelay schedules retries this far in the future instead of
	// re-enqueuing immediately.
	RetryDelay int64 `json:"retryDelay"`
	// ConsumeTimeout bounds a single handler invocation.
	ConsumeTimeout int64 `json:"consumeTimeout"`
}

// DefaultConsumeOptions mirrors the defaults applied to messages that do not
// carry their own policy.
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{RetryThreshold: 3}
}

// Directives are the producer-supplied scheduling instructions.
type Directives struct {
	// CRON is a 5 or 6 field cron expression (seconds optional).
	CRON string `json:"cron,omitempty"`
	// Delay postpones the first delivery, in milliseconds.
	Delay int64 `json:"delay,omitempty"`
	// Repeat is the number of extra deliveries after the first.
	Repeat int `json:"repeat,omitempty"`
	// Period is the spacing between repeats, in milliseconds.
	Period int64 `json:"period,omitempty"`
}

// ScheduleState is the mutable scheduling bookkeeping of a message.
type ScheduleState struct {
	Delayed     bool `json:"delayed,omitempty"`
	RepeatCount int  `json:"repeatCount,omitempty"`
	CronFired   bool `json:"cronFired,omitempty"`
}

// Message is the unit of data moving through EpochMQ.
//
// All timestamps are UTC milliseconds since the Unix epoch. IDs are ULID
// strings: time-sortable and globally unique, which also makes them usable as
// an arrival-order tie breaker inside priority sets.
type Message struct {
	ID    string    `json:"id"`
	Queue *QueueRef `json:"queue,omitempty"`

	// Body is the raw payload. Producers own the encoding.
	Body []byte `json:"body"`

	// Priority routes the message through the priority pending set when
	// non-nil. Lower values are delivered first.
	Priority *int `json:"priority,omitempty"`

	// PublishedAt is set once, when the message first enters the broker.
	PublishedAt int64 `json:"publishedAt"`
	// EnqueuedAt is refreshed on every pending insertion. TTL is measured
	// from here.
	EnqueuedAt int64 `json:"enqueuedAt"`

	Attempts int `json:"attempts"`

	Options  ConsumeOptions `json:"options"`
	Schedule Directives     `json:"schedule"`
	State    ScheduleState  `json:"state"`

	// Origin is the ID of the periodic template an occurrence came from.
	Origin string `json:"origin,omitempty"`

	// Metadata holds arbitrary key-value pairs set by the producer.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasPriority reports whether the message uses the priority pending set.
func (m *Message) HasPriority() bool { return m.Priority != nil }

// Expired reports whether the message outlived its TTL at nowMs.
func (m *Message) Expired(nowMs int64) bool {
	return m.Options.TTL > 0 && nowMs-m.EnqueuedAt > m.Options.TTL
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Queue != nil {
		q := *m.Queue
		c.Queue = &q
	}
	if m.Priority != nil {
		p := *m.Priority
		c.Priority = &p
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Occurrence derives a fresh message from a template: new identity, reset
// attempts and timestamps, no scheduling directives.
func (m *Message) Occurrence(id string) *Message {
	c := m.Clone()
	c.ID = id
	c.Attempts = 0
	c.PublishedAt = 0
	c.EnqueuedAt = 0
	c.Schedule = Directives{}
	c.State = ScheduleState{}
	c.Origin = m.ID
	return c
}

// RequireQueue returns the queue reference or an InvariantViolation.
func (m *Message) RequireQueue() (QueueRef, error) {
	if m.Queue == nil || !m.Queue.Valid() {
		return QueueRef{}, fmt.Errorf("%w: message %s has no destination queue", ErrInvariantViolation, m.ID)
	}
	return *m.Queue, nil
}

// Encode serializes the message to its stored JSON form.
func (m *Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("types: encode message %s: %w", m.ID, err)
	}
	return string(b), nil
}

// Decode parses a stored message.
func Decode(s string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: decode message: %v", ErrInvariantViolation, err)
	}
	return &m, nil
}
