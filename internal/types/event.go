package types

// EventKind names a lifecycle event.
type EventKind string

const (
	EventProduced         EventKind = "message_produced"
	EventEnqueued         EventKind = "message_enqueued"
	EventReceived         EventKind = "message_received"
	EventAcknowledged     EventKind = "message_acknowledged"
	EventUnacknowledged   EventKind = "message_unacknowledged"
	EventConsumeTimeout   EventKind = "message_consume_timeout"
	EventExpired          EventKind = "message_expired"
	EventRetry            EventKind = "message_retry"
	EventRetryAfterDelay  EventKind = "message_retry_after_delay"
	EventDeadLetter       EventKind = "message_dead_letter"
	EventScheduled        EventKind = "message_scheduled"
	EventScheduledEnqueue EventKind = "message_scheduled_enqueue"
	EventScheduledDelete  EventKind = "message_scheduled_delete"
	EventRequeued         EventKind = "message_requeued"
	EventRecovered        EventKind = "message_recovered"
	EventDeleted          EventKind = "message_deleted"
)

// Event describes one transition. Events are delivered to pre-commit
// participants (which may append steps to the same transaction) and, after a
// successful commit, to listeners.
type Event struct {
	Kind      EventKind `json:"kind"`
	Queue     QueueRef  `json:"queue"`
	MessageID string    `json:"messageId"`
	WorkerID  string    `json:"workerId,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	// At is the UTC millisecond the event was recorded.
	At int64 `json:"at"`
}
