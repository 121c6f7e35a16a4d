package queue

import (
	"fmt"

	"github.com/snehjoshi/epochmq/internal/types"
)

// statemachine.go: legal moves between message locations.
//
//	SCHEDULED ──────────────► PENDING ◄──────────────┐
//	    ▲                        │                   │
//	    │                        ▼                   │
//	    └──── retry delay ── IN_FLIGHT ── retry ─────┘
//	                             │
//	                  ┌──────────┴──────────┐
//	                  ▼                     ▼
//	            ACKNOWLEDGED          DEAD_LETTERED
//	                  │                     │
//	                  └──── requeue ────────┴──► PENDING (fresh copy)

// ValidTransition reports whether moving a message from → to is legal.
// Expiry removes a message without a destination and is not a transition.
func ValidTransition(from, to Location) bool {
	switch from {
	case types.LocationScheduled:
		return to == types.LocationPending
	case types.LocationPending:
		return to == types.LocationInFlight
	case types.LocationInFlight:
		// ack, retry now, retry later, exhausted, or recovery of a dead worker
		return to == types.LocationAcknowledged ||
			to == types.LocationPending ||
			to == types.LocationScheduled ||
			to == types.LocationDeadLettered
	case types.LocationAcknowledged, types.LocationDeadLettered:
		// Administrative requeue creates a new message in pending.
		return to == types.LocationPending
	}
	return false
}

// CheckTransition returns types.ErrInvariantViolation when from → to is not
// a legal move. Every transition path calls it before staging writes.
func CheckTransition(from, to Location) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: illegal move %s -> %s", types.ErrInvariantViolation, from, to)
	}
	return nil
}
