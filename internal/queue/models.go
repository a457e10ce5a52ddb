package queue

import "time"

// Message is the unit of work held by a queue.
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	EnqueuedAt   time.Time
	VisibleAt    time.Time
	ReceiveCount int
}

// Delivery is a message handed to a consumer together with the lease that
// grants it the exclusive right to delete or extend it.
type Delivery struct {
	Message
	LeaseToken string
}

// ClaimOptions controls how we receive messages.
type ClaimOptions struct {
	Limit      int
	Visibility time.Duration
	// WaitTime > 0 turns the receive into a long poll bounded by WaitTime.
	WaitTime time.Duration
}

// Result reports the outcome of an operation that requires a valid lease.
type Result int

const (
	// Success means the lease was valid and the operation took effect.
	Success Result = iota
	// Stale means the lease had expired or was already consumed; nothing changed.
	Stale
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a queue's depth.
type Stats struct {
	Visible  int
	InFlight int
}
