package queue

import "errors"

var (
	// ErrUnavailable marks failures to reach the backing store. Callers may retry.
	ErrUnavailable = errors.New("queue: store unavailable")
	// ErrEmptyBody is returned when enqueueing a zero-length body.
	ErrEmptyBody = errors.New("queue: empty message body")
	// ErrBodyTooLarge is returned when a body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("queue: message body too large")
	// ErrInvalidBatch is returned for a non-positive batch size or visibility timeout.
	ErrInvalidBatch = errors.New("queue: invalid receive options")
	// ErrClosed is returned by stores that have been closed.
	ErrClosed = errors.New("queue: store closed")
)
