package queue

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation failures are permanent and surface as
// *envelope.ValidationError from the envelope package; everything below
// covers the queue-side outcomes.
var (
	// ErrQueueFull rejects a publish above the queue's configured hard
	// capacity. Distinct from the soft backpressure watermark, which defers
	// rather than rejects.
	ErrQueueFull = errors.New("queue: capacity exceeded")

	// ErrNoMessage is returned by Consume when the timeout elapses with no
	// ready message.
	ErrNoMessage = errors.New("queue: no message")

	// ErrUnknownQueue reports an operation against a queue name absent from
	// the registry.
	ErrUnknownQueue = errors.New("queue: unknown queue")

	// ErrUnknownGroup reports a consume against a consumer group that was
	// never declared for the queue. Groups are declared in configuration,
	// not created implicitly.
	ErrUnknownGroup = errors.New("queue: unknown consumer group")

	// ErrNotInFlight reports a nack for a message this group does not hold
	// in flight. Ack of an unknown id is a no-op instead, because duplicate
	// acks are expected under at-least-once delivery.
	ErrNotInFlight = errors.New("queue: message not in flight")

	// ErrClosed reports an operation against a queue after teardown began.
	ErrClosed = errors.New("queue: closed")
)

// SystemError wraps a backend failure (storage unavailable, connection lost).
// The supervisor treats these as circuit-opening signals.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string { return fmt.Sprintf("queue: system error in %s: %v", e.Op, e.Err) }
func (e *SystemError) Unwrap() error { return e.Err }

// Systemf wraps err as a SystemError for operation op.
func Systemf(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SystemError{Op: op, Err: err}
}
