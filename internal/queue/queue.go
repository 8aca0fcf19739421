package queue

import (
	"context"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
)

// Depth is a point-in-time snapshot of a queue's occupancy.
type Depth struct {
	// Ready counts messages eligible for delivery now, including delayed
	// messages whose backoff has elapsed but not yet been promoted.
	Ready int `json:"ready"`
	// InFlight counts messages delivered to a consumer group and not yet
	// acked, summed across groups.
	InFlight int `json:"in_flight"`
	// Delayed counts messages parked under retry backoff.
	Delayed int `json:"delayed"`
}

// Total returns the number of messages the queue is responsible for.
func (d Depth) Total() int { return d.Ready + d.InFlight + d.Delayed }

// Options fixes a queue's behavior at creation time.
type Options struct {
	// Capacity is the hard limit on Total depth. Zero means unbounded.
	Capacity int
	// Groups declares the competing consumer groups. Each ready message is
	// delivered once per group; within a group, to exactly one consumer at
	// a time.
	Groups []string
	// VisibilityTimeout bounds how long a delivered message may stay
	// unacked before it is returned to the ready set with retry_count
	// incremented.
	VisibilityTimeout time.Duration
	// Backoff schedules redelivery after a nack. Zero value means
	// DefaultBackoff.
	Backoff BackoffPolicy
}

// HasGroup reports whether group is one of the declared consumer groups.
func (o Options) HasGroup(group string) bool {
	for _, g := range o.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Queue is one named queue. All backends implement identical semantics:
// priority-then-FIFO ordering, per-group at-least-once delivery, TTL expiry
// to the dead-letter store, retry with backoff, dead-lettering after
// max_retries.
//
// Publish assigns enqueue_ts if the envelope does not carry one and rejects
// envelopes over capacity with ErrQueueFull. Consume blocks up to timeout for
// a ready message and returns ErrNoMessage when none arrives. Ack is
// idempotent; acking an unknown or already-acked message is a no-op. Nack
// returns the message to the queue with retry_count incremented, schedules it
// after the backoff delay, or dead-letters it when retries are exhausted.
type Queue interface {
	Name() string
	Publish(ctx context.Context, env *envelope.Envelope) error
	Consume(ctx context.Context, group string, timeout time.Duration) (*envelope.Envelope, error)
	Ack(ctx context.Context, group, messageID string) error
	Nack(ctx context.Context, group, messageID string, cause error) error
	Depth(ctx context.Context) (Depth, error)
	Close(ctx context.Context) error
}

// DeadLetterQueue is implemented by backends that expose their dead-letter
// store for inspection and replay. All shipped backends do.
type DeadLetterQueue interface {
	Queue
	DeadLetters() DeadLetterStore
}
