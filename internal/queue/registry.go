package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

// Registry holds the named queues for one process. It is assembled at
// startup from configuration and passed explicitly to the components that
// need it; nothing resolves queues through globals.
type Registry struct {
	queues map[string]Queue
	order  []string
	logger log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		queues: make(map[string]Queue),
		logger: logger.WithComponent("queue.registry"),
	}
}

// Add registers q under its name. Duplicate names are a startup bug.
func (r *Registry) Add(q Queue) error {
	name := q.Name()
	if _, dup := r.queues[name]; dup {
		return fmt.Errorf("queue: duplicate queue %q", name)
	}
	r.queues[name] = q
	r.order = append(r.order, name)
	r.logger.Debug("Registered queue", log.F("queue", name))
	return nil
}

// Get returns the queue registered under name.
func (r *Registry) Get(name string) (Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Names returns the registered queue names in sorted order.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Depths snapshots every queue's depth.
func (r *Registry) Depths(ctx context.Context) (map[string]Depth, error) {
	out := make(map[string]Depth, len(r.queues))
	for name, q := range r.queues {
		d, err := q.Depth(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

// ReplayDeadLetter removes the record for messageID from the queue's
// dead-letter store and republishes its envelope with retry_count reset.
// The message keeps its identity so downstream correlation survives replay.
func (r *Registry) ReplayDeadLetter(ctx context.Context, queueName, messageID string) error {
	q, err := r.Get(queueName)
	if err != nil {
		return err
	}
	dlq, ok := q.(DeadLetterQueue)
	if !ok {
		return fmt.Errorf("queue: %s does not expose dead letters", queueName)
	}
	rec, err := dlq.DeadLetters().Take(ctx, messageID)
	if err != nil {
		return err
	}
	env := rec.Envelope.Clone()
	env.Header.RetryCount = 0
	env.Header.EnqueueTs = 0
	if err := q.Publish(ctx, env); err != nil {
		// Publish failed; put the record back so the message is not lost.
		if addErr := dlq.DeadLetters().Add(ctx, rec); addErr != nil {
			r.logger.Error("Dead letter lost after failed replay",
				log.F("queue", queueName), log.F("message_id", messageID), log.Err(addErr))
		}
		return err
	}
	r.logger.Info("Replayed dead letter",
		log.F("queue", queueName), log.F("message_id", messageID), log.F("reason", string(rec.Reason)))
	return nil
}

// DiscardDeadLetter drops the record for messageID permanently.
func (r *Registry) DiscardDeadLetter(ctx context.Context, queueName, messageID string) error {
	q, err := r.Get(queueName)
	if err != nil {
		return err
	}
	dlq, ok := q.(DeadLetterQueue)
	if !ok {
		return fmt.Errorf("queue: %s does not expose dead letters", queueName)
	}
	if err := dlq.DeadLetters().Remove(ctx, messageID); err != nil {
		return err
	}
	r.logger.Info("Discarded dead letter",
		log.F("queue", queueName), log.F("message_id", messageID))
	return nil
}

// ListDeadLetters returns up to limit records for the queue.
func (r *Registry) ListDeadLetters(ctx context.Context, queueName string, limit int) ([]*DeadLetterRecord, error) {
	q, err := r.Get(queueName)
	if err != nil {
		return nil, err
	}
	dlq, ok := q.(DeadLetterQueue)
	if !ok {
		return nil, fmt.Errorf("queue: %s does not expose dead letters", queueName)
	}
	return dlq.DeadLetters().List(ctx, limit)
}

// Close shuts every queue down, draining in-flight bookkeeping. Errors are
// collected; close continues past failures so every backend gets a chance to
// flush.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, name := range r.order {
		if err := r.queues[name].Close(ctx); err != nil {
			r.logger.Error("Failed to close queue", log.F("queue", name), log.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
