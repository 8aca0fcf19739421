// Package worker runs competing consumers over structured queues. Each
// worker is one loop: wait for the control gate, check the reliability
// policy, consume, hand the envelope to the handler and settle the delivery.
// Cancellation is honored at every wait point, but an in-flight delivery is
// always settled before the loop exits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/metrics"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

const (
	consumeTimeout = time.Second
	policyBackoff  = 100 * time.Millisecond
)

// Handler processes one delivery. A nil return acks the envelope; an error
// nacks it with the error as cause, so a *envelope.ValidationError
// dead-letters immediately while anything else retries per the queue policy.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error { return f(ctx, env) }

// Policy is the supervisor surface workers consult: admission per circuit
// state before taking work, outcome reporting after settling it.
type Policy interface {
	Allow(queueName, taskType string) bool
	ReportOutcome(ctx context.Context, queueName, taskType string, ok bool, elapsed time.Duration)
}

// Worker is one consumer loop over one queue.
type Worker struct {
	id       string
	queue    queue.Queue
	group    string
	taskType string
	handler  Handler
	policy   Policy
	gate     *gate
	logger   log.Logger
	metrics  *metrics.Metrics
}

// Config assembles one worker.
type Config struct {
	ID    string
	Queue queue.Queue
	Group string
	// TaskType labels the work this queue carries, for the policy and for
	// metrics.
	TaskType string
	Handler  Handler
	// Policy may be nil; the worker then dispatches unconditionally.
	Policy Policy
}

func newWorker(cfg Config, g *gate, logger log.Logger, m *metrics.Metrics) (*Worker, error) {
	if cfg.Queue == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("worker: queue and handler are required")
	}
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Queue.Name() + "/" + cfg.Group
	}
	return &Worker{
		id:       cfg.ID,
		queue:    cfg.Queue,
		group:    cfg.Group,
		taskType: cfg.TaskType,
		handler:  cfg.Handler,
		policy:   cfg.Policy,
		gate:     g,
		logger:   logger.WithComponent("worker").With(log.F("worker_id", cfg.ID)),
		metrics:  m,
	}, nil
}

// run consumes until ctx is cancelled. The current delivery, if any, is
// settled before returning.
func (w *Worker) run(ctx context.Context) {
	w.logger.Info("Worker started", log.F("queue", w.queue.Name()), log.F("group", w.group))
	for {
		if err := w.gate.wait(ctx, w.queue.Name()); err != nil {
			w.logger.Info("Worker stopped")
			return
		}
		if w.policy != nil && !w.policy.Allow(w.queue.Name(), w.taskType) {
			select {
			case <-ctx.Done():
				w.logger.Info("Worker stopped")
				return
			case <-time.After(policyBackoff):
			}
			continue
		}

		env, err := w.queue.Consume(ctx, w.group, consumeTimeout)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
			w.logger.Info("Worker stopped")
			return
		}
		if err != nil {
			w.logger.Error("Consume failed", log.Err(err))
			continue
		}

		w.metrics.ConsumedTotal.WithLabelValues(w.queue.Name(), w.group).Inc()
		w.process(ctx, env)
	}
}

// process runs the handler and settles the delivery. Settlement uses a
// fresh context so a shutdown mid-handle never abandons the lease.
func (w *Worker) process(ctx context.Context, env *envelope.Envelope) {
	taskType := string(env.Header.TaskType)
	start := time.Now()
	herr := w.handler.Handle(ctx, env)
	elapsed := time.Since(start)
	w.metrics.ProcessingSeconds.WithLabelValues(taskType).Observe(elapsed.Seconds())

	settleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome := "ack"
	var serr error
	if herr == nil {
		serr = w.queue.Ack(settleCtx, w.group, env.Header.MessageID)
	} else {
		outcome = "nack"
		serr = w.queue.Nack(settleCtx, w.group, env.Header.MessageID, herr)
		w.logger.Warn("Delivery failed",
			log.F("message_id", env.Header.MessageID),
			log.F("task_type", taskType),
			log.F("retry_count", env.Header.RetryCount),
			log.Err(herr))
	}
	if serr != nil {
		outcome = "settle_error"
		w.logger.Error("Settle failed",
			log.F("message_id", env.Header.MessageID), log.Err(serr))
	}
	w.metrics.WorkerOutcomes.WithLabelValues(w.queue.Name(), taskType, outcome).Inc()
	if w.policy != nil {
		w.policy.ReportOutcome(settleCtx, w.queue.Name(), taskType, herr == nil, elapsed)
	}
}
