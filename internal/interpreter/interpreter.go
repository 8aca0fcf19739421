// Package interpreter turns raw task envelopes into routable work items. It
// consumes the intake queue, validates each envelope against the schema for
// its task type, enriches it with routing metadata from the configured
// routing table and republishes it to the structured queue. Validation
// failures are permanent and go straight to the intake queue's dead-letter
// store.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/metrics"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

// ConsumerGroup is the interpreter's group on the intake queue.
const ConsumerGroup = "interpreter"

const consumeTimeout = time.Second

// Interpreter is the validation and enrichment stage.
type Interpreter struct {
	id      string
	intake  queue.Queue
	reg     *queue.Registry
	schemas *envelope.SchemaRegistry
	routes  map[envelope.TaskType]config.RouteConfig
	logger  log.Logger
	metrics *metrics.Metrics
	nowMs   func() int64
}

// New builds an interpreter over the registry. The routing table was
// validated at config load, so every domain task type resolves.
func New(id string, intake queue.Queue, reg *queue.Registry, schemas *envelope.SchemaRegistry,
	routing map[string]config.RouteConfig, logger log.Logger, m *metrics.Metrics) *Interpreter {
	routes := make(map[envelope.TaskType]config.RouteConfig, len(routing))
	for raw, route := range routing {
		routes[envelope.TaskType(raw)] = route
	}
	return &Interpreter{
		id:      id,
		intake:  intake,
		reg:     reg,
		schemas: schemas,
		routes:  routes,
		logger:  logger.WithComponent("interpreter").With(log.F("interpreter_id", id)),
		metrics: m,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Run consumes the intake queue until ctx is cancelled. Each delivery is
// settled (ack or nack) before the next is taken.
func (i *Interpreter) Run(ctx context.Context) error {
	i.logger.Info("Interpreter started", log.F("queue", i.intake.Name()))
	for {
		env, err := i.intake.Consume(ctx, ConsumerGroup, consumeTimeout)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
			i.logger.Info("Interpreter stopped")
			return nil
		}
		if err != nil {
			i.logger.Error("Intake consume failed", log.Err(err))
			continue
		}
		if err := i.handle(ctx, env); err != nil {
			i.logger.Error("Failed to settle delivery",
				log.F("message_id", env.Header.MessageID), log.Err(err))
		}
	}
}

// handle processes one delivery and settles it on the intake queue.
func (i *Interpreter) handle(ctx context.Context, env *envelope.Envelope) error {
	taskType := string(env.Header.TaskType)

	enriched, err := i.Process(env)
	if err != nil {
		var verr *envelope.ValidationError
		if errors.As(err, &verr) {
			i.metrics.InterpreterProcessed.WithLabelValues(taskType, "rejected").Inc()
			i.logger.Warn("Rejected invalid envelope",
				log.F("message_id", env.Header.MessageID),
				log.F("correlation_id", env.Header.CorrelationID),
				log.Err(verr))
			// Validation is permanent; the nack dead-letters immediately.
			return i.intake.Nack(ctx, ConsumerGroup, env.Header.MessageID, verr)
		}
		i.metrics.InterpreterProcessed.WithLabelValues(taskType, "failed").Inc()
		return i.intake.Nack(ctx, ConsumerGroup, env.Header.MessageID, err)
	}

	target, err := i.reg.Get(enriched.Header.Route.TargetQueue)
	if err != nil {
		return i.intake.Nack(ctx, ConsumerGroup, env.Header.MessageID, queue.Systemf("route", err))
	}
	if err := target.Publish(ctx, enriched); err != nil {
		// Downstream full or unavailable; the intake redelivers later.
		i.metrics.InterpreterProcessed.WithLabelValues(taskType, "deferred").Inc()
		return i.intake.Nack(ctx, ConsumerGroup, env.Header.MessageID, err)
	}
	i.metrics.InterpreterProcessed.WithLabelValues(taskType, "routed").Inc()
	i.metrics.PublishedTotal.WithLabelValues(target.Name()).Inc()
	i.logger.Debug("Routed envelope",
		log.F("message_id", enriched.Header.MessageID),
		log.F("task_type", taskType),
		log.F("target", target.Name()))
	return i.intake.Ack(ctx, ConsumerGroup, env.Header.MessageID)
}

// Process validates and enriches one envelope without touching any queue.
// Re-processing an already-enriched envelope is a no-op: the existing route
// is kept and no defaults are re-applied.
func (i *Interpreter) Process(env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.Header.TaskType.IsControl() {
		return nil, fmt.Errorf("interpreter: control envelopes do not route through the interpreter")
	}
	if env.Enriched() {
		return env, nil
	}
	if err := envelope.Validate(env, i.schemas); err != nil {
		return nil, err
	}

	route, ok := i.routes[env.Header.TaskType]
	if !ok {
		// Unreachable with a validated config; kept as a hard failure
		// instead of a silent default.
		return nil, fmt.Errorf("interpreter: no route for task type %s", env.Header.TaskType)
	}

	out := env.Clone()
	if route.Priority > 0 {
		out.Header.Priority = route.Priority
	}
	if route.TTLMs > 0 {
		out.Header.TTLMs = route.TTLMs
	}
	if route.MaxRetries > 0 {
		out.Header.MaxRetries = route.MaxRetries
	}
	// Republishing starts a fresh delivery life: the structured queue stamps
	// its own enqueue_ts and counts its own retries.
	out.Header.EnqueueTs = 0
	out.Header.RetryCount = 0
	out.Header.Route = &envelope.Route{
		TargetQueue:   route.TargetQueue,
		InterpreterID: i.id,
		EnrichedAtMs:  i.nowMs(),
	}
	return out, nil
}
