// Package runtime wires the process together: logging, metrics, the selected
// queue backend, the queue registry, the interpreter and the supervisor.
// Construction is explicit and teardown drains in reverse order.
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/interpreter"
	"github.com/CalBearKen/ProjectPidgeon/internal/metrics"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue/memory"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue/pebbleq"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue/redisq"
	pebblestore "github.com/CalBearKen/ProjectPidgeon/internal/storage/pebble"
	"github.com/CalBearKen/ProjectPidgeon/internal/supervisor"
	"github.com/CalBearKen/ProjectPidgeon/internal/worker"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

// Runtime holds every long-lived component for a single-node instance.
type Runtime struct {
	cfg     config.Config
	logger  log.Logger
	metrics *metrics.Metrics

	store *pebblestore.Store
	rdb   *redis.Client

	registry *queue.Registry
	factory  *envelope.Factory
	schemas  *envelope.SchemaRegistry
	interp   *interpreter.Interpreter
	sup      *supervisor.Supervisor
}

// Open builds storage, every configured queue plus the control queue, the
// interpreter and the supervisor. cfg must already be validated.
func Open(cfg config.Config, logger log.Logger) (*Runtime, error) {
	rt := &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		factory: envelope.NewFactory(),
		schemas: envelope.DefaultRegistry(),
	}

	switch cfg.Backend.Kind {
	case "pebble":
		mode := pebblestore.SyncGrouped
		if cfg.Backend.FsyncAlways {
			mode = pebblestore.SyncAlways
		}
		store, err := pebblestore.Open(pebblestore.Options{
			Dir:     cfg.Backend.DataDir,
			Mode:    mode,
			Metrics: rt.metrics.StoreHook(),
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: open store: %w", err)
		}
		rt.store = store
	case "redis":
		rt.rdb = redis.NewClient(&redis.Options{Addr: cfg.Backend.RedisAddr})
	}

	rt.registry = queue.NewRegistry(logger)
	declared := append([]config.QueueConfig(nil), cfg.Queues...)
	declared = append(declared, config.QueueConfig{
		Name:   queue.ControlQueueName,
		Groups: []string{worker.ControlGroup},
	})
	for _, qc := range declared {
		q, err := rt.openQueue(qc)
		if err != nil {
			rt.Close(context.Background())
			return nil, err
		}
		if err := rt.registry.Add(q); err != nil {
			rt.Close(context.Background())
			return nil, err
		}
	}

	intake, err := rt.registry.Get(cfg.TaskQueue)
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}
	control, err := rt.registry.Get(queue.ControlQueueName)
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}

	rt.interp = interpreter.New(interpreterID(), intake, rt.registry, rt.schemas,
		cfg.Routing, logger, rt.metrics)
	rt.sup, err = supervisor.New(cfg.Supervisor, rt.registry, control, rt.factory, logger, rt.metrics)
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func interpreterID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (rt *Runtime) openQueue(qc config.QueueConfig) (queue.Queue, error) {
	opts := queue.Options{
		Capacity:          qc.Capacity,
		Groups:            qc.Groups,
		VisibilityTimeout: qc.VisibilityTimeout(),
		Backoff: queue.BackoffPolicy{
			Base:       msToDuration(qc.Backoff.BaseMs),
			Multiplier: qc.Backoff.Multiplier,
			Max:        msToDuration(qc.Backoff.MaxMs),
			Jitter:     qc.Backoff.Jitter,
		},
	}
	switch rt.cfg.Backend.Kind {
	case "memory":
		return memory.New(qc.Name, opts, rt.logger), nil
	case "pebble":
		return pebbleq.Open(rt.store, qc.Name, opts, rt.logger)
	case "redis":
		return redisq.Open(rt.rdb, qc.Name, opts, rt.logger), nil
	default:
		return nil, fmt.Errorf("runtime: unknown backend kind %q", rt.cfg.Backend.Kind)
	}
}

// NewWorkerPool builds competing consumers: one worker per structured queue,
// handler selected by the task type its route targets. Task types without a
// handler get no worker.
func (rt *Runtime) NewWorkerPool(handlers map[envelope.TaskType]worker.Handler) (*worker.Pool, error) {
	control, err := rt.registry.Get(queue.ControlQueueName)
	if err != nil {
		return nil, err
	}
	var configs []worker.Config
	for _, t := range envelope.AllTaskTypes() {
		h, ok := handlers[t]
		if !ok {
			continue
		}
		route, ok := rt.cfg.Routing[string(t)]
		if !ok {
			return nil, fmt.Errorf("runtime: no route for task type %s", t)
		}
		q, err := rt.registry.Get(route.TargetQueue)
		if err != nil {
			return nil, err
		}
		configs = append(configs, worker.Config{
			Queue:    q,
			TaskType: string(t),
			Handler:  h,
			Policy:   rt.sup,
		})
	}
	return worker.NewPool(configs, control, rt.logger, rt.metrics)
}

// Run starts the interpreter and the supervisor sampling loop, blocking
// until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- rt.interp.Run(ctx) }()
	rt.sup.Run(ctx)
	return <-done
}

// CheckHealth verifies the backend answers a depth probe.
func (rt *Runtime) CheckHealth(ctx context.Context) error {
	_, err := rt.registry.Depths(ctx)
	return err
}

// Close drains the queues, then the storage layer.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if rt.registry != nil {
		if err := rt.registry.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.rdb != nil {
		if err := rt.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Config returns the runtime configuration.
func (rt *Runtime) Config() config.Config { return rt.cfg }

// Registry returns the queue registry.
func (rt *Runtime) Registry() *queue.Registry { return rt.registry }

// Metrics returns the process metrics.
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }

// Supervisor returns the policy engine.
func (rt *Runtime) Supervisor() *supervisor.Supervisor { return rt.sup }

// Interpreter returns the validation and routing stage.
func (rt *Runtime) Interpreter() *interpreter.Interpreter { return rt.interp }

// Factory returns the process envelope factory.
func (rt *Runtime) Factory() *envelope.Factory { return rt.factory }

// Schemas returns the payload schema registry.
func (rt *Runtime) Schemas() *envelope.SchemaRegistry { return rt.schemas }
