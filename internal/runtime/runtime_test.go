package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/internal/worker"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

func fastConfig() config.Config {
	cfg := config.Default()
	for i := range cfg.Queues {
		cfg.Queues[i].Backoff = config.BackoffConfig{BaseMs: 5, Multiplier: 2, MaxMs: 20}
	}
	return cfg
}

func TestOpenMemoryBackend(t *testing.T) {
	rt, err := Open(fastConfig(), log.NewNopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())

	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	// The control queue is registered alongside the declared queues.
	if _, err := rt.Registry().Get(queue.ControlQueueName); err != nil {
		t.Fatalf("control queue missing: %v", err)
	}
}

func TestOpenPebbleBackend(t *testing.T) {
	cfg := fastConfig()
	cfg.Backend.Kind = "pebble"
	cfg.Backend.DataDir = t.TempDir()

	rt, err := Open(cfg, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())

	ctx := context.Background()
	tasks, err := rt.Registry().Get(cfg.TaskQueue)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	env, err := rt.Factory().New(envelope.TaskCustom, map[string]interface{}{"task_id": "p-1"}, rt.Schemas())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := tasks.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := tasks.Consume(ctx, "interpreter", time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Header.MessageID != env.Header.MessageID {
		t.Fatalf("consumed wrong envelope")
	}
	if err := tasks.Ack(ctx, "interpreter", got.Header.MessageID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

// Full pipeline: a raw publish is validated and routed by the interpreter,
// then a worker fails twice and succeeds on the third attempt.
func TestPipelineRetriesThenSucceeds(t *testing.T) {
	rt, err := Open(fastConfig(), log.NewNopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())

	var attempts atomic.Int64
	var finalRetryCount atomic.Int64
	pool, err := rt.NewWorkerPool(map[envelope.TaskType]worker.Handler{
		envelope.TaskCustom: worker.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) error {
			if attempts.Add(1) <= 2 {
				return errors.New("transient downstream failure")
			}
			finalRetryCount.Store(int64(env.Header.RetryCount))
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	poolDone := make(chan struct{})
	go func() { defer close(runDone); rt.Run(ctx) }()
	go func() { defer close(poolDone); pool.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
		<-poolDone
	}()

	tasks, err := rt.Registry().Get(rt.Config().TaskQueue)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	env, err := rt.Factory().New(envelope.TaskCustom, map[string]interface{}{"task_id": "e2e-1"}, rt.Schemas())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := tasks.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := finalRetryCount.Load(); got != 2 {
		t.Fatalf("final retry_count = %d, want 2", got)
	}

	// No dead letters anywhere in the pipeline.
	for _, name := range rt.Registry().Names() {
		recs, err := rt.Registry().ListDeadLetters(context.Background(), name, 10)
		if err != nil {
			t.Fatalf("list dead letters %s: %v", name, err)
		}
		if len(recs) != 0 {
			t.Fatalf("queue %s has %d dead letters", name, len(recs))
		}
	}
}

// An invalid payload is rejected by the interpreter and lands in the intake
// queue's dead-letter store with the validation reason.
func TestPipelineRejectsInvalidPayload(t *testing.T) {
	rt, err := Open(fastConfig(), log.NewNopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { defer close(runDone); rt.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	env, err := rt.Factory().New(envelope.TaskExtraction, map[string]interface{}{
		"task_id":    "bad-1",
		"input_data": map[string]interface{}{},
	}, rt.Schemas())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	delete(env.Payload, "input_data")

	tasks, err := rt.Registry().Get(rt.Config().TaskQueue)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if err := tasks.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		recs, err := rt.Registry().ListDeadLetters(context.Background(), rt.Config().TaskQueue, 10)
		if err != nil {
			t.Fatalf("list dead letters: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Reason != queue.ReasonValidation {
				t.Fatalf("reason = %q, want %q", recs[0].Reason, queue.ReasonValidation)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("validation failure never dead-lettered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
