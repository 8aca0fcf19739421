package pebbleq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	pebblestore "github.com/CalBearKen/ProjectPidgeon/internal/storage/pebble"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

func openStore(t *testing.T, dir string) *pebblestore.Store {
	t.Helper()
	store, err := pebblestore.Open(pebblestore.Options{Dir: dir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close queue: %v", err)
	}
}

func mustEnvelope(t *testing.T, f *envelope.Factory, taskID string, priority int) *envelope.Envelope {
	t.Helper()
	env, err := f.New(envelope.TaskCustom, map[string]interface{}{"task_id": taskID}, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.Header.Priority = priority
	return env
}

func TestOrderingSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f := envelope.NewFactory()
	ctx := context.Background()

	q, err := Open(store, "durable", queue.Options{Groups: []string{"g"}}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	for i, p := range []int{3, 9, 3, 7} {
		if err := q.Publish(ctx, mustEnvelope(t, f, fmt.Sprintf("t%d", i), p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	closeQueue(t, q)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2 := openStore(t, dir)
	defer store2.Close()
	q2, err := Open(store2, "durable", queue.Options{Groups: []string{"g"}}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer closeQueue(t, q2)

	want := []string{"t1", "t3", "t0", "t2"}
	for i, w := range want {
		env, err := q2.Consume(ctx, "g", time.Second)
		if err != nil {
			t.Fatalf("consume %d after restart: %v", i, err)
		}
		if env.Payload["task_id"] != w {
			t.Fatalf("position %d: got %v, want %s", i, env.Payload["task_id"], w)
		}
		if err := q2.Ack(ctx, "g", env.Header.MessageID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	d, err := q2.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if d.Total() != 0 {
		t.Fatalf("queue should be empty, got %+v", d)
	}
}

func TestLeaseSurvivesRestartAndReclaims(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f := envelope.NewFactory()
	ctx := context.Background()

	var clock atomic.Int64
	clock.Store(1_000_000)
	opts := queue.Options{Groups: []string{"g"}, VisibilityTimeout: 5 * time.Second}

	q, err := open(store, "durable", opts, log.NewNopLogger(), clock.Load)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	env := mustEnvelope(t, f, "t", 5)
	env.Header.TTLMs = 600_000
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := q.Consume(ctx, "g", time.Second); err != nil {
		t.Fatalf("consume: %v", err)
	}
	// Simulate a worker crash: the lease is never acked and the process
	// restarts.
	closeQueue(t, q)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2 := openStore(t, dir)
	defer store2.Close()
	clock.Add(5_001)
	q2, err := open(store2, "durable", opts, log.NewNopLogger(), clock.Load)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer closeQueue(t, q2)

	q2.sweep()
	redelivered, err := q2.Consume(ctx, "g", time.Second)
	if err != nil {
		t.Fatalf("consume after reclaim: %v", err)
	}
	if redelivered.Header.MessageID != env.Header.MessageID {
		t.Fatalf("wrong message redelivered")
	}
	if redelivered.Header.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", redelivered.Header.RetryCount)
	}
}

func TestNackBackoffAndRedelivery(t *testing.T) {
	store := openStore(t, t.TempDir())
	defer store.Close()
	f := envelope.NewFactory()
	ctx := context.Background()

	q, err := Open(store, "durable", queue.Options{
		Groups:  []string{"g"},
		Backoff: queue.BackoffPolicy{Base: 20 * time.Millisecond, Multiplier: 2, Max: time.Second},
	}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer closeQueue(t, q)

	if err := q.Publish(ctx, mustEnvelope(t, f, "t", 5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env, err := q.Consume(ctx, "g", time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := q.Nack(ctx, "g", env.Header.MessageID, errors.New("transient")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if _, err := q.Consume(ctx, "g", 5*time.Millisecond); !errors.Is(err, queue.ErrNoMessage) {
		t.Fatalf("message must not deliver during backoff, got %v", err)
	}
	redelivered, err := q.Consume(ctx, "g", 2*time.Second)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if redelivered.Header.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", redelivered.Header.RetryCount)
	}
}

func TestExhaustionPersistsDeadLetter(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f := envelope.NewFactory()
	ctx := context.Background()

	q, err := Open(store, "durable", queue.Options{
		Groups:  []string{"g"},
		Backoff: queue.BackoffPolicy{Base: time.Millisecond, Multiplier: 1, Max: time.Millisecond},
	}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	env := mustEnvelope(t, f, "t", 5)
	env.Header.MaxRetries = 1
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		got, err := q.Consume(ctx, "g", 2*time.Second)
		if err != nil {
			t.Fatalf("consume attempt %d: %v", attempt, err)
		}
		if err := q.Nack(ctx, "g", got.Header.MessageID, errors.New("boom")); err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
	}
	closeQueue(t, q)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2 := openStore(t, dir)
	defer store2.Close()
	q2, err := Open(store2, "durable", queue.Options{Groups: []string{"g"}}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer closeQueue(t, q2)

	recs, err := q2.DeadLetters().List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("dead letters after restart = %d, want 1", len(recs))
	}
	if recs[0].Reason != queue.ReasonRetriesExhausted {
		t.Fatalf("reason = %s", recs[0].Reason)
	}
	if recs[0].Envelope.Header.RetryCount != 1 {
		t.Fatalf("preserved retry_count = %d, want 1", recs[0].Envelope.Header.RetryCount)
	}
}

func TestTTLExpiryDeadLetters(t *testing.T) {
	store := openStore(t, t.TempDir())
	defer store.Close()
	f := envelope.NewFactory()
	ctx := context.Background()

	var clock atomic.Int64
	clock.Store(1_000_000)
	q, err := open(store, "durable", queue.Options{Groups: []string{"g"}}, log.NewNopLogger(), clock.Load)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer closeQueue(t, q)

	env := mustEnvelope(t, f, "t", 5)
	env.Header.TTLMs = 500
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	clock.Add(501)
	if _, err := q.Consume(ctx, "g", 5*time.Millisecond); !errors.Is(err, queue.ErrNoMessage) {
		t.Fatalf("expired message must not deliver, got %v", err)
	}
	recs, err := q.DeadLetters().List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Reason != queue.ReasonExpired {
		t.Fatalf("expected one expired dead letter, got %+v", recs)
	}
}

func TestTTLSweepExpiresUnconsumed(t *testing.T) {
	store := openStore(t, t.TempDir())
	defer store.Close()
	f := envelope.NewFactory()
	ctx := context.Background()

	var clock atomic.Int64
	clock.Store(1_000_000)
	q, err := open(store, "durable", queue.Options{Groups: []string{"g"}}, log.NewNopLogger(), clock.Load)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer closeQueue(t, q)

	env := mustEnvelope(t, f, "t", 5)
	env.Header.TTLMs = 500
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// No consumer ever attaches; the sweeper alone must expire it.
	clock.Add(501)
	q.sweep()

	recs, err := q.DeadLetters().List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Reason != queue.ReasonExpired {
		t.Fatalf("expected one expired dead letter, got %+v", recs)
	}
	d, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if d.Total() != 0 {
		t.Fatalf("expired message must leave the queue, got %+v", d)
	}
}

func TestGroupFanOutSharesOneRecord(t *testing.T) {
	store := openStore(t, t.TempDir())
	defer store.Close()
	f := envelope.NewFactory()
	ctx := context.Background()

	q, err := Open(store, "durable", queue.Options{Groups: []string{"a", "b"}}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer closeQueue(t, q)

	env := mustEnvelope(t, f, "t", 5)
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, g := range []string{"a", "b"} {
		got, err := q.Consume(ctx, g, time.Second)
		if err != nil {
			t.Fatalf("consume %s: %v", g, err)
		}
		if err := q.Ack(ctx, g, got.Header.MessageID); err != nil {
			t.Fatalf("ack %s: %v", g, err)
		}
	}
	d, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if d.Total() != 0 {
		t.Fatalf("message should be settled after both groups acked, got %+v", d)
	}
}

func TestCapacitySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f := envelope.NewFactory()
	ctx := context.Background()

	q, err := Open(store, "durable", queue.Options{Groups: []string{"g"}, Capacity: 2}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.Publish(ctx, mustEnvelope(t, f, fmt.Sprintf("t%d", i), 5)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	closeQueue(t, q)
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2 := openStore(t, dir)
	defer store2.Close()
	q2, err := Open(store2, "durable", queue.Options{Groups: []string{"g"}, Capacity: 2}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer closeQueue(t, q2)

	err = q2.Publish(ctx, mustEnvelope(t, f, "overflow", 5))
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("capacity must be enforced after restart, got %v", err)
	}
}
