package redisq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

func newTestQueue(t *testing.T, opts queue.Options) (*Queue, *atomic.Int64) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var clock atomic.Int64
	clock.Store(1_000_000)
	q := open(rdb, "test-queue", opts, log.NewNopLogger(), clock.Load)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q, &clock
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

func TestPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t, queue.Options{Groups: []string{"g"}})
	f := envelope.NewFactory()
	ctx := context.Background()

	for i, p := range []int{3, 7, 3, 9} {
		if err := q.Publish(ctx, mustEnvelope(t, f, fmt.Sprintf("t%d", i), p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	want := []string{"t3", "t1", "t0", "t2"}
	for i, w := range want {
		env, err := q.Consume(ctx, "g", time.Second)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if env.Payload["task_id"] != w {
			t.Fatalf("position %d: got %v, want %s", i, env.Payload["task_id"], w)
		}
		if err := q.Ack(ctx, "g", env.Header.MessageID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	d, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if d.Total() != 0 {
		t.Fatalf("queue should be empty, got %+v", d)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, queue.Options{Groups: []string{"g"}})
	f := envelope.NewFactory()
	ctx := context.Background()

	if err := q.Publish(ctx, mustEnvelope(t, f, "t", 5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env, err := q.Consume(ctx, "g", time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := q.Ack(ctx, "g", env.Header.MessageID); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := q.Ack(ctx, "g", env.Header.MessageID); err != nil {
		t.Fatalf("second ack should be a no-op, got %v", err)
	}
}

func TestNackBackoffAndRedelivery(t *testing.T) {
	q, clock := newTestQueue(t, queue.Options{
		Groups:  []string{"g"},
		Backoff: queue.BackoffPolicy{Base: 10 * time.Second, Multiplier: 2, Max: time.Minute},
	})
	f := envelope.NewFactory()
	ctx := context.Background()

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
	if _, err := q.Consume(ctx, "g", 30*time.Millisecond); !errors.Is(err, queue.ErrNoMessage) {
		t.Fatalf("message must not deliver during backoff, got %v", err)
	}

	clock.Add(12_000)
	redelivered, err := q.Consume(ctx, "g", time.Second)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if redelivered.Header.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", redelivered.Header.RetryCount)
	}
}

func TestExhaustionDeadLetters(t *testing.T) {
	q, clock := newTestQueue(t, queue.Options{
		Groups:  []string{"g"},
		Backoff: queue.BackoffPolicy{Base: time.Second, Multiplier: 1, Max: time.Second},
	})
	f := envelope.NewFactory()
	ctx := context.Background()

	env := mustEnvelope(t, f, "t", 5)
	env.Header.MaxRetries = 1
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		got, err := q.Consume(ctx, "g", time.Second)
		if err != nil {
			t.Fatalf("consume attempt %d: %v", attempt, err)
		}
		if got.Header.RetryCount != attempt {
			t.Fatalf("attempt %d delivered retry_count %d", attempt, got.Header.RetryCount)
		}
		if err := q.Nack(ctx, "g", got.Header.MessageID, errors.New("boom")); err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
		clock.Add(2_000)
	}
	recs, err := q.DeadLetters().List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Reason != queue.ReasonRetriesExhausted {
		t.Fatalf("expected one exhausted dead letter, got %+v", recs)
	}
	d, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if d.Total() != 0 {
		t.Fatalf("dead-lettered message must leave the queue, got %+v", d)
	}
}

func TestTTLExpiryDeadLetters(t *testing.T) {
	q, clock := newTestQueue(t, queue.Options{Groups: []string{"g"}})
	f := envelope.NewFactory()
	ctx := context.Background()

	env := mustEnvelope(t, f, "t", 5)
	env.Header.TTLMs = 500
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	clock.Add(501)
	if _, err := q.Consume(ctx, "g", 30*time.Millisecond); !errors.Is(err, queue.ErrNoMessage) {
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
	q, clock := newTestQueue(t, queue.Options{Groups: []string{"g"}})
	f := envelope.NewFactory()
	ctx := context.Background()

	env := mustEnvelope(t, f, "t", 5)
	env.Header.TTLMs = 500
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// No consumer ever attaches; the sweeper alone must expire it.
	clock.Add(501)
	if err := q.expire(ctx, "g"); err != nil {
		t.Fatalf("expire: %v", err)
	}

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

func TestLeaseReclaimRedelivers(t *testing.T) {
	q, clock := newTestQueue(t, queue.Options{
		Groups:            []string{"g"},
		VisibilityTimeout: 5 * time.Second,
	})
	f := envelope.NewFactory()
	ctx := context.Background()

	env := mustEnvelope(t, f, "t", 5)
	env.Header.TTLMs = 600_000
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := q.Consume(ctx, "g", time.Second); err != nil {
		t.Fatalf("consume: %v", err)
	}

	clock.Add(5_001)
	if err := q.reclaim(ctx, "g"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	redelivered, err := q.Consume(ctx, "g", time.Second)
	if err != nil {
		t.Fatalf("consume after reclaim: %v", err)
	}
	if redelivered.Header.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", redelivered.Header.RetryCount)
	}
}

func TestCapacityRejectsPublish(t *testing.T) {
	q, _ := newTestQueue(t, queue.Options{Groups: []string{"g"}, Capacity: 2})
	f := envelope.NewFactory()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Publish(ctx, mustEnvelope(t, f, fmt.Sprintf("t%d", i), 5)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	err := q.Publish(ctx, mustEnvelope(t, f, "overflow", 5))
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestGroupFanOut(t *testing.T) {
	q, _ := newTestQueue(t, queue.Options{Groups: []string{"a", "b"}})
	f := envelope.NewFactory()
	ctx := context.Background()

	env := mustEnvelope(t, f, "t", 5)
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, g := range []string{"a", "b"} {
		got, err := q.Consume(ctx, g, time.Second)
		if err != nil {
			t.Fatalf("consume %s: %v", g, err)
		}
		if got.Header.MessageID != env.Header.MessageID {
			t.Fatalf("group %s got wrong message", g)
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
