// Package redisq implements the queue contract on Redis, for deployments
// where producers and consumers live in different processes. Ready and
// in-flight sets are sorted sets; multi-key transitions run as Lua scripts
// so competing consumers never double-deliver.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

const (
	defaultVisibility = 30 * time.Second
	pollInterval      = 25 * time.Millisecond
	sweepInterval     = 100 * time.Millisecond
	sweepMaxPerTick   = 1024
)

// Queue is the Redis backend. One Redis instance may carry many queues; the
// client is shared and closed by its owner.
type Queue struct {
	name   string
	opts   queue.Options
	rdb    *redis.Client
	logger log.Logger
	dl     *dlStore
	nowMs  func() int64

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open binds the queue named name to rdb and starts its sweeper.
func Open(rdb *redis.Client, name string, opts queue.Options, logger log.Logger) *Queue {
	return open(rdb, name, opts, logger, func() int64 { return time.Now().UnixMilli() })
}

func open(rdb *redis.Client, name string, opts queue.Options, logger log.Logger, nowMs func() int64) *Queue {
	if len(opts.Groups) == 0 {
		opts.Groups = []string{"workers"}
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibility
	}
	q := &Queue{
		name:   name,
		opts:   opts,
		rdb:    rdb,
		logger: logger.WithComponent("queue.redis").With(log.F("queue", name)),
		dl:     &dlStore{rdb: rdb, key: "pq:" + name + ":dlr"},
		nowMs:  nowMs,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go q.sweepLoop()
	return q
}

func (q *Queue) key(parts ...string) string {
	k := "pq:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) itemsKey() string              { return q.key("items") }
func (q *Queue) seqKey() string                { return q.key("seq") }
func (q *Queue) msgKey(id string) string       { return q.key("msg", id) }
func (q *Queue) refKey(id string) string       { return q.key("ref", id) }
func (q *Queue) scoreKey(id string) string     { return q.key("score", id) }
func (q *Queue) scorePrefix() string           { return q.key("score") + ":" }
func (q *Queue) readyKey(group string) string  { return q.key("ready", group) }
func (q *Queue) flightKey(group string) string { return q.key("inflight", group) }
func (q *Queue) delayKey(group string) string  { return q.key("delayed", group) }
func (q *Queue) retryKey(group string) string  { return q.key("retry", group) }

// orderingScore folds priority and publish sequence into one sortable score:
// lower scores pop first, so higher priority wins and equal priorities stay
// FIFO. The sequence fits well inside float64 integer precision.
func orderingScore(priority int, seq int64) float64 {
	return float64(envelope.PriorityMax-priority)*float64(1<<40) + float64(seq)
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// DeadLetters exposes the dead-letter store.
func (q *Queue) DeadLetters() queue.DeadLetterStore { return q.dl }

// Publish stores the envelope and fans it out to every group atomically.
func (q *Queue) Publish(ctx context.Context, env *envelope.Envelope) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	stored := env.Clone()
	if stored.Header.EnqueueTs <= 0 {
		stored.Header.EnqueueTs = q.nowMs()
	}
	body, err := envelope.EncodeJSON(stored)
	if err != nil {
		return err
	}
	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return queue.Systemf("publish", err)
	}
	score := orderingScore(stored.Header.Priority, seq)
	id := stored.Header.MessageID

	keys := []string{q.itemsKey(), q.msgKey(id), q.refKey(id), q.scoreKey(id)}
	for _, g := range q.opts.Groups {
		keys = append(keys, q.readyKey(g))
	}
	res, err := publishScript.Run(ctx, q.rdb, keys,
		q.opts.Capacity, string(body), len(q.opts.Groups),
		strconv.FormatFloat(score, 'f', -1, 64), id).Int()
	if err != nil {
		return queue.Systemf("publish", err)
	}
	switch res {
	case 0:
		return fmt.Errorf("%w: %s at %d", queue.ErrQueueFull, q.name, q.opts.Capacity)
	case -1:
		return fmt.Errorf("redisq: duplicate message_id %s", id)
	}
	return nil
}

// Consume polls for the next ready message up to timeout. Redis has no
// cross-key blocking pop for this layout, so the wait is a short poll loop.
func (q *Queue) Consume(ctx context.Context, group string, timeout time.Duration) (*envelope.Envelope, error) {
	if !q.opts.HasGroup(group) {
		return nil, fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	deadline := time.Now().Add(timeout)
	for {
		if q.isClosed() {
			return nil, queue.ErrClosed
		}
		if err := q.promote(ctx, group); err != nil {
			return nil, err
		}
		env, err := q.pop(ctx, group)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, queue.ErrNoMessage
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *Queue) pop(ctx context.Context, group string) (*envelope.Envelope, error) {
	for {
		now := q.nowMs()
		exp := now + q.opts.VisibilityTimeout.Milliseconds()
		res, err := popScript.Run(ctx, q.rdb,
			[]string{q.readyKey(group), q.flightKey(group)}, exp).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, queue.Systemf("consume", err)
		}
		id, _ := res.(string)
		if id == "" {
			return nil, nil
		}

		env, err := q.loadEnvelope(ctx, id)
		if err != nil {
			// Orphaned id; release it and keep going.
			q.logger.Warn("Dropping in-flight id without message", log.F("message_id", id), log.Err(err))
			if err := q.rdb.ZRem(ctx, q.flightKey(group), id).Err(); err != nil {
				return nil, queue.Systemf("consume", err)
			}
			continue
		}
		retry, err := q.retryCount(ctx, group, id)
		if err != nil {
			return nil, err
		}
		env.Header.RetryCount = retry

		if env.Expired(now) {
			if err := q.rdb.ZRem(ctx, q.flightKey(group), id).Err(); err != nil {
				return nil, queue.Systemf("consume", err)
			}
			if err := q.deadLetter(ctx, group, env, queue.ReasonExpired, "ttl elapsed before delivery"); err != nil {
				return nil, err
			}
			continue
		}
		return env, nil
	}
}

func (q *Queue) loadEnvelope(ctx context.Context, id string) (*envelope.Envelope, error) {
	raw, err := q.rdb.Get(ctx, q.msgKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return envelope.DecodeJSON([]byte(raw))
}

func (q *Queue) retryCount(ctx context.Context, group, id string) (int, error) {
	raw, err := q.rdb.HGet(ctx, q.retryKey(group), id).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, queue.Systemf("consume", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Ack settles the group's delivery. Unknown ids are a no-op.
func (q *Queue) Ack(ctx context.Context, group, messageID string) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	if !q.opts.HasGroup(group) {
		return fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	err := ackScript.Run(ctx, q.rdb, []string{
		q.flightKey(group), q.retryKey(group), q.refKey(messageID),
		q.msgKey(messageID), q.scoreKey(messageID), q.itemsKey(),
	}, messageID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return queue.Systemf("ack", err)
	}
	return nil
}

// Nack returns the delivery: validation failures and exhausted retries
// dead-letter, everything else is parked under backoff.
func (q *Queue) Nack(ctx context.Context, group, messageID string, cause error) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	if !q.opts.HasGroup(group) {
		return fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	removed, err := q.rdb.ZRem(ctx, q.flightKey(group), messageID).Result()
	if err != nil {
		return queue.Systemf("nack", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s in %s/%s", queue.ErrNotInFlight, messageID, q.name, group)
	}
	env, err := q.loadEnvelope(ctx, messageID)
	if err != nil {
		return queue.Systemf("nack", err)
	}
	retry, err := q.retryCount(ctx, group, messageID)
	if err != nil {
		return err
	}
	env.Header.RetryCount = retry

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	var verr *envelope.ValidationError
	switch {
	case errors.As(cause, &verr):
		return q.deadLetter(ctx, group, env, queue.ReasonValidation, detail)
	case !env.CanRetry():
		return q.deadLetter(ctx, group, env, queue.ReasonRetriesExhausted, detail)
	}

	retry++
	delay := q.opts.Backoff.Delay(retry)
	readyAt := q.nowMs() + delay.Milliseconds()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.retryKey(group), messageID, retry)
	pipe.ZAdd(ctx, q.delayKey(group), redis.Z{Score: float64(readyAt), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Systemf("nack", err)
	}
	return nil
}

// deadLetter records the failure and releases the group's reference. The
// caller has already removed the id from ready or in-flight state.
func (q *Queue) deadLetter(ctx context.Context, group string, env *envelope.Envelope, reason queue.FailureReason, detail string) error {
	now := q.nowMs()
	id := env.Header.MessageID
	rec := &queue.DeadLetterRecord{
		Envelope:       env,
		Queue:          q.name,
		Group:          group,
		Reason:         reason,
		Detail:         detail,
		FailureCount:   env.Header.RetryCount + 1,
		FirstFailureMs: now,
		LastFailureMs:  now,
	}
	if err := q.dl.Add(ctx, rec); err != nil {
		return queue.Systemf("deadletter", err)
	}
	err := settleScript.Run(ctx, q.rdb, []string{
		q.retryKey(group), q.refKey(id), q.msgKey(id), q.scoreKey(id), q.itemsKey(),
	}, id).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return queue.Systemf("deadletter", err)
	}
	q.logger.Warn("Dead-lettered message",
		log.F("message_id", id), log.F("group", group), log.F("reason", string(reason)))
	return nil
}

func (q *Queue) promote(ctx context.Context, group string) error {
	err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayKey(group), q.readyKey(group)},
		q.nowMs(), q.scorePrefix()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return queue.Systemf("promote", err)
	}
	return nil
}

// reclaim redelivers in-flight messages whose lease expired in the group.
func (q *Queue) reclaim(ctx context.Context, group string) error {
	ids, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.flightKey(group)}, q.nowMs()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return queue.Systemf("reclaim", err)
	}
	for _, id := range ids {
		env, err := q.loadEnvelope(ctx, id)
		if err != nil {
			continue
		}
		retry, err := q.retryCount(ctx, group, id)
		if err != nil {
			return err
		}
		env.Header.RetryCount = retry
		now := q.nowMs()
		switch {
		case env.Expired(now):
			if err := q.deadLetter(ctx, group, env, queue.ReasonExpired, "ttl elapsed in flight"); err != nil {
				return err
			}
		case !env.CanRetry():
			if err := q.deadLetter(ctx, group, env, queue.ReasonRetriesExhausted, "visibility timeout"); err != nil {
				return err
			}
		default:
			retry++
			score, err := q.rdb.Get(ctx, q.scoreKey(id)).Float64()
			if err != nil {
				score = orderingScore(env.Header.Priority, 0)
			}
			pipe := q.rdb.TxPipeline()
			pipe.HSet(ctx, q.retryKey(group), id, retry)
			pipe.ZAdd(ctx, q.readyKey(group), redis.Z{Score: score, Member: id})
			if _, err := pipe.Exec(ctx); err != nil {
				return queue.Systemf("reclaim", err)
			}
			q.logger.Debug("Redelivering after lease expiry",
				log.F("message_id", id), log.F("group", group))
		}
	}
	return nil
}

// expire dead-letters waiting messages whose TTL budget has elapsed, ready or
// parked under backoff. Expiry does not wait for a consumer to pop the
// message.
func (q *Queue) expire(ctx context.Context, group string) error {
	sets := []struct {
		key    string
		detail string
	}{
		{q.readyKey(group), "ttl elapsed before delivery"},
		{q.delayKey(group), "ttl elapsed during backoff"},
	}
	for _, set := range sets {
		ids, err := q.rdb.ZRange(ctx, set.key, 0, sweepMaxPerTick-1).Result()
		if err != nil {
			return queue.Systemf("expire", err)
		}
		now := q.nowMs()
		for _, id := range ids {
			env, err := q.loadEnvelope(ctx, id)
			if err != nil {
				continue
			}
			if !env.Expired(now) {
				continue
			}
			retry, err := q.retryCount(ctx, group, id)
			if err != nil {
				return err
			}
			env.Header.RetryCount = retry
			removed, err := q.rdb.ZRem(ctx, set.key, id).Result()
			if err != nil {
				return queue.Systemf("expire", err)
			}
			// A consumer took it between the scan and the removal.
			if removed == 0 {
				continue
			}
			if err := q.deadLetter(ctx, group, env, queue.ReasonExpired, set.detail); err != nil {
				return err
			}
		}
	}
	return nil
}

// Depth classifies distinct message ids across groups: any in-flight wins,
// then ready in any group, then delayed.
func (q *Queue) Depth(ctx context.Context) (queue.Depth, error) {
	if q.isClosed() {
		return queue.Depth{}, queue.ErrClosed
	}
	type state struct{ inflight, ready bool }
	seen := make(map[string]*state)
	get := func(id string) *state {
		st, ok := seen[id]
		if !ok {
			st = &state{}
			seen[id] = st
		}
		return st
	}
	for _, g := range q.opts.Groups {
		flight, err := q.rdb.ZRange(ctx, q.flightKey(g), 0, -1).Result()
		if err != nil {
			return queue.Depth{}, queue.Systemf("depth", err)
		}
		for _, id := range flight {
			get(id).inflight = true
		}
		ready, err := q.rdb.ZRange(ctx, q.readyKey(g), 0, -1).Result()
		if err != nil {
			return queue.Depth{}, queue.Systemf("depth", err)
		}
		for _, id := range ready {
			get(id).ready = true
		}
		delayed, err := q.rdb.ZRange(ctx, q.delayKey(g), 0, -1).Result()
		if err != nil {
			return queue.Depth{}, queue.Systemf("depth", err)
		}
		for _, id := range delayed {
			get(id)
		}
	}
	var d queue.Depth
	for _, st := range seen {
		switch {
		case st.inflight:
			d.InFlight++
		case st.ready:
			d.Ready++
		default:
			d.Delayed++
		}
	}
	return d, nil
}

// Close stops the sweeper. Redis state stays; the shared client is closed by
// its owner.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCh)
	q.mu.Unlock()

	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) sweepLoop() {
	defer close(q.doneCh)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-q.stopCh:
			return
		case <-time.After(sweepInterval + time.Duration(rng.Int63n(int64(sweepInterval/4)))):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, g := range q.opts.Groups {
			if err := q.reclaim(ctx, g); err != nil {
				q.logger.Error("Lease reclaim failed", log.F("group", g), log.Err(err))
			}
			if err := q.promote(ctx, g); err != nil {
				q.logger.Error("Delay promotion failed", log.F("group", g), log.Err(err))
			}
			if err := q.expire(ctx, g); err != nil {
				q.logger.Error("TTL expiry failed", log.F("group", g), log.Err(err))
			}
		}
		cancel()
	}
}
