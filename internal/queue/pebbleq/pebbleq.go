// Package pebbleq implements the queue contract on a Pebble store. Messages,
// per-group delivery state and dead letters are persisted, so queues survive
// process restarts; leases make in-flight deliveries crash-safe.
package pebbleq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	pebblestore "github.com/CalBearKen/ProjectPidgeon/internal/storage/pebble"
	"github.com/CalBearKen/ProjectPidgeon/pkg/id"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

const (
	defaultVisibility = 30 * time.Second
	sweepInterval     = 100 * time.Millisecond
	sweepMaxPerTick   = 1024
)

// Queue is the durable backend. One Store may carry many queues; each queue
// owns its key prefix.
type Queue struct {
	name   string
	opts   queue.Options
	store  *pebblestore.Store
	logger log.Logger
	dl     *dlStore
	nowMs  func() int64

	mu      sync.Mutex
	closed  bool
	lastSeq uint64
	items   int
	notify  chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open restores or creates the queue named name on store. The last publish
// sequence and live message count are recovered from disk, so ordering and
// capacity accounting survive restarts.
func Open(store *pebblestore.Store, name string, opts queue.Options, logger log.Logger) (*Queue, error) {
	return open(store, name, opts, logger, func() int64 { return time.Now().UnixMilli() })
}

func open(store *pebblestore.Store, name string, opts queue.Options, logger log.Logger, nowMs func() int64) (*Queue, error) {
	if len(opts.Groups) == 0 {
		opts.Groups = []string{"workers"}
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibility
	}
	q := &Queue{
		name:   name,
		opts:   opts,
		store:  store,
		logger: logger.WithComponent("queue.pebble").With(log.F("queue", name)),
		dl:     &dlStore{store: store, queue: name},
		nowMs:  nowMs,
		notify: make(chan struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if meta, err := store.Get(metaKey(name)); err == nil && len(meta) >= 8 {
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, queue.Systemf("open", err)
	}
	items, err := q.countRefs()
	if err != nil {
		return nil, err
	}
	q.items = items
	go q.sweepLoop()
	return q, nil
}

func (q *Queue) countRefs() (int, error) {
	iter, err := q.store.PrefixIter(refPrefix(q.name))
	if err != nil {
		return 0, queue.Systemf("open", err)
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// DeadLetters exposes the persistent dead-letter store.
func (q *Queue) DeadLetters() queue.DeadLetterStore { return q.dl }

// Publish durably enqueues env for every consumer group in one batch.
func (q *Queue) Publish(ctx context.Context, env *envelope.Envelope) error {
	mid, err := id.Parse(env.Header.MessageID)
	if err != nil {
		return fmt.Errorf("pebbleq: bad message id %q: %w", env.Header.MessageID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.opts.Capacity > 0 && q.items >= q.opts.Capacity {
		return fmt.Errorf("%w: %s at %d", queue.ErrQueueFull, q.name, q.opts.Capacity)
	}
	if _, err := q.store.Get(refKey(q.name, mid)); err == nil {
		return fmt.Errorf("pebbleq: duplicate message_id %s", env.Header.MessageID)
	}

	stored := env.Clone()
	if stored.Header.EnqueueTs <= 0 {
		stored.Header.EnqueueTs = q.nowMs()
	}
	frame, err := envelope.EncodeBinary(stored)
	if err != nil {
		return err
	}

	q.lastSeq++
	seq := q.lastSeq
	b := q.store.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(q.name, mid), frame, nil); err != nil {
		return queue.Systemf("publish", err)
	}
	var ref [4]byte
	binary.BigEndian.PutUint32(ref[:], uint32(len(q.opts.Groups)))
	if err := b.Set(refKey(q.name, mid), ref[:], nil); err != nil {
		return queue.Systemf("publish", err)
	}
	var retry [4]byte
	for _, g := range q.opts.Groups {
		if err := b.Set(readyKey(q.name, g, stored.Header.Priority, seq, mid), retry[:], nil); err != nil {
			return queue.Systemf("publish", err)
		}
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], q.lastSeq)
	if err := b.Set(metaKey(q.name), meta[:], nil); err != nil {
		return queue.Systemf("publish", err)
	}
	if err := q.store.Commit(ctx, b); err != nil {
		return queue.Systemf("publish", err)
	}
	q.items++
	q.wakeLocked()
	return nil
}

// Consume blocks up to timeout for the next ready message in the group.
func (q *Queue) Consume(ctx context.Context, group string, timeout time.Duration) (*envelope.Envelope, error) {
	if !q.opts.HasGroup(group) {
		return nil, fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if _, err := q.promoteLocked(ctx, group, sweepMaxPerTick); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		env, err := q.popLocked(ctx, group)
		if err != nil {
			q.mu.Unlock()
			return nil, err
		}
		if env != nil {
			q.mu.Unlock()
			return env, nil
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, queue.ErrNoMessage
		case <-ch:
		}
	}
}

// popLocked delivers the highest-priority ready message, dead-lettering
// expired ones along the way. A nil envelope with nil error means nothing is
// ready.
func (q *Queue) popLocked(ctx context.Context, group string) (*envelope.Envelope, error) {
	prefix := readyPrefix(q.name, group)
	for {
		iter, err := q.store.PrefixIter(prefix)
		if err != nil {
			return nil, queue.Systemf("consume", err)
		}
		if !iter.First() {
			iter.Close()
			return nil, nil
		}
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		iter.Close()

		priority, seq, mid, ok := parseReadyKey(key, prefix)
		if !ok || len(val) < 4 {
			if err := q.store.Delete(ctx, key); err != nil {
				return nil, queue.Systemf("consume", err)
			}
			continue
		}
		retry := int(binary.BigEndian.Uint32(val[:4]))

		env, err := q.loadEnvelope(mid)
		if err != nil {
			// Orphaned index entry; drop it and keep going.
			q.logger.Warn("Dropping ready entry without message", log.F("message_id", mid.String()), log.Err(err))
			if err := q.store.Delete(ctx, key); err != nil {
				return nil, queue.Systemf("consume", err)
			}
			continue
		}
		env.Header.RetryCount = retry

		now := q.nowMs()
		b := q.store.NewBatch()
		if err := b.Delete(key, nil); err != nil {
			b.Close()
			return nil, queue.Systemf("consume", err)
		}
		if env.Expired(now) {
			if err := q.deadLetterBatch(b, mid, env, group, queue.ReasonExpired, "ttl elapsed before delivery"); err != nil {
				b.Close()
				return nil, err
			}
			if err := q.store.Commit(ctx, b); err != nil {
				b.Close()
				return nil, queue.Systemf("consume", err)
			}
			b.Close()
			continue
		}

		exp := now + q.opts.VisibilityTimeout.Milliseconds()
		if err := b.Set(leaseKey(q.name, group, mid), encodeLeaseVal(exp, seq, retry, priority), nil); err != nil {
			b.Close()
			return nil, queue.Systemf("consume", err)
		}
		if err := b.Set(leaseIdxKey(q.name, group, exp, mid), nil, nil); err != nil {
			b.Close()
			return nil, queue.Systemf("consume", err)
		}
		if err := q.store.Commit(ctx, b); err != nil {
			b.Close()
			return nil, queue.Systemf("consume", err)
		}
		b.Close()
		return env, nil
	}
}

func (q *Queue) loadEnvelope(mid id.MessageID) (*envelope.Envelope, error) {
	frame, err := q.store.Get(msgKey(q.name, mid))
	if err != nil {
		return nil, err
	}
	return envelope.DecodeBinary(frame)
}

// Ack settles the group's lease and drops the message once every group has
// settled. Unknown ids are a no-op.
func (q *Queue) Ack(ctx context.Context, group, messageID string) error {
	mid, err := id.Parse(messageID)
	if err != nil {
		return fmt.Errorf("pebbleq: bad message id %q: %w", messageID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if !q.opts.HasGroup(group) {
		return fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	lease, err := q.store.Get(leaseKey(q.name, group, mid))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil
		}
		return queue.Systemf("ack", err)
	}
	expMs, _, _, _, ok := decodeLeaseVal(lease)
	if !ok {
		return queue.Systemf("ack", fmt.Errorf("corrupt lease for %s", messageID))
	}

	b := q.store.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseKey(q.name, group, mid), nil); err != nil {
		return queue.Systemf("ack", err)
	}
	if err := b.Delete(leaseIdxKey(q.name, group, expMs, mid), nil); err != nil {
		return queue.Systemf("ack", err)
	}
	settled, err := q.decRefBatch(b, mid)
	if err != nil {
		return err
	}
	if err := q.store.Commit(ctx, b); err != nil {
		return queue.Systemf("ack", err)
	}
	if settled {
		q.items--
	}
	return nil
}

// Nack returns the group's lease to the queue: validation failures
// dead-letter immediately, exhausted retries dead-letter, everything else is
// parked under backoff.
func (q *Queue) Nack(ctx context.Context, group, messageID string, cause error) error {
	mid, err := id.Parse(messageID)
	if err != nil {
		return fmt.Errorf("pebbleq: bad message id %q: %w", messageID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if !q.opts.HasGroup(group) {
		return fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	lease, err := q.store.Get(leaseKey(q.name, group, mid))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return fmt.Errorf("%w: %s in %s/%s", queue.ErrNotInFlight, messageID, q.name, group)
		}
		return queue.Systemf("nack", err)
	}
	expMs, seq, retry, priority, ok := decodeLeaseVal(lease)
	if !ok {
		return queue.Systemf("nack", fmt.Errorf("corrupt lease for %s", messageID))
	}
	env, err := q.loadEnvelope(mid)
	if err != nil {
		return queue.Systemf("nack", err)
	}
	env.Header.RetryCount = retry

	b := q.store.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseKey(q.name, group, mid), nil); err != nil {
		return queue.Systemf("nack", err)
	}
	if err := b.Delete(leaseIdxKey(q.name, group, expMs, mid), nil); err != nil {
		return queue.Systemf("nack", err)
	}

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	settled := false
	var verr *envelope.ValidationError
	switch {
	case errors.As(cause, &verr):
		if settled, err = q.deadLetterRefBatch(b, mid, env, group, queue.ReasonValidation, detail); err != nil {
			return err
		}
	case !env.CanRetry():
		if settled, err = q.deadLetterRefBatch(b, mid, env, group, queue.ReasonRetriesExhausted, detail); err != nil {
			return err
		}
	default:
		retry++
		delay := q.opts.Backoff.Delay(retry)
		readyAt := q.nowMs() + delay.Milliseconds()
		if err := b.Set(delayKey(q.name, group, readyAt, mid), encodeDelayVal(priority, seq, retry), nil); err != nil {
			return queue.Systemf("nack", err)
		}
	}
	if err := q.store.Commit(ctx, b); err != nil {
		return queue.Systemf("nack", err)
	}
	if settled {
		q.items--
	}
	return nil
}

// Depth scans the per-group state and classifies distinct messages: any
// lease wins, then ready in any group, then delayed.
func (q *Queue) Depth(ctx context.Context) (queue.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Depth{}, queue.ErrClosed
	}

	type state struct{ inflight, ready bool }
	seen := make(map[id.MessageID]*state)
	get := func(mid id.MessageID) *state {
		st, ok := seen[mid]
		if !ok {
			st = &state{}
			seen[mid] = st
		}
		return st
	}

	for _, g := range q.opts.Groups {
		if err := q.scanIDs(leasePrefix(q.name, g), func(mid id.MessageID) {
			get(mid).inflight = true
		}); err != nil {
			return queue.Depth{}, err
		}
		prefix := readyPrefix(q.name, g)
		iter, err := q.store.PrefixIter(prefix)
		if err != nil {
			return queue.Depth{}, queue.Systemf("depth", err)
		}
		for ok := iter.First(); ok; ok = iter.Next() {
			if _, _, mid, ok2 := parseReadyKey(iter.Key(), prefix); ok2 {
				get(mid).ready = true
			}
		}
		iter.Close()
		dprefix := delayPrefix(q.name, g)
		diter, err := q.store.PrefixIter(dprefix)
		if err != nil {
			return queue.Depth{}, queue.Systemf("depth", err)
		}
		for ok := diter.First(); ok; ok = diter.Next() {
			if _, mid, ok2 := parseDelayKey(diter.Key(), dprefix); ok2 {
				get(mid)
			}
		}
		diter.Close()
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

func (q *Queue) scanIDs(prefix []byte, fn func(id.MessageID)) error {
	iter, err := q.store.PrefixIter(prefix)
	if err != nil {
		return queue.Systemf("depth", err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+16 {
			continue
		}
		var mid id.MessageID
		copy(mid[:], key[len(prefix):])
		fn(mid)
	}
	return nil
}

// Close stops the sweeper. Persistent state stays on disk; the shared store
// is closed by its owner.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCh)
	q.wakeLocked()
	q.mu.Unlock()

	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// decRefBatch decrements the message's unsettled group count inside b,
// deleting the message when it reaches zero. Reports whether the message was
// fully settled.
func (q *Queue) decRefBatch(b *pebble.Batch, mid id.MessageID) (bool, error) {
	ref, err := q.store.Get(refKey(q.name, mid))
	if err != nil || len(ref) < 4 {
		return false, nil
	}
	count := binary.BigEndian.Uint32(ref[:4])
	if count <= 1 {
		if err := b.Delete(refKey(q.name, mid), nil); err != nil {
			return false, queue.Systemf("settle", err)
		}
		if err := b.Delete(msgKey(q.name, mid), nil); err != nil {
			return false, queue.Systemf("settle", err)
		}
		return true, nil
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], count-1)
	if err := b.Set(refKey(q.name, mid), buf[:], nil); err != nil {
		return false, queue.Systemf("settle", err)
	}
	return false, nil
}

// deadLetterBatch records the failure and settles the group's reference
// inside b, then adjusts the in-memory item count. Callers hold the lock and
// commit b themselves; this variant is for paths that track items inline.
func (q *Queue) deadLetterBatch(b *pebble.Batch, mid id.MessageID, env *envelope.Envelope, group string, reason queue.FailureReason, detail string) error {
	settled, err := q.deadLetterRefBatch(b, mid, env, group, reason, detail)
	if err != nil {
		return err
	}
	if settled {
		q.items--
	}
	return nil
}

func (q *Queue) deadLetterRefBatch(b *pebble.Batch, mid id.MessageID, env *envelope.Envelope, group string, reason queue.FailureReason, detail string) (bool, error) {
	now := q.nowMs()
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
	if prev, err := q.store.Get(dlrKey(q.name, mid)); err == nil {
		var old queue.DeadLetterRecord
		if json.Unmarshal(prev, &old) == nil {
			rec.FailureCount += old.FailureCount
			rec.FirstFailureMs = old.FirstFailureMs
		}
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return false, queue.Systemf("deadletter", err)
	}
	if err := b.Set(dlrKey(q.name, mid), val, nil); err != nil {
		return false, queue.Systemf("deadletter", err)
	}
	settled, err := q.decRefBatch(b, mid)
	if err != nil {
		return false, err
	}
	q.logger.Warn("Dead-lettered message",
		log.F("message_id", env.Header.MessageID),
		log.F("group", group),
		log.F("reason", string(reason)))
	return settled, nil
}

// promoteLocked moves due delayed messages for the group back into the ready
// index. Reports how many were promoted.
func (q *Queue) promoteLocked(ctx context.Context, group string, max int) (int, error) {
	prefix := delayPrefix(q.name, group)
	iter, err := q.store.PrefixIter(prefix)
	if err != nil {
		return 0, queue.Systemf("promote", err)
	}
	now := q.nowMs()
	b := q.store.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		readyAt, mid, ok2 := parseDelayKey(iter.Key(), prefix)
		if !ok2 {
			continue
		}
		if readyAt > now {
			break
		}
		priority, seq, retry, ok3 := decodeDelayVal(iter.Value())
		if !ok3 {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return promoted, queue.Systemf("promote", err)
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(retry))
		if err := b.Set(readyKey(q.name, group, priority, seq, mid), buf[:], nil); err != nil {
			iter.Close()
			return promoted, queue.Systemf("promote", err)
		}
		promoted++
		if max > 0 && promoted >= max {
			break
		}
	}
	iter.Close()
	if promoted > 0 {
		if err := q.store.Commit(ctx, b); err != nil {
			return 0, queue.Systemf("promote", err)
		}
	}
	return promoted, nil
}

// reclaimLocked redelivers messages whose leases expired. A lease timeout
// counts as a failed attempt.
func (q *Queue) reclaimLocked(ctx context.Context, group string, max int) (int, error) {
	prefix := leaseIdxPrefix(q.name, group)
	iter, err := q.store.PrefixIter(prefix)
	if err != nil {
		return 0, queue.Systemf("reclaim", err)
	}
	now := q.nowMs()

	type expired struct {
		mid   id.MessageID
		expMs int64
	}
	var due []expired
	for ok := iter.First(); ok; ok = iter.Next() {
		expMs, mid, ok2 := parseLeaseIdxKey(iter.Key(), prefix)
		if !ok2 {
			continue
		}
		if expMs > now {
			break
		}
		due = append(due, expired{mid: mid, expMs: expMs})
		if max > 0 && len(due) >= max {
			break
		}
	}
	iter.Close()

	reclaimed := 0
	for _, e := range due {
		b := q.store.NewBatch()
		if err := b.Delete(leaseIdxKey(q.name, group, e.expMs, e.mid), nil); err != nil {
			b.Close()
			return reclaimed, queue.Systemf("reclaim", err)
		}
		lease, err := q.store.Get(leaseKey(q.name, group, e.mid))
		if err != nil {
			// Stale index entry for a settled lease.
			if err := q.store.Commit(ctx, b); err != nil {
				b.Close()
				return reclaimed, queue.Systemf("reclaim", err)
			}
			b.Close()
			continue
		}
		expMs, seq, retry, priority, ok := decodeLeaseVal(lease)
		if !ok || expMs != e.expMs {
			// Lease was extended or rewritten; the index entry alone is stale.
			if err := q.store.Commit(ctx, b); err != nil {
				b.Close()
				return reclaimed, queue.Systemf("reclaim", err)
			}
			b.Close()
			continue
		}
		if err := b.Delete(leaseKey(q.name, group, e.mid), nil); err != nil {
			b.Close()
			return reclaimed, queue.Systemf("reclaim", err)
		}
		env, err := q.loadEnvelope(e.mid)
		if err != nil {
			if err := q.store.Commit(ctx, b); err != nil {
				b.Close()
				return reclaimed, queue.Systemf("reclaim", err)
			}
			b.Close()
			continue
		}
		env.Header.RetryCount = retry
		switch {
		case env.Expired(now):
			if err := q.deadLetterBatch(b, e.mid, env, group, queue.ReasonExpired, "ttl elapsed in flight"); err != nil {
				b.Close()
				return reclaimed, err
			}
		case !env.CanRetry():
			if err := q.deadLetterBatch(b, e.mid, env, group, queue.ReasonRetriesExhausted, "visibility timeout"); err != nil {
				b.Close()
				return reclaimed, err
			}
		default:
			retry++
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], uint32(retry))
			if err := b.Set(readyKey(q.name, group, priority, seq, e.mid), buf[:], nil); err != nil {
				b.Close()
				return reclaimed, queue.Systemf("reclaim", err)
			}
			reclaimed++
			q.logger.Debug("Redelivering after lease expiry",
				log.F("message_id", env.Header.MessageID), log.F("group", group))
		}
		if err := q.store.Commit(ctx, b); err != nil {
			b.Close()
			return reclaimed, queue.Systemf("reclaim", err)
		}
		b.Close()
	}
	return reclaimed, nil
}

// expireLocked dead-letters waiting messages whose TTL budget has elapsed,
// ready or parked under backoff. Expiry does not wait for a consumer to pop
// the message.
func (q *Queue) expireLocked(ctx context.Context, group string, max int) error {
	now := q.nowMs()

	type waiting struct {
		key    []byte
		mid    id.MessageID
		retry  int
		detail string
	}
	var candidates []waiting

	prefix := readyPrefix(q.name, group)
	iter, err := q.store.PrefixIter(prefix)
	if err != nil {
		return queue.Systemf("expire", err)
	}
	for ok := iter.First(); ok; ok = iter.Next() {
		_, _, mid, ok2 := parseReadyKey(iter.Key(), prefix)
		if !ok2 || len(iter.Value()) < 4 {
			continue
		}
		candidates = append(candidates, waiting{
			key:    append([]byte(nil), iter.Key()...),
			mid:    mid,
			retry:  int(binary.BigEndian.Uint32(iter.Value()[:4])),
			detail: "ttl elapsed before delivery",
		})
		if max > 0 && len(candidates) >= max {
			break
		}
	}
	iter.Close()

	dprefix := delayPrefix(q.name, group)
	diter, err := q.store.PrefixIter(dprefix)
	if err != nil {
		return queue.Systemf("expire", err)
	}
	for ok := diter.First(); ok; ok = diter.Next() {
		_, mid, ok2 := parseDelayKey(diter.Key(), dprefix)
		if !ok2 {
			continue
		}
		_, _, retry, ok3 := decodeDelayVal(diter.Value())
		if !ok3 {
			continue
		}
		candidates = append(candidates, waiting{
			key:    append([]byte(nil), diter.Key()...),
			mid:    mid,
			retry:  retry,
			detail: "ttl elapsed during backoff",
		})
		if max > 0 && len(candidates) >= max {
			break
		}
	}
	diter.Close()

	for _, w := range candidates {
		env, err := q.loadEnvelope(w.mid)
		if err != nil {
			continue
		}
		env.Header.RetryCount = w.retry
		if !env.Expired(now) {
			continue
		}
		b := q.store.NewBatch()
		if err := b.Delete(w.key, nil); err != nil {
			b.Close()
			return queue.Systemf("expire", err)
		}
		if err := q.deadLetterBatch(b, w.mid, env, group, queue.ReasonExpired, w.detail); err != nil {
			b.Close()
			return err
		}
		if err := q.store.Commit(ctx, b); err != nil {
			b.Close()
			return queue.Systemf("expire", err)
		}
		b.Close()
	}
	return nil
}

// sweepLoop reclaims expired leases, promotes due delays and expires TTLs on
// a jittered interval.
func (q *Queue) sweepLoop() {
	defer close(q.doneCh)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-q.stopCh:
			return
		case <-time.After(sweepInterval + time.Duration(rng.Int63n(int64(sweepInterval/4)))):
		}
		q.sweep()
	}
}

func (q *Queue) sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	ctx := context.Background()
	woke := 0
	for _, g := range q.opts.Groups {
		n, err := q.reclaimLocked(ctx, g, sweepMaxPerTick)
		if err != nil {
			q.logger.Error("Lease reclaim failed", log.F("group", g), log.Err(err))
			continue
		}
		woke += n
		p, err := q.promoteLocked(ctx, g, sweepMaxPerTick)
		if err != nil {
			q.logger.Error("Delay promotion failed", log.F("group", g), log.Err(err))
			continue
		}
		woke += p
		if err := q.expireLocked(ctx, g, sweepMaxPerTick); err != nil {
			q.logger.Error("TTL expiry failed", log.F("group", g), log.Err(err))
		}
	}
	if woke > 0 {
		q.wakeLocked()
	}
}
