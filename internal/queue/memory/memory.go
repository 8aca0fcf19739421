// Package memory implements the queue contract in process memory. It is the
// development and test backend: full delivery semantics, no durability.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

const (
	defaultVisibility = 30 * time.Second
	sweepInterval     = 50 * time.Millisecond
)

type msgState int

const (
	stateReady msgState = iota
	stateInFlight
	stateDelayed
)

// groupMsg is one message's delivery state within one consumer group. Each
// group holds its own envelope clone so retry counts advance independently.
type groupMsg struct {
	env      *envelope.Envelope
	group    string
	seq      uint64
	priority int
	heapIdx  int

	state      msgState
	deadlineMs int64
	readyAtMs  int64
}

// item tracks one published message across all groups. The queue owns the
// message until every group has acked or dead-lettered it.
type item struct {
	groups map[string]*groupMsg
}

// Queue is the in-memory backend.
type Queue struct {
	name   string
	opts   queue.Options
	logger log.Logger
	dl     *dlStore
	nowMs  func() int64

	mu       sync.Mutex
	closed   bool
	seq      uint64
	items    map[string]*item
	ready    map[string]*readyHeap
	inflight map[string]map[string]*groupMsg
	delayed  map[string]map[string]*groupMsg
	notify   chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a queue with the given options and starts its sweeper. An
// empty group list gets the single group "workers".
func New(name string, opts queue.Options, logger log.Logger) *Queue {
	return newQueue(name, opts, logger, func() int64 { return time.Now().UnixMilli() })
}

func newQueue(name string, opts queue.Options, logger log.Logger, nowMs func() int64) *Queue {
	if len(opts.Groups) == 0 {
		opts.Groups = []string{"workers"}
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibility
	}
	q := &Queue{
		name:     name,
		opts:     opts,
		logger:   logger.WithComponent("queue.memory").With(log.F("queue", name)),
		dl:       newDLStore(),
		nowMs:    nowMs,
		items:    make(map[string]*item),
		ready:    make(map[string]*readyHeap),
		inflight: make(map[string]map[string]*groupMsg),
		delayed:  make(map[string]map[string]*groupMsg),
		notify:   make(chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, g := range opts.Groups {
		q.ready[g] = &readyHeap{}
		q.inflight[g] = make(map[string]*groupMsg)
		q.delayed[g] = make(map[string]*groupMsg)
	}
	go q.sweepLoop()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// DeadLetters exposes the dead-letter store.
func (q *Queue) DeadLetters() queue.DeadLetterStore { return q.dl }

// Publish enqueues env for every consumer group. The queue assigns
// enqueue_ts when the envelope does not carry one.
func (q *Queue) Publish(ctx context.Context, env *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.opts.Capacity > 0 && len(q.items) >= q.opts.Capacity {
		return fmt.Errorf("%w: %s at %d", queue.ErrQueueFull, q.name, q.opts.Capacity)
	}
	id := env.Header.MessageID
	if _, dup := q.items[id]; dup {
		return fmt.Errorf("memory: duplicate message_id %s", id)
	}

	base := env.Clone()
	if base.Header.EnqueueTs <= 0 {
		base.Header.EnqueueTs = q.nowMs()
	}
	q.seq++
	it := &item{groups: make(map[string]*groupMsg, len(q.opts.Groups))}
	for _, g := range q.opts.Groups {
		m := &groupMsg{
			env:      base.Clone(),
			group:    g,
			seq:      q.seq,
			priority: base.Header.Priority,
			heapIdx:  -1,
			state:    stateReady,
		}
		it.groups[g] = m
		q.ready[g].push(m)
	}
	q.items[id] = it
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
		q.promoteLocked(group)
		if env := q.popLocked(group); env != nil {
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

// popLocked pops ready messages for the group, dead-lettering expired ones,
// until it can deliver. It returns nil when the group has nothing ready.
func (q *Queue) popLocked(group string) *envelope.Envelope {
	now := q.nowMs()
	h := q.ready[group]
	for {
		m := h.pop()
		if m == nil {
			return nil
		}
		if m.env.Expired(now) {
			q.deadLetterLocked(m, queue.ReasonExpired, "ttl elapsed before delivery")
			continue
		}
		m.state = stateInFlight
		m.deadlineMs = now + q.opts.VisibilityTimeout.Milliseconds()
		q.inflight[group][m.env.Header.MessageID] = m
		return m.env.Clone()
	}
}

// Ack settles a delivery. Acking a message this group does not hold is a
// no-op, so duplicate acks after redelivery are harmless.
func (q *Queue) Ack(ctx context.Context, group, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if !q.opts.HasGroup(group) {
		return fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	m, ok := q.inflight[group][messageID]
	if !ok {
		return nil
	}
	delete(q.inflight[group], messageID)
	q.detachLocked(m)
	return nil
}

// Nack returns a delivery to the queue. Validation failures dead-letter
// immediately; other causes schedule redelivery with backoff until retries
// are exhausted.
func (q *Queue) Nack(ctx context.Context, group, messageID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if !q.opts.HasGroup(group) {
		return fmt.Errorf("%w: %s in %s", queue.ErrUnknownGroup, group, q.name)
	}
	m, ok := q.inflight[group][messageID]
	if !ok {
		return fmt.Errorf("%w: %s in %s/%s", queue.ErrNotInFlight, messageID, q.name, group)
	}
	delete(q.inflight[group], messageID)

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	var verr *envelope.ValidationError
	if errors.As(cause, &verr) {
		q.deadLetterLocked(m, queue.ReasonValidation, detail)
		return nil
	}
	if !m.env.CanRetry() {
		q.deadLetterLocked(m, queue.ReasonRetriesExhausted, detail)
		return nil
	}
	m.env.Header.RetryCount++
	delay := q.opts.Backoff.Delay(m.env.Header.RetryCount)
	m.state = stateDelayed
	m.readyAtMs = q.nowMs() + delay.Milliseconds()
	q.delayed[group][messageID] = m
	return nil
}

// Depth snapshots occupancy. A message counts as in flight if any group
// holds it, delayed if every remaining group has it parked, ready otherwise.
func (q *Queue) Depth(ctx context.Context) (queue.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Depth{}, queue.ErrClosed
	}
	var d queue.Depth
	for _, it := range q.items {
		inflight, delayed := false, true
		for _, m := range it.groups {
			if m.state == stateInFlight {
				inflight = true
			}
			if m.state != stateDelayed {
				delayed = false
			}
		}
		switch {
		case inflight:
			d.InFlight++
		case delayed:
			d.Delayed++
		default:
			d.Ready++
		}
	}
	return d, nil
}

// Close stops the sweeper and wakes blocked consumers. In-memory state is
// discarded.
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

// wakeLocked wakes every blocked consumer by closing the shared channel and
// replacing it.
func (q *Queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// promoteLocked moves delayed messages whose backoff has elapsed back to the
// ready heap for the group.
func (q *Queue) promoteLocked(group string) {
	now := q.nowMs()
	for id, m := range q.delayed[group] {
		if m.readyAtMs <= now {
			delete(q.delayed[group], id)
			m.state = stateReady
			q.ready[group].push(m)
		}
	}
}

// detachLocked removes m from its item, dropping the item once every group
// has settled.
func (q *Queue) detachLocked(m *groupMsg) {
	id := m.env.Header.MessageID
	it, ok := q.items[id]
	if !ok {
		return
	}
	delete(it.groups, m.group)
	if len(it.groups) == 0 {
		delete(q.items, id)
	}
}

// deadLetterLocked removes m from the group's structures and records the
// failure. The store add cannot fail in memory; the error path exists for
// interface symmetry.
func (q *Queue) deadLetterLocked(m *groupMsg, reason queue.FailureReason, detail string) {
	id := m.env.Header.MessageID
	switch m.state {
	case stateReady:
		q.ready[m.group].remove(m)
	case stateDelayed:
		delete(q.delayed[m.group], id)
	case stateInFlight:
		delete(q.inflight[m.group], id)
	}
	q.detachLocked(m)

	now := q.nowMs()
	count := m.env.Header.RetryCount + 1
	rec := &queue.DeadLetterRecord{
		Envelope:       m.env,
		Queue:          q.name,
		Group:          m.group,
		Reason:         reason,
		Detail:         detail,
		FailureCount:   count,
		FirstFailureMs: now,
		LastFailureMs:  now,
	}
	if err := q.dl.Add(context.Background(), rec); err != nil {
		q.logger.Error("Failed to record dead letter", log.F("message_id", id), log.Err(err))
	}
	q.logger.Warn("Dead-lettered message",
		log.F("message_id", id),
		log.F("group", m.group),
		log.F("reason", string(reason)))
}

// sweepLoop expires TTLs, redelivers timed-out in-flight messages and
// promotes delayed messages. The interval is jittered so co-located queues
// do not sweep in lockstep.
func (q *Queue) sweepLoop() {
	defer close(q.doneCh)
	for {
		jitter := time.Duration(rand.Int63n(int64(sweepInterval / 4)))
		select {
		case <-q.stopCh:
			return
		case <-time.After(sweepInterval + jitter):
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
	now := q.nowMs()
	woke := false

	for _, g := range q.opts.Groups {
		// Redeliver in-flight messages past their visibility deadline. A
		// timeout counts as a failed attempt.
		for id, m := range q.inflight[g] {
			if m.deadlineMs > now {
				continue
			}
			delete(q.inflight[g], id)
			if !m.env.CanRetry() {
				q.deadLetterLocked(m, queue.ReasonRetriesExhausted, "visibility timeout")
				continue
			}
			m.env.Header.RetryCount++
			m.state = stateReady
			q.ready[g].push(m)
			woke = true
			q.logger.Debug("Redelivering after visibility timeout",
				log.F("message_id", id), log.F("group", g))
		}

		// Expire waiting messages whose TTL budget has elapsed.
		for id, m := range q.delayed[g] {
			if m.env.Expired(now) {
				delete(q.delayed[g], id)
				m.state = stateReady
				q.deadLetterLocked(m, queue.ReasonExpired, "ttl elapsed during backoff")
				continue
			}
			if m.readyAtMs <= now {
				delete(q.delayed[g], id)
				m.state = stateReady
				q.ready[g].push(m)
				woke = true
			}
		}
		h := q.ready[g]
		for i := 0; i < h.Len(); {
			m := (*h)[i]
			if m.env.Expired(now) {
				q.deadLetterLocked(m, queue.ReasonExpired, "ttl elapsed before delivery")
				continue
			}
			i++
		}
	}
	if woke {
		q.wakeLocked()
	}
}
