package pebbleq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	pebblestore "github.com/CalBearKen/ProjectPidgeon/internal/storage/pebble"
	"github.com/CalBearKen/ProjectPidgeon/pkg/id"
)

// dlStore persists dead-letter records as JSON values keyed by message id.
type dlStore struct {
	store *pebblestore.Store
	queue string
}

func (s *dlStore) Add(ctx context.Context, rec *queue.DeadLetterRecord) error {
	mid, err := id.Parse(rec.Envelope.Header.MessageID)
	if err != nil {
		return fmt.Errorf("pebbleq: bad message id in dead letter: %w", err)
	}
	key := dlrKey(s.queue, mid)
	if prev, err := s.store.Get(key); err == nil {
		var old queue.DeadLetterRecord
		if json.Unmarshal(prev, &old) == nil {
			rec.FailureCount += old.FailureCount
			rec.FirstFailureMs = old.FirstFailureMs
		}
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, val)
}

func (s *dlStore) List(ctx context.Context, limit int) ([]*queue.DeadLetterRecord, error) {
	iter, err := s.store.PrefixIter(dlrPrefix(s.queue))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*queue.DeadLetterRecord
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec queue.DeadLetterRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFailureMs != out[j].FirstFailureMs {
			return out[i].FirstFailureMs < out[j].FirstFailureMs
		}
		return out[i].Envelope.Header.MessageID < out[j].Envelope.Header.MessageID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *dlStore) Take(ctx context.Context, messageID string) (*queue.DeadLetterRecord, error) {
	mid, err := id.Parse(messageID)
	if err != nil {
		return nil, fmt.Errorf("pebbleq: bad message id %q: %w", messageID, err)
	}
	key := dlrKey(s.queue, mid)
	val, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, fmt.Errorf("pebbleq: no dead letter %s", messageID)
		}
		return nil, queue.Systemf("deadletter.take", err)
	}
	var rec queue.DeadLetterRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, queue.Systemf("deadletter.take", err)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return nil, queue.Systemf("deadletter.take", err)
	}
	return &rec, nil
}

func (s *dlStore) Remove(ctx context.Context, messageID string) error {
	mid, err := id.Parse(messageID)
	if err != nil {
		return fmt.Errorf("pebbleq: bad message id %q: %w", messageID, err)
	}
	key := dlrKey(s.queue, mid)
	if _, err := s.store.Get(key); err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return fmt.Errorf("pebbleq: no dead letter %s", messageID)
		}
		return queue.Systemf("deadletter.remove", err)
	}
	return s.store.Delete(ctx, key)
}

func (s *dlStore) Len(ctx context.Context) (int, error) {
	iter, err := s.store.PrefixIter(dlrPrefix(s.queue))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}
