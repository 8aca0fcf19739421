package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
)

// dlStore keeps dead-letter records in one hash, field per message id.
type dlStore struct {
	rdb *redis.Client
	key string
}

func (s *dlStore) Add(ctx context.Context, rec *queue.DeadLetterRecord) error {
	id := rec.Envelope.Header.MessageID
	if prev, err := s.rdb.HGet(ctx, s.key, id).Result(); err == nil {
		var old queue.DeadLetterRecord
		if json.Unmarshal([]byte(prev), &old) == nil {
			rec.FailureCount += old.FailureCount
			rec.FirstFailureMs = old.FirstFailureMs
		}
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key, id, val).Err()
}

func (s *dlStore) List(ctx context.Context, limit int) ([]*queue.DeadLetterRecord, error) {
	all, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, queue.Systemf("deadletter.list", err)
	}
	out := make([]*queue.DeadLetterRecord, 0, len(all))
	for _, raw := range all {
		var rec queue.DeadLetterRecord
		if json.Unmarshal([]byte(raw), &rec) != nil {
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
	raw, err := s.rdb.HGet(ctx, s.key, messageID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redisq: no dead letter %s", messageID)
		}
		return nil, queue.Systemf("deadletter.take", err)
	}
	var rec queue.DeadLetterRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, queue.Systemf("deadletter.take", err)
	}
	if err := s.rdb.HDel(ctx, s.key, messageID).Err(); err != nil {
		return nil, queue.Systemf("deadletter.take", err)
	}
	return &rec, nil
}

func (s *dlStore) Remove(ctx context.Context, messageID string) error {
	n, err := s.rdb.HDel(ctx, s.key, messageID).Result()
	if err != nil {
		return queue.Systemf("deadletter.remove", err)
	}
	if n == 0 {
		return fmt.Errorf("redisq: no dead letter %s", messageID)
	}
	return nil
}

func (s *dlStore) Len(ctx context.Context) (int, error) {
	n, err := s.rdb.HLen(ctx, s.key).Result()
	if err != nil {
		return 0, queue.Systemf("deadletter.len", err)
	}
	return int(n), nil
}
