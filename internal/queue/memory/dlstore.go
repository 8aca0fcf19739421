package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
)

// dlStore keeps dead-letter records in failure order with an index by
// message id.
type dlStore struct {
	mu    sync.Mutex
	order []*queue.DeadLetterRecord
	byID  map[string]*queue.DeadLetterRecord
}

func newDLStore() *dlStore {
	return &dlStore{byID: make(map[string]*queue.DeadLetterRecord)}
}

func (s *dlStore) Add(ctx context.Context, rec *queue.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Envelope.Header.MessageID
	if prev, ok := s.byID[id]; ok {
		// Re-failure of a replayed message folds into the existing record.
		prev.Reason = rec.Reason
		prev.Detail = rec.Detail
		prev.FailureCount += rec.FailureCount
		prev.LastFailureMs = rec.LastFailureMs
		prev.Envelope = rec.Envelope
		return nil
	}
	s.byID[id] = rec
	s.order = append(s.order, rec)
	return nil
}

func (s *dlStore) List(ctx context.Context, limit int) ([]*queue.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*queue.DeadLetterRecord, n)
	copy(out, s.order[:n])
	return out, nil
}

func (s *dlStore) Take(ctx context.Context, messageID string) (*queue.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[messageID]
	if !ok {
		return nil, fmt.Errorf("memory: no dead letter %s", messageID)
	}
	s.removeLocked(messageID)
	return rec, nil
}

func (s *dlStore) Remove(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[messageID]; !ok {
		return fmt.Errorf("memory: no dead letter %s", messageID)
	}
	s.removeLocked(messageID)
	return nil
}

func (s *dlStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order), nil
}

func (s *dlStore) removeLocked(messageID string) {
	delete(s.byID, messageID)
	for i, rec := range s.order {
		if rec.Envelope.Header.MessageID == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
