// Package pebblestore wraps a Pebble database with the durability policy and
// helpers the durable queue backend needs.
package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// SyncMode selects when the WAL is fsynced.
type SyncMode int

const (
	// SyncGrouped coalesces WAL syncs over a short interval. The default.
	SyncGrouped SyncMode = iota
	// SyncAlways fsyncs every committed batch.
	SyncAlways
	// SyncNever leaves syncing to Pebble's own policies.
	SyncNever
)

// Options configures the store.
type Options struct {
	Dir string
	// Mode selects the WAL sync policy.
	Mode SyncMode
	// GroupInterval bounds sync latency under SyncGrouped. Defaults to 5ms.
	GroupInterval time.Duration
	// Metrics observes storage operations. Optional.
	Metrics MetricsHook
}

// MetricsHook observes storage operation latencies and sizes.
type MetricsHook interface {
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveCommit(elapsed time.Duration, bytes int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRead(time.Duration, int)   {}
func (noopMetrics) ObserveCommit(time.Duration, int) {}

// ErrNotFound aliases pebble's not-found error so callers do not import
// pebble directly.
var ErrNotFound = pebble.ErrNotFound

// Store wraps one Pebble database.
type Store struct {
	inner   *pebble.DB
	sync    bool
	metrics MetricsHook
}

// Open creates or opens the database at opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebblestore: Options.Dir is required")
	}
	po := &pebble.Options{}
	switch opts.Mode {
	case SyncAlways, SyncNever:
	default:
		interval := opts.GroupInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}
	inner, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Store{inner: inner, sync: opts.Mode == SyncAlways, metrics: metrics}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Close()
}

// NewBatch starts an atomic multi-key update.
func (s *Store) NewBatch() *pebble.Batch { return s.inner.NewBatch() }

// Commit applies the batch under the configured sync policy.
func (s *Store) Commit(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebblestore: nil batch")
	}
	start := time.Now()
	size := b.Len()
	mode := pebble.NoSync
	if s.sync {
		mode = pebble.Sync
	}
	err := b.Commit(mode)
	s.metrics.ObserveCommit(time.Since(start), size)
	return err
}

// Get copies the value for key. Missing keys return ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	s.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Set writes one key through a single-op batch.
func (s *Store) Set(ctx context.Context, key, value []byte) error {
	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return s.Commit(ctx, b)
}

// Delete removes one key through a single-op batch.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	b := s.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return s.Commit(ctx, b)
}

// PrefixIter returns an iterator bounded to keys starting with prefix.
// The caller closes it.
func (s *Store) PrefixIter(prefix []byte) (*pebble.Iterator, error) {
	return s.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixEnd(prefix),
	})
}

// PrefixEnd returns the exclusive upper bound for scanning a prefix.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}
