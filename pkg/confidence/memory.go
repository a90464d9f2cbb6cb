package confidence

import (
	"context"
	"sync"
)

const bucketTailMinutes = 24 * 60

type bucketKey struct {
	workspace string
	section   string
	minute    int64
}

// MemoryStore is the single-process sample store: a mutex-guarded map of
// minute buckets with lazy pruning of buckets older than the 24h tail.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[bucketKey]*Counts
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[bucketKey]*Counts{}}
}

// Incr implements SampleStore.
func (s *MemoryStore) Incr(_ context.Context, workspaceID, section string, minute int64, result string) error {
	key := bucketKey{workspace: workspaceID, section: section, minute: minute}
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[key]
	if bucket == nil {
		bucket = &Counts{}
		s.buckets[key] = bucket
	}
	switch result {
	case ResultEqual:
		bucket.Equal++
	case ResultDiff:
		bucket.Diff++
	case ResultError:
		bucket.Error++
	}

	minAllowed := minute - bucketTailMinutes
	for k := range s.buckets {
		if k.minute < minAllowed {
			delete(s.buckets, k)
		}
	}
	return nil
}

// Window implements SampleStore.
func (s *MemoryStore) Window(_ context.Context, workspaceID, section string, fromMinute, toMinute int64) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total Counts
	for k, bucket := range s.buckets {
		if k.workspace != workspaceID || k.section != section {
			continue
		}
		if k.minute < fromMinute || k.minute > toMinute {
			continue
		}
		total.Equal += bucket.Equal
		total.Diff += bucket.Diff
		total.Error += bucket.Error
	}
	return total, nil
}

// Reset drops all buckets.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = map[bucketKey]*Counts{}
}
