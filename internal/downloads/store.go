package downloads

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store keeps download progress records so they can be listed and polled.
// Records expire on their own; DeleteStale removes those not updated since
// a cutoff.
type Store interface {
	Put(ctx context.Context, p Progress) error
	Get(ctx context.Context, id string) (Progress, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Progress, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
}

const defaultMemoryStoreSize = 1024

// MemoryStore is a size-bounded in-process Store.
type MemoryStore struct {
	entries *expirable.LRU[string, Progress]
}

// NewMemoryStore keeps at most size records for ttl each.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemoryStoreSize
	}
	return &MemoryStore{entries: expirable.NewLRU[string, Progress](size, nil, ttl)}
}

func (s *MemoryStore) Put(_ context.Context, p Progress) error {
	s.entries.Add(p.ID, p.clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Progress, bool, error) {
	p, ok := s.entries.Peek(id)
	if !ok {
		return Progress{}, false, nil
	}
	return p.clone(), true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.entries.Remove(id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Progress, error) {
	values := s.entries.Values()
	out := make([]Progress, 0, len(values))
	for _, p := range values {
		out = append(out, p.clone())
	}
	return out, nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, p := range s.entries.Values() {
		if p.UpdatedAt.Before(cutoff) && s.entries.Remove(p.ID) {
			removed++
		}
	}
	return removed, nil
}
