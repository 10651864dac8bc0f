package journal

import (
	"context"
	"sync"
)

const defaultMemCapacity = 4096

// InMemoryStore keeps the newest entries in a ring. It is the default when no database
// is configured; history does not survive a restart.
type InMemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry
	next    int
	full    bool
}

// NewInMemoryStore keeps up to capacity entries (default 4096 when capacity <= 0).
func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultMemCapacity
	}
	return &InMemoryStore{entries: make([]Entry, capacity)}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e.Seq = s.seq
	s.entries[s.next] = e
	s.next++
	if s.next == len(s.entries) {
		s.next = 0
		s.full = true
	}
	return e, nil
}

func (s *InMemoryStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.entries)
	}
	if limit > n {
		limit = n
	}

	out := make([]Entry, 0, limit)
	start := s.next - limit
	for i := 0; i < limit; i++ {
		idx := start + i
		if idx < 0 {
			idx += len(s.entries)
		}
		out = append(out, s.entries[idx])
	}
	return out, nil
}
