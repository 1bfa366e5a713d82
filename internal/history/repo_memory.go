package history

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is the process-lifetime repository used when no database is
// configured.
type MemoryRepo struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{now: time.Now} }

func (r *MemoryRepo) Add(_ context.Context, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = int64(len(r.records)) + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	r.records = append(r.records, rec)
	return rec, nil
}

func (r *MemoryRepo) Get(_ context.Context, id int64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 1 || id > int64(len(r.records)) {
		return Record{}, ErrNotFound
	}
	return r.records[id-1], nil
}

func (r *MemoryRepo) List(_ context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}
