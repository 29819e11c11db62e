package store

import (
	"context"
	"sync"
	"time"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

// MemoryStore is a process-local dedup store for tests and single-instance runs.
// The conditional write is atomic under mu.
type MemoryStore struct {
	mu      sync.Mutex
	records map[dedup.Key]time.Time
}

// Compile-time check that MemoryStore implements the dedup store interfaces.
var (
	_ dedup.Store     = (*MemoryStore)(nil)
	_ dedup.Inspector = (*MemoryStore)(nil)
	_ dedup.Pinger    = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[dedup.Key]time.Time)}
}

// PutIfStale implements dedup.Store.
func (m *MemoryStore) PutIfStale(ctx context.Context, rec dedup.Record, cond dedup.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if arrivedAt, ok := m.records[rec.Key]; ok && !cond.Stale(arrivedAt) {
		return dedup.ErrConditionFailed
	}
	m.records[rec.Key] = rec.ArrivedAt
	return nil
}

// Lookup implements dedup.Inspector.
func (m *MemoryStore) Lookup(ctx context.Context, key dedup.Key) (dedup.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return dedup.Record{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	arrivedAt, ok := m.records[key]
	if !ok {
		return dedup.Record{}, false, nil
	}
	return dedup.Record{Key: key, ArrivedAt: arrivedAt}, true, nil
}

// Ping implements dedup.Pinger.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// PurgeBefore removes records that arrived before cutoff.
func (m *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, arrivedAt := range m.records {
		if arrivedAt.Before(cutoff) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

// Close releases nothing; it lets MemoryStore stand in wherever a closable store is expected.
func (m *MemoryStore) Close() error {
	return nil
}
