package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and when no database is
// configured. Records are kept in insertion order.
type Memory struct {
	mu   sync.RWMutex
	recs []Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Write appends a record. The payload map is stored as-is; callers must not
// mutate it afterwards.
func (m *Memory) Write(_ context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

// Query returns all records matching the filter, in insertion order.
func (m *Memory) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.recs {
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.KeyPrefix != "" && !strings.HasPrefix(r.Key, f.KeyPrefix) {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}
