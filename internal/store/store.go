// Package store provides the durable storage collaborator used for
// critical-event write-through and consensus audit trails. The core only
// depends on the Store interface; the pgx-backed implementation lives in
// postgres.go and an in-memory variant in memory.go.
package store

import (
	"context"
	"time"
)

// Record is one durable entry. Kind partitions the keyspace (audit_event,
// consensus_result, ...), Key identifies the entry within its kind.
type Record struct {
	Kind      string                 `json:"kind"`
	Key       string                 `json:"key"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Filter narrows a Query. Zero-valued fields match everything.
type Filter struct {
	Kind      string
	KeyPrefix string
	Since     time.Time
}

// Store is the durable storage contract. A Write failure is a local
// retryable error for callers, never a crash.
type Store interface {
	Write(ctx context.Context, rec Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
	Close()
}
