// Package event implements the asynchronous publish/subscribe backbone the
// orchestration core is built on: immutable categorized events, a worker-pool
// bus with dead-letter and expiry handling, inline streaming taps, and
// write-through persistence for critical events.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies an event for subscription filtering.
type Category string

const (
	CategoryRegulatoryChange    Category = "regulatory_change"
	CategoryTransactionAlert    Category = "transaction_alert"
	CategoryComplianceViolation Category = "compliance_violation"
	CategoryAuditTrail          Category = "audit_trail"
	CategoryAgentLifecycle      Category = "agent_lifecycle"
	CategoryConsensus           Category = "consensus"
	CategorySystemMetric        Category = "system_metric"
)

// Priority orders events for consumers that care; the bus itself serves FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Severity drives the persistence policy: critical events are written
// through to the durable store before publish returns.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an immutable notification. Fields are read-only after publish;
// handlers must not mutate the payload.
type Event struct {
	ID        string                 `json:"id"`
	Category  Category               `json:"category"`
	Source    string                 `json:"source"`
	Severity  Severity               `json:"severity"`
	Priority  Priority               `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	// TTL bounds how long the event stays deliverable; zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`
}

// New creates an event with a fresh id and creation timestamp.
func New(category Category, source string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Category:  category,
		Source:    source,
		Severity:  SeverityInfo,
		Priority:  PriorityNormal,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// WithSeverity returns the event with severity set. Intended for use at
// construction time only.
func (e *Event) WithSeverity(s Severity) *Event {
	e.Severity = s
	return e
}

// WithPriority returns the event with priority set.
func (e *Event) WithPriority(p Priority) *Event {
	e.Priority = p
	return e
}

// WithTTL returns the event with a time-to-live set.
func (e *Event) WithTTL(ttl time.Duration) *Event {
	e.TTL = ttl
	return e
}

// Expired reports whether the event's TTL has elapsed at the given instant.
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}
