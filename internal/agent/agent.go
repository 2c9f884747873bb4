// Package agent defines the capability surface every autonomous worker
// exposes to the orchestration core, plus the registry that tracks
// registered agents, their enablement and health. How an agent produces a
// decision (an LLM call, a rule engine) is opaque to this package.
package agent

import (
	"context"
	"time"

	"github.com/veridian/complymesh/internal/event"
)

// Health is the recorded health state of an agent.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Capabilities declares what an agent can take on.
type Capabilities struct {
	Categories    []event.Category `json:"categories"`
	MaxConcurrent int              `json:"max_concurrent"`
}

// Decision is the outcome of processing one event.
type Decision struct {
	Action     string                 `json:"action"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Agent is the contract between the core and a worker. Implementations must
// be safe for concurrent ProcessEvent calls up to their declared
// MaxConcurrent.
type Agent interface {
	// Initialize prepares the agent for work. A failure rolls back the
	// registration that triggered it.
	Initialize(ctx context.Context) error

	// Shutdown releases agent resources. Called once, during unregistration
	// or orchestrator shutdown.
	Shutdown(ctx context.Context)

	// ProcessEvent turns one event into a decision.
	ProcessEvent(ctx context.Context, ev *event.Event) (*Decision, error)

	// CanHandleEvent reports whether the agent accepts events of the given
	// category.
	CanHandleEvent(category event.Category) bool

	// HealthCheck probes the agent; false marks it unhealthy in the
	// registry.
	HealthCheck(ctx context.Context) bool

	// Capabilities describes the agent's declared capacity.
	Capabilities() Capabilities
}

// Status is a point-in-time view of one registered agent.
type Status struct {
	Type            string    `json:"type"`
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	Health          Health    `json:"health"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}
