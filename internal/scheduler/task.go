// Package scheduler routes compliance-event tasks to capable agents through
// a bounded worker pool. Routing is deliberately simple: explicit target
// first, then registration order. No load balancing and no retries at this
// layer.
package scheduler

import (
	"time"

	"github.com/veridian/complymesh/internal/agent"
	"github.com/veridian/complymesh/internal/event"
)

// TaskState tracks a task through its lifecycle. It is bookkeeping only;
// the task itself is never mutated after creation.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskAssigned  TaskState = "assigned"
	TaskExecuting TaskState = "executing"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Task is one unit of routed work. TargetType is an optional hint; when the
// named agent cannot serve, routing falls through to the capability scan.
type Task struct {
	ID         string
	TargetType string
	Event      *event.Event
	Priority   event.Priority
	Deadline   time.Time
	// Callback receives the result exactly once, after metrics are updated.
	Callback func(TaskResult)

	state TaskState
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return t.state }

// TaskResult is produced once per task and delivered via the callback.
type TaskResult struct {
	TaskID    string          `json:"task_id"`
	AgentType string          `json:"agent_type,omitempty"`
	Success   bool            `json:"success"`
	Reason    string          `json:"reason,omitempty"`
	Decision  *agent.Decision `json:"decision,omitempty"`
	Duration  time.Duration   `json:"duration"`
}
