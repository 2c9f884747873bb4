package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veridian/complymesh/internal/faults"
	"go.uber.org/zap"
)

// Registration binds an agent handle to its unique type and display name.
type Registration struct {
	Type  string
	Name  string
	Agent Agent
}

type entry struct {
	reg       Registration
	enabled   bool
	health    Health
	lastCheck time.Time
}

// Registered is a routing view of one registry entry.
type Registered struct {
	Type    string
	Name    string
	Agent   Agent
	Enabled bool
	Health  Health
}

// Registry owns the registered agents. Agent types are unique; iteration
// follows registration order. The registry lock is never held while an
// agent method runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register validates the registration, initializes the agent and stores it.
// A duplicate type yields faults.ErrConflict; an empty type or missing
// handle yields faults.ErrValidation. If Initialize fails the registration
// is rolled back and nothing is stored.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("agent type is required: %w", faults.ErrValidation)
	}
	if reg.Agent == nil {
		return fmt.Errorf("agent %q has no handle: %w", reg.Type, faults.ErrValidation)
	}

	// Reserve the slot first so a concurrent duplicate fails fast, but
	// initialize outside the lock. The staged entry stays disabled until
	// Initialize succeeds so no task is routed to it in the meantime.
	r.mu.Lock()
	if _, dup := r.entries[reg.Type]; dup {
		r.mu.Unlock()
		return fmt.Errorf("agent type %q already registered: %w", reg.Type, faults.ErrConflict)
	}
	e := &entry{reg: reg, health: Healthy}
	r.entries[reg.Type] = e
	r.order = append(r.order, reg.Type)
	r.mu.Unlock()

	if err := reg.Agent.Initialize(ctx); err != nil {
		r.remove(reg.Type)
		return fmt.Errorf("initialize agent %q: %w", reg.Type, err)
	}

	r.mu.Lock()
	e.enabled = true
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("type", reg.Type), zap.String("name", reg.Name))
	return nil
}

// Unregister shuts the agent down and removes it. Unknown types return
// false with no side effects.
func (r *Registry) Unregister(ctx context.Context, agentType string) bool {
	r.mu.RLock()
	e, ok := r.entries[agentType]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.reg.Agent.Shutdown(ctx)
	r.remove(agentType)
	r.logger.Info("agent unregistered", zap.String("type", agentType))
	return true
}

// Find returns the routing view for one agent type.
func (r *Registry) Find(agentType string) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentType]
	if !ok {
		return Registered{}, false
	}
	return e.view(), true
}

// List returns routing views in registration order.
func (r *Registry) List() []Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registered, 0, len(r.order))
	for _, t := range r.order {
		if e, ok := r.entries[t]; ok {
			out = append(out, e.view())
		}
	}
	return out
}

// Types returns the registered agent types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetEnabled flips an agent's routability; false for unknown types.
func (r *Registry) SetEnabled(agentType string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[agentType]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// RecordHealth stores the outcome of a health probe.
func (r *Registry) RecordHealth(agentType string, h Health) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[agentType]
	if !ok {
		return false
	}
	e.health = h
	e.lastCheck = time.Now()
	return true
}

// Statuses returns per-agent status snapshots in registration order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.order))
	for _, t := range r.order {
		e, ok := r.entries[t]
		if !ok {
			continue
		}
		out = append(out, Status{
			Type:            e.reg.Type,
			Name:            e.reg.Name,
			Enabled:         e.enabled,
			Health:          e.health,
			LastHealthCheck: e.lastCheck,
		})
	}
	return out
}

// HealthMap returns agent type → recorded health.
func (r *Registry) HealthMap() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.entries))
	for t, e := range r.entries {
		out[t] = e.health
	}
	return out
}

// Close shuts down every registered agent in reverse registration order and
// empties the registry.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	entries := make([]*entry, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		if e, ok := r.entries[order[i]]; ok {
			entries = append(entries, e)
		}
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	r.mu.Unlock()

	for _, e := range entries {
		e.reg.Agent.Shutdown(ctx)
	}
}

func (r *Registry) remove(agentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentType)
	for i, t := range r.order {
		if t == agentType {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (e *entry) view() Registered {
	return Registered{
		Type:    e.reg.Type,
		Name:    e.reg.Name,
		Agent:   e.reg.Agent,
		Enabled: e.enabled,
		Health:  e.health,
	}
}
