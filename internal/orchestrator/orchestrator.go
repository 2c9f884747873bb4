// Package orchestrator is the facade over the compliance subsystem: agent
// registry, task scheduler, event bus, consensus engine and mediator behind
// one lifecycle. Callers interact with the orchestrator; the components stay
// internal.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/veridian/complymesh/internal/agent"
	"github.com/veridian/complymesh/internal/consensus"
	"github.com/veridian/complymesh/internal/event"
	"github.com/veridian/complymesh/internal/faults"
	"github.com/veridian/complymesh/internal/mediator"
	"github.com/veridian/complymesh/internal/metrics"
	"github.com/veridian/complymesh/internal/scheduler"
	"github.com/veridian/complymesh/internal/store"
	"go.uber.org/zap"
)

// Options configures the assembled subsystem.
type Options struct {
	Scheduler scheduler.Options
	Bus       event.Options
	// Prompter carries mediator prompts to agents; nil disables facilitated
	// discussions but not conflict resolution.
	Prompter mediator.Prompter
	// ConsensusMaxRounds caps collaborative decision rounds (default 3).
	ConsensusMaxRounds int
	// DecisionTimeout bounds how long a collaborative decision collects
	// opinions; zero means no deadline.
	DecisionTimeout time.Duration
	// ExpireInterval is how often overdue sessions are swept (default 1m;
	// <0 disables the sweep).
	ExpireInterval time.Duration
	// ConversationRounds is the default round cap for facilitated
	// conversations when the caller passes none.
	ConversationRounds int
}

// Orchestrator wires the components together and owns their lifecycle.
type Orchestrator struct {
	registry *agent.Registry
	sched    *scheduler.Scheduler
	bus      *event.Bus
	engine   *consensus.Engine
	med      *mediator.Mediator
	sink     *metrics.Collector
	persist  store.Store
	logger   *zap.Logger
	opts     Options

	initialized atomic.Bool
	sweepQuit   chan struct{}
}

// SystemStatus is a point-in-time health snapshot. Healthy is conjunctive:
// every started component must report healthy.
type SystemStatus struct {
	Healthy   bool                    `json:"healthy"`
	Agents    []agent.Status          `json:"agents"`
	Scheduler scheduler.Snapshot      `json:"scheduler"`
	Bus       event.Stats             `json:"bus"`
	CheckedAt time.Time               `json:"checked_at"`
	Health    map[string]agent.Health `json:"agent_health"`
}

// New assembles the subsystem without starting it. The persist store may be
// nil; consensus results and critical events are then kept in memory only.
func New(opts Options, persist store.Store, sink *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if sink == nil {
		sink = metrics.NewCollector()
	}
	if opts.ConsensusMaxRounds <= 0 {
		opts.ConsensusMaxRounds = 3
	}
	if opts.ExpireInterval == 0 {
		opts.ExpireInterval = time.Minute
	}
	registry := agent.NewRegistry(logger)
	engine := consensus.NewEngine(persist, logger)
	return &Orchestrator{
		opts:     opts,
		registry: registry,
		sched:    scheduler.New(opts.Scheduler, registry, sink, logger),
		bus:      event.NewBus(opts.Bus, persist, logger),
		engine:   engine,
		med:      mediator.NewMediator(engine, opts.Prompter, logger),
		sink:     sink,
		persist:  persist,
		logger:   logger,
	}
}

// Initialize starts the bus and the scheduler. It returns false and rolls
// back on any failure so the subsystem is never left partially started.
func (o *Orchestrator) Initialize(ctx context.Context) bool {
	if o.initialized.Load() {
		return false
	}
	if err := o.bus.Start(); err != nil {
		o.logger.Error("event bus failed to start", zap.Error(err))
		return false
	}
	if err := o.sched.Start(); err != nil {
		o.logger.Error("scheduler failed to start", zap.Error(err))
		_ = o.bus.Shutdown(ctx)
		return false
	}
	if o.opts.ExpireInterval > 0 {
		o.sweepQuit = make(chan struct{})
		go o.sweepLoop(o.opts.ExpireInterval, o.sweepQuit)
	}
	o.initialized.Store(true)
	o.logger.Info("orchestrator initialized")
	return true
}

// sweepLoop fails overdue consensus sessions so callers polling for a
// result see a terminal state instead of waiting forever. The quit channel
// is captured at start; Shutdown must not touch the field afterwards.
func (o *Orchestrator) sweepLoop(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := o.engine.ExpireOverdue(); n > 0 {
				o.sink.Add("consensus_sessions_expired_total", int64(n))
				o.logger.Info("expired overdue consensus sessions", zap.Int("count", n))
			}
		case <-quit:
			return
		}
	}
}

// Shutdown stops components in reverse start order: scheduler first so no
// new work reaches agents, then the bus, then the agents themselves.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if !o.initialized.CompareAndSwap(true, false) {
		return
	}
	if o.sweepQuit != nil {
		close(o.sweepQuit)
	}
	if err := o.sched.Shutdown(ctx); err != nil {
		o.logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	if err := o.bus.Shutdown(ctx); err != nil {
		o.logger.Warn("event bus shutdown incomplete", zap.Error(err))
	}
	o.registry.Close(ctx)
	o.logger.Info("orchestrator stopped")
}

// RegisterAgent initializes and registers an agent under its type. It
// returns false on validation failure, duplicate type or failed agent
// initialization, and publishes a lifecycle event on success.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agentType, name string, a agent.Agent) bool {
	err := o.registry.Register(ctx, agent.Registration{
		Type:  agentType,
		Name:  name,
		Agent: a,
	})
	if err != nil {
		o.logger.Warn("agent registration rejected",
			zap.String("type", agentType), zap.Error(err))
		return false
	}
	o.sink.Inc("agents_registered_total")
	o.publishLifecycle(ctx, agentType, "registered")
	return true
}

// UnregisterAgent shuts the agent down and removes it. Unknown types return
// false.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, agentType string) bool {
	if !o.registry.Unregister(ctx, agentType) {
		return false
	}
	o.publishLifecycle(ctx, agentType, "unregistered")
	return true
}

// Agents lists the registered agents.
func (o *Orchestrator) Agents() []agent.Status {
	return o.registry.Statuses()
}

// SetAgentEnabled toggles an agent's routing eligibility.
func (o *Orchestrator) SetAgentEnabled(agentType string, enabled bool) bool {
	return o.registry.SetEnabled(agentType, enabled)
}

// SubmitTask queues a task for routing. False means the task was not
// accepted (not started, shut down, or queue full) and the callback will
// never fire.
func (o *Orchestrator) SubmitTask(t *scheduler.Task) bool {
	if !o.initialized.Load() {
		return false
	}
	return o.sched.Submit(t)
}

// PublishEvent enqueues an event for asynchronous delivery.
func (o *Orchestrator) PublishEvent(ctx context.Context, ev *event.Event) bool {
	return o.bus.Publish(ctx, ev)
}

// Subscribe attaches a handler to the bus for the given categories.
func (o *Orchestrator) Subscribe(id string, categories []event.Category, fn event.HandlerFunc) error {
	return o.bus.Subscribe(id, categories, fn)
}

// DeadLetters returns the events that exhausted their delivery attempts.
func (o *Orchestrator) DeadLetters() []*event.Event {
	return o.bus.DeadLetters()
}

// StartCollaborativeDecision opens a consensus session over the named
// agents and returns its id. Every registered participant votes with
// weight one.
func (o *Orchestrator) StartCollaborativeDecision(ctx context.Context, scenario string, agentTypes []string, algorithm consensus.Algorithm) (string, error) {
	if len(agentTypes) == 0 {
		return "", fmt.Errorf("collaborative decision requires agents: %w", faults.ErrValidation)
	}
	participants := make([]consensus.Participant, 0, len(agentTypes))
	for _, at := range agentTypes {
		if _, ok := o.registry.Find(at); !ok {
			return "", fmt.Errorf("agent %q is not registered: %w", at, faults.ErrNotFound)
		}
		participants = append(participants, consensus.Participant{ID: at, Weight: 1})
	}

	cfg := consensus.Config{
		Topic:        scenario,
		Algorithm:    algorithm,
		Participants: participants,
		MaxRounds:    o.opts.ConsensusMaxRounds,
	}
	if o.opts.DecisionTimeout > 0 {
		cfg.Deadline = time.Now().Add(o.opts.DecisionTimeout)
	}
	sessionID, err := o.engine.Initiate(cfg)
	if err != nil {
		return "", err
	}

	o.sink.Inc("consensus_sessions_total")
	o.bus.Publish(ctx, event.New(event.CategoryConsensus, "orchestrator", map[string]interface{}{
		"session":  sessionID,
		"scenario": scenario,
		"phase":    "opened",
	}))
	return sessionID, nil
}

// ContributeToDecision submits one agent's opinion to an open session.
func (o *Orchestrator) ContributeToDecision(sessionID, agentType, decision string, confidence float64, reasoning string) bool {
	return o.engine.SubmitOpinion(sessionID, consensus.Opinion{
		AgentID:    agentType,
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  reasoning,
	})
}

// CollaborativeDecisionResult returns the session outcome, nil while the
// session is unknown or still collecting below its threshold. When enough
// opinions are in, it triggers evaluation.
func (o *Orchestrator) CollaborativeDecisionResult(ctx context.Context, sessionID string) *consensus.Result {
	if result, ok := o.engine.Result(sessionID); ok {
		return result
	}
	state, ok := o.engine.State(sessionID)
	if !ok || state != consensus.StateCollecting {
		return nil
	}
	result, err := o.engine.Evaluate(sessionID)
	if err != nil {
		return nil
	}
	o.bus.Publish(ctx, event.New(event.CategoryConsensus, "orchestrator", map[string]interface{}{
		"session": sessionID,
		"phase":   "closed",
		"state":   string(result.State),
	}))
	return result
}

// DecisionState reports a consensus session's lifecycle state.
func (o *Orchestrator) DecisionState(sessionID string) (consensus.State, bool) {
	return o.engine.State(sessionID)
}

// DecisionOpinions lists the opinions of a session round (0 = current).
func (o *Orchestrator) DecisionOpinions(sessionID string, round int) ([]consensus.Opinion, bool) {
	return o.engine.Opinions(sessionID, round)
}

// FacilitateAgentConversation runs a moderated round-robin discussion
// between the named agents and returns its summary.
func (o *Orchestrator) FacilitateAgentConversation(ctx context.Context, topic, objective string, agentTypes []string, maxRounds int) (*mediator.Summary, error) {
	if maxRounds <= 0 {
		maxRounds = o.opts.ConversationRounds
	}
	convID, err := o.med.Initiate(topic, objective, agentTypes, maxRounds)
	if err != nil {
		return nil, err
	}
	if _, ok := o.med.OrchestrateTurnTaking(convID); !ok {
		return nil, fmt.Errorf("conversation %s could not be activated: %w", convID, faults.ErrInternal)
	}
	return o.med.FacilitateDiscussion(ctx, convID)
}

// ResolveAgentConflicts adjudicates contradictory agent messages.
func (o *Orchestrator) ResolveAgentConflicts(conflicts []mediator.Message) (*mediator.Resolution, error) {
	res, err := o.med.ResolveConflicts(conflicts)
	if err != nil {
		return nil, err
	}
	if res.Status == mediator.StatusEscalated {
		o.sink.Inc("conflicts_escalated_total")
	}
	return res, nil
}

// Conversation exposes a conversation snapshot.
func (o *Orchestrator) Conversation(id string) (*mediator.Conversation, bool) {
	return o.med.Conversation(id)
}

// Status reports subsystem health. Healthy requires the orchestrator to be
// initialized, the scheduler to be running, the bus to be running, and no
// agent to be unhealthy.
func (o *Orchestrator) Status() SystemStatus {
	st := SystemStatus{
		Agents:    o.registry.Statuses(),
		Scheduler: o.sched.Status(),
		Bus:       o.bus.Stats(),
		Health:    o.registry.HealthMap(),
		CheckedAt: time.Now(),
	}
	st.Healthy = o.initialized.Load() && st.Scheduler.Healthy && o.bus.Running()
	for _, h := range st.Health {
		if h == agent.Unhealthy {
			st.Healthy = false
		}
	}
	return st
}

// Metrics exposes the shared collector for the HTTP layer.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.sink
}

func (o *Orchestrator) publishLifecycle(ctx context.Context, agentType, phase string) {
	o.bus.Publish(ctx, event.New(event.CategoryAgentLifecycle, "orchestrator", map[string]interface{}{
		"agent": agentType,
		"phase": phase,
	}))
}
