package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/veridian/complymesh/internal/agent"
	"github.com/veridian/complymesh/internal/event"
	"github.com/veridian/complymesh/internal/metrics"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, sink *metrics.Collector) (*Scheduler, *agent.Registry) {
	t.Helper()
	registry := agent.NewRegistry(zap.NewNop())
	s := New(Options{Workers: 2, QueueSize: 16, HealthInterval: -1}, registry, sink, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, registry
}

func registerRuleAgent(t *testing.T, registry *agent.Registry, typ string, categories []event.Category, action string) {
	t.Helper()
	a := agent.NewRuleAgent(typ, categories, func(_ *event.Event) *agent.Decision {
		return &agent.Decision{Action: action, Confidence: 1}
	})
	if err := registry.Register(context.Background(), agent.Registration{Type: typ, Name: typ, Agent: a}); err != nil {
		t.Fatalf("register %s: %v", typ, err)
	}
}

func submitAndWait(t *testing.T, s *Scheduler, task *Task) TaskResult {
	t.Helper()
	results := make(chan TaskResult, 1)
	task.Callback = func(res TaskResult) { results <- res }
	if !s.Submit(task) {
		t.Fatal("submit rejected")
	}
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no task result within deadline")
		return TaskResult{}
	}
}

func TestRouteByCapability(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "aml_checked")
	registerRuleAgent(t, registry, "kyc", []event.Category{event.CategoryComplianceViolation}, "kyc_checked")

	res := submitAndWait(t, s, &Task{
		Event: event.New(event.CategoryComplianceViolation, "test", nil),
	})
	if !res.Success {
		t.Fatalf("task failed: %s", res.Reason)
	}
	if res.AgentType != "kyc" {
		t.Fatalf("violation event should route to kyc, got %q", res.AgentType)
	}
	if res.Decision == nil || res.Decision.Action != "kyc_checked" {
		t.Fatalf("unexpected decision: %+v", res.Decision)
	}
}

func TestRouteExplicitTarget(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	// Both agents can serve the category; the explicit target must win even
	// though it registered second.
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "first")
	registerRuleAgent(t, registry, "fraud", []event.Category{event.CategoryTransactionAlert}, "second")

	res := submitAndWait(t, s, &Task{
		TargetType: "fraud",
		Event:      event.New(event.CategoryTransactionAlert, "test", nil),
	})
	if res.AgentType != "fraud" {
		t.Fatalf("explicit target ignored, routed to %q", res.AgentType)
	}
}

func TestRouteFallsBackWhenTargetCannotServe(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "fallback")

	res := submitAndWait(t, s, &Task{
		TargetType: "nonexistent",
		Event:      event.New(event.CategoryTransactionAlert, "test", nil),
	})
	if !res.Success || res.AgentType != "aml" {
		t.Fatalf("expected fallback to capable agent, got %+v", res)
	}
}

func TestNoAgentAvailable(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "x")

	res := submitAndWait(t, s, &Task{
		Event: event.New(event.CategoryRegulatoryChange, "test", nil),
	})
	if res.Success {
		t.Fatal("task with no capable agent must fail")
	}
	if res.Reason != ReasonNoAgent {
		t.Fatalf("expected %q, got %q", ReasonNoAgent, res.Reason)
	}
}

func TestDisabledAgentIsSkipped(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "x")
	registry.SetEnabled("aml", false)

	res := submitAndWait(t, s, &Task{
		Event: event.New(event.CategoryTransactionAlert, "test", nil),
	})
	if res.Success || res.Reason != ReasonNoAgent {
		t.Fatalf("disabled agent must not receive work, got %+v", res)
	}
}

func TestPanickingAgentYieldsFailure(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	a := agent.NewRuleAgent("bomb", []event.Category{event.CategoryAuditTrail}, func(_ *event.Event) *agent.Decision {
		panic("agent exploded")
	})
	if err := registry.Register(context.Background(), agent.Registration{Type: "bomb", Agent: a}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := submitAndWait(t, s, &Task{
		Event: event.New(event.CategoryAuditTrail, "test", nil),
	})
	if res.Success {
		t.Fatal("panicking agent must produce a failure result")
	}

	// The worker survived; a second task still executes.
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "ok")
	res = submitAndWait(t, s, &Task{
		Event: event.New(event.CategoryTransactionAlert, "test", nil),
	})
	if !res.Success {
		t.Fatalf("worker pool did not survive agent panic: %+v", res)
	}
}

func TestExpiredDeadlineFailsBeforeExecution(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "x")

	res := submitAndWait(t, s, &Task{
		Event:    event.New(event.CategoryTransactionAlert, "test", nil),
		Deadline: time.Now().Add(-time.Second),
	})
	if res.Success {
		t.Fatal("overdue task must not execute")
	}
	if res.AgentType != "" {
		t.Fatalf("overdue task must not be assigned, got agent %q", res.AgentType)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	registry := agent.NewRegistry(zap.NewNop())
	s := New(Options{Workers: 1, HealthInterval: -1}, registry, nil, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	ok := s.Submit(&Task{Event: event.New(event.CategoryAuditTrail, "test", nil)})
	if ok {
		t.Fatal("submit after shutdown must return false")
	}
	if s.Status().Healthy {
		t.Fatal("scheduler must not report healthy after shutdown")
	}
}

func TestMetricsRecordedBeforeCallback(t *testing.T) {
	sink := metrics.NewCollector()
	s, registry := newTestScheduler(t, sink)
	registerRuleAgent(t, registry, "aml", []event.Category{event.CategoryTransactionAlert}, "ok")

	observed := make(chan int64, 1)
	task := &Task{
		Event: event.New(event.CategoryTransactionAlert, "test", nil),
		Callback: func(_ TaskResult) {
			observed <- sink.CounterValue("tasks_total")
		},
	}
	if !s.Submit(task) {
		t.Fatal("submit rejected")
	}
	select {
	case v := <-observed:
		if v != 1 {
			t.Fatalf("counter must be visible inside the callback, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	if sink.CounterValue("agent_tasks_total", "agent", "aml") != 1 {
		t.Fatal("per-agent counter not recorded")
	}
}

func TestSweepHealthRecordsProbeResults(t *testing.T) {
	s, registry := newTestScheduler(t, nil)
	healthy := agent.NewRuleAgent("up", []event.Category{event.CategoryAuditTrail}, func(_ *event.Event) *agent.Decision {
		return &agent.Decision{Action: "ok"}
	})
	registry.Register(context.Background(), agent.Registration{Type: "up", Agent: healthy})

	down := agent.NewRuleAgent("down", []event.Category{event.CategoryAuditTrail}, func(_ *event.Event) *agent.Decision {
		return &agent.Decision{Action: "ok"}
	})
	registry.Register(context.Background(), agent.Registration{Type: "down", Agent: down})
	down.Shutdown(context.Background()) // HealthCheck now reports false

	s.SweepHealth(context.Background())

	hm := registry.HealthMap()
	if hm["up"] != agent.Healthy {
		t.Fatalf("responsive agent should be healthy, got %s", hm["up"])
	}
	if hm["down"] != agent.Unhealthy {
		t.Fatalf("unresponsive agent should be unhealthy, got %s", hm["down"])
	}

	// Unhealthy agents stay routable.
	if _, ok := s.route(&Task{Event: event.New(event.CategoryAuditTrail, "test", nil)}); !ok {
		t.Fatal("unhealthy agent must remain routable")
	}
}
