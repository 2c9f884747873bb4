package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/veridian/complymesh/internal/agent"
	"github.com/veridian/complymesh/internal/consensus"
	"github.com/veridian/complymesh/internal/event"
	"github.com/veridian/complymesh/internal/mediator"
	"github.com/veridian/complymesh/internal/scheduler"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Scheduler.HealthInterval == 0 {
		opts.Scheduler.HealthInterval = -1
	}
	if opts.ExpireInterval == 0 {
		opts.ExpireInterval = -1
	}
	o := New(opts, nil, nil, zap.NewNop())
	if !o.Initialize(context.Background()) {
		t.Fatal("initialize failed")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func TestRegisterAndSubmitTask(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()

	if !o.RegisterAgent(ctx, "transaction_guardian", "Guardian", agent.NewTransactionGuardian()) {
		t.Fatal("register failed")
	}
	if o.RegisterAgent(ctx, "transaction_guardian", "Guardian", agent.NewTransactionGuardian()) {
		t.Fatal("duplicate registration must return false")
	}

	results := make(chan scheduler.TaskResult, 1)
	ok := o.SubmitTask(&scheduler.Task{
		Event: event.New(event.CategoryTransactionAlert, "test",
			map[string]interface{}{"amount": 50000.0}),
		Callback: func(res scheduler.TaskResult) { results <- res },
	})
	if !ok {
		t.Fatal("submit rejected")
	}

	select {
	case res := <-results:
		if !res.Success {
			t.Fatalf("task failed: %s", res.Reason)
		}
		if res.Decision == nil || res.Decision.Action != "escalate" {
			t.Fatalf("expected escalation for large amount, got %+v", res.Decision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result within deadline")
	}
}

func TestUnregisterAgent(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()
	o.RegisterAgent(ctx, "audit_intelligence", "Audit", agent.NewAuditIntelligence())

	if !o.UnregisterAgent(ctx, "audit_intelligence") {
		t.Fatal("unregister failed")
	}
	if o.UnregisterAgent(ctx, "audit_intelligence") {
		t.Fatal("second unregister must return false")
	}
	if len(o.Agents()) != 0 {
		t.Fatalf("expected empty registry, got %d agents", len(o.Agents()))
	}
}

func TestStatusHealthy(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	st := o.Status()
	if !st.Healthy {
		t.Fatalf("initialized orchestrator should be healthy: %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	if o.Status().Healthy {
		t.Fatal("orchestrator must not report healthy after shutdown")
	}
	if o.SubmitTask(&scheduler.Task{Event: event.New(event.CategoryAuditTrail, "t", nil)}) {
		t.Fatal("submit after shutdown must return false")
	}
}

func TestCollaborativeDecision(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()
	o.RegisterAgent(ctx, "aml", "AML", agent.NewTransactionGuardian())
	o.RegisterAgent(ctx, "kyc", "KYC", agent.NewAuditIntelligence())
	o.RegisterAgent(ctx, "fraud", "Fraud", agent.NewRegulatoryAssessor())

	if _, err := o.StartCollaborativeDecision(ctx, "release funds", []string{"aml", "ghost"}, ""); err == nil {
		t.Fatal("unregistered participant must be rejected")
	}

	sessionID, err := o.StartCollaborativeDecision(ctx, "release funds",
		[]string{"aml", "kyc", "fraud"}, consensus.AlgorithmMajority)
	if err != nil {
		t.Fatalf("start decision: %v", err)
	}

	if res := o.CollaborativeDecisionResult(ctx, sessionID); res != nil {
		t.Fatal("no result expected before any opinions")
	}

	if !o.ContributeToDecision(sessionID, "aml", "hold", 0.9, "suspicious pattern") {
		t.Fatal("contribute failed")
	}
	o.ContributeToDecision(sessionID, "kyc", "hold", 0.8, "identity unverified")
	o.ContributeToDecision(sessionID, "fraud", "release", 0.6, "no fraud signal")

	res := o.CollaborativeDecisionResult(ctx, sessionID)
	if res == nil {
		t.Fatal("expected a terminal result")
	}
	if res.State != consensus.StateReached || res.Decision != "hold" {
		t.Fatalf("expected hold by majority, got %+v", res)
	}

	if o.CollaborativeDecisionResult(ctx, "unknown") != nil {
		t.Fatal("unknown session must yield nil")
	}
}

func TestFacilitateAgentConversation(t *testing.T) {
	prompter := mediator.PrompterFunc(func(_ context.Context, agentID, _ string) (string, error) {
		return agentID + " agrees with the assessment", nil
	})
	o := newTestOrchestrator(t, Options{Prompter: prompter})
	ctx := context.Background()
	o.RegisterAgent(ctx, "aml", "AML", agent.NewTransactionGuardian())
	o.RegisterAgent(ctx, "kyc", "KYC", agent.NewAuditIntelligence())

	summary, err := o.FacilitateAgentConversation(ctx, "shared watchlist", "", []string{"aml", "kyc"}, 0)
	if err != nil {
		t.Fatalf("facilitate: %v", err)
	}
	if !summary.Converged {
		t.Fatal("unanimous agreement should converge in round one")
	}
	if summary.RoundsUsed != 1 {
		t.Fatalf("expected a single round, got %d", summary.RoundsUsed)
	}
}

func TestResolveAgentConflicts(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	res, err := o.ResolveAgentConflicts(nil)
	if err != nil {
		t.Fatalf("resolve empty: %v", err)
	}
	if res.Status != mediator.StatusNoConflicts {
		t.Fatalf("expected no_conflicts, got %s", res.Status)
	}

	res, err = o.ResolveAgentConflicts([]mediator.Message{
		{ID: "m1", Sender: "aml", Kind: mediator.KindVote, Payload: map[string]interface{}{"verdict": "block"}},
		{ID: "m2", Sender: "kyc", Kind: mediator.KindVote, Payload: map[string]interface{}{"verdict": "block"}},
		{ID: "m3", Sender: "fraud", Kind: mediator.KindVote, Payload: map[string]interface{}{"verdict": "allow"}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != mediator.StatusResolved {
		t.Fatalf("expected resolved, got %+v", res)
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()

	lifecycle := make(chan *event.Event, 4)
	o.Subscribe("watcher", []event.Category{event.CategoryAgentLifecycle}, func(_ context.Context, ev *event.Event) error {
		lifecycle <- ev
		return nil
	})

	o.RegisterAgent(ctx, "aml", "AML", agent.NewTransactionGuardian())

	select {
	case ev := <-lifecycle:
		if ev.Payload["agent"] != "aml" || ev.Payload["phase"] != "registered" {
			t.Fatalf("unexpected lifecycle payload: %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle event published")
	}
}

func TestDecisionTimeoutSweep(t *testing.T) {
	o := newTestOrchestrator(t, Options{
		DecisionTimeout: 20 * time.Millisecond,
		ExpireInterval:  10 * time.Millisecond,
	})
	ctx := context.Background()
	o.RegisterAgent(ctx, "aml", "AML", agent.NewTransactionGuardian())
	o.RegisterAgent(ctx, "kyc", "KYC", agent.NewAuditIntelligence())

	sessionID, err := o.StartCollaborativeDecision(ctx, "stale decision", []string{"aml", "kyc"}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := o.DecisionState(sessionID); ok && state == consensus.StateFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("overdue session never swept to failed")
}

func TestShutdownStopsExpirySweep(t *testing.T) {
	// Churn the lifecycle with a fast sweep; a sweep goroutine surviving
	// Shutdown would race the next cycle's channel.
	for i := 0; i < 20; i++ {
		o := New(Options{
			Scheduler:      scheduler.Options{HealthInterval: -1},
			ExpireInterval: time.Millisecond,
		}, nil, nil, zap.NewNop())
		if !o.Initialize(context.Background()) {
			t.Fatal("initialize failed")
		}
		time.Sleep(2 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		o.Shutdown(ctx)
		cancel()
	}

	// A session going overdue after shutdown must stay unswept: only the
	// sweep loop increments the expiry counter.
	o := New(Options{
		Scheduler:       scheduler.Options{HealthInterval: -1},
		ExpireInterval:  5 * time.Millisecond,
		DecisionTimeout: 30 * time.Millisecond,
	}, nil, nil, zap.NewNop())
	if !o.Initialize(context.Background()) {
		t.Fatal("initialize failed")
	}
	ctx := context.Background()
	o.RegisterAgent(ctx, "aml", "AML", agent.NewTransactionGuardian())
	o.RegisterAgent(ctx, "kyc", "KYC", agent.NewAuditIntelligence())
	if _, err := o.StartCollaborativeDecision(ctx, "stops with the loop", []string{"aml", "kyc"}, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(shCtx)

	time.Sleep(80 * time.Millisecond)
	if n := o.Metrics().CounterValue("consensus_sessions_expired_total"); n != 0 {
		t.Fatalf("sweep ran after shutdown, expired %d sessions", n)
	}
}
