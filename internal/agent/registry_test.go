package agent

import (
	"context"
	"fmt"
	"testing"

	"errors"

	"github.com/veridian/complymesh/internal/event"
	"github.com/veridian/complymesh/internal/faults"
	"go.uber.org/zap"
)

// stubAgent tracks lifecycle calls and can be made to fail initialization.
type stubAgent struct {
	initErr      error
	initCalls    int
	shutdowns    int
	categories   []event.Category
	healthResult bool
}

func (s *stubAgent) Initialize(_ context.Context) error {
	s.initCalls++
	return s.initErr
}

func (s *stubAgent) Shutdown(_ context.Context) { s.shutdowns++ }

func (s *stubAgent) ProcessEvent(_ context.Context, _ *event.Event) (*Decision, error) {
	return &Decision{Action: "noop"}, nil
}

func (s *stubAgent) CanHandleEvent(category event.Category) bool {
	for _, c := range s.categories {
		if c == category {
			return true
		}
	}
	return false
}

func (s *stubAgent) HealthCheck(_ context.Context) bool { return s.healthResult }

func (s *stubAgent) Capabilities() Capabilities {
	return Capabilities{Categories: s.categories, MaxConcurrent: 1}
}

func TestRegisterAndFind(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := &stubAgent{healthResult: true}

	if err := r.Register(context.Background(), Registration{Type: "aml", Name: "AML", Agent: a}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.initCalls != 1 {
		t.Fatalf("expected one Initialize call, got %d", a.initCalls)
	}

	reg, ok := r.Find("aml")
	if !ok {
		t.Fatal("expected to find registered agent")
	}
	if !reg.Enabled || reg.Health != Healthy {
		t.Fatalf("new registration should be enabled and healthy, got %+v", reg)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	err := r.Register(context.Background(), Registration{Type: "", Agent: &stubAgent{}})
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("empty type should be a validation error, got %v", err)
	}

	err = r.Register(context.Background(), Registration{Type: "aml"})
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("nil agent should be a validation error, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(context.Background(), Registration{Type: "aml", Agent: &stubAgent{}}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	err := r.Register(context.Background(), Registration{Type: "aml", Agent: &stubAgent{}})
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("duplicate type should be a conflict, got %v", err)
	}
	if len(r.Types()) != 1 {
		t.Fatalf("duplicate register must not grow the registry, got %v", r.Types())
	}
}

func TestRegisterRollbackOnInitFailure(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := &stubAgent{initErr: fmt.Errorf("boom")}

	if err := r.Register(context.Background(), Registration{Type: "aml", Agent: a}); err == nil {
		t.Fatal("expected initialization failure to surface")
	}
	if _, ok := r.Find("aml"); ok {
		t.Fatal("failed registration must be rolled back")
	}
	if len(r.Types()) != 0 {
		t.Fatalf("registry should be empty after rollback, got %v", r.Types())
	}
}

// gateAgent blocks inside Initialize until released, exposing the staging
// window to the test.
type gateAgent struct {
	stubAgent
	started chan struct{}
	release chan struct{}
}

func (g *gateAgent) Initialize(_ context.Context) error {
	close(g.started)
	<-g.release
	return nil
}

func TestRegisterStagedDisabledUntilInitialized(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	g := &gateAgent{started: make(chan struct{}), release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		done <- r.Register(context.Background(), Registration{Type: "aml", Name: "AML", Agent: g})
	}()

	<-g.started
	reg, ok := r.Find("aml")
	if !ok {
		t.Fatal("staged entry should reserve the type")
	}
	if reg.Enabled {
		t.Fatal("agent must not be routable before Initialize returns")
	}

	close(g.release)
	if err := <-done; err != nil {
		t.Fatalf("register: %v", err)
	}
	reg, _ = r.Find("aml")
	if !reg.Enabled {
		t.Fatal("agent should be enabled once initialized")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := &stubAgent{}
	if err := r.Register(context.Background(), Registration{Type: "aml", Agent: a}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !r.Unregister(context.Background(), "aml") {
		t.Fatal("expected unregister to succeed")
	}
	if a.shutdowns != 1 {
		t.Fatalf("expected one Shutdown call, got %d", a.shutdowns)
	}
	if r.Unregister(context.Background(), "aml") {
		t.Fatal("second unregister of the same type must return false")
	}
	if r.Unregister(context.Background(), "unknown") {
		t.Fatal("unregister of an unknown type must return false")
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	for _, typ := range []string{"aml", "kyc", "audit"} {
		if err := r.Register(context.Background(), Registration{Type: typ, Agent: &stubAgent{}}); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}

	got := r.Types()
	want := []string{"aml", "kyc", "audit"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("registration order not preserved: got %v want %v", got, want)
		}
	}
}

func TestSetEnabledAndHealth(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(context.Background(), Registration{Type: "aml", Agent: &stubAgent{}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !r.SetEnabled("aml", false) {
		t.Fatal("expected SetEnabled to succeed")
	}
	reg, _ := r.Find("aml")
	if reg.Enabled {
		t.Fatal("agent should be disabled")
	}
	if r.SetEnabled("unknown", true) {
		t.Fatal("SetEnabled on unknown type must return false")
	}

	if !r.RecordHealth("aml", Unhealthy) {
		t.Fatal("expected RecordHealth to succeed")
	}
	if h := r.HealthMap()["aml"]; h != Unhealthy {
		t.Fatalf("expected unhealthy, got %s", h)
	}
}

func TestCloseShutsDownAllAgents(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a1, a2 := &stubAgent{}, &stubAgent{}
	r.Register(context.Background(), Registration{Type: "aml", Agent: a1})
	r.Register(context.Background(), Registration{Type: "kyc", Agent: a2})

	r.Close(context.Background())
	if a1.shutdowns != 1 || a2.shutdowns != 1 {
		t.Fatalf("expected every agent shut down once, got %d and %d", a1.shutdowns, a2.shutdowns)
	}
	if len(r.Types()) != 0 {
		t.Fatal("registry should be empty after Close")
	}
}

func TestRuleAgentLifecycle(t *testing.T) {
	a := NewTransactionGuardian()
	ev := event.New(event.CategoryTransactionAlert, "test", map[string]interface{}{"amount": 25000.0})

	if _, err := a.ProcessEvent(context.Background(), ev); err == nil {
		t.Fatal("uninitialized agent must refuse work")
	}

	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	d, err := a.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Action != "escalate" {
		t.Fatalf("amount above threshold should escalate, got %q", d.Action)
	}

	low := event.New(event.CategoryTransactionAlert, "test", map[string]interface{}{"amount": 50.0})
	d, _ = a.ProcessEvent(context.Background(), low)
	if d.Action != "approve" {
		t.Fatalf("amount below threshold should approve, got %q", d.Action)
	}

	if a.CanHandleEvent(event.CategoryRegulatoryChange) {
		t.Fatal("transaction guardian must not claim regulatory changes")
	}
}
