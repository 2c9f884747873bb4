package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/veridian/complymesh/internal/event"
)

// RuleAgent is a self-contained rule-based agent. It backs the built-in
// compliance workers and doubles as the reference implementation of the
// Agent surface; production deployments register richer agents behind the
// same interface.
type RuleAgent struct {
	name     string
	caps     Capabilities
	evaluate func(ev *event.Event) *Decision
	ready    atomic.Bool
}

// NewRuleAgent creates an agent that serves the given categories with the
// supplied evaluation rule.
func NewRuleAgent(name string, categories []event.Category, evaluate func(ev *event.Event) *Decision) *RuleAgent {
	return &RuleAgent{
		name:     name,
		caps:     Capabilities{Categories: categories, MaxConcurrent: 4},
		evaluate: evaluate,
	}
}

func (a *RuleAgent) Initialize(_ context.Context) error {
	if a.evaluate == nil {
		return fmt.Errorf("agent %s has no evaluation rule", a.name)
	}
	a.ready.Store(true)
	return nil
}

func (a *RuleAgent) Shutdown(_ context.Context) {
	a.ready.Store(false)
}

func (a *RuleAgent) ProcessEvent(_ context.Context, ev *event.Event) (*Decision, error) {
	if !a.ready.Load() {
		return nil, fmt.Errorf("agent %s not initialized", a.name)
	}
	return a.evaluate(ev), nil
}

func (a *RuleAgent) CanHandleEvent(category event.Category) bool {
	for _, c := range a.caps.Categories {
		if c == category {
			return true
		}
	}
	return false
}

func (a *RuleAgent) HealthCheck(_ context.Context) bool {
	return a.ready.Load()
}

func (a *RuleAgent) Capabilities() Capabilities {
	return a.caps
}

// NewTransactionGuardian builds the built-in transaction monitoring agent:
// it flags transactions above a fixed amount threshold for review.
func NewTransactionGuardian() *RuleAgent {
	const threshold = 10000.0
	return NewRuleAgent("Transaction Guardian",
		[]event.Category{event.CategoryTransactionAlert, event.CategoryComplianceViolation},
		func(ev *event.Event) *Decision {
			amount, _ := ev.Payload["amount"].(float64)
			if amount >= threshold {
				return &Decision{
					Action:     "escalate",
					Confidence: 0.9,
					Reasoning:  fmt.Sprintf("transaction amount %.2f meets review threshold %.2f", amount, threshold),
				}
			}
			return &Decision{
				Action:     "approve",
				Confidence: 0.75,
				Reasoning:  "transaction below review threshold",
			}
		})
}

// NewRegulatoryAssessor builds the built-in regulatory-change agent: it
// maps the change's stated impact onto an assessment action.
func NewRegulatoryAssessor() *RuleAgent {
	return NewRuleAgent("Regulatory Assessor",
		[]event.Category{event.CategoryRegulatoryChange},
		func(ev *event.Event) *Decision {
			impact, _ := ev.Payload["impact"].(string)
			if impact == "high" {
				return &Decision{
					Action:     "assess_immediately",
					Confidence: 0.85,
					Reasoning:  "high-impact regulatory change requires immediate assessment",
				}
			}
			return &Decision{
				Action:     "schedule_review",
				Confidence: 0.7,
				Reasoning:  "regulatory change queued for scheduled review",
			}
		})
}

// NewAuditIntelligence builds the built-in audit-trail agent: it records
// audit events and surfaces anomalies marked by upstream producers.
func NewAuditIntelligence() *RuleAgent {
	return NewRuleAgent("Audit Intelligence",
		[]event.Category{event.CategoryAuditTrail},
		func(ev *event.Event) *Decision {
			if anomaly, _ := ev.Payload["anomaly"].(bool); anomaly {
				return &Decision{
					Action:     "investigate",
					Confidence: 0.8,
					Reasoning:  "audit anomaly flagged by producer",
				}
			}
			return &Decision{
				Action:     "record",
				Confidence: 0.95,
				Reasoning:  "audit event recorded",
			}
		})
}
