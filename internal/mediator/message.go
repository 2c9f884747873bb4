// Package mediator orchestrates turn-taking conversations between agents
// and adjudicates conflicting agent messages through the consensus engine.
package mediator

import (
	"time"

	"github.com/veridian/complymesh/internal/event"
)

// Kind is the closed set of inter-agent message kinds, so dispatch on a
// message is exhaustive rather than stringly typed.
type Kind string

const (
	KindTaskAssignment    Kind = "task_assignment"
	KindVote              Kind = "vote"
	KindStatusUpdate      Kind = "status_update"
	KindErrorNotification Kind = "error_notification"
	KindContribution      Kind = "contribution"
)

// Broadcast is the receiver marker for messages addressed to every
// participant.
const Broadcast = "*"

// Message is one transient inter-agent exchange. The mediator records
// messages in conversation transcripts but does not own them long-term.
type Message struct {
	ID        string                 `json:"id"`
	Sender    string                 `json:"sender"`
	Receiver  string                 `json:"receiver"`
	Kind      Kind                   `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Priority  event.Priority         `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
}
