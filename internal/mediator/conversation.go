package mediator

import (
	"fmt"
	"time"
)

// ConvState is a conversation's lifecycle position.
type ConvState string

const (
	ConvInitializing ConvState = "initializing"
	ConvActive       ConvState = "active"
	ConvCompleted    ConvState = "completed"
)

// validTransitions defines allowed conversation state transitions.
var validTransitions = map[ConvState][]ConvState{
	ConvInitializing: {ConvActive, ConvCompleted},
	ConvActive:       {ConvCompleted},
}

// transition returns nil if from→to is a legal transition.
func transition(from, to ConvState) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid conversation transition %q -> %q", from, to)
}

// Conversation is a moderated multi-agent exchange. The turn order is a
// permutation of the participant list fixed when turn-taking is
// orchestrated and never changes afterwards.
type Conversation struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Objective    string    `json:"objective,omitempty"`
	Participants []string  `json:"participants"`
	TurnOrder    []string  `json:"turn_order,omitempty"`
	State        ConvState `json:"state"`
	Round        int       `json:"round"`
	MaxRounds    int       `json:"max_rounds"`
	Messages     []Message `json:"messages,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary is the outcome of a facilitated discussion.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	Topic          string    `json:"topic"`
	Participants   []string  `json:"participants"`
	RoundsUsed     int       `json:"rounds_used"`
	Converged      bool      `json:"converged"`
	Transcript     []Message `json:"transcript"`
}

// Resolution is the outcome of conflict adjudication.
type Resolution struct {
	Status              string   `json:"status"` // no_conflicts, resolved, escalated
	SessionID           string   `json:"session_id,omitempty"`
	Decision            string   `json:"decision,omitempty"`
	Agreement           float64  `json:"agreement_percentage"`
	Agents              []string `json:"agents,omitempty"`
	RequiresHumanReview bool     `json:"requires_human_review"`
}

// Resolution statuses.
const (
	StatusNoConflicts = "no_conflicts"
	StatusResolved    = "resolved"
	StatusEscalated   = "escalated"
)
