// Package consensus runs quorum and voting protocols over independently
// submitted agent opinions. Each session is an auditable negotiation: its
// configuration, every round of opinions and the final outcome are retained
// and, when a durable store is wired, written through for audit.
package consensus

import (
	"sync"
	"time"
)

// Algorithm selects how a session's opinions are evaluated.
type Algorithm string

const (
	// AlgorithmMajority requires strictly more than half of the submitted
	// weighted votes; an exact tie is an explicit no-consensus outcome.
	AlgorithmMajority Algorithm = "majority_vote"
	// AlgorithmWeighted picks the option with the highest weight sum.
	AlgorithmWeighted Algorithm = "weighted_vote"
	// AlgorithmByzantine requires identical payloads from more than two
	// thirds of the declared participants, tolerating up to (n-1)/3
	// divergent opinions.
	AlgorithmByzantine Algorithm = "byzantine_quorum"
)

// Role describes a participant's function in the session.
type Role string

const (
	RoleExpert        Role = "expert"
	RoleReviewer      Role = "reviewer"
	RoleDecisionMaker Role = "decision_maker"
	RoleFacilitator   Role = "facilitator"
	RoleObserver      Role = "observer"
)

// State is a session's lifecycle position. Reached and Failed are terminal;
// a terminal session is immutable.
type State string

const (
	StateInitializing State = "initializing"
	StateCollecting   State = "collecting"
	StateEvaluating   State = "evaluating"
	StateReached      State = "reached"
	StateFailed       State = "failed"
)

// Failure reasons surfaced on Result.Reason.
const (
	ReasonTie                       = "tie"
	ReasonNoMajority                = "no_majority"
	ReasonNoQuorum                  = "no_quorum"
	ReasonInsufficientParticipation = "insufficient_participation"
	ReasonDeadline                  = "deadline_exceeded"
)

// Participant declares one agent's seat at the table.
type Participant struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
	Role   Role    `json:"role,omitempty"`
}

// Config describes a consensus session at initiation time.
type Config struct {
	Topic           string        `json:"topic"`
	Algorithm       Algorithm     `json:"algorithm"`
	Participants    []Participant `json:"participants"`
	MinParticipants int           `json:"min_participants"`
	Deadline        time.Time     `json:"deadline,omitempty"`
	MaxRounds       int           `json:"max_rounds"`
}

// Opinion is one participant's submission for a round. At most one opinion
// per agent per round is retained.
type Opinion struct {
	AgentID     string    `json:"agent_id"`
	Decision    string    `json:"decision"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Round       int       `json:"round"`
}

// Round is one ordered collection phase.
type Round struct {
	Number    int       `json:"number"`
	Opinions  []Opinion `json:"opinions"`
	StartedAt time.Time `json:"started_at"`
}

// Result is the terminal outcome of a session, including the full round
// history for audit. Reads of a terminal result are idempotent.
type Result struct {
	SessionID         string    `json:"session_id"`
	Topic             string    `json:"topic"`
	Algorithm         Algorithm `json:"algorithm"`
	State             State     `json:"state"`
	Decision          string    `json:"decision,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	AgreementPct      float64   `json:"agreement_percentage"`
	TotalParticipants int       `json:"total_participants"`
	Rounds            []Round   `json:"rounds"`
	CompletedAt       time.Time `json:"completed_at"`
}

// session state is mutated only under its own lock, so sessions never block
// each other.
type session struct {
	mu        sync.Mutex
	id        string
	cfg       Config
	state     State
	rounds    []Round
	result    *Result
	createdAt time.Time

	// weights caches participant id -> voting weight.
	weights map[string]float64
}

func (s *session) terminal() bool {
	return s.state == StateReached || s.state == StateFailed
}

func (s *session) currentRound() *Round {
	return &s.rounds[len(s.rounds)-1]
}

func (s *session) isParticipant(agentID string) bool {
	_, ok := s.weights[agentID]
	return ok
}

func (s *session) hasOpinion(agentID string) bool {
	for _, op := range s.currentRound().Opinions {
		if op.AgentID == agentID {
			return true
		}
	}
	return false
}
