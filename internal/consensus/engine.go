package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veridian/complymesh/internal/faults"
	"github.com/veridian/complymesh/internal/store"
	"go.uber.org/zap"
)

// defaultTerminalRetention is how many terminal sessions stay resident for
// idempotent Result reads; older ones are evicted once their audit record
// is written.
const defaultTerminalRetention = 256

// Engine manages consensus sessions. The engine lock only guards the
// session map; per-session state has its own lock.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*session
	terminal []string // terminal session ids, oldest first
	retain   int
	audit    store.Store // optional; terminal results are written through
	logger   *zap.Logger
}

// NewEngine creates an engine. The audit store may be nil.
func NewEngine(audit store.Store, logger *zap.Logger) *Engine {
	return &Engine{
		sessions: make(map[string]*session),
		retain:   defaultTerminalRetention,
		audit:    audit,
		logger:   logger,
	}
}

// SetTerminalRetention caps how many terminal sessions remain readable via
// Result after completion; n <= 0 keeps all of them. The audit store holds
// the durable record either way.
func (e *Engine) SetTerminalRetention(n int) {
	e.mu.Lock()
	e.retain = n
	e.mu.Unlock()
}

// Initiate validates the config and opens a session in the collecting
// state. It returns the session id.
func (e *Engine) Initiate(cfg Config) (string, error) {
	if cfg.Topic == "" {
		return "", fmt.Errorf("consensus topic is required: %w", faults.ErrValidation)
	}
	if len(cfg.Participants) == 0 {
		return "", fmt.Errorf("consensus requires participants: %w", faults.ErrValidation)
	}
	switch cfg.Algorithm {
	case "":
		cfg.Algorithm = AlgorithmMajority
	case AlgorithmMajority, AlgorithmWeighted, AlgorithmByzantine:
	default:
		return "", fmt.Errorf("unknown algorithm %q: %w", cfg.Algorithm, faults.ErrValidation)
	}
	if cfg.MinParticipants <= 0 {
		cfg.MinParticipants = len(cfg.Participants)
	}
	if cfg.MinParticipants > len(cfg.Participants) {
		return "", fmt.Errorf("min participants %d exceeds declared %d: %w",
			cfg.MinParticipants, len(cfg.Participants), faults.ErrValidation)
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}

	weights := make(map[string]float64, len(cfg.Participants))
	for _, p := range cfg.Participants {
		if p.ID == "" {
			return "", fmt.Errorf("participant with empty id: %w", faults.ErrValidation)
		}
		if _, dup := weights[p.ID]; dup {
			return "", fmt.Errorf("duplicate participant %q: %w", p.ID, faults.ErrConflict)
		}
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		weights[p.ID] = w
	}

	now := time.Now()
	s := &session{
		id:        uuid.New().String(),
		cfg:       cfg,
		state:     StateCollecting,
		rounds:    []Round{{Number: 1, StartedAt: now}},
		createdAt: now,
		weights:   weights,
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	e.logger.Info("consensus session opened",
		zap.String("session", s.id),
		zap.String("topic", cfg.Topic),
		zap.String("algorithm", string(cfg.Algorithm)),
		zap.Int("participants", len(cfg.Participants)))
	return s.id, nil
}

// SubmitOpinion records one opinion. It returns false, with no mutation,
// when the session is unknown or terminal, the agent is not a declared
// participant, or the agent already has an opinion in the current round.
// Once every declared participant has submitted, the round is evaluated.
func (e *Engine) SubmitOpinion(sessionID string, op Opinion) bool {
	s := e.get(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.checkDeadlineLocked(s)
	if s.terminal() || !s.isParticipant(op.AgentID) || s.hasOpinion(op.AgentID) {
		return false
	}

	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now()
	}
	op.Round = s.currentRound().Number
	s.currentRound().Opinions = append(s.currentRound().Opinions, op)

	if len(s.currentRound().Opinions) == len(s.cfg.Participants) {
		e.evaluateLocked(s)
	}
	return true
}

// Evaluate forces evaluation of the current round. It fails with
// faults.ErrUnavailable while the session is below its minimum-participant
// threshold and its deadline has not passed.
func (e *Engine) Evaluate(sessionID string) (*Result, error) {
	s := e.get(sessionID)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, faults.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal() {
		return s.result, nil
	}
	e.checkDeadlineLocked(s)
	if s.terminal() {
		return s.result, nil
	}
	if len(s.currentRound().Opinions) < s.cfg.MinParticipants {
		return nil, fmt.Errorf("session %s has %d of %d required opinions: %w",
			sessionID, len(s.currentRound().Opinions), s.cfg.MinParticipants, faults.ErrUnavailable)
	}
	e.evaluateLocked(s)
	if !s.terminal() {
		return nil, fmt.Errorf("session %s advanced to round %d: %w",
			sessionID, s.currentRound().Number, faults.ErrUnavailable)
	}
	return s.result, nil
}

// State reports the session state, lazily failing sessions whose deadline
// passed below the participation threshold.
func (e *Engine) State(sessionID string) (State, bool) {
	s := e.get(sessionID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.checkDeadlineLocked(s)
	return s.state, true
}

// Result returns the terminal outcome. The second return is false while the
// session is unknown or still in progress. Terminal reads are idempotent.
func (e *Engine) Result(sessionID string) (*Result, bool) {
	s := e.get(sessionID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.checkDeadlineLocked(s)
	if !s.terminal() {
		return nil, false
	}
	return s.result, true
}

// Opinions returns the opinions of one round (0 = current round).
func (e *Engine) Opinions(sessionID string, round int) ([]Opinion, bool) {
	s := e.get(sessionID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if round <= 0 {
		round = s.currentRound().Number
	}
	for _, r := range s.rounds {
		if r.Number == round {
			out := make([]Opinion, len(r.Opinions))
			copy(out, r.Opinions)
			return out, true
		}
	}
	return nil, false
}

// ExpireOverdue fails every session whose deadline passed below its
// participation threshold. Returns the number of sessions failed.
func (e *Engine) ExpireOverdue() int {
	e.mu.RLock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.RUnlock()

	expired := 0
	for _, s := range all {
		s.mu.Lock()
		was := s.terminal()
		e.checkDeadlineLocked(s)
		if !was && s.terminal() {
			expired++
		}
		s.mu.Unlock()
	}
	return expired
}

func (e *Engine) get(sessionID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

// checkDeadlineLocked transitions an overdue, under-threshold session to
// FAILED instead of letting it block indefinitely. Caller holds s.mu.
func (e *Engine) checkDeadlineLocked(s *session) {
	if s.terminal() || s.cfg.Deadline.IsZero() || time.Now().Before(s.cfg.Deadline) {
		return
	}
	if len(s.currentRound().Opinions) >= s.cfg.MinParticipants {
		e.evaluateLocked(s)
		if s.terminal() {
			return
		}
		// The deadline passed without a decisive round; no further rounds.
		e.finishLocked(s, StateFailed, "", 0, ReasonDeadline)
		return
	}
	e.finishLocked(s, StateFailed, "", 0, ReasonInsufficientParticipation)
}

// evaluateLocked runs the configured algorithm over the current round. A
// decisive outcome terminates the session; an indecisive one advances to
// the next round until MaxRounds, then fails. Caller holds s.mu.
func (e *Engine) evaluateLocked(s *session) {
	s.state = StateEvaluating
	opinions := s.currentRound().Opinions

	var decision, reason string
	var agreement float64
	switch s.cfg.Algorithm {
	case AlgorithmWeighted:
		decision, agreement, reason = e.weightedVote(s, opinions)
	case AlgorithmByzantine:
		decision, agreement, reason = e.byzantineQuorum(s, opinions)
	default:
		decision, agreement, reason = e.majorityVote(s, opinions)
	}

	if decision != "" {
		e.finishLocked(s, StateReached, decision, agreement, "")
		return
	}
	if s.currentRound().Number < s.cfg.MaxRounds {
		s.rounds = append(s.rounds, Round{
			Number:    s.currentRound().Number + 1,
			StartedAt: time.Now(),
		})
		s.state = StateCollecting
		e.logger.Info("consensus round advanced",
			zap.String("session", s.id),
			zap.Int("round", s.currentRound().Number),
			zap.String("reason", reason))
		return
	}
	e.finishLocked(s, StateFailed, "", agreement, reason)
}

// majorityVote wins on strictly more than half of the submitted weighted
// votes. An exact tie is an explicit no-consensus outcome.
func (e *Engine) majorityVote(s *session, opinions []Opinion) (string, float64, string) {
	tally, total := e.tally(s, opinions)
	top, topWeight, secondWeight := leader(tally)
	if total == 0 {
		return "", 0, ReasonNoMajority
	}
	if topWeight*2 > total {
		return top, topWeight / total, ""
	}
	if topWeight == secondWeight {
		return "", topWeight / total, ReasonTie
	}
	return "", topWeight / total, ReasonNoMajority
}

// weightedVote wins on the highest weight sum; agreement is winning weight
// over total submitted weight.
func (e *Engine) weightedVote(s *session, opinions []Opinion) (string, float64, string) {
	tally, total := e.tally(s, opinions)
	top, topWeight, secondWeight := leader(tally)
	if total == 0 {
		return "", 0, ReasonNoMajority
	}
	if topWeight == secondWeight {
		return "", topWeight / total, ReasonTie
	}
	return top, topWeight / total, ""
}

// byzantineQuorum requires identical decisions from strictly more than two
// thirds of the declared participants, tolerating up to (n-1)/3 divergent
// opinions.
func (e *Engine) byzantineQuorum(s *session, opinions []Opinion) (string, float64, string) {
	counts := make(map[string]int)
	for _, op := range opinions {
		counts[op.Decision]++
	}
	var top string
	topCount := 0
	for d, c := range counts {
		if c > topCount {
			top, topCount = d, c
		}
	}
	n := len(s.cfg.Participants)
	if 3*topCount > 2*n {
		return top, float64(topCount) / float64(len(opinions)), ""
	}
	return "", float64(topCount) / float64(max(len(opinions), 1)), ReasonNoQuorum
}

func (e *Engine) tally(s *session, opinions []Opinion) (map[string]float64, float64) {
	tally := make(map[string]float64)
	total := 0.0
	for _, op := range opinions {
		w := s.weights[op.AgentID]
		tally[op.Decision] += w
		total += w
	}
	return tally, total
}

// leader returns the top decision with its weight, plus the runner-up
// weight for tie detection.
func leader(tally map[string]float64) (string, float64, float64) {
	var top string
	first, second := 0.0, 0.0
	for d, w := range tally {
		switch {
		case w > first:
			top, second, first = d, first, w
		case w > second:
			second = w
		}
	}
	return top, first, second
}

// finishLocked records the terminal result and writes the audit record.
// Caller holds s.mu.
func (e *Engine) finishLocked(s *session, st State, decision string, agreement float64, reason string) {
	s.state = st
	rounds := make([]Round, len(s.rounds))
	copy(rounds, s.rounds)
	s.result = &Result{
		SessionID:         s.id,
		Topic:             s.cfg.Topic,
		Algorithm:         s.cfg.Algorithm,
		State:             st,
		Decision:          decision,
		Reason:            reason,
		AgreementPct:      agreement,
		TotalParticipants: len(s.cfg.Participants),
		Rounds:            rounds,
		CompletedAt:       time.Now(),
	}

	e.logger.Info("consensus session closed",
		zap.String("session", s.id),
		zap.String("state", string(st)),
		zap.String("decision", decision),
		zap.Float64("agreement", agreement),
		zap.String("reason", reason))

	if e.audit != nil {
		rec := store.Record{
			Kind: "consensus_result",
			Key:  s.id,
			Payload: map[string]interface{}{
				"topic":                s.cfg.Topic,
				"algorithm":            string(s.cfg.Algorithm),
				"state":                string(st),
				"decision":             decision,
				"reason":               reason,
				"agreement_percentage": agreement,
				"total_participants":   len(s.cfg.Participants),
				"rounds":               len(rounds),
			},
			CreatedAt: s.result.CompletedAt,
		}
		if err := e.audit.Write(context.Background(), rec); err != nil {
			e.logger.Warn("consensus audit write failed",
				zap.String("session", s.id), zap.Error(err))
		}
	}

	e.retainTerminal(s.id)
}

// retainTerminal records a newly terminal session and evicts the oldest
// ones past the retention cap so a long-lived engine stays bounded. Safe to
// call with s.mu held: nothing acquires a session lock while holding e.mu.
func (e *Engine) retainTerminal(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminal = append(e.terminal, id)
	for e.retain > 0 && len(e.terminal) > e.retain {
		delete(e.sessions, e.terminal[0])
		e.terminal = e.terminal[1:]
	}
}
