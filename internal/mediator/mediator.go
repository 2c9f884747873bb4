package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veridian/complymesh/internal/consensus"
	"github.com/veridian/complymesh/internal/faults"
	"go.uber.org/zap"
)

// Prompter asks one agent for a free-form contribution. Implementations
// decide the transport; the redis relay provides one for remote agents.
type Prompter interface {
	Prompt(ctx context.Context, agentID, prompt string) (string, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, agentID, prompt string) (string, error)

func (f PrompterFunc) Prompt(ctx context.Context, agentID, prompt string) (string, error) {
	return f(ctx, agentID, prompt)
}

// convergenceMarkers flag a contribution as agreement with the discussion
// so far. A round where every speaker converges ends the discussion early.
var convergenceMarkers = []string{"agree", "consensus", "approved", "no objection"}

// ConflictThreshold is the minimum agreement fraction for an adjudicated
// conflict to count as resolved rather than escalated.
const ConflictThreshold = 0.6

// Mediator moderates agent conversations and adjudicates conflicting
// messages. Conversation state is guarded per conversation; the mediator
// lock only covers the map.
type Mediator struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	engine        *consensus.Engine
	prompter      Prompter // optional; required only for facilitation
	logger        *zap.Logger
}

// NewMediator creates a mediator. The prompter may be nil, in which case
// FacilitateDiscussion is unavailable.
func NewMediator(engine *consensus.Engine, prompter Prompter, logger *zap.Logger) *Mediator {
	return &Mediator{
		conversations: make(map[string]*Conversation),
		engine:        engine,
		prompter:      prompter,
		logger:        logger,
	}
}

// Initiate opens a conversation between at least two participants and
// returns its id.
func (m *Mediator) Initiate(topic, objective string, participants []string, maxRounds int) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("conversation topic is required: %w", faults.ErrValidation)
	}
	if len(participants) < 2 {
		return "", fmt.Errorf("conversation requires at least two participants, got %d: %w",
			len(participants), faults.ErrValidation)
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" {
			return "", fmt.Errorf("participant with empty id: %w", faults.ErrValidation)
		}
		if seen[p] {
			return "", fmt.Errorf("duplicate participant %q: %w", p, faults.ErrConflict)
		}
		seen[p] = true
	}
	if maxRounds <= 0 {
		maxRounds = 3
	}

	now := time.Now()
	conv := &Conversation{
		ID:           uuid.New().String(),
		Topic:        topic,
		Objective:    objective,
		Participants: append([]string(nil), participants...),
		State:        ConvInitializing,
		MaxRounds:    maxRounds,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.conversations[conv.ID] = conv
	m.mu.Unlock()

	m.logger.Info("conversation opened",
		zap.String("conversation", conv.ID),
		zap.String("topic", topic),
		zap.Int("participants", len(participants)))
	return conv.ID, nil
}

// OrchestrateTurnTaking fixes the speaking order as the participant order
// given at initiation and activates the conversation. It returns the fixed
// order; false when the conversation is unknown or already past
// initialization.
func (m *Mediator) OrchestrateTurnTaking(conversationID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, false
	}
	if err := transition(conv.State, ConvActive); err != nil {
		return nil, false
	}
	conv.TurnOrder = append([]string(nil), conv.Participants...)
	conv.State = ConvActive
	conv.Round = 1
	conv.UpdatedAt = time.Now()
	return append([]string(nil), conv.TurnOrder...), true
}

// Send validates and records a message on an active conversation. It
// returns false when the conversation is unknown or not active, the sender
// is not a participant, or the kind is not in the closed set.
func (m *Mediator) Send(conversationID string, msg Message) bool {
	switch msg.Kind {
	case KindTaskAssignment, KindVote, KindStatusUpdate, KindErrorNotification, KindContribution:
	default:
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok || conv.State != ConvActive {
		return false
	}
	if !contains(conv.Participants, msg.Sender) {
		return false
	}
	if msg.Receiver != "" && msg.Receiver != Broadcast && !contains(conv.Participants, msg.Receiver) {
		return false
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = msg.Timestamp
	return true
}

// Conversation returns a snapshot of one conversation.
func (m *Mediator) Conversation(conversationID string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, false
	}
	snap := *conv
	snap.Participants = append([]string(nil), conv.Participants...)
	snap.TurnOrder = append([]string(nil), conv.TurnOrder...)
	snap.Messages = append([]Message(nil), conv.Messages...)
	return &snap, true
}

// FacilitateDiscussion runs the conversation to completion: each round it
// prompts every participant in turn order, records the contributions, and
// stops early once a full round converges. The conversation ends completed
// either way.
func (m *Mediator) FacilitateDiscussion(ctx context.Context, conversationID string) (*Summary, error) {
	if m.prompter == nil {
		return nil, fmt.Errorf("no prompter configured: %w", faults.ErrUnavailable)
	}

	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", conversationID, faults.ErrNotFound)
	}
	if conv.State == ConvInitializing {
		conv.TurnOrder = append([]string(nil), conv.Participants...)
		conv.State = ConvActive
		conv.Round = 1
	}
	if conv.State != ConvActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("conversation %s is %s: %w", conversationID, conv.State, faults.ErrConflict)
	}
	order := append([]string(nil), conv.TurnOrder...)
	topic := conv.Topic
	objective := conv.Objective
	maxRounds := conv.MaxRounds
	startRound := conv.Round
	m.mu.Unlock()

	converged := false
	round := startRound
	for ; round <= maxRounds && !converged; round++ {
		agreed := 0
		for _, speaker := range order {
			if err := ctx.Err(); err != nil {
				m.complete(conversationID)
				return nil, fmt.Errorf("discussion interrupted: %w", faults.ErrTimeout)
			}
			reply, err := m.prompter.Prompt(ctx, speaker, m.buildPrompt(conversationID, topic, objective, speaker, round))
			if err != nil {
				m.logger.Warn("participant did not contribute",
					zap.String("conversation", conversationID),
					zap.String("agent", speaker),
					zap.Error(err))
				m.Send(conversationID, Message{
					Sender:   speaker,
					Receiver: Broadcast,
					Kind:     KindErrorNotification,
					Content:  err.Error(),
				})
				continue
			}
			m.Send(conversationID, Message{
				Sender:   speaker,
				Receiver: Broadcast,
				Kind:     KindContribution,
				Content:  reply,
			})
			if hasConvergenceMarker(reply) {
				agreed++
			}
		}
		if agreed == len(order) {
			converged = true
		}
		m.advanceRound(conversationID)
	}

	m.complete(conversationID)

	snap, _ := m.Conversation(conversationID)
	summary := &Summary{
		ConversationID: conversationID,
		Topic:          topic,
		Participants:   order,
		RoundsUsed:     round - startRound,
		Converged:      converged,
		Transcript:     snap.Messages,
	}
	m.logger.Info("discussion completed",
		zap.String("conversation", conversationID),
		zap.Int("rounds", summary.RoundsUsed),
		zap.Bool("converged", converged))
	return summary, nil
}

// ResolveConflicts adjudicates contradictory messages by running them
// through a majority consensus session, one opinion per distinct sender
// (first message wins). Empty input is trivially conflict-free and opens
// no session.
func (m *Mediator) ResolveConflicts(conflicts []Message) (*Resolution, error) {
	if len(conflicts) == 0 {
		return &Resolution{Status: StatusNoConflicts, Agreement: 1}, nil
	}

	var participants []consensus.Participant
	var opinions []consensus.Opinion
	seen := make(map[string]bool)
	for _, msg := range conflicts {
		if msg.Sender == "" || seen[msg.Sender] {
			continue
		}
		seen[msg.Sender] = true
		participants = append(participants, consensus.Participant{ID: msg.Sender, Weight: 1})
		opinions = append(opinions, consensus.Opinion{
			AgentID:    msg.Sender,
			Decision:   conflictDecision(msg),
			Confidence: 0.8,
			Reasoning:  "position taken in conflicting message " + msg.ID,
		})
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("conflicting messages carry no senders: %w", faults.ErrValidation)
	}

	sessionID, err := m.engine.Initiate(consensus.Config{
		Topic:        "conflict resolution",
		Algorithm:    consensus.AlgorithmMajority,
		Participants: participants,
		MaxRounds:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening conflict session: %w", err)
	}
	for _, op := range opinions {
		m.engine.SubmitOpinion(sessionID, op)
	}

	result, err := m.engine.Evaluate(sessionID)
	if err != nil {
		return nil, fmt.Errorf("evaluating conflict session: %w", err)
	}

	agents := make([]string, len(participants))
	for i, p := range participants {
		agents[i] = p.ID
	}
	res := &Resolution{
		SessionID: sessionID,
		Agreement: result.AgreementPct,
		Agents:    agents,
	}
	if result.State == consensus.StateReached && result.AgreementPct >= ConflictThreshold {
		res.Status = StatusResolved
		res.Decision = result.Decision
	} else {
		res.Status = StatusEscalated
		res.RequiresHumanReview = true
	}

	m.logger.Info("conflict adjudicated",
		zap.String("session", sessionID),
		zap.String("status", res.Status),
		zap.Float64("agreement", res.Agreement),
		zap.Int("agents", len(agents)))
	return res, nil
}

// buildPrompt includes the recent transcript so agents respond to each
// other rather than in isolation.
func (m *Mediator) buildPrompt(conversationID, topic, objective, speaker string, round int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Discussion topic: %s\n", topic)
	if objective != "" {
		fmt.Fprintf(&sb, "Objective: %s\n", objective)
	}
	fmt.Fprintf(&sb, "Round %d. You are %s.\n", round, speaker)

	if snap, ok := m.Conversation(conversationID); ok {
		recent := snap.Messages
		if len(recent) > 6 {
			recent = recent[len(recent)-6:]
		}
		for _, msg := range recent {
			if msg.Kind == KindContribution {
				fmt.Fprintf(&sb, "%s said: %s\n", msg.Sender, msg.Content)
			}
		}
	}
	sb.WriteString("State your position, or indicate agreement with the discussion so far.")
	return sb.String()
}

func (m *Mediator) advanceRound(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.conversations[conversationID]; ok && conv.State == ConvActive {
		conv.Round++
		conv.UpdatedAt = time.Now()
	}
}

func (m *Mediator) complete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok || transition(conv.State, ConvCompleted) != nil {
		return
	}
	conv.State = ConvCompleted
	conv.UpdatedAt = time.Now()
}

// conflictDecision canonicalizes a message's position so identical payloads
// tally as the same vote. JSON marshaling sorts map keys, which gives a
// stable form.
func conflictDecision(msg Message) string {
	if len(msg.Payload) > 0 {
		if b, err := json.Marshal(msg.Payload); err == nil {
			return string(b)
		}
	}
	return msg.Content
}

func hasConvergenceMarker(reply string) bool {
	lower := strings.ToLower(reply)
	for _, marker := range convergenceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
