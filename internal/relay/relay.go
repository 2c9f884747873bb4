// Package relay carries prompts and replies between the mediator and
// remote agents over Redis Streams. Each agent owns one inbound stream;
// replies come back on a per-prompt stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/veridian/complymesh/internal/faults"
	"go.uber.org/zap"
)

const (
	agentStreamPrefix = "complymesh:agent:"
	replyStreamPrefix = "complymesh:reply:"
)

// Envelope is one relayed exchange.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"` // "prompt", "reply", "notice"
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay is a Redis Streams transport for agent messaging.
type Relay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRelay connects to Redis and verifies the connection.
func NewRelay(redisURL string, logger *zap.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Relay{rdb: rdb, logger: logger}, nil
}

// Send appends an envelope to the receiver's stream.
func (r *Relay) Send(ctx context.Context, env *Envelope) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	stream := agentStreamPrefix + env.To
	if env.Kind == "reply" && env.ReplyTo != "" {
		stream = replyStreamPrefix + env.ReplyTo
	}
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("send to %s: %w", stream, err)
	}

	r.logger.Debug("relayed envelope",
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.String("kind", env.Kind))
	return nil
}

// Listen emits the envelopes arriving on an agent's stream. Cancel the
// context to stop; the channel closes on return.
func (r *Relay) Listen(ctx context.Context, agentID string) <-chan *Envelope {
	ch := make(chan *Envelope, 16)
	stream := agentStreamPrefix + agentID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var env Envelope
					if json.Unmarshal([]byte(data), &env) == nil {
						if !forward(ctx, ch, &env) {
							return
						}
					}
				}
			}
		}
	}()

	return ch
}

// forward hands one envelope to the consumer. It returns false when the
// context is cancelled first, so a listener with a full buffer and a gone
// consumer still stops.
func forward(ctx context.Context, ch chan<- *Envelope, env *Envelope) bool {
	select {
	case ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// Prompt sends a prompt envelope to an agent and blocks for its reply on a
// dedicated reply stream. Satisfies the mediator's Prompter interface.
func (r *Relay) Prompt(ctx context.Context, agentID, prompt string) (string, error) {
	promptID := uuid.New().String()
	env := &Envelope{
		ID:      promptID,
		From:    "mediator",
		To:      agentID,
		Kind:    "prompt",
		Content: prompt,
		ReplyTo: promptID,
	}
	if err := r.Send(ctx, env); err != nil {
		return "", err
	}

	stream := replyStreamPrefix + promptID
	lastID := "0"
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("waiting for reply from %s: %w", agentID, faults.ErrTimeout)
		}
		results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   1,
			Block:   time.Second * 2,
		}).Result()
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return "", fmt.Errorf("waiting for reply from %s: %w", agentID, faults.ErrTimeout)
			}
			continue
		}
		for _, res := range results {
			for _, msg := range res.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var reply Envelope
				if json.Unmarshal([]byte(data), &reply) == nil {
					// Reply streams are single-use; drop them once read.
					r.rdb.Del(context.Background(), stream)
					return reply.Content, nil
				}
			}
		}
	}
}

// Close shuts down the Redis connection.
func (r *Relay) Close() error {
	return r.rdb.Close()
}
