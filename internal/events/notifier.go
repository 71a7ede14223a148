package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/callpilot/pkg/logging"
)

const (
	EntityCall    = "call"
	EntityRequest = "request"
)

// Transition is a committed status change of a call or a request.
type Transition struct {
	Entity    string    `json:"entity"`
	RequestID string    `json:"request_id"`
	CallID    string    `json:"call_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Outcome   string    `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier publishes transitions after they are committed.
type Notifier interface {
	Publish(ctx context.Context, t Transition) error
}

// NopNotifier drops transitions.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Transition) error { return nil }

// RequestChannel is the pub/sub channel carrying one request's transitions.
func RequestChannel(requestID string) string {
	return "callpilot:requests:" + requestID
}

// RedisNotifier publishes transitions on a per-request Redis channel.
type RedisNotifier struct {
	rdb    *redis.Client
	logger *logging.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *logging.Logger) *RedisNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisNotifier{rdb: rdb, logger: logger}
}

func (n *RedisNotifier) Publish(ctx context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("events: marshal transition: %w", err)
	}
	if err := n.rdb.Publish(ctx, RequestChannel(t.RequestID), data).Err(); err != nil {
		return fmt.Errorf("events: publish transition: %w", err)
	}
	n.logger.Debug("transition published", "request_id", t.RequestID, "call_id", t.CallID, "entity", t.Entity, "to", t.To)
	return nil
}

// Subscribe streams transitions for one request until ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, requestID string) (<-chan Transition, error) {
	sub := n.rdb.Subscribe(ctx, RequestChannel(requestID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}
	out := make(chan Transition)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var t Transition
				if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
					n.logger.Warn("dropping malformed transition", "error", err)
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
