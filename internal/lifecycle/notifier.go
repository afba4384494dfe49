package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier carries terminal-state signals from the worker that finished a job
// to every waiter of that job.
type Notifier interface {
	Watch(id uuid.UUID) *Watch
	Publish(ctx context.Context, id uuid.UUID) error
}

var (
	_ Notifier = (*Hub)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)

// Publish signals local watchers. A Hub on its own serves a single process
// running both the API and the workers.
func (h *Hub) Publish(_ context.Context, id uuid.UUID) error {
	h.Signal(id)
	return nil
}

// CompletionChannel is the pub/sub channel completions are fanned out on.
const CompletionChannel = "runq:completions"

// RedisNotifier fans completions out to every process over Redis pub/sub and
// feeds them into a local Hub.
type RedisNotifier struct {
	client *goredis.Client
	hub    *Hub
	logger *zap.Logger
	pubsub *goredis.PubSub
}

// NewRedisNotifier subscribes to the completion channel. The subscription is
// confirmed before it returns, so no Publish issued afterwards is missed.
func NewRedisNotifier(ctx context.Context, client *goredis.Client, logger *zap.Logger) (*RedisNotifier, error) {
	pubsub := client.Subscribe(ctx, CompletionChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("lifecycle: subscribe %s: %w", CompletionChannel, err)
	}
	return &RedisNotifier{
		client: client,
		hub:    NewHub(),
		logger: logger,
		pubsub: pubsub,
	}, nil
}

// Run relays messages into the local hub until ctx is done or Close is called.
func (n *RedisNotifier) Run(ctx context.Context) {
	ch := n.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				n.logger.Warn("Ignoring malformed completion message", zap.String("payload", msg.Payload))
				continue
			}
			n.hub.Signal(id)
		}
	}
}

func (n *RedisNotifier) Watch(id uuid.UUID) *Watch {
	return n.hub.Watch(id)
}

// Publish signals local watchers directly and every other process over Redis.
func (n *RedisNotifier) Publish(ctx context.Context, id uuid.UUID) error {
	n.hub.Signal(id)
	if err := n.client.Publish(ctx, CompletionChannel, id.String()).Err(); err != nil {
		return fmt.Errorf("lifecycle: publish completion: %w", err)
	}
	return nil
}

// Close ends the subscription.
func (n *RedisNotifier) Close() error {
	return n.pubsub.Close()
}
