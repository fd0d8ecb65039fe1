package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisBuffer = 256

// RedisBroker carries payloads over Redis Pub/Sub, one channel per topic.
// Keys are ignored; Pub/Sub channels are not partitioned.
type RedisBroker struct {
	client *redis.Client
	log    zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisBroker connects to the Redis server at addr.
func NewRedisBroker(ctx context.Context, addr string, log zerolog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisBrokerFromClient(client, log), nil
}

// NewRedisBrokerFromClient wraps an existing client. Close closes it.
func NewRedisBrokerFromClient(client *redis.Client, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		log:    log.With().Str("component", "redis_broker").Logger(),
		done:   make(chan struct{}),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic, _ string, payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	pubsub := b.client.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel %s: %w", topic, err)
	}

	out := make(chan []byte, redisBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				b.log.Debug().Err(err).Msg("Error closing redis subscription")
			}
		}()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()

	b.log.Info().Str("channel", topic).Msg("Subscribed to redis channel")
	return out, nil
}

func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.client.Close()
	})
	return err
}
