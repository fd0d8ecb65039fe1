package fanout

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/wire"
)

// DefaultTopic is the broker topic chat broadcasts travel on.
const DefaultTopic = "chat"

// Broadcaster delivers a payload to the local subscribers of a room.
type Broadcaster interface {
	Broadcast(roomID int64, payload []byte) int
}

// Bridge publishes chat broadcasts to the broker and feeds every payload
// consumed from it into the local registry. An instance's own publishes come
// back through the same consumer path.
type Bridge struct {
	broker Broker
	local  Broadcaster
	topic  string
	log    zerolog.Logger

	mu   sync.Mutex
	feed <-chan []byte
}

// NewBridge creates a bridge on topic. An empty topic means DefaultTopic.
func NewBridge(broker Broker, local Broadcaster, topic string, log zerolog.Logger) *Bridge {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bridge{
		broker: broker,
		local:  local,
		topic:  topic,
		log:    log.With().Str("component", "fanout").Str("topic", topic).Logger(),
	}
}

// Publish marshals msg and publishes it keyed by room id.
func (b *Bridge) Publish(ctx context.Context, msg wire.Broadcast) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if err := b.broker.Publish(ctx, b.topic, strconv.FormatInt(msg.RoomID, 10), payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// Subscribe attaches the bridge to the broker. It is called by Run when
// needed; calling it first lets startup fail fast and guarantees that
// publishes made after it returns are consumed.
func (b *Bridge) Subscribe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.feed != nil {
		return nil
	}
	feed, err := b.broker.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}
	b.feed = feed
	return nil
}

// Run consumes the broker until ctx ends. Payloads that are not JSON objects
// with a numeric roomId are logged and dropped. It returns nil on
// cancellation and ErrSubscriptionClosed if the broker ends the feed first.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Subscribe(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	feed := b.feed
	b.mu.Unlock()

	b.log.Info().Msg("Fanout consumer started")
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Fanout consumer stopped")
			return nil
		case payload, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				b.log.Error().Msg("Broker subscription closed")
				return ErrSubscriptionClosed
			}
			b.dispatch(payload)
		}
	}
}

func (b *Bridge) dispatch(payload []byte) {
	roomID, ok := wire.RoomIDOf(payload)
	if !ok {
		b.log.Warn().Int("size", len(payload)).Msg("Dropping broker message without numeric roomId")
		return
	}
	delivered := b.local.Broadcast(roomID, payload)
	b.log.Debug().Int64("room_id", roomID).Int("delivered", delivered).Msg("Broadcast delivered")
}
