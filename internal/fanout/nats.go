package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const natsBuffer = 256

// NATSConfig holds JetStream broker settings.
type NATSConfig struct {
	URL string
	// MaxAge bounds how long broadcasts are retained in the stream.
	MaxAge time.Duration
	// Storage selects file or memory retention.
	Storage jetstream.StorageType
}

// DefaultNATSConfig returns the default JetStream broker settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		MaxAge:  time.Hour,
		Storage: jetstream.FileStorage,
	}
}

// NATSBroker carries payloads over a JetStream stream per topic. Publishes go
// to subject "<topic>.<key>", so each room is its own partition. Every
// subscription is an ordered ephemeral consumer starting at new messages, so
// each instance sees every broadcast.
type NATSBroker struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg NATSConfig
	log zerolog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream

	done      chan struct{}
	closeOnce sync.Once
}

// NewNATSBroker connects to NATS and sets up JetStream.
func NewNATSBroker(cfg NATSConfig, log zerolog.Logger) (*NATSBroker, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("chatrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &NATSBroker{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		log:     log.With().Str("component", "nats_broker").Logger(),
		streams: make(map[string]jetstream.Stream),
		done:    make(chan struct{}),
	}
	b.log.Info().Str("url", cfg.URL).Msg("Connected to NATS")
	return b, nil
}

// StreamName returns the JetStream stream name used for topic.
func StreamName(topic string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, topic)
	return strings.ToUpper(name)
}

func (b *NATSBroker) stream(ctx context.Context, topic string) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[topic]; ok {
		return s, nil
	}

	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName(topic),
		Description: "Chat broadcasts for " + topic,
		Subjects:    []string{topic + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      b.cfg.MaxAge,
		Storage:     b.cfg.Storage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream for %s: %w", topic, err)
	}
	b.streams[topic] = s
	return s, nil
}

func (b *NATSBroker) Publish(ctx context.Context, topic, key string, payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if _, err := b.stream(ctx, topic); err != nil {
		return err
	}
	if key == "" {
		key = "_"
	}

	ack, err := b.js.Publish(ctx, topic+"."+key, payload)
	if err != nil {
		return fmt.Errorf("failed to publish to %s.%s: %w", topic, key, err)
	}
	b.log.Debug().Str("stream", ack.Stream).Uint64("sequence", ack.Sequence).Msg("Published broadcast")
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}
	s, err := b.stream(ctx, topic)
	if err != nil {
		return nil, err
	}

	consumer, err := b.js.OrderedConsumer(ctx, s.CachedInfo().Config.Name, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{topic + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", topic, err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to create message iterator: %w", err)
	}

	out := make(chan []byte, natsBuffer)
	stop := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		case <-stop:
		}
		iter.Stop()
	}()

	go func() {
		defer close(out)
		defer close(stop)

		failures := 0
		for {
			msg, err := iter.Next()
			if err != nil {
				if terminalIterError(err) || ctx.Err() != nil || b.isClosed() {
					return
				}
				failures++
				b.log.Warn().Err(err).Int("failures", failures).Msg("Error fetching message")
				select {
				case <-time.After(iterBackoff(failures)):
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
				continue
			}
			failures = 0

			select {
			case out <- msg.Data():
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()

	b.log.Info().Str("stream", StreamName(topic)).Msg("Subscribed to stream")
	return out, nil
}

const (
	iterBackoffBase = 50 * time.Millisecond
	iterBackoffMax  = 5 * time.Second
)

// terminalIterError reports whether err ends a subscription for good.
func terminalIterError(err error) bool {
	return errors.Is(err, jetstream.ErrMsgIteratorClosed) ||
		errors.Is(err, nats.ErrConnectionClosed)
}

// iterBackoff is the pause after the n-th consecutive fetch error, doubling
// from iterBackoffBase up to iterBackoffMax.
func iterBackoff(n int) time.Duration {
	d := iterBackoffBase
	for i := 1; i < n && d < iterBackoffMax; i++ {
		d *= 2
	}
	return min(d, iterBackoffMax)
}

func (b *NATSBroker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *NATSBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
		b.log.Info().Msg("NATS connection closed")
	})
	return nil
}
