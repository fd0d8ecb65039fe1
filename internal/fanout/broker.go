// Package fanout connects the local session registry to a message broker so
// that a chat message published on any instance reaches subscribers on every
// instance.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPublish wraps a broker publish failure.
	ErrPublish = errors.New("broker publish failed")
	// ErrClosed is returned by a broker after Close.
	ErrClosed = errors.New("broker closed")
	// ErrSubscriptionClosed is returned by Bridge.Run when the broker ends the
	// subscription while the bridge is still running.
	ErrSubscriptionClosed = errors.New("broker subscription closed")
)

// Broker is a topic based publish/subscribe transport. Every subscriber of a
// topic receives every payload published to it after it subscribed.
type Broker interface {
	// Publish sends payload on topic. key partitions the topic where the
	// backend supports it.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe returns a channel of payloads published on topic. The channel
	// is closed when ctx ends or the broker is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

// Backend names a broker implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendNATS   Backend = "nats"
)

// ParseBackend validates a backend name.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendMemory, BackendRedis, BackendNATS:
		return b, nil
	case "":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unknown broker backend %q", name)
	}
}
