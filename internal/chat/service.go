// Package chat runs the send pipeline for a single inbound chat message:
// persist, resolve the sender's nickname, then publish to every instance.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/Tyrowin/chatrelay/internal/wire"
)

var (
	// ErrPersist wraps a failure to store the message. Nothing was published.
	ErrPersist = errors.New("persist chat message")
	// ErrResolve wraps a failure to resolve the sender nickname. The message
	// is stored but was not published.
	ErrResolve = errors.New("resolve sender nickname")
	// ErrPublish wraps a broker failure. The message is stored.
	ErrPublish = errors.New("publish chat message")
)

// Store appends chat messages.
type Store interface {
	AppendMessage(ctx context.Context, roomID, senderID int64, text string) (*store.Message, error)
}

// Publisher fans a broadcast out to every instance.
type Publisher interface {
	Publish(ctx context.Context, msg wire.Broadcast) error
}

// Service sends chat messages.
type Service struct {
	store     Store
	nicknames NicknameSource
	publisher Publisher
	observer  Observer
}

// NewService wires the pipeline. A nil observer discards outcomes.
func NewService(st Store, nicknames NicknameSource, pub Publisher, obs Observer) *Service {
	if obs == nil {
		obs = discardObserver{}
	}
	return &Service{store: st, nicknames: nicknames, publisher: pub, observer: obs}
}

// Send persists msg and publishes it. The append always completes before
// the publish starts; a failed append publishes nothing.
func (s *Service) Send(ctx context.Context, msg wire.Chat) error {
	stored, err := s.store.AppendMessage(ctx, msg.RoomID, msg.SenderID, msg.Message)
	if err != nil {
		return s.fail(msg, fmt.Errorf("%w: %w", ErrPersist, err))
	}

	nick, err := s.nicknames.Nickname(ctx, msg.SenderID)
	if err != nil {
		return s.fail(msg, fmt.Errorf("%w: %w", ErrResolve, err))
	}

	out := wire.Broadcast{
		RoomID:   msg.RoomID,
		SenderID: msg.SenderID,
		NickName: nick,
		Message:  msg.Message,
	}
	if err := s.publisher.Publish(ctx, out); err != nil {
		return s.fail(msg, fmt.Errorf("%w: %w", ErrPublish, err))
	}

	s.observer.Delivered(msg, stored.ID)
	return nil
}

func (s *Service) fail(msg wire.Chat, err error) error {
	s.observer.Failed(msg, err)
	return err
}

type discardObserver struct{}

func (discardObserver) Delivered(wire.Chat, int64) {}
func (discardObserver) Failed(wire.Chat, error)    {}
