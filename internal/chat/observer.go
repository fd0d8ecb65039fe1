package chat

import (
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/wire"
)

// Observer is told the outcome of every Send.
type Observer interface {
	Delivered(msg wire.Chat, messageID int64)
	Failed(msg wire.Chat, err error)
}

// LogObserver reports outcomes to a zerolog logger.
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver returns an observer writing to log.
func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

// Delivered logs a published message at debug level.
func (o *LogObserver) Delivered(msg wire.Chat, messageID int64) {
	o.log.Debug().
		Int64("room_id", msg.RoomID).
		Int64("sender_id", msg.SenderID).
		Int64("message_id", messageID).
		Msg("Chat message published")
}

// Failed logs a failed send at error level.
func (o *LogObserver) Failed(msg wire.Chat, err error) {
	o.log.Error().
		Err(err).
		Int64("room_id", msg.RoomID).
		Int64("sender_id", msg.SenderID).
		Msg("Chat message failed")
}
