// Package wire defines the JSON frames exchanged over the chat stream and the
// broker.
//
// Inbound frames are decoded up front into one of three closed variants
// (Subscribe, Unsubscribe, Chat). Outbound frames have a single shape,
// Broadcast, which is also the broker payload.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the discriminator of an inbound frame.
type Kind string

const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindChat        Kind = "chat"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrUnknownKind is returned for frames with an unrecognized type.
	ErrUnknownKind = errors.New("wire: unknown frame type")
	// ErrMissingField is returned when a variant lacks a required field.
	ErrMissingField = errors.New("wire: missing required field")
)

// Inbound is a decoded client command. Exactly one of the concrete types
// Subscribe, Unsubscribe or Chat implements it.
type Inbound interface {
	Kind() Kind
	inbound()
}

// Subscribe asks to receive broadcasts for RoomID.
type Subscribe struct {
	RoomID int64
}

// Unsubscribe stops broadcasts for RoomID.
type Unsubscribe struct {
	RoomID int64
}

// Chat is a message sent by SenderID into RoomID.
type Chat struct {
	RoomID   int64
	SenderID int64
	Message  string
}

func (Subscribe) Kind() Kind   { return KindSubscribe }
func (Unsubscribe) Kind() Kind { return KindUnsubscribe }
func (Chat) Kind() Kind        { return KindChat }

func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (Chat) inbound()        {}

// Broadcast is the outbound frame delivered to every subscriber of a room.
type Broadcast struct {
	RoomID   int64  `json:"roomId"`
	SenderID int64  `json:"senderId"`
	NickName string `json:"nickName"`
	Message  string `json:"message"`
}

// Marshal encodes the broadcast as the broker/stream payload.
func (b Broadcast) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

type rawInbound struct {
	Type     string          `json:"type"`
	RoomID   json.RawMessage `json:"roomId"`
	SenderID json.RawMessage `json:"senderId"`
	Message  *string         `json:"message"`
}

// ParseInbound decodes a text frame. Type matching is case-insensitive and ids
// may be JSON numbers or numeric strings.
func ParseInbound(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	roomID, hasRoom := parseID(raw.RoomID)

	switch Kind(strings.ToLower(strings.TrimSpace(raw.Type))) {
	case KindSubscribe:
		if !hasRoom {
			return nil, fmt.Errorf("%w: roomId", ErrMissingField)
		}
		return Subscribe{RoomID: roomID}, nil
	case KindUnsubscribe:
		if !hasRoom {
			return nil, fmt.Errorf("%w: roomId", ErrMissingField)
		}
		return Unsubscribe{RoomID: roomID}, nil
	case KindChat:
		senderID, hasSender := parseID(raw.SenderID)
		switch {
		case !hasRoom:
			return nil, fmt.Errorf("%w: roomId", ErrMissingField)
		case !hasSender:
			return nil, fmt.Errorf("%w: senderId", ErrMissingField)
		case raw.Message == nil:
			return nil, fmt.Errorf("%w: message", ErrMissingField)
		}
		return Chat{RoomID: roomID, SenderID: senderID, Message: *raw.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Type)
	}
}

// RoomIDOf extracts a numeric roomId from a broadcast payload. Payloads that
// are not JSON objects or whose roomId is absent or not a JSON number report
// false.
func RoomIDOf(payload []byte) (int64, bool) {
	var probe struct {
		RoomID json.RawMessage `json:"roomId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0, false
	}
	raw := bytes.TrimSpace(probe.RoomID)
	if len(raw) == 0 || raw[0] == '"' || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	id, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}

func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id, true
		}
		return 0, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
