package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/store"
	"github.com/Tyrowin/chatrelay/internal/wire"
)

// TokenVerifier validates access tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// MembershipOracle answers whether a user belongs to a room. An error means
// the answer is unknown and access is refused.
type MembershipOracle interface {
	IsParticipant(ctx context.Context, userID, roomID int64) (bool, error)
}

// MessageSender runs the chat send pipeline.
type MessageSender interface {
	Send(ctx context.Context, msg wire.Chat) error
}

// RoomStore backs the REST room and history endpoints.
type RoomStore interface {
	MembershipOracle
	CreateGroupRoom(ctx context.Context, name string, userID int64) (*store.Room, error)
	ListGroupRooms(ctx context.Context, page int) (store.RoomPage, error)
	GroupRoomByName(ctx context.Context, name string) (*store.Room, error)
	JoinGroupRoom(ctx context.Context, roomID, userID int64) error
	LeaveGroupRoom(ctx context.Context, roomID, userID int64) error
	GetOrCreatePrivateRoom(ctx context.Context, otherID, userID int64) (int64, error)
	History(ctx context.Context, roomID, userID int64) ([]store.HistoryEntry, error)
	MarkRead(ctx context.Context, roomID, userID int64) error
	MyRooms(ctx context.Context, userID int64) ([]store.RoomSummary, error)
}

// successResponse is the REST success envelope.
type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// errorResponse is the REST error envelope.
type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
