package store

import "errors"

var (
	// ErrRoomNotFound is returned when a room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMemberNotFound is returned when a user, or their participation in a
	// room, does not exist.
	ErrMemberNotFound = errors.New("member not found")
	// ErrAccessDenied is returned when a user reads a room they are not part of.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotGroupChat is returned for group operations on a 1:1 room.
	ErrNotGroupChat = errors.New("not a group chat")
	// ErrInvalidInput is returned for empty names or self-targeted private rooms.
	ErrInvalidInput = errors.New("invalid input")
)
