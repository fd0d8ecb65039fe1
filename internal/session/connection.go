package session

import (
	"sort"
	"sync"
)

// Connection is the registry's view of one live client stream: its room
// subscriptions and its bounded outbound queue.
type Connection struct {
	id string

	mu     sync.RWMutex
	rooms  map[int64]struct{}
	send   chan []byte
	closed bool
}

func newConnection(id string, buffer int) *Connection {
	return &Connection{
		id:    id,
		rooms: make(map[int64]struct{}),
		send:  make(chan []byte, buffer),
	}
}

// ID returns the connection id assigned at accept time.
func (c *Connection) ID() string {
	return c.id
}

// Outbound returns the queue of serialized frames awaiting delivery. It is
// closed when the connection is removed from the registry.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Rooms returns the subscribed room ids in ascending order.
func (c *Connection) Rooms() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]int64, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Closed reports whether the connection has been removed.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// trySend enqueues payload without blocking. The read lock keeps the channel
// open for the duration of the send; close happens under the write lock.
func (c *Connection) trySend(payload []byte) (sent bool, open bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false, false
	}

	select {
	case c.send <- payload:
		return true, true
	default:
		return false, true
	}
}
