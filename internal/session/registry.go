// Package session keeps the process-local bookkeeping of live chat
// connections and their room subscriptions, and performs local broadcasts.
//
// The registry is sharded: connections by a hash of their id and rooms by room
// id, so unrelated connections and rooms never contend on one lock. A
// connection's own mutex is always taken before a room shard's lock.
package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const (
	shardCount        = 32
	defaultSendBuffer = 256
)

// ErrUnknownConnection is returned when subscribing a connection that is not
// registered or has already been removed.
var ErrUnknownConnection = errors.New("session: unknown connection")

// DropFunc is called when a broadcast could not be enqueued because the
// subscriber's outbound queue was full.
type DropFunc func(connectionID string, roomID int64)

// Option configures a Registry.
type Option func(*Registry)

// WithSendBuffer sets the capacity of each connection's outbound queue.
func WithSendBuffer(size int) Option {
	return func(r *Registry) {
		if size > 0 {
			r.sendBuffer = size
		}
	}
}

// WithDropHandler installs a hook for dropped deliveries.
func WithDropHandler(fn DropFunc) Option {
	return func(r *Registry) {
		r.onDrop = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]*Connection
}

// Registry maps connection ids to connections and room ids to their
// subscribers. The two indices are kept exact inverses of each other.
type Registry struct {
	conns [shardCount]connShard
	rooms [shardCount]roomShard

	sendBuffer int
	onDrop     DropFunc
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sendBuffer: defaultSendBuffer,
		logger:     zerolog.Nop(),
	}
	for i := range r.conns {
		r.conns[i].conns = make(map[string]*Connection)
		r.rooms[i].rooms = make(map[int64]map[string]*Connection)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) connShardFor(id string) *connShard {
	return &r.conns[xxhash.Sum64String(id)%shardCount]
}

func (r *Registry) roomShardFor(roomID int64) *roomShard {
	return &r.rooms[uint64(roomID)%shardCount]
}

// Register returns the connection for id, creating it on first use.
// Concurrent calls with the same id observe a single connection.
func (r *Registry) Register(id string) *Connection {
	shard := r.connShardFor(id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if conn, ok := shard.conns[id]; ok {
		return conn
	}
	conn := newConnection(id, r.sendBuffer)
	shard.conns[id] = conn
	r.logger.Debug().Str("connection", id).Msg("Connection registered")
	return conn
}

// Get looks up a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	shard := r.connShardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	conn, ok := shard.conns[id]
	return conn, ok
}

// Remove detaches the connection from every room and closes its outbound
// queue. It reports whether this call performed the removal; later calls are
// no-ops.
func (r *Registry) Remove(id string) bool {
	shard := r.connShardFor(id)
	shard.mu.Lock()
	conn, ok := shard.conns[id]
	if ok {
		delete(shard.conns, id)
	}
	shard.mu.Unlock()

	if !ok {
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return false
	}
	conn.closed = true
	for roomID := range conn.rooms {
		r.detach(roomID, id)
	}
	conn.rooms = make(map[int64]struct{})
	close(conn.send)

	r.logger.Debug().Str("connection", id).Msg("Connection removed")
	return true
}

// Subscribe adds roomID to the connection's subscriptions. Subscribing twice
// is a no-op.
func (r *Registry) Subscribe(id string, roomID int64) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return ErrUnknownConnection
	}

	shard := r.roomShardFor(roomID)
	shard.mu.Lock()
	subscribers, ok := shard.rooms[roomID]
	if !ok {
		subscribers = make(map[string]*Connection)
		shard.rooms[roomID] = subscribers
	}
	subscribers[id] = conn
	conn.rooms[roomID] = struct{}{}
	shard.mu.Unlock()

	return nil
}

// Unsubscribe removes roomID from the connection's subscriptions. Unknown
// connections and rooms not joined are ignored.
func (r *Registry) Unsubscribe(id string, roomID int64) {
	conn, ok := r.Get(id)
	if !ok {
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return
	}
	if _, joined := conn.rooms[roomID]; !joined {
		return
	}
	delete(conn.rooms, roomID)
	r.detach(roomID, id)
}

// detach removes id from roomID's subscribers, pruning the room when empty.
// The caller holds the connection's lock.
func (r *Registry) detach(roomID int64, id string) {
	shard := r.roomShardFor(roomID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	subscribers, ok := shard.rooms[roomID]
	if !ok {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(shard.rooms, roomID)
	}
}

// Broadcast enqueues payload on every connection subscribed to roomID and
// returns how many accepted it. A full queue drops the payload for that
// subscriber only; the broadcaster never blocks.
func (r *Registry) Broadcast(roomID int64, payload []byte) int {
	shard := r.roomShardFor(roomID)
	shard.mu.RLock()
	subscribers := make([]*Connection, 0, len(shard.rooms[roomID]))
	for _, conn := range shard.rooms[roomID] {
		subscribers = append(subscribers, conn)
	}
	shard.mu.RUnlock()

	delivered := 0
	for _, conn := range subscribers {
		sent, open := conn.trySend(payload)
		switch {
		case sent:
			delivered++
		case open:
			r.logger.Warn().Str("connection", conn.id).Int64("room", roomID).Msg("Send buffer full; dropping message")
			if r.onDrop != nil {
				r.onDrop(conn.id, roomID)
			}
		}
	}
	return delivered
}

// Subscribers returns the ids of connections subscribed to roomID, sorted.
func (r *Registry) Subscribers(roomID int64) []string {
	shard := r.roomShardFor(roomID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	ids := make([]string, 0, len(shard.rooms[roomID]))
	for id := range shard.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	total := 0
	for i := range r.conns {
		r.conns[i].mu.RLock()
		total += len(r.conns[i].conns)
		r.conns[i].mu.RUnlock()
	}
	return total
}

// RoomCount returns the number of rooms with at least one subscriber.
func (r *Registry) RoomCount() int {
	total := 0
	for i := range r.rooms {
		r.rooms[i].mu.RLock()
		total += len(r.rooms[i].rooms)
		r.rooms[i].mu.RUnlock()
	}
	return total
}

// Shutdown removes every connection, closing all outbound queues so their
// writers send a close frame and exit.
func (r *Registry) Shutdown() int {
	var ids []string
	for i := range r.conns {
		r.conns[i].mu.RLock()
		for id := range r.conns[i].conns {
			ids = append(ids, id)
		}
		r.conns[i].mu.RUnlock()
	}

	removed := 0
	for _, id := range ids {
		if r.Remove(id) {
			removed++
		}
	}
	r.logger.Info().Int("connections", removed).Msg("Closed client connections")
	return removed
}
