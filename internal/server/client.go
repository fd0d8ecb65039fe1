package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/session"
	"github.com/Tyrowin/chatrelay/internal/wire"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Client is one authenticated WebSocket stream. It owns the socket and the
// registry entry for its connection id.
type Client struct {
	id       string
	conn     *websocket.Conn
	session  *session.Connection
	srv      *Server
	userID   int64
	homeRoom int64
	addr     string
	limiter  *rateLimiter
	log      zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(srv *Server, conn *websocket.Conn, id string, identity auth.Identity, homeRoom int64, addr string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(srv.cfg.MaxMessageSize)

	return &Client{
		id:       id,
		conn:     conn,
		session:  srv.registry.Register(id),
		srv:      srv,
		userID:   identity.UserID,
		homeRoom: homeRoom,
		addr:     addr,
		limiter:  newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval),
		log: srv.log.With().
			Str("conn_id", id).
			Int64("user_id", identity.UserID).
			Str("remote", addr).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run drives both pumps and returns once both have exited.
func (c *Client) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump()
	wg.Wait()
}

// teardown removes the connection from the registry exactly once. Removal
// closes the outbound channel, which makes the write pump send a close frame
// and release the socket.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.srv.registry.Remove(c.id)
	})
}

func (c *Client) closeSocket() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn().Err(err).Msg("Error closing connection")
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.srv.cfg.MaxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("Unexpected WebSocket close")
	default:
		c.log.Warn().Err(err).Msg("WebSocket read error")
	}
}

func (c *Client) readPump() {
	defer c.teardown()

	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.limiter.allow() {
			c.log.Debug().
				Int("burst", c.srv.cfg.RateLimit.Burst).
				Dur("interval", c.srv.cfg.RateLimit.RefillInterval).
				Msg("Rate limit exceeded; discarding message")
			continue
		}

		c.handleFrame(raw)
	}
}

// handleFrame parses one inbound frame and dispatches it. Rejected frames
// are logged and dropped; the client never receives an error frame.
func (c *Client) handleFrame(raw []byte) {
	cmd, err := wire.ParseInbound(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("Invalid message")
		return
	}

	switch m := cmd.(type) {
	case wire.Subscribe:
		c.subscribe(m.RoomID)
	case wire.Unsubscribe:
		c.srv.registry.Unsubscribe(c.id, m.RoomID)
		c.log.Debug().Int64("room_id", m.RoomID).Msg("Unsubscribed")
	case wire.Chat:
		c.chat(m)
	}
}

func (c *Client) subscribe(roomID int64) {
	if !c.mayAccess(roomID) {
		c.log.Warn().Int64("room_id", roomID).Msg("Subscribe refused: not a participant")
		return
	}
	if err := c.srv.registry.Subscribe(c.id, roomID); err != nil {
		c.log.Debug().Err(err).Int64("room_id", roomID).Msg("Subscribe failed")
		return
	}
	c.log.Debug().Int64("room_id", roomID).Msg("Subscribed")
}

func (c *Client) chat(m wire.Chat) {
	if m.SenderID != c.userID {
		c.log.Warn().Int64("sender_id", m.SenderID).Int64("room_id", m.RoomID).Msg("Chat dropped: sender does not match token")
		return
	}
	if !c.mayAccess(m.RoomID) {
		c.log.Warn().Int64("room_id", m.RoomID).Msg("Chat dropped: not a participant")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.CommandTimeout)
	defer cancel()

	// Failures are reported by the chat service observer.
	_ = c.srv.chat.Send(ctx, m)
}

// mayAccess reports whether the user may use roomID. The handshake room was
// checked before the upgrade; any other room asks the oracle, failing closed.
func (c *Client) mayAccess(roomID int64) bool {
	if roomID == c.homeRoom {
		return true
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.CommandTimeout)
	defer cancel()

	ok, err := c.srv.oracle.IsParticipant(ctx, c.userID, roomID)
	if err != nil {
		c.log.Warn().Err(err).Int64("room_id", roomID).Msg("Membership check failed")
		return false
	}
	return ok
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
		c.closeSocket()
	}()

	outbound := c.session.Outbound()
	for {
		select {
		case message, ok := <-outbound:
			if !ok {
				c.writeClose()
				return
			}
			if !c.writeText(message) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

func (c *Client) writeClose() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("Error writing close message")
	}
}

// writeText sends one broadcast per text frame.
func (c *Client) writeText(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error writing message")
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error writing ping message")
		}
		return false
	}
	return true
}
