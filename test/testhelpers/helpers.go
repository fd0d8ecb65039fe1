// Package testhelpers provides common utilities for the chatrelay integration tests.
//
// It boots complete server instances from the public constructors, runs an
// embedded JetStream server so several instances can share a broker, and
// wraps the WebSocket and REST calls the tests make.
package testhelpers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/fanout"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/session"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	// Secret signs every token issued by the helpers.
	Secret = "integration-secret-for-hs256-signing"
	// Origin is the Origin header sent by ConnectWebSocket.
	Origin = "http://localhost:8080"
	topic  = "chat"
)

// RunNATSServer starts an embedded JetStream server and returns its client URL.
func RunNATSServer(t *testing.T) string {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

// OpenStore opens a private in-memory database. Instances of one test share it.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Instance is one running chatrelay server.
type Instance struct {
	Server   *server.Server
	HTTP     *httptest.Server
	Registry *session.Registry

	broker fanout.Broker
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewNATSInstance starts an instance whose broker is the JetStream server at natsURL.
func NewNATSInstance(t *testing.T, st *store.Store, natsURL string) *Instance {
	t.Helper()
	broker, err := fanout.NewNATSBroker(fanout.NATSConfig{
		URL:     natsURL,
		MaxAge:  time.Minute,
		Storage: jetstream.MemoryStorage,
	}, zerolog.Nop())
	require.NoError(t, err)
	return NewInstance(t, st, broker)
}

// NewInstance wires registry, bridge, chat service and server over broker,
// which the instance owns from then on.
func NewInstance(t *testing.T, st *store.Store, broker fanout.Broker) *Instance {
	t.Helper()

	registry := session.NewRegistry()
	bridge := fanout.NewBridge(broker, registry, topic, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bridge.Subscribe(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()

	cfg := server.NewConfig()
	cfg.CommandTimeout = 3 * time.Second
	cfg.RateLimit = server.RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	cfg.ShutdownTimeout = 3 * time.Second

	srv := server.New(cfg, server.Deps{
		Registry: registry,
		Verifier: auth.NewVerifier(Secret),
		Store:    st,
		Chat:     chat.NewService(st, chat.NewNicknameCache(st, time.Minute), bridge, nil),
		Logger:   zerolog.Nop(),
	})

	inst := &Instance{
		Server:   srv,
		HTTP:     httptest.NewServer(srv.Routes()),
		Registry: registry,
		broker:   broker,
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(inst.Stop)
	return inst
}

// Stop shuts the instance down in production order. It is safe to call twice.
func (i *Instance) Stop() {
	if i.closed {
		return
	}
	i.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = i.Server.Shutdown(ctx)
	i.HTTP.Close()
	i.cancel()
	<-i.done
	i.Registry.Shutdown()
	_ = i.broker.Close()
}

// URL returns the instance's WebSocket endpoint for token and roomID.
func (i *Instance) URL(token string, roomID int64) string {
	q := url.Values{}
	q.Set("access", token)
	q.Set("roomId", strconv.FormatInt(roomID, 10))
	return "ws" + strings.TrimPrefix(i.HTTP.URL, "http") + "/v1/chat/connect?" + q.Encode()
}

// User creates a user and returns it with a fresh access token.
func User(t *testing.T, st *store.Store, nickname string) (*store.User, string) {
	t.Helper()
	u, err := st.CreateUser(context.Background(), nickname+"@example.com", nickname, "USER")
	require.NoError(t, err)
	token, err := auth.NewVerifier(Secret).Issue(u.ID, "USER", auth.CategoryAccess, time.Hour)
	require.NoError(t, err)
	return u, token
}

// GroupRoom creates a group room owned by owner with members joined.
func GroupRoom(t *testing.T, st *store.Store, name string, owner int64, members ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	room, err := st.CreateGroupRoom(ctx, name, owner)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, st.JoinGroupRoom(ctx, room.ID, m))
	}
	return room.ID
}

// MakeRequest executes an HTTP request with an optional access token.
// It includes a 5-second timeout and fails the test if the request cannot be
// executed.
func MakeRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "Failed to create request")
	if token != "" {
		req.Header.Set("access", token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err, "Failed to make request")
	return resp
}

// ConnectWebSocket dials url with the allowed Origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", Origin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Join connects to roomID through inst and subscribes to it, waiting until
// the registry has wantSubscribers for the room.
func Join(t *testing.T, inst *Instance, token string, roomID int64, wantSubscribers int) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(inst.URL(token, roomID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(fmt.Sprintf(`{"type":"subscribe","roomId":%d}`, roomID))))
	require.Eventually(t, func() bool {
		return len(inst.Registry.Subscribers(roomID)) == wantSubscribers
	}, 3*time.Second, 10*time.Millisecond)
	return conn
}

// SendChat writes a chat frame.
func SendChat(t *testing.T, conn *websocket.Conn, roomID, senderID int64, text string) {
	t.Helper()
	frame := fmt.Sprintf(`{"type":"chat","roomId":%d,"senderId":%d,"message":%q}`, roomID, senderID, text)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// ReceiveMessage reads one JSON frame within timeout.
func ReceiveMessage(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var message map[string]any
	err := conn.ReadJSON(&message)
	return message, err
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
