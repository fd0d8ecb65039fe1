package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/fanout"
	"github.com/Tyrowin/chatrelay/internal/session"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	testSecret = "server-test-secret-for-hs256-signing"
	testOrigin = "http://localhost:8080"
)

// countingStore records how often the membership oracle is consulted.
type countingStore struct {
	*store.Store
	oracleCalls atomic.Int32
}

func (s *countingStore) IsParticipant(ctx context.Context, userID, roomID int64) (bool, error) {
	s.oracleCalls.Add(1)
	return s.Store.IsParticipant(ctx, userID, roomID)
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	store    *countingStore
	verifier *auth.Verifier
	registry *session.Registry
}

// newTestEnv wires a full single-instance stack over an in-memory database
// and broker. mutate may adjust the config before the server is built.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	counting := &countingStore{Store: st}

	registry := session.NewRegistry()
	broker := fanout.NewMemoryBroker()
	bridge := fanout.NewBridge(broker, registry, "chat", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bridge.Subscribe(ctx))
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		_ = bridge.Run(ctx)
	}()

	verifier := auth.NewVerifier(testSecret)
	svc := chat.NewService(st, chat.NewNicknameCache(st, time.Minute), bridge, nil)

	cfg := NewConfig()
	cfg.CommandTimeout = 2 * time.Second
	cfg.RateLimit = RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg, Deps{
		Registry: registry,
		Verifier: verifier,
		Store:    counting,
		Chat:     svc,
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		_ = srv.hub.Shutdown(2 * time.Second)
		ts.Close()
		cancel()
		<-bridgeDone
		_ = broker.Close()
		_ = st.Close()
	})

	return &testEnv{srv: srv, ts: ts, store: counting, verifier: verifier, registry: registry}
}

func (e *testEnv) user(t *testing.T, nickname string) (*store.User, string) {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), nickname+"@example.com", nickname, "USER")
	require.NoError(t, err)
	token, err := e.verifier.Issue(u.ID, "USER", auth.CategoryAccess, time.Hour)
	require.NoError(t, err)
	return u, token
}

func (e *testEnv) groupRoom(t *testing.T, name string, owner int64, members ...int64) int64 {
	t.Helper()
	ctx := context.Background()
	room, err := e.store.CreateGroupRoom(ctx, name, owner)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, e.store.JoinGroupRoom(ctx, room.ID, m))
	}
	return room.ID
}

func (e *testEnv) connectURL(token, roomID string) string {
	q := url.Values{}
	if token != "" {
		q.Set("access", token)
	}
	if roomID != "" {
		q.Set("roomId", roomID)
	}
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/chat/connect?" + q.Encode()
}

func (e *testEnv) dialRaw(token, roomID, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return dialer.Dial(e.connectURL(token, roomID), header)
}

// dial connects and fails the test if the handshake is rejected.
func (e *testEnv) dial(t *testing.T, token string, roomID int64) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dialRaw(token, strconv.FormatInt(roomID, 10), testOrigin)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// subscribe sends a subscribe frame and waits until the registry reflects it.
func (e *testEnv) subscribe(t *testing.T, conn *websocket.Conn, roomID int64, wantSubscribers int) {
	t.Helper()
	sendJSON(t, conn, fmt.Sprintf(`{"type":"subscribe","roomId":%d}`, roomID))
	require.Eventually(t, func() bool {
		return len(e.registry.Subscribers(roomID)) == wantSubscribers
	}, 2*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
	require.True(t, isTimeout(err), "expected read timeout, got %v", err)
}

func (e *testEnv) history(t *testing.T, roomID, userID int64) []store.HistoryEntry {
	t.Helper()
	entries, err := e.store.History(context.Background(), roomID, userID)
	require.NoError(t, err)
	return entries
}
