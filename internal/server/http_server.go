package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/session"
)

// Deps are the collaborators a Server needs.
type Deps struct {
	Registry *session.Registry
	Verifier TokenVerifier
	Store    RoomStore
	Chat     MessageSender
	Logger   zerolog.Logger
}

// Server is the chat HTTP and WebSocket front end of one instance.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *session.Registry
	verifier TokenVerifier
	oracle   MembershipOracle
	rooms    RoomStore
	chat     MessageSender
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds a Server from cfg and deps.
func New(cfg Config, deps Deps) *Server {
	cfg = sanitizeConfig(cfg)
	log := deps.Logger.With().Str("component", "server").Logger()

	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: deps.Registry,
		verifier: deps.Verifier,
		oracle:   deps.Store,
		rooms:    deps.Store,
		chat:     deps.Chat,
		hub:      NewHub(log),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.http = CreateServer(cfg.Port, s.Routes())
	return s
}

// CreateServer creates an HTTP server with the specified port and handler and
// reasonable timeouts for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Clients returns the number of live WebSocket clients.
func (s *Server) Clients() int {
	return s.hub.Len()
}

// ListenAndServe blocks serving HTTP. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("Server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every WebSocket client and
// waits for their pumps. Hijacked WebSocket connections are not tracked by
// http.Server, so the hub closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")

	httpErr := s.http.Shutdown(ctx)

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	hubErr := s.hub.Shutdown(timeout)

	if err := errors.Join(httpErr, hubErr); err != nil {
		s.log.Warn().Err(err).Msg("Server shutdown incomplete")
		return err
	}
	s.log.Info().Msg("HTTP server shutdown completed")
	return nil
}
