package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

// handshakeError is a rejected stream handshake.
type handshakeError struct {
	status int
	reason string
	err    error
}

func (e *handshakeError) Error() string { return e.reason }

func (e *handshakeError) Unwrap() error { return e.err }

// authorizeHandshake checks the access token, then the room id, then room
// membership. An expired token never reaches the membership check.
func (s *Server) authorizeHandshake(r *http.Request) (auth.Identity, int64, error) {
	query := r.URL.Query()

	identity, err := s.verifier.Verify(query.Get("access"))
	if err != nil {
		reason := "invalid access token"
		if errors.Is(err, auth.ErrExpiredToken) {
			reason = "access token expired"
		}
		return auth.Identity{}, 0, &handshakeError{status: http.StatusUnauthorized, reason: reason, err: err}
	}

	roomID, err := strconv.ParseInt(strings.TrimSpace(query.Get("roomId")), 10, 64)
	if err != nil {
		return auth.Identity{}, 0, &handshakeError{status: http.StatusUnauthorized, reason: "invalid roomId", err: err}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	ok, err := s.oracle.IsParticipant(ctx, identity.UserID, roomID)
	if err != nil {
		return auth.Identity{}, 0, &handshakeError{status: http.StatusUnauthorized, reason: "membership check failed", err: err}
	}
	if !ok {
		return auth.Identity{}, 0, &handshakeError{status: http.StatusForbidden, reason: "not a participant of this room"}
	}
	return identity, roomID, nil
}

// ConnectHandler authorizes the handshake, upgrades to WebSocket and serves
// the stream until it closes.
func (s *Server) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	identity, roomID, err := s.authorizeHandshake(r)
	if err != nil {
		var hs *handshakeError
		if !errors.As(err, &hs) {
			hs = &handshakeError{status: http.StatusUnauthorized, reason: "unauthorized", err: err}
		}
		s.log.Warn().
			AnErr("cause", hs.err).
			Int("status", hs.status).
			Str("remote", r.RemoteAddr).
			Msg("Handshake rejected: " + hs.reason)
		http.Error(w, hs.reason, hs.status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s, conn, uuid.NewString(), identity, roomID, r.RemoteAddr)
	if err := s.hub.serve(client); err != nil {
		s.log.Info().Err(err).Msg("Client refused")
	}
}

// HealthHandler responds with a plain text message indicating the server is running.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "chatrelay server is running!")
}

// StatsHandler reports local connection and room counts.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"clients":     s.hub.Len(),
		"connections": s.registry.Len(),
		"rooms":       s.registry.RoomCount(),
	})
}
