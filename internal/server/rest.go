package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Error codes of the REST error envelope.
const (
	CodeInvalidInput   = "E-C001"
	CodeNotGroupChat   = "E-C003"
	CodeUnauthorized   = "E-AU001"
	CodeAccessDenied   = "E-AU002"
	CodeMemberNotFound = "E-M001"
	CodeRoomNotFound   = "E-R001"
	CodeInternal       = "E-S001"
)

type identityKey struct{}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}

// requireAccess verifies the "access" header and puts the identity on the
// request context.
func (s *Server) requireAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Verify(r.Header.Get("access"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Success: true, Data: data})
}

// classify maps a domain error onto its HTTP status and envelope code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, store.ErrNotGroupChat):
		return http.StatusBadRequest, CodeNotGroupChat
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, CodeAccessDenied
	case errors.Is(err, store.ErrMemberNotFound):
		return http.StatusNotFound, CodeMemberNotFound
	case errors.Is(err, store.ErrRoomNotFound):
		return http.StatusNotFound, CodeRoomNotFound
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		message = "internal server error"
	}
	writeJSON(w, status, errorResponse{Status: status, Code: code, Message: message})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, store.ErrInvalidInput
	}
	return id, nil
}

func (s *Server) createGroupRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	room, err := s.rooms.CreateGroupRoom(r.Context(), r.URL.Query().Get("roomName"), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, room)
}

func (s *Server) listGroupRooms(w http.ResponseWriter, r *http.Request) {
	page := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 0 {
			s.writeError(w, r, store.ErrInvalidInput)
			return
		}
		page = p
	}

	result, err := s.rooms.ListGroupRooms(r.Context(), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) groupRoomByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		s.writeError(w, r, store.ErrInvalidInput)
		return
	}
	room, err := s.rooms.GroupRoomByName(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, room)
}

func (s *Server) joinGroupRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	roomID, err := pathID(r, "roomId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.rooms.JoinGroupRoom(r.Context(), roomID, id.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) leaveGroupRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	roomID, err := pathID(r, "roomId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.rooms.LeaveGroupRoom(r.Context(), roomID, id.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) createPrivateRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	otherID, err := strconv.ParseInt(r.URL.Query().Get("otherMemberId"), 10, 64)
	if err != nil || otherID <= 0 {
		s.writeError(w, r, store.ErrInvalidInput)
		return
	}
	roomID, err := s.rooms.GetOrCreatePrivateRoom(r.Context(), otherID, id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"roomId": roomID})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	roomID, err := pathID(r, "roomId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.rooms.History(r.Context(), roomID, id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	roomID, err := pathID(r, "roomId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.rooms.MarkRead(r.Context(), roomID, id.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) myRooms(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	rooms, err := s.rooms.MyRooms(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rooms)
}
