package server

import "net/http"

// Routes returns the ServeMux with every application route.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.HealthHandler)
	mux.HandleFunc("GET /stats", s.StatsHandler)

	mux.HandleFunc("GET /v1/chat/connect", s.ConnectHandler)
	mux.HandleFunc("GET /v1/chat/connect/", s.ConnectHandler)

	mux.HandleFunc("POST /v1/chat/room/group/create", s.requireAccess(s.createGroupRoom))
	mux.HandleFunc("GET /v1/chat/room/group/list", s.requireAccess(s.listGroupRooms))
	mux.HandleFunc("GET /v1/chat/room/group", s.requireAccess(s.groupRoomByName))
	mux.HandleFunc("POST /v1/chat/room/group/{roomId}/join", s.requireAccess(s.joinGroupRoom))
	mux.HandleFunc("DELETE /v1/chat/room/group/{roomId}/leave", s.requireAccess(s.leaveGroupRoom))
	mux.HandleFunc("POST /v1/chat/room/private/create", s.requireAccess(s.createPrivateRoom))
	mux.HandleFunc("GET /v1/chat/history/{roomId}", s.requireAccess(s.history))
	mux.HandleFunc("POST /v1/chat/room/{roomId}/read", s.requireAccess(s.markRead))
	mux.HandleFunc("GET /v1/chat/my/rooms", s.requireAccess(s.myRooms))
	return mux
}
