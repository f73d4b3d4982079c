package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"groupmesh/services"
	"groupmesh/ws"
)

type WSHandler struct {
	hub        *ws.Hub
	sessionSvc *services.SessionService
	router     *ws.Router
}

func NewWSHandler(h *ws.Hub, s *services.SessionService, router *ws.Router) *WSHandler {
	return &WSHandler{hub: h, sessionSvc: s, router: router}
}

// Serve upgrades the connection. The session token travels in the query
// string because browser WebSocket clients cannot set headers.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondWithError(w, "Missing parameter", "token query parameter is required", http.StatusBadRequest)
		return
	}

	uid, uname, err := h.sessionSvc.Verify(token)
	if err != nil {
		logrus.WithError(err).Debug("WebSocket connection rejected: invalid token")
		respondWithError(w, "Unauthorized", "Invalid token", http.StatusUnauthorized)
		return
	}

	h.hub.ServeWS(w, r, uid, uname, h.router)
}
